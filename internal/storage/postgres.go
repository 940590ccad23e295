package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresStore creates a Store backed by pool.
// queryTimeout sets the per-query context deadline; zero means no timeout.
func NewPostgresStore(pool *pgxpool.Pool, queryTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		pool:         pool,
		queryTimeout: queryTimeout,
	}
}

// withTimeout derives a child context with the configured query timeout.
// If queryTimeout is zero, the parent context is returned unchanged.
func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return ctx, func() {}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, name string, ownerID int64) (Document, tab.Tab, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		doc Document
		t   tab.Tab
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO documents (name, owner_id)
			VALUES ($1, $2)
			RETURNING id, name, owner_id, created_at
		`, name, ownerID).Scan(&doc.ID, &doc.Name, &doc.OwnerID, &doc.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO document_permissions (document_id, user_id, role)
			VALUES ($1, $2, $3)
		`, doc.ID, ownerID, string(RoleOwner)); err != nil {
			return fmt.Errorf("insert owner permission: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO tabs (document_id, name, position)
			VALUES ($1, $2, 0)
			RETURNING id, name, position
		`, doc.ID, DefaultTabName).Scan(&t.ID, &t.Name, &t.Position)
		if err != nil {
			return fmt.Errorf("insert first tab: %w", err)
		}
		return nil
	})
	if err != nil {
		return Document{}, tab.Tab{}, fmt.Errorf("create document: %w", err)
	}
	return doc, t, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, owner_id, created_at FROM documents WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Name, &doc.OwnerID, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// --- permissions ---

func (s *PostgresStore) Role(ctx context.Context, documentID, userID int64) (Role, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role FROM document_permissions WHERE document_id = $1 AND user_id = $2
	`, documentID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoPermission
		}
		return "", fmt.Errorf("get role: %w", err)
	}
	return Role(role), nil
}

func (s *PostgresStore) Grant(ctx context.Context, documentID, userID int64, role Role) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_permissions (document_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, documentID, userID, string(role))
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// --- tabs ---

func (s *PostgresStore) ListTabs(ctx context.Context, documentID int64) ([]tab.Tab, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, position FROM tabs
		WHERE document_id = $1
		ORDER BY position, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	defer rows.Close()

	var tabs []tab.Tab
	for rows.Next() {
		var t tab.Tab
		if err := rows.Scan(&t.ID, &t.Name, &t.Position); err != nil {
			return nil, fmt.Errorf("list tabs scan: %w", err)
		}
		tabs = append(tabs, t)
	}
	return tabs, rows.Err()
}

func (s *PostgresStore) CreateTab(ctx context.Context, documentID int64, name string) (tab.Tab, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var t tab.Tab
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tabs (document_id, name, position)
		SELECT $1, $2, COALESCE(MAX(position) + 1, 0) FROM tabs WHERE document_id = $1
		RETURNING id, name, position
	`, documentID, name).Scan(&t.ID, &t.Name, &t.Position)
	if err != nil {
		return tab.Tab{}, fmt.Errorf("create tab: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RenameTab(ctx context.Context, documentID, tabID int64, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE tabs SET name = $3 WHERE document_id = $1 AND id = $2
	`, documentID, tabID, name)
	if err != nil {
		return fmt.Errorf("rename tab: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTabNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTab(ctx context.Context, documentID, tabID int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM cells WHERE document_id = $1 AND tab_id = $2
		`, documentID, tabID); err != nil {
			return fmt.Errorf("delete tab cells: %w", err)
		}

		var position int
		err := tx.QueryRow(ctx, `
			DELETE FROM tabs WHERE document_id = $1 AND id = $2 RETURNING position
		`, documentID, tabID).Scan(&position)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTabNotFound
			}
			return fmt.Errorf("delete tab: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tabs SET position = position - 1 WHERE document_id = $1 AND position > $2
		`, documentID, position); err != nil {
			return fmt.Errorf("compact tab positions: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ReorderTabs(ctx context.Context, documentID int64, ids []int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, id := range ids {
			batch.Queue(`UPDATE tabs SET position = $3 WHERE document_id = $1 AND id = $2`, documentID, id, i)
		}
		results := tx.SendBatch(ctx, batch)
		for range ids {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return fmt.Errorf("reorder tabs: %w", err)
			}
			if tag.RowsAffected() == 0 {
				results.Close()
				return ErrTabNotFound
			}
		}
		return results.Close()
	})
}

// --- cells ---

func (s *PostgresStore) ListCells(ctx context.Context, documentID, tabID int64) ([]cell.Stored, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT tab_id, row_idx, col_idx, value FROM cells
		WHERE document_id = $1 AND tab_id = $2
		ORDER BY row_idx, col_idx
	`, documentID, tabID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	return collectStored(rows)
}

func collectStored(rows pgx.Rows) ([]cell.Stored, error) {
	var cells []cell.Stored
	for rows.Next() {
		var (
			c   cell.Stored
			raw []byte
		)
		if err := rows.Scan(&c.TabID, &c.Row, &c.Col, &raw); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		v, err := decodeInput(raw)
		if err != nil {
			return nil, err
		}
		c.Input = v
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

func (s *PostgresStore) UpsertCell(ctx context.Context, req cell.WriteRequest) error {
	if req.Input.IsEmpty() {
		return s.DeleteCell(ctx, req.DocumentID, req.TabID, req.Row, req.Col)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := encodeInput(req.Input)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cells (document_id, tab_id, row_idx, col_idx, value, updated_by, updated_by_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT ON CONSTRAINT uq_cells_coord DO UPDATE
		SET value = EXCLUDED.value,
			updated_by = EXCLUDED.updated_by,
			updated_by_name = EXCLUDED.updated_by_name,
			updated_at = EXCLUDED.updated_at
	`, req.DocumentID, req.TabID, req.Row, req.Col, raw, req.UserID, req.UserName)
	if err != nil {
		return fmt.Errorf("upsert cell: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCell(ctx context.Context, documentID, tabID int64, row, col int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		DELETE FROM cells
		WHERE document_id = $1 AND tab_id = $2 AND row_idx = $3 AND col_idx = $4
	`, documentID, tabID, row, col)
	if err != nil {
		return fmt.Errorf("delete cell: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCellMeta(ctx context.Context, documentID, tabID int64, row, col int) (*cell.Meta, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := cell.Meta{DocumentID: documentID, TabID: tabID, Row: row, Col: col}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value, updated_by, updated_by_name, updated_at FROM cells
		WHERE document_id = $1 AND tab_id = $2 AND row_idx = $3 AND col_idx = $4
	`, documentID, tabID, row, col).Scan(&raw, &m.UpdatedBy, &m.UpdatedByName, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCellNotFound
		}
		return nil, fmt.Errorf("get cell meta: %w", err)
	}
	if m.Value, err = decodeInput(raw); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListCellsPage(ctx context.Context, documentID, tabID int64, cursor string, limit int) (*Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit = clampLimit(limit)
	afterRow, afterCol, err := decodeAfter(cursor)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tab_id, row_idx, col_idx, value FROM cells
		WHERE document_id = $1 AND tab_id = $2 AND (row_idx, col_idx) > ($3, $4)
		ORDER BY row_idx, col_idx
		LIMIT $5
	`, documentID, tabID, afterRow, afterCol, limit)
	if err != nil {
		return nil, fmt.Errorf("list cells page: %w", err)
	}
	defer rows.Close()

	cells, err := collectStored(rows)
	if err != nil {
		return nil, err
	}
	return finishPage(cells, limit)
}
