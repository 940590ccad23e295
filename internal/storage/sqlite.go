package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on cells by writer
const currentSchemaVersion = 1

// SQLiteStore implements Store on a single SQLite file for single-node
// deployments and the CLI.
type SQLiteStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// OpenSQLite creates or opens the database at path and applies pragmas and
// migrations. It is safe to call on an existing database.
func OpenSQLite(path string, queryTimeout time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, queryTimeout: queryTimeout}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_cells_updated_by ON cells (document_id, updated_by)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return ctx, func() {}
}

// inTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for stores that share the file and for
// connection pool metrics.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// --- documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, name string, ownerID int64) (Document, tab.Tab, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	created := nowUTC()
	doc := Document{Name: name, OwnerID: ownerID}
	t := tab.Tab{Name: DefaultTabName}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO documents (name, owner_id, created_at) VALUES (?, ?, ?)
		`, name, ownerID, created)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if doc.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("document id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_permissions (document_id, user_id, role) VALUES (?, ?, ?)
		`, doc.ID, ownerID, string(RoleOwner)); err != nil {
			return fmt.Errorf("insert owner permission: %w", err)
		}

		res, err = tx.ExecContext(ctx, `
			INSERT INTO tabs (document_id, name, position) VALUES (?, ?, 0)
		`, doc.ID, DefaultTabName)
		if err != nil {
			return fmt.Errorf("insert first tab: %w", err)
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Document{}, tab.Tab{}, fmt.Errorf("create document: %w", err)
	}
	doc.CreatedAt, _ = parseTime(created)
	return doc, t, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		doc     Document
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at FROM documents WHERE id = ?
	`, documentID).Scan(&doc.ID, &doc.Name, &doc.OwnerID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	if doc.CreatedAt, err = parseTime(created); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// --- permissions ---

func (s *SQLiteStore) Role(ctx context.Context, documentID, userID int64) (Role, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM document_permissions WHERE document_id = ? AND user_id = ?
	`, documentID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoPermission
		}
		return "", fmt.Errorf("get role: %w", err)
	}
	return Role(role), nil
}

func (s *SQLiteStore) Grant(ctx context.Context, documentID, userID int64, role Role) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_permissions (document_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = excluded.role
	`, documentID, userID, string(role))
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// --- tabs ---

func (s *SQLiteStore) ListTabs(ctx context.Context, documentID int64) ([]tab.Tab, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, position FROM tabs WHERE document_id = ? ORDER BY position, id
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

func (s *SQLiteStore) CreateTab(ctx context.Context, documentID int64, name string) (tab.Tab, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	t := tab.Tab{Name: name}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM tabs WHERE document_id = ?
		`, documentID).Scan(&t.Position); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tabs (document_id, name, position) VALUES (?, ?, ?)
		`, documentID, name, t.Position)
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return tab.Tab{}, fmt.Errorf("create tab: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) RenameTab(ctx context.Context, documentID, tabID int64, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tabs SET name = ? WHERE document_id = ? AND id = ?
	`, name, documentID, tabID)
	if err != nil {
		return fmt.Errorf("rename tab: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTabNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteTab(ctx context.Context, documentID, tabID int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var position int
		err := tx.QueryRowContext(ctx, `
			SELECT position FROM tabs WHERE document_id = ? AND id = ?
		`, documentID, tabID).Scan(&position)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTabNotFound
			}
			return fmt.Errorf("delete tab: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cells WHERE document_id = ? AND tab_id = ?
		`, documentID, tabID); err != nil {
			return fmt.Errorf("delete tab cells: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, tabID); err != nil {
			return fmt.Errorf("delete tab: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tabs SET position = position - 1 WHERE document_id = ? AND position > ?
		`, documentID, position); err != nil {
			return fmt.Errorf("compact tab positions: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ReorderTabs(ctx context.Context, documentID int64, ids []int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE tabs SET position = ? WHERE document_id = ? AND id = ?
		`)
		if err != nil {
			return fmt.Errorf("reorder tabs: %w", err)
		}
		defer stmt.Close()

		for i, id := range ids {
			res, err := stmt.ExecContext(ctx, i, documentID, id)
			if err != nil {
				return fmt.Errorf("reorder tabs: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrTabNotFound
			}
		}
		return nil
	})
}

// --- cells ---

func (s *SQLiteStore) ListCells(ctx context.Context, documentID, tabID int64) ([]cell.Stored, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tab_id, row_idx, col_idx, value FROM cells
		WHERE document_id = ? AND tab_id = ?
		ORDER BY row_idx, col_idx
	`, documentID, tabID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	return scanStored(rows)
}

func scanStored(rows *sql.Rows) ([]cell.Stored, error) {
	var cells []cell.Stored
	for rows.Next() {
		var (
			c   cell.Stored
			raw string
		)
		if err := rows.Scan(&c.TabID, &c.Row, &c.Col, &raw); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		v, err := decodeInput([]byte(raw))
		if err != nil {
			return nil, err
		}
		c.Input = v
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

func (s *SQLiteStore) UpsertCell(ctx context.Context, req cell.WriteRequest) error {
	if req.Input.IsEmpty() {
		return s.DeleteCell(ctx, req.DocumentID, req.TabID, req.Row, req.Col)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := encodeInput(req.Input)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cells (document_id, tab_id, row_idx, col_idx, value, updated_by, updated_by_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id, tab_id, row_idx, col_idx) DO UPDATE
		SET value = excluded.value,
			updated_by = excluded.updated_by,
			updated_by_name = excluded.updated_by_name,
			updated_at = excluded.updated_at
	`, req.DocumentID, req.TabID, req.Row, req.Col, string(raw), req.UserID, req.UserName, nowUTC())
	if err != nil {
		return fmt.Errorf("upsert cell: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCell(ctx context.Context, documentID, tabID int64, row, col int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cells WHERE document_id = ? AND tab_id = ? AND row_idx = ? AND col_idx = ?
	`, documentID, tabID, row, col)
	if err != nil {
		return fmt.Errorf("delete cell: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCellMeta(ctx context.Context, documentID, tabID int64, row, col int) (*cell.Meta, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := cell.Meta{DocumentID: documentID, TabID: tabID, Row: row, Col: col}
	var raw, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_by, updated_by_name, updated_at FROM cells
		WHERE document_id = ? AND tab_id = ? AND row_idx = ? AND col_idx = ?
	`, documentID, tabID, row, col).Scan(&raw, &m.UpdatedBy, &m.UpdatedByName, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCellNotFound
		}
		return nil, fmt.Errorf("get cell meta: %w", err)
	}
	if m.Value, err = decodeInput([]byte(raw)); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) ListCellsPage(ctx context.Context, documentID, tabID int64, cursor string, limit int) (*Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit = clampLimit(limit)
	afterRow, afterCol, err := decodeAfter(cursor)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tab_id, row_idx, col_idx, value FROM cells
		WHERE document_id = ? AND tab_id = ? AND (row_idx, col_idx) > (?, ?)
		ORDER BY row_idx, col_idx
		LIMIT ?
	`, documentID, tabID, afterRow, afterCol, limit)
	if err != nil {
		return nil, fmt.Errorf("list cells page: %w", err)
	}
	defer rows.Close()

	cells, err := scanStored(rows)
	if err != nil {
		return nil, err
	}
	return finishPage(cells, limit)
}
