package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLitePluginStore implements PluginStore on the plugins table of a
// storage.SQLiteStore database. Subscriptions are kept as a JSON array.
type SQLitePluginStore struct {
	db *sql.DB
}

// NewSQLitePluginStore creates a PluginStore sharing db.
func NewSQLitePluginStore(db *sql.DB) *SQLitePluginStore {
	return &SQLitePluginStore{db: db}
}

func (s *SQLitePluginStore) SavePlugin(ctx context.Context, p *Plugin) error {
	docs, err := json.Marshal(p.SubscribedDocuments)
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugins (id, name, endpoint, subscribed_documents, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			endpoint = excluded.endpoint,
			subscribed_documents = excluded.subscribed_documents,
			status = excluded.status
	`, p.ID.String(), p.Name, p.Endpoint, string(docs), string(p.Status), p.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save plugin %s: %w", p.Name, err)
	}
	return nil
}

func (s *SQLitePluginStore) DeletePlugin(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrPluginNotFound)
	}
	return nil
}

func (s *SQLitePluginStore) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, endpoint, subscribed_documents, status, created_at
		FROM plugins
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var plugins []*Plugin
	for rows.Next() {
		var (
			p                      Plugin
			id, docs, status, when string
		)
		if err := rows.Scan(&id, &p.Name, &p.Endpoint, &docs, &status, &when); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse plugin id: %w", err)
		}
		if err := json.Unmarshal([]byte(docs), &p.SubscribedDocuments); err != nil {
			return nil, fmt.Errorf("decode subscriptions: %w", err)
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, when); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		p.Status = PluginStatus(status)
		plugins = append(plugins, &p)
	}
	return plugins, rows.Err()
}
