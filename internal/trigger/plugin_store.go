package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PluginStore persists plugin registrations. SavePlugin is an upsert keyed
// by plugin id.
type PluginStore interface {
	SavePlugin(ctx context.Context, p *Plugin) error
	DeletePlugin(ctx context.Context, id uuid.UUID) error
	ListPlugins(ctx context.Context) ([]*Plugin, error)
}

// PostgresPluginStore implements PluginStore on the plugins table created by
// storage.RunMigrations.
type PostgresPluginStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresPluginStore creates a PluginStore using the given connection pool.
// queryTimeout sets the per-query context deadline; zero means no timeout.
func NewPostgresPluginStore(pool *pgxpool.Pool, queryTimeout time.Duration) *PostgresPluginStore {
	return &PostgresPluginStore{pool: pool, queryTimeout: queryTimeout}
}

func (s *PostgresPluginStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return ctx, func() {}
}

// SavePlugin inserts the plugin or, when its id exists, replaces its
// endpoint, subscriptions and status.
func (s *PostgresPluginStore) SavePlugin(ctx context.Context, p *Plugin) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO plugins (id, name, endpoint, subscribed_documents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			subscribed_documents = EXCLUDED.subscribed_documents,
			status = EXCLUDED.status
	`, p.ID, p.Name, p.Endpoint, p.SubscribedDocuments, string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("save plugin %s: %w", p.Name, err)
	}
	return nil
}

func (s *PostgresPluginStore) DeletePlugin(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM plugins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrPluginNotFound)
	}
	return nil
}

func (s *PostgresPluginStore) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, endpoint, subscribed_documents, status, created_at
		FROM plugins
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	plugins, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Plugin, error) {
		var (
			p      Plugin
			status string
		)
		if err := row.Scan(&p.ID, &p.Name, &p.Endpoint, &p.SubscribedDocuments, &status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Status = PluginStatus(status)
		return &p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan plugins: %w", err)
	}
	return plugins, nil
}
