package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema is applied in order; every statement is idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		owner_id   BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS document_permissions (
		document_id BIGINT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		user_id     BIGINT NOT NULL,
		role        TEXT NOT NULL CHECK (role IN ('owner', 'editor', 'viewer')),
		PRIMARY KEY (document_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tabs (
		id          BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		position    INT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tabs_document ON tabs (document_id, position)`,
	`CREATE TABLE IF NOT EXISTS cells (
		document_id     BIGINT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		tab_id          BIGINT NOT NULL REFERENCES tabs (id) ON DELETE CASCADE,
		row_idx         INT NOT NULL,
		col_idx         INT NOT NULL,
		value           JSONB NOT NULL,
		updated_by      BIGINT NOT NULL,
		updated_by_name TEXT NOT NULL DEFAULT '',
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

		CONSTRAINT uq_cells_coord UNIQUE (document_id, tab_id, row_idx, col_idx)
	)`,
	`CREATE TABLE IF NOT EXISTS plugins (
		id                   UUID PRIMARY KEY,
		name                 TEXT NOT NULL,
		endpoint             TEXT NOT NULL,
		subscribed_documents BIGINT[] NOT NULL DEFAULT '{}',
		status               TEXT NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// RunMigrations creates the document, tab, permission, cell and plugin tables.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	for i, ddl := range postgresSchema {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
