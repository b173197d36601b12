package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the schema. The item tree is flattened into rows with a
// nullable parent_id and a position among siblings.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'viewer',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS slices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			queue_seq BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			slice_id TEXT NOT NULL REFERENCES slices(id) ON DELETE CASCADE,
			item_id TEXT NOT NULL,
			parent_id TEXT,
			position INT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (slice_id, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS queue_items_order
			ON queue_items (slice_id, parent_id, position)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
