package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreateResultsIndexes creates JSONB GIN indexes for PostgreSQL. These make
// dashboard queries over the progressive results document (winner lookups,
// per-doc eval digests) efficient without a schema change.
func CreateResultsIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runs_results_gin
		ON runs USING gin(results jsonb_path_ops)`)
	if err != nil {
		return fmt.Errorf("failed to create results GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_events_payload_gin
		ON events USING gin(payload jsonb_path_ops)`)
	if err != nil {
		return fmt.Errorf("failed to create events payload GIN index: %w", err)
	}

	return nil
}
