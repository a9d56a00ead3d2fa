package telemetry

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the telemetry schema in-place.
//
// node_samples is the append log. seq (rowid alias) is the insertion order
// used to break timestamp ties; ts is unix nanoseconds so ordering never
// depends on string formatting.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS node_samples (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			hostname TEXT NOT NULL,
			os TEXT NOT NULL DEFAULT '',
			cpu_usage REAL NOT NULL,
			ram_usage REAL NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_node_samples_host_ts ON node_samples(hostname, ts DESC, seq DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("telemetry schema version %d is newer than supported %d", current, SchemaVersion)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
