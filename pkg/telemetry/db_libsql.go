//go:build cgo

package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

// OpenDB opens (and creates if needed) a libsql-backed telemetry database.
// Local paths get their parent directories created; remote libsql URLs are
// supported.
func OpenDB(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	if err := configureConn(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping telemetry db: %w", err)
	}
	return db, nil
}
