package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore keeps the sample log in a SQLite/libsql database.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore opens the database described by cfg and migrates it.
func OpenSQLStore(ctx context.Context, cfg DBConfig) (*SQLStore, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(db), nil
}

func (s *SQLStore) Append(ctx context.Context, sample NodeSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_samples (hostname, os, cpu_usage, ram_usage, status, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sample.Hostname, sample.OS, sample.CPUUsagePercent, sample.RAMUsagePercent, sample.Status, sample.Timestamp.UnixNano())
	if err != nil {
		return wrapDBError("append sample", err)
	}
	return nil
}

// latestQuery picks, per hostname, the row ranked first by (ts DESC, seq DESC).
const latestQuery = `
	SELECT s.seq, s.hostname, s.os, s.cpu_usage, s.ram_usage, s.status, s.ts
	FROM node_samples s
	WHERE s.seq = (
		SELECT s2.seq FROM node_samples s2
		WHERE s2.hostname = s.hostname
		ORDER BY s2.ts DESC, s2.seq DESC
		LIMIT 1
	)
	ORDER BY s.hostname`

func (s *SQLStore) Latest(ctx context.Context, f Filter) ([]NodeSample, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, latestQuery)
	if err != nil {
		return nil, wrapDBError("query latest samples", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]NodeSample, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapDBError("scan sample", err)
		}
		if f.matches(rec.Hostname) {
			out = append(out, rec.NodeSample)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate samples", err)
	}
	return out, nil
}

func (s *SQLStore) History(ctx context.Context, hostname string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, hostname, os, cpu_usage, ram_usage, status, ts
		FROM node_samples
		WHERE hostname = ?
		ORDER BY ts DESC, seq DESC
		LIMIT ?
	`, hostname, limit)
	if err != nil {
		return nil, wrapDBError("query history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapDBError("scan sample", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate samples", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapDBError("ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec Record
		ts  int64
	)
	if err := rows.Scan(&rec.Seq, &rec.Hostname, &rec.OS, &rec.CPUUsagePercent, &rec.RAMUsagePercent, &rec.Status, &ts); err != nil {
		return Record{}, err
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}

func wrapDBError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
