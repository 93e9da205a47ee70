// Package database owns the Postgres connection that the ingest layer's
// idempotent upsert statements run against. All catalogue knowledge
// (blog/post identity resolution, bulk vs. slow-path writes) lives in
// internal/ingest; this package only knows how to connect and execute SQL.
package database

import (
	"context"
	"database/sql"
	"log/slog"

	_ "github.com/lib/pq"
)

// Operation timeouts live with the callers in internal/ingest — they differ
// per statement (bulk batch vs. single-row upsert vs. author lookup), unlike
// the uniform read/write split that worked for a single-entity CRUD service.

// DB wraps the raw connection pool. Kept as a thin concrete type (not an
// interface) because every ingest caller needs the same *sql.DB to open
// transactions — mirroring the teacher's db.Conn field.
type DB struct {
	Conn *sql.DB
}

// Connect opens and verifies a Postgres connection.
func Connect(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		return nil, err
	}
	slog.Info("postgres connected")
	return &DB{Conn: conn}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// RefreshCrawlLag refreshes the operator-facing blog_crawl_lag materialized
// view (migrations/0002). Never read by a worker; safe to run on a loose
// schedule from internal/scheduler. Uses CONCURRENTLY so readers aren't
// blocked mid-refresh, relying on the view's blog_crawl_lag_id_idx unique
// index (migrations/0002_blog_crawl_lag_view.up.sql) that CONCURRENTLY
// requires.
func (db *DB) RefreshCrawlLag(ctx context.Context) error {
	_, err := db.Conn.ExecContext(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY blog_crawl_lag")
	return err
}
