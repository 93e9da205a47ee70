package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blogcrawl/pipeline/internal/blogcache"
	"github.com/blogcrawl/pipeline/internal/metrics"
	"github.com/blogcrawl/pipeline/internal/models"
)

// errDiscard marks a record that cannot be keyed and must be silently
// dropped rather than treated as an ingest failure (spec.md §4.3: "If
// absent, the record is discarded").
var errDiscard = errors.New("ingest: record discarded, no identity")

// Discarded reports whether err represents a discard-for-missing-identity
// outcome rather than a genuine failure.
func Discarded(err error) bool {
	return errors.Is(err, errDiscard)
}

// UpsertBlog is C3's upsert_blog entry point. payload is the raw JSON as
// received from blog_info(name) — either {"blog": {...}, "meta": {...}} or
// the bare blog object. Returns a nil Blog and an error for which Discarded
// reports true when no UID can be resolved, matching model.py's "return
// None" when "name" is absent —
// generalized here to "no uuid", since UID is the real identity key.
func (l *Layer) UpsertBlog(ctx context.Context, payload map[string]interface{}) (*models.Blog, error) {
	defer timer("upsert_blog")()

	tx, err := l.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	blog, err := l.upsertBlogTx(ctx, tx, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.RecordsIngested.WithLabelValues("blog", "slow").Inc()
	return blog, nil
}

// parseBlogFields extracts the normalized column values from a raw blog_info
// payload — either {"blog": {...}, "meta": {...}} or the bare blog object —
// shared by the single-row path (upsertBlogTx) and the bulk fast-path
// (bulkInsertBlogs) so both build rows the same way.
func parseBlogFields(payload map[string]interface{}) (uid, name string, updated time.Time, data, extraMeta []byte, err error) {
	blogInfo, ok := payload["blog"].(map[string]interface{})
	if !ok {
		blogInfo = payload
	}

	uid, _ = blogInfo["uuid"].(string)
	if uid == "" {
		return "", "", time.Time{}, nil, nil, fmt.Errorf("ingest: blog payload missing uuid: %w", errDiscard)
	}

	name, _ = blogInfo["name"].(string)
	updated = unixToTime(blogInfo["updated"])

	data, err = json.Marshal(sanitize(blogInfo))
	if err != nil {
		return "", "", time.Time{}, nil, nil, err
	}

	extraMeta = []byte("{}")
	if meta, ok := payload["meta"]; ok {
		if b, err := json.Marshal(sanitize(meta)); err == nil {
			extraMeta = b
		}
	}

	return uid, name, updated, data, extraMeta, nil
}

// upsertBlogTx does the actual work inside an already-open transaction (or
// nil for the module-level Conn), so it can be reused both standalone and
// as part of author synthesis from resolveAuthorID.
func (l *Layer) upsertBlogTx(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) (*models.Blog, error) {
	uid, name, updated, data, extraMeta, err := parseBlogFields(payload)
	if err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO blogs (tumblr_uid, name, updated, data, extra_meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tumblr_uid) DO UPDATE SET
			name = EXCLUDED.name,
			updated = EXCLUDED.updated,
			data = EXCLUDED.data,
			extra_meta = EXCLUDED.extra_meta
		RETURNING id, last_crawl_update`

	var id int64
	var lastCrawl sql.NullTime

	row := queryRow(ctx, tx, l.db.Conn, q, uid, name, updated, data, extraMeta)
	if err := row.Scan(&id, &lastCrawl); err != nil {
		return nil, err
	}

	b := &models.Blog{ID: id, TumblrUID: uid, Name: name, Updated: updated, Data: data, ExtraMeta: extraMeta}
	if lastCrawl.Valid {
		b.LastCrawlUpdate = &lastCrawl.Time
	}
	return b, nil
}

// queryRow dispatches to tx or conn depending on whether a transaction is
// active — lets upsertBlogTx/upsertPostTx be called either standalone or as
// part of a larger batch transaction.
func queryRow(ctx context.Context, tx *sql.Tx, conn interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, q string, args ...interface{}) *sql.Row {
	if tx != nil {
		return tx.QueryRowContext(ctx, q, args...)
	}
	return conn.QueryRowContext(ctx, q, args...)
}

// GetBlogByName returns the most-recently-updated Blog with the given name,
// used by the feeder's manual-queue resolution (spec.md §4.4). Consults the
// read-through blogcache first when one is configured.
func (l *Layer) GetBlogByName(ctx context.Context, name string) (*models.Blog, error) {
	if l.cache != nil {
		if b, err := l.cache.GetBlog(ctx, name); err == nil {
			return b, nil
		} else if err != blogcache.ErrNotFound {
			slog.Warn("blogcache read failed, falling back to postgres", "name", name, "error", err)
		}
	}

	const q = `
		SELECT id, tumblr_uid, name, updated, last_crawl_update, data, extra_meta
		FROM blogs WHERE name = $1 ORDER BY updated DESC LIMIT 1`

	var b models.Blog
	var lastCrawl sql.NullTime
	err := l.db.Conn.QueryRowContext(ctx, q, name).Scan(
		&b.ID, &b.TumblrUID, &b.Name, &b.Updated, &lastCrawl, &b.Data, &b.ExtraMeta,
	)
	if err != nil {
		return nil, err
	}
	if lastCrawl.Valid {
		b.LastCrawlUpdate = &lastCrawl.Time
	}

	if l.cache != nil {
		if err := l.cache.SetBlog(ctx, &b); err != nil {
			slog.Warn("blogcache write failed", "name", name, "error", err)
		}
	}
	return &b, nil
}

// SelectCandidateBlogs picks up to n blogs satisfying the feeder's
// automatic-mode predicate (updated != last_crawl_update OR
// last_crawl_update IS NULL), ordered randomly server-side.
func (l *Layer) SelectCandidateBlogs(ctx context.Context, n int) ([]*models.Blog, error) {
	const q = `
		SELECT id, tumblr_uid, name, updated, last_crawl_update, data, extra_meta
		FROM blogs
		WHERE updated <> last_crawl_update OR last_crawl_update IS NULL
		ORDER BY random()
		LIMIT $1`

	rows, err := l.db.Conn.QueryContext(ctx, q, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Blog
	for rows.Next() {
		var b models.Blog
		var lastCrawl sql.NullTime
		if err := rows.Scan(&b.ID, &b.TumblrUID, &b.Name, &b.Updated, &lastCrawl, &b.Data, &b.ExtraMeta); err != nil {
			return nil, err
		}
		if lastCrawl.Valid {
			b.LastCrawlUpdate = &lastCrawl.Time
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// MarkCrawled sets last_crawl_update := updated, the feeder's (and the
// legacy importer's) "treat as crawled" commit on both success and 404
// (spec.md §4.4).
func (l *Layer) MarkCrawled(ctx context.Context, blogID int64, updated time.Time) error {
	const q = `UPDATE blogs SET last_crawl_update = $2 WHERE id = $1`
	_, err := l.db.Conn.ExecContext(ctx, q, blogID, updated)
	return err
}
