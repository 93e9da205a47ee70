// Package ingest is the idempotent insert-or-update layer (C3) that turns
// raw JSON records — as staged by fetchers, or resolved by the feeder — into
// normalized Blog/Post rows in the catalogue.
//
// Two write strategies exist side by side:
//   - Bulk fast-path: batch up to N records into one multi-row statement.
//     A uniqueness violation rolls the whole batch back.
//   - Slow path: one ON CONFLICT DO UPDATE statement per record. Always
//     correct, always the fallback when the bulk path's rollback fires.
//
// Author (blog) resolution for a post is cached in two layers: an
// in-process map (fastest, lost on restart) backed by the broker's
// "tumblr:blogids" hash (shared across every parser process).
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/blogcrawl/pipeline/internal/blogcache"
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/metrics"
	"github.com/blogcrawl/pipeline/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Layer is the ingest/upsert entry point. One Layer is shared by every
// goroutine in a parser process; its in-process blog-id cache is therefore
// guarded by a mutex.
type Layer struct {
	db        *database.DB
	broker    *broker.Broker
	batchSize int
	cache     *blogcache.Client // optional, nil unless SetCache is called

	mu          sync.Mutex
	blogIDCache map[string]int64
}

// New constructs a Layer. batchSize is the bulk fast-path's N (spec.md §4.3,
// default 500).
func New(db *database.DB, b *broker.Broker, batchSize int) *Layer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Layer{
		db:          db,
		broker:      b,
		batchSize:   batchSize,
		blogIDCache: make(map[string]int64),
	}
}

// SetCache attaches a read-through blogcache to GetBlogByName. Without one,
// every call goes straight to Postgres.
func (l *Layer) SetCache(c *blogcache.Client) {
	l.cache = c
}

// resolveAuthorID implements spec.md §4.3's author-resolution chain:
// in-process cache -> broker hash -> catalogue lookup -> synthesize.
// tx may be nil, in which case lookups run directly against db.Conn; the
// current callers (via parsePostFields) always pass an open transaction.
func (l *Layer) resolveAuthorID(ctx context.Context, tx *sql.Tx, blogName string, blogPayload map[string]interface{}) (int64, error) {
	if blogName == "" {
		return 0, fmt.Errorf("ingest: empty blog name")
	}

	l.mu.Lock()
	if id, ok := l.blogIDCache[blogName]; ok {
		l.mu.Unlock()
		return id, nil
	}
	l.mu.Unlock()

	if v, err := l.broker.HGet(ctx, broker.KeyBlogIDs, blogName); err == nil && v != "" {
		var id int64
		if _, scanErr := fmt.Sscanf(v, "%d", &id); scanErr == nil {
			l.cacheAuthorID(blogName, id)
			return id, nil
		}
	}

	id, err := l.queryBlogIDByName(ctx, tx, blogName)
	if err == nil {
		l.cacheAuthorID(blogName, id)
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	// Not found anywhere: synthesize the Blog if the post carried blog.uuid.
	uuidVal, _ := nested(blogPayload, "uuid").(string)
	if uuidVal == "" {
		return 0, sql.ErrNoRows
	}

	blog, synthErr := l.upsertBlogTx(ctx, tx, blogPayload)
	if synthErr != nil {
		return 0, synthErr
	}
	l.cacheAuthorID(blogName, blog.ID)
	return blog.ID, nil
}

func (l *Layer) cacheAuthorID(blogName string, id int64) {
	l.mu.Lock()
	l.blogIDCache[blogName] = id
	l.mu.Unlock()

	// Best-effort: failure to populate the shared cache just means the next
	// process repeats the catalogue lookup.
	_ = l.broker.HSet(context.Background(), broker.KeyBlogIDs, blogName, fmt.Sprintf("%d", id))
}

func (l *Layer) queryBlogIDByName(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	const q = `SELECT id FROM blogs WHERE name = $1 ORDER BY updated DESC LIMIT 1`

	var id int64
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, q, name).Scan(&id)
	} else {
		err = l.db.Conn.QueryRowContext(ctx, q, name).Scan(&id)
	}
	return id, err
}

// nested reads payload["blog"][key] if payload has a nested "blog" object,
// else payload[key] directly — matching model.py's "if 'blog' in info"
// fallback used throughout the original Python.
func nested(payload map[string]interface{}, key string) interface{} {
	if b, ok := payload["blog"].(map[string]interface{}); ok {
		if v, ok := b[key]; ok {
			return v
		}
	}
	return payload[key]
}

func timer(op string) func() {
	t := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues(op))
	return func() { t.ObserveDuration() }
}

func unixToTime(v interface{}) time.Time {
	f, _ := toFloat(v)
	return time.Unix(int64(f), 0).UTC()
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
