package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blogcrawl/pipeline/internal/metrics"
	"github.com/blogcrawl/pipeline/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// BulkUpsert is the parser's (C7) bulk fast-path: build one multi-row
// INSERT ... ON CONFLICT DO UPDATE statement for the whole batch, inside a
// single transaction. On any uniqueness-constraint failure the transaction
// is rolled back and every record in the batch is replayed through the
// slow, per-record path (spec.md §4.3/§4.7).
//
// records must already be decoded JSON objects (malformed payloads are the
// caller's concern — they never reach here).
func (l *Layer) BulkUpsert(ctx context.Context, kind models.StagingKind, records []map[string]interface{}) error {
	if len(records) == 0 {
		return nil
	}

	timerStop := func(op string) func() {
		t := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues(op))
		return func() { t.ObserveDuration() }
	}

	switch kind {
	case models.StagingBlog:
		defer timerStop("bulk_blogs")()
	case models.StagingPost:
		defer timerStop("bulk_posts")()
	}

	err := l.bulkAttempt(ctx, kind, records)
	if err == nil {
		metrics.RecordsIngested.WithLabelValues(kind.String(), "bulk").Add(float64(len(records)))
		return nil
	}
	if !uniqueViolation(err) {
		return fmt.Errorf("ingest: bulk %s failed: %w", kind, err)
	}

	// Roll back already happened inside bulkAttempt (deferred tx.Rollback).
	// Replay one at a time through the slow path.
	return l.replaySlow(ctx, kind, records)
}

func (l *Layer) bulkAttempt(ctx context.Context, kind models.StagingKind, records []map[string]interface{}) error {
	tx, err := l.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	switch kind {
	case models.StagingBlog:
		err = l.bulkInsertBlogs(ctx, tx, records)
	case models.StagingPost:
		err = l.bulkInsertPosts(ctx, tx, records)
	default:
		err = fmt.Errorf("ingest: unknown staging kind %v", kind)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// bulkInsertBlogs builds and executes one multi-row INSERT ... ON CONFLICT
// DO UPDATE statement covering every valid record in the batch. Records
// that fail identity resolution are discarded, same as the slow path; a
// row that fails resolution isn't a uniqueness-constraint failure, so it
// never trips the caller's fallback to replaySlow.
func (l *Layer) bulkInsertBlogs(ctx context.Context, tx *sql.Tx, records []map[string]interface{}) error {
	type blogRow struct {
		uid, name       string
		updated         time.Time
		data, extraMeta []byte
	}

	rows := make([]blogRow, 0, len(records))
	for _, r := range records {
		uid, name, updated, data, extraMeta, err := parseBlogFields(r)
		if err != nil {
			if Discarded(err) {
				continue
			}
			return err
		}
		rows = append(rows, blogRow{uid, name, updated, data, extraMeta})
	}
	if len(rows) == 0 {
		return nil
	}

	const cols = 5
	var q strings.Builder
	q.WriteString("INSERT INTO blogs (tumblr_uid, name, updated, data, extra_meta) VALUES ")
	args := make([]interface{}, 0, len(rows)*cols)
	for i, row := range rows {
		if i > 0 {
			q.WriteString(",")
		}
		fmt.Fprintf(&q, "($%d,$%d,$%d,$%d,$%d)", i*cols+1, i*cols+2, i*cols+3, i*cols+4, i*cols+5)
		args = append(args, row.uid, row.name, row.updated, row.data, row.extraMeta)
	}
	q.WriteString(`
		ON CONFLICT (tumblr_uid) DO UPDATE SET
			name = EXCLUDED.name,
			updated = EXCLUDED.updated,
			data = EXCLUDED.data,
			extra_meta = EXCLUDED.extra_meta`)

	_, err := tx.ExecContext(ctx, q.String(), args...)
	return err
}

// bulkInsertPosts builds and executes one multi-row INSERT ... ON CONFLICT
// DO UPDATE statement covering every valid record in the batch, with the
// same monotonic-max "posted" merge as the slow path's single-row
// statement (post.go's upsertPostTx).
func (l *Layer) bulkInsertPosts(ctx context.Context, tx *sql.Tx, records []map[string]interface{}) error {
	type postRow struct {
		tumblrID int64
		authorID *int64
		posted   time.Time
		data     []byte
	}

	rows := make([]postRow, 0, len(records))
	for _, r := range records {
		tumblrID, authorID, posted, data, err := l.parsePostFields(ctx, tx, r)
		if err != nil {
			if Discarded(err) {
				continue
			}
			return err
		}
		rows = append(rows, postRow{tumblrID, authorID, posted, data})
	}
	if len(rows) == 0 {
		return nil
	}

	const cols = 4
	var q strings.Builder
	q.WriteString("INSERT INTO posts (tumblr_id, author_id, posted, data) VALUES ")
	args := make([]interface{}, 0, len(rows)*cols)
	for i, row := range rows {
		if i > 0 {
			q.WriteString(",")
		}
		fmt.Fprintf(&q, "($%d,$%d,$%d,$%d)", i*cols+1, i*cols+2, i*cols+3, i*cols+4)
		args = append(args, row.tumblrID, row.authorID, row.posted, row.data)
	}
	q.WriteString(`
		ON CONFLICT (tumblr_id, author_id) DO UPDATE SET
			posted = GREATEST(posts.posted, EXCLUDED.posted),
			data = EXCLUDED.data`)

	_, err := tx.ExecContext(ctx, q.String(), args...)
	return err
}

// replaySlow re-runs each record through its own transaction, so one bad
// record cannot take the whole batch down a second time.
func (l *Layer) replaySlow(ctx context.Context, kind models.StagingKind, records []map[string]interface{}) error {
	var firstErr error
	for _, r := range records {
		var err error
		switch kind {
		case models.StagingBlog:
			_, err = l.UpsertBlog(ctx, r)
		case models.StagingPost:
			_, err = l.UpsertPost(ctx, r)
		}
		if err != nil && !Discarded(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BatchAccumulator buffers decoded staging records up to the configured
// batch size, then flushes through BulkUpsert — an "every N accumulated
// records (or at end of drain)" helper. The parser does not use it; it
// passes each popped batch to BulkUpsert directly.
type BatchAccumulator struct {
	layer *Layer
	kind  models.StagingKind
	size  int
	buf   []map[string]interface{}
}

// NewBatchAccumulator constructs an accumulator for one staging kind.
func (l *Layer) NewBatchAccumulator(kind models.StagingKind) *BatchAccumulator {
	return &BatchAccumulator{layer: l, kind: kind, size: l.batchSize}
}

// Add buffers one record, flushing automatically once the batch is full.
func (a *BatchAccumulator) Add(ctx context.Context, r map[string]interface{}) error {
	a.buf = append(a.buf, r)
	if len(a.buf) >= a.size {
		return a.Flush(ctx)
	}
	return nil
}

// Flush commits whatever is buffered, even a partial batch — called at the
// end of a drain. The caller is responsible for logging per-batch timing.
func (a *BatchAccumulator) Flush(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	err := a.layer.BulkUpsert(ctx, a.kind, a.buf)
	a.buf = a.buf[:0]
	return err
}

// Len reports how many records are currently buffered.
func (a *BatchAccumulator) Len() int { return len(a.buf) }
