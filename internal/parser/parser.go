// Package parser implements C7: it drains the posts and blogs staging
// queues in batches, normalizes each record, and bulk-upserts them into
// Postgres via the ingest layer's BulkUpsert. A successful batch is
// mirrored into the search projection (C8) on a best-effort basis.
package parser

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/ingest"
	"github.com/blogcrawl/pipeline/internal/models"
	"github.com/blogcrawl/pipeline/internal/search"
)

// drainBatchSize is the "up to 500 at a time" SPOP width from spec.md §4.7.
// Each popped batch goes to BulkUpsert whole, so this is also the bulk
// batch size; it is fixed and does not follow the ingest layer's
// configured batch size.
const drainBatchSize = 500

// Parser owns the dependencies one parser worker goroutine needs. search
// may be nil, in which case the projection step is skipped entirely.
type Parser struct {
	broker *broker.Broker
	ingest *ingest.Layer
	search *search.Client
}

// New constructs a Parser.
func New(b *broker.Broker, ing *ingest.Layer, sc *search.Client) *Parser {
	return &Parser{broker: b, ingest: ing, search: sc}
}

// Run starts n parser goroutines and blocks until ctx is cancelled.
func (p *Parser) Run(ctx context.Context, n int) {
	var done = make(chan struct{})
	for i := 0; i < n; i++ {
		go func(id int) {
			p.loop(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (p *Parser) loop(ctx context.Context, workerID int) {
	log := slog.With("component", "parser", "worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		drainedPosts := p.drainOnce(ctx, log, models.StagingPost, broker.KeyPostsStaging)
		drainedBlogs := p.drainOnce(ctx, log, models.StagingBlog, broker.KeyBlogsStaging)

		if !drainedPosts && !drainedBlogs {
			sleep(ctx, time.Second)
		}
	}
}

// drainOnce pops up to drainBatchSize raw records from key, bulk-upserts
// them, and best-effort mirrors the batch into search. Returns true if any
// records were popped, so the caller can avoid sleeping between non-empty
// queues.
func (p *Parser) drainOnce(ctx context.Context, log *slog.Logger, kind models.StagingKind, key string) bool {
	raws, err := p.broker.SPop(ctx, key, drainBatchSize)
	if err != nil {
		log.Error("drain pop failed", "kind", kind, "error", err)
		return false
	}
	if len(raws) == 0 {
		return false
	}

	records := make([]map[string]interface{}, 0, len(raws))
	ids := make([]string, 0, len(raws))
	docs := make([][]byte, 0, len(raws))
	for _, raw := range raws {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Warn("malformed staging record, dropping", "kind", kind, "error", err)
			continue
		}
		records = append(records, rec)
		if id, ok := recordID(kind, rec); ok {
			ids = append(ids, id)
			docs = append(docs, []byte(raw))
		}
	}

	start := time.Now()
	upsertErr := p.upsertWithRetry(ctx, log, kind, records)
	if upsertErr != nil {
		log.Error("bulk upsert failed, batch dropped after retries", "kind", kind, "count", len(records), "error", upsertErr)
	}
	log.Info("drained batch", "kind", kind, "count", len(records), "took", time.Since(start))

	if upsertErr == nil && p.search != nil && len(ids) > 0 {
		if err := p.search.IndexBatch(ctx, kind, ids, docs); err != nil {
			log.Warn("search projection failed, continuing", "kind", kind, "error", err)
		}
	}

	return true
}

// maxRetries bounds the "caller re-runs the batch" contract from spec.md
// §4.8 for a retryable relational error (serialization failure, deadlock) —
// retried in place a few times with a short backoff before the batch is
// logged and dropped, rather than blocking the drain loop indefinitely.
const maxRetries = 3

// upsertWithRetry calls BulkUpsert, re-running the whole batch when the
// failure is a retryable relational error (ingest.Retryable), per spec.md
// §4.8. Any other error is returned immediately without retrying.
func (p *Parser) upsertWithRetry(ctx context.Context, log *slog.Logger, kind models.StagingKind, records []map[string]interface{}) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = p.ingest.BulkUpsert(ctx, kind, records)
		if err == nil || !ingest.Retryable(err) {
			return err
		}
		log.Warn("retryable relational error, re-running batch", "kind", kind, "attempt", attempt+1, "error", err)
		sleep(ctx, 200*time.Millisecond)
	}
	return err
}

// recordID extracts the document identity used for the search projection,
// which must be derivable straight from the raw payload since the parser
// indexes before (and independent of) whatever row id Postgres assigned.
func recordID(kind models.StagingKind, rec map[string]interface{}) (string, bool) {
	switch kind {
	case models.StagingPost:
		switch v := rec["id"].(type) {
		case float64:
			return strconv.FormatInt(int64(v), 10), true
		case string:
			if v != "" {
				return v, true
			}
		}
	case models.StagingBlog:
		info := rec
		if nested, ok := rec["blog"].(map[string]interface{}); ok {
			info = nested
		}
		if uid, ok := info["uuid"].(string); ok && uid != "" {
			return uid, true
		}
	}
	return "", false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
