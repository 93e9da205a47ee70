package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blogcrawl/pipeline/internal/metrics"
	"github.com/blogcrawl/pipeline/internal/models"
)

// UpsertPost is C3's upsert_post entry point. payload is one raw post JSON
// object as returned by posts(name, offset). Returns errDiscard if the post
// carries no "id".
func (l *Layer) UpsertPost(ctx context.Context, payload map[string]interface{}) (*models.Post, error) {
	defer timer("upsert_post")()

	tx, err := l.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	post, err := l.upsertPostTx(ctx, tx, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.RecordsIngested.WithLabelValues("post", "slow").Inc()
	return post, nil
}

// parsePostFields extracts the normalized column values from one raw post
// payload, resolving its author via resolveAuthorID, shared by the
// single-row path (upsertPostTx) and the bulk fast-path (bulkInsertPosts) so
// both build rows the same way.
func (l *Layer) parsePostFields(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) (tumblrID int64, authorID *int64, posted time.Time, data []byte, err error) {
	idVal, ok := toFloat(payload["id"])
	if !ok {
		return 0, nil, time.Time{}, nil, fmt.Errorf("ingest: post payload missing id: %w", errDiscard)
	}
	tumblrID = int64(idVal)
	posted = unixToTime(payload["timestamp"])

	data, err = json.Marshal(sanitize(payload))
	if err != nil {
		return 0, nil, time.Time{}, nil, err
	}

	if blogName, _ := payload["blog_name"].(string); blogName != "" {
		if id, err := l.resolveAuthorID(ctx, tx, blogName, payload); err == nil {
			authorID = &id
		}
		// Author resolution failure is non-fatal: the post is still stored,
		// just without an author_id, matching model.py leaving author_id unset.
	}

	return tumblrID, authorID, posted, data, nil
}

func (l *Layer) upsertPostTx(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) (*models.Post, error) {
	tumblrID, authorID, posted, data, err := l.parsePostFields(ctx, tx, payload)
	if err != nil {
		return nil, err
	}

	// posted uses the monotonic-max merge: the stored value only moves
	// forward. ON CONFLICT's GREATEST() implements that in one statement
	// instead of a read-then-compare-then-write round trip.
	const q = `
		INSERT INTO posts (tumblr_id, author_id, posted, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tumblr_id, author_id) DO UPDATE SET
			posted = GREATEST(posts.posted, EXCLUDED.posted),
			data = EXCLUDED.data
		RETURNING id, posted`

	var id int64
	var storedPosted sql.NullTime
	row := queryRow(ctx, tx, l.db.Conn, q, tumblrID, authorID, posted, data)
	if err := row.Scan(&id, &storedPosted); err != nil {
		return nil, err
	}

	p := &models.Post{ID: id, AuthorID: authorID, TumblrID: tumblrID, Data: data}
	if storedPosted.Valid {
		p.Posted = storedPosted.Time
	}
	return p, nil
}
