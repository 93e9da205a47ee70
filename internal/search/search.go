// Package search provides the best-effort Elasticsearch search projection
// (C8). Postgres remains the single source of truth; this package only
// mirrors committed batches so operators can full-text search archived
// blogs/posts. A failure here is always logged and never propagated back
// into the parser's commit path (spec.md §4.9).
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/blogcrawl/pipeline/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

const (
	postsIndex = "posts"
	blogsIndex = "blogs"
)

// Client wraps the Elasticsearch client with domain-level operations.
type Client struct {
	es *elasticsearch.Client
}

// New creates an Elasticsearch client pointed at url.
func New(url string) (*Client, error) {
	cfg := elasticsearch.Config{Addresses: []string{url}}
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	return &Client{es: es}, nil
}

// IndexBatch upserts a batch of records into the index matching kind, using
// a bulk indexer so a whole parser batch round-trips in one request instead
// of one HTTP call per document.
func (c *Client) IndexBatch(ctx context.Context, kind models.StagingKind, ids []string, docs [][]byte) error {
	if len(ids) != len(docs) {
		return fmt.Errorf("search: ids/docs length mismatch")
	}
	if len(ids) == 0 {
		return nil
	}

	index := postsIndex
	if kind == models.StagingBlog {
		index = blogsIndex
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:  index,
		Client: c.es,
	})
	if err != nil {
		return fmt.Errorf("search: new bulk indexer: %w", err)
	}

	for i := range ids {
		err := bi.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: ids[i],
			Body:       bytes.NewReader(docs[i]),
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				slog.Warn("search: index item failed", "doc_id", item.DocumentID, "error", err, "status", res.Status)
			},
		})
		if err != nil {
			return fmt.Errorf("search: add bulk item: %w", err)
		}
	}

	return bi.Close(ctx)
}

// IndexPost upserts a single post document outside a bulk batch.
func (c *Client) IndexPost(ctx context.Context, p *models.Post) error {
	return c.index(ctx, postsIndex, strconv.FormatInt(p.TumblrID, 10), p.Data)
}

// IndexBlog upserts a single blog document outside a bulk batch.
func (c *Client) IndexBlog(ctx context.Context, b *models.Blog) error {
	return c.index(ctx, blogsIndex, b.TumblrUID, b.Data)
}

func (c *Client) index(ctx context.Context, index, id string, body []byte) error {
	res, err := c.es.Index(
		index,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: index error [%s]: %s", res.Status(), b)
	}
	return nil
}

// SearchPosts executes a full-text match query against post bodies.
func (c *Client) SearchPosts(ctx context.Context, term string) (json.RawMessage, error) {
	query := map[string]any{
		"query": map[string]any{
			"match": map[string]any{"body": term},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(postsIndex),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search: query request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search: query error [%s]: %s", res.Status(), b)
	}
	return io.ReadAll(res.Body)
}
