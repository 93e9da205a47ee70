// Package blogcache is a Redis-backed read-through cache for catalogue
// Blog lookups by name, adapted from the teacher's write-back Order cache:
// same shape (Redis GET/SET with a fixed TTL, ErrNotFound on miss), now
// fronting the feeder's repeated GetBlogByName reads instead of an Order
// write path. Unlike the teacher's cache it is read-through, not
// write-back — the catalogue row is still the only durable write target,
// so a cache outage never risks losing data, only adds a Postgres round
// trip.
package blogcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/blogcrawl/pipeline/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	blogKeyPrefix = "blogcache:"
	blogTTL       = time.Hour
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("blogcache: key not found")

// Client wraps a Redis client dedicated to this cache, kept separate from
// the broker's connection since eviction policy and TTLs differ from the
// broker's durable sets and hashes.
type Client struct {
	rdb *redis.Client
}

// New creates a Redis client and verifies the connection with a PING.
func New(addr string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetBlog serializes blog and stores it under its name with a fixed TTL.
func (c *Client) SetBlog(ctx context.Context, blog *models.Blog) error {
	data, err := json.Marshal(blog)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, blogKeyPrefix+blog.Name, data, blogTTL).Err()
}

// GetBlog fetches a cached Blog by name. Returns ErrNotFound on a miss or
// expiry.
func (c *Client) GetBlog(ctx context.Context, name string) (*models.Blog, error) {
	data, err := c.rdb.Get(ctx, blogKeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var blog models.Blog
	if err := json.Unmarshal(data, &blog); err != nil {
		return nil, err
	}
	return &blog, nil
}
