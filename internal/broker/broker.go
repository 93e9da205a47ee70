// Package broker abstracts the shared Redis key/value store that coordinates
// every worker in the core: the import queue, the in-flight lease set, the
// staging sets, and the accounting hashes. It is the system's sole
// synchronization primitive — no worker talks to another worker directly.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blogcrawl/pipeline/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// Named keys, matching spec.md §6.2 verbatim.
const (
	KeyImportQueue   = "tumblr:queue:import"
	KeyImportWorking = "tumblr:queue:import:working"
	KeyPostsStaging  = "tumblr:queue:posts"
	KeyBlogsStaging  = "tumblr:queue:blogs"
	KeyManualQueue   = "tumblr:queue:manualqueue"
	KeyBlogIDs       = "tumblr:blogids"
	KeyWorkStats     = "tumblr:work_stats"
	KeyDone          = "tumblr:done"
	Key404           = "tumblr:404"
	KeyBadInfo       = "tumblr:badinfo"
	KeyURLs          = "tumblr:urls"
)

// leaseScript is the server-side atomic lease-pop: read the server time,
// SPOP one member from the import queue, SADD the composite "<epoch>;<item>"
// entry into the in-flight lease set, and return both. This must run as a
// single Lua script — a non-atomic pop-then-tag loses tasks on crash between
// the two steps, which is exactly the bug this design is built to avoid.
const leaseScript = `
redis.replicate_commands()
local time = redis.call('TIME')[1]
local item = redis.call('SPOP', KEYS[1])

if item then
	local new_item = time .. ';' .. item
	redis.call('SADD', KEYS[2], new_item)
else
	return nil
end

return { time, item }
`

// ErrEmpty is returned by PopLease when the import queue has nothing to pop.
var ErrEmpty = errors.New("broker: queue empty")

// Broker wraps a Redis client with the typed operations the core needs.
// Every method takes the caller's context so cancellation on shutdown
// propagates through blocking network calls.
type Broker struct {
	rdb    *redis.Client
	script *redis.Script
}

// New creates a Redis client and verifies the connection with a PING.
func New(addr string, db int) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: ping: %w", err)
	}

	return &Broker{rdb: rdb, script: redis.NewScript(leaseScript)}, nil
}

// Close shuts down the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// SAdd adds member to set.
func (b *Broker) SAdd(ctx context.Context, set, member string) error {
	return b.rdb.SAdd(ctx, set, member).Err()
}

// SRem removes member from set.
func (b *Broker) SRem(ctx context.Context, set, member string) error {
	return b.rdb.SRem(ctx, set, member).Err()
}

// SCard returns the cardinality of set, also recording it as an observed
// queue-depth gauge for /metrics.
func (b *Broker) SCard(ctx context.Context, set string) (int64, error) {
	n, err := b.rdb.SCard(ctx, set).Result()
	if err != nil {
		return 0, err
	}
	metrics.QueueDepth.WithLabelValues(set).Set(float64(n))
	return n, nil
}

// SMembers returns every member of set.
func (b *Broker) SMembers(ctx context.Context, set string) ([]string, error) {
	return b.rdb.SMembers(ctx, set).Result()
}

// SIsMember reports whether member is in set.
func (b *Broker) SIsMember(ctx context.Context, set, member string) (bool, error) {
	return b.rdb.SIsMember(ctx, set, member).Result()
}

// SPop pops up to count members from set. Returns an empty slice, not an
// error, when the set is empty.
func (b *Broker) SPop(ctx context.Context, set string, count int64) ([]string, error) {
	return b.rdb.SPopN(ctx, set, count).Result()
}

// SDiff returns members present in a but not in b.
func (b *Broker) SDiff(ctx context.Context, a, bSet string) ([]string, error) {
	return b.rdb.SDiff(ctx, a, bSet).Result()
}

// HIncrBy increments field in hash by n and returns the new value.
func (b *Broker) HIncrBy(ctx context.Context, hash, field string, n int64) (int64, error) {
	return b.rdb.HIncrBy(ctx, hash, field, n).Result()
}

// HGet reads field from hash. Returns redis.Nil (via err) if absent.
func (b *Broker) HGet(ctx context.Context, hash, field string) (string, error) {
	return b.rdb.HGet(ctx, hash, field).Result()
}

// HSet writes field in hash.
func (b *Broker) HSet(ctx context.Context, hash, field, value string) error {
	return b.rdb.HSet(ctx, hash, field, value).Err()
}

// IsNil reports whether err is redis.Nil (key/field absent).
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Lease is one atomically-popped import task: the server epoch it was
// popped at, and the raw JSON payload.
type Lease struct {
	Epoch   int64
	Payload string
}

// CompositeEntry renders the "<epoch>;<payload>" form stored in the
// in-flight lease set.
func (l Lease) CompositeEntry() string {
	return fmt.Sprintf("%d;%s", l.Epoch, l.Payload)
}

// PopLease executes the atomic lease-pop script. Returns ErrEmpty when the
// import queue has nothing to pop — callers should sleep and retry, not
// treat it as a failure.
func (b *Broker) PopLease(ctx context.Context) (Lease, error) {
	timer := time.Now()
	defer func() { metrics.LeasePopDuration.Observe(time.Since(timer).Seconds()) }()

	res, err := b.script.Run(ctx, b.rdb, []string{KeyImportQueue, KeyImportWorking}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Lease{}, ErrEmpty
		}
		return Lease{}, fmt.Errorf("broker: lease-pop script: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 || parts[0] == nil || parts[1] == nil {
		return Lease{}, ErrEmpty
	}

	epochStr, _ := parts[0].(string)
	payload, _ := parts[1].(string)
	if epochStr == "" || payload == "" {
		return Lease{}, ErrEmpty
	}

	var epoch int64
	if _, err := fmt.Sscanf(epochStr, "%d", &epoch); err != nil {
		return Lease{}, fmt.Errorf("broker: lease-pop parse epoch: %w", err)
	}

	return Lease{Epoch: epoch, Payload: payload}, nil
}

// ReleaseLease removes the composite entry for a successfully completed
// task, matching the teacher's SREM-after-success pattern.
func (b *Broker) ReleaseLease(ctx context.Context, l Lease) error {
	return b.SRem(ctx, KeyImportWorking, l.CompositeEntry())
}

// Requeue pushes a task's raw payload back onto the import queue, used by
// the reaper when a lease has expired.
func (b *Broker) Requeue(ctx context.Context, payload string) error {
	return b.SAdd(ctx, KeyImportQueue, payload)
}
