// Package fetcher implements C5: it atomically leases an import task,
// calls the remote API, and deposits raw post records into the posts
// staging queue, honoring backpressure from the parser stage and the
// per-blog "bad" counter that pins exhausted blogs as done.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blogcrawl/pipeline/internal/apiclient"
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/events"
	"github.com/blogcrawl/pipeline/internal/models"
)

// Outcome is the typed result of processing one task, replacing the
// original's exception-as-control-flow ReturnJob sentinel (spec.md §9).
type Outcome int

const (
	outcomeCompleted Outcome = iota
	outcomeAbandon           // 404: blog exhausted for this run, lease dropped without requeue
	outcomeRetry             // transient: retry the same task in-line, lease still held
)

// Fetcher owns the dependencies one fetcher worker goroutine needs.
type Fetcher struct {
	api    *apiclient.Client
	broker *broker.Broker
	events events.EventPublisher

	stagingHighWater    int
	badCounterThreshold int
	workerName          string

	mu  sync.Mutex
	bad map[string]int
}

// New constructs a Fetcher. badCounterThreshold is 15 for the distributed
// core, 5 for the legacy single-process importer (spec.md §9).
func New(api *apiclient.Client, b *broker.Broker, ev events.EventPublisher, stagingHighWater, badCounterThreshold int, workerName string) *Fetcher {
	return &Fetcher{
		api:                 api,
		broker:              b,
		events:              ev,
		stagingHighWater:    stagingHighWater,
		badCounterThreshold: badCounterThreshold,
		workerName:          workerName,
		bad:                 make(map[string]int),
	}
}

// Run starts n fetcher goroutines and blocks until ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context, n int) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer wg.Done()
			f.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (f *Fetcher) loop(ctx context.Context, workerID int) {
	log := slog.With("component", "fetcher", "worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		depth, err := f.broker.SCard(ctx, broker.KeyImportQueue)
		if err != nil {
			log.Error("import queue depth check failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if depth == 0 {
			sleep(ctx, time.Second)
			continue
		}

		lease, err := f.broker.PopLease(ctx)
		if err != nil {
			if err != broker.ErrEmpty {
				log.Error("lease-pop failed", "error", err)
			}
			continue
		}

		var task models.ImportTask
		if jsonErr := json.Unmarshal([]byte(lease.Payload), &task); jsonErr != nil {
			// Malformed JSON: drop the lease and continue. The task is lost,
			// which is acceptable because tasks are re-derivable from the
			// catalogue (spec.md §4.5 step 3).
			_ = f.broker.ReleaseLease(ctx, lease)
			continue
		}

		outcome := f.process(ctx, log, task)
		// Retry the same task in place while the lease is held; process()
		// already slept before returning outcomeRetry.
		for outcome == outcomeRetry && ctx.Err() == nil {
			outcome = f.process(ctx, log, task)
		}
		switch outcome {
		case outcomeCompleted, outcomeAbandon:
			if err := f.broker.ReleaseLease(ctx, lease); err != nil {
				log.Error("release lease failed", "error", err)
			}
		case outcomeRetry:
			// Only reached on shutdown: the lease stays held and the reaper
			// requeues the task once the lease expires.
		}
	}
}

// process implements spec.md §4.5 steps 3-7 for one task.
func (f *Fetcher) process(ctx context.Context, log *slog.Logger, task models.ImportTask) Outcome {
	if f.badCount(task.Name) >= f.badCounterThreshold {
		f.pinDone(task.Name, log)
		return outcomeAbandon
	}

	if f.awaitStagingCapacity(ctx, log) {
		return outcomeRetry
	}

	resp, err := f.api.Posts(ctx, task.Name, task.Offset)
	if err != nil {
		log.Error("posts call failed", "blog", task.Name, "offset", task.Offset, "error", err)
		_ = f.events.Publish(ctx, events.Event{Kind: events.KindTaskError, Component: "fetcher", BlogName: task.Name, Message: err.Error()})
		sleep(ctx, 10*time.Second)
		return outcomeRetry
	}

	switch {
	case resp.Meta.Status == 404:
		log.Info("blog exhausted (404)", "blog", task.Name)
		return outcomeAbandon

	case resp.Meta.Status == 502 || resp.Meta.Status == 503 || resp.Meta.Status == 429 || resp.Posts == nil:
		log.Warn("transient status or missing posts, retrying in place", "blog", task.Name, "status", resp.Meta.Status)
		sleep(ctx, 10*time.Second)
		return outcomeRetry
	}

	lastCrawl, err := parseEpoch(task.LastCrawl)
	if err != nil {
		log.Error("malformed last_crawl threshold", "blog", task.Name, "value", task.LastCrawl, "error", err)
		lastCrawl = 0
	}

	added := 0
	for _, post := range resp.Posts {
		ts, _ := toFloat(post["timestamp"])
		if ts >= lastCrawl {
			body, err := json.Marshal(post)
			if err != nil {
				continue
			}
			if err := f.broker.SAdd(ctx, broker.KeyPostsStaging, string(body)); err != nil {
				log.Error("stage post failed", "blog", task.Name, "error", err)
				continue
			}
			added++
		} else {
			f.incrBad(task.Name)
		}
	}

	log.Info("fetched posts", "blog", task.Name, "offset", task.Offset, "count", len(resp.Posts), "staged", added)

	if _, err := f.broker.HIncrBy(ctx, broker.KeyWorkStats, f.workerName, int64(len(resp.Posts))); err != nil {
		log.Warn("work stats increment failed", "error", err) // best-effort, never fatal
	}

	return outcomeCompleted
}

// awaitStagingCapacity implements the C5 backpressure check (spec.md §4.5
// step 4): block (sleeping, respecting ctx) until the posts staging queue
// drops back under H_stage. Returns true if the caller should retry the
// task instead of proceeding, which only happens if ctx is cancelled
// mid-wait. A failed depth check is logged and waited out the same way.
func (f *Fetcher) awaitStagingCapacity(ctx context.Context, log *slog.Logger) bool {
	for {
		depth, err := f.broker.SCard(ctx, broker.KeyPostsStaging)
		if err != nil {
			log.Error("staging depth check failed", "error", err)
		} else if depth <= int64(f.stagingHighWater) {
			return false
		} else {
			log.Warn("posts staging queue over high-water, sleeping", "depth", depth)
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(5 * time.Second):
		}
	}
}

func (f *Fetcher) badCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bad[name]
}

func (f *Fetcher) incrBad(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bad[name]++
}

// pinDone caps the bad counter at 999 to avoid log spam once a blog is
// considered exhausted, matching client_fetch_posts.py's self.bad[name] = 999.
func (f *Fetcher) pinDone(name string, log *slog.Logger) {
	f.mu.Lock()
	already := f.bad[name] == 999
	if !already {
		f.bad[name] = 999
	}
	f.mu.Unlock()

	if !already {
		log.Info("all posts crawled for blog, pinning done", "blog", name)
		_ = f.events.Publish(context.Background(), events.Event{Kind: events.KindBlogDone, Component: "fetcher", BlogName: name})
	}
}

func parseEpoch(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

func toFloat(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
