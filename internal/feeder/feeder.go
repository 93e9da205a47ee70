// Package feeder implements C4: it turns a catalogue of blogs into
// fine-grained import tasks and enforces the system's primary backpressure
// knob against the import queue's high-water mark.
package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/blogcrawl/pipeline/internal/apiclient"
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/events"
	"github.com/blogcrawl/pipeline/internal/ingest"
	"github.com/blogcrawl/pipeline/internal/models"
)

// offsetPageSize is the fixed pagination stride the original API uses.
const offsetPageSize = 20

// Feeder owns the dependencies one feeder worker goroutine needs.
type Feeder struct {
	api       *apiclient.Client
	broker    *broker.Broker
	ingest    *ingest.Layer
	events    events.EventPublisher
	highWater int
}

// New constructs a Feeder.
func New(api *apiclient.Client, b *broker.Broker, ing *ingest.Layer, ev events.EventPublisher, highWater int) *Feeder {
	return &Feeder{api: api, broker: b, ingest: ing, events: ev, highWater: highWater}
}

// Run starts n feeder goroutines and blocks until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context, n int) {
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(id int) {
			f.loop(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (f *Feeder) loop(ctx context.Context, workerID int) {
	log := slog.With("component", "feeder", "worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if f.backpressured(ctx, log) {
			sleep(ctx, time.Second)
			continue
		}

		// Manual mode takes priority: drain the operator-supplied queue
		// before falling back to automatic candidate selection.
		manualName, ok, err := f.popManual(ctx)
		if err != nil {
			log.Error("manual queue pop failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if ok {
			f.processBlogByName(ctx, log, manualName)
			continue
		}

		n := 1 + rand.Intn(25) // uniform on [1, 25]
		candidates, err := f.ingest.SelectCandidateBlogs(ctx, n)
		if err != nil {
			log.Error("candidate selection failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if len(candidates) == 0 {
			sleep(ctx, time.Second)
			continue
		}

		for _, blog := range candidates {
			f.processCandidate(ctx, log, blog)
		}
	}
}

// backpressured implements spec.md §4.4 step 1: pause the feeder once the
// import queue is past H_high, unless the manual queue has content — an
// operator's explicit request for a re-crawl should never silently starve.
func (f *Feeder) backpressured(ctx context.Context, log *slog.Logger) bool {
	depth, err := f.broker.SCard(ctx, broker.KeyImportQueue)
	if err != nil {
		log.Error("import queue depth check failed", "error", err)
		return true
	}
	if depth <= int64(f.highWater) {
		return false
	}

	manualDepth, err := f.broker.SCard(ctx, broker.KeyManualQueue)
	if err != nil {
		log.Error("manual queue depth check failed", "error", err)
		return true
	}
	return manualDepth == 0
}

func (f *Feeder) popManual(ctx context.Context) (string, bool, error) {
	names, err := f.broker.SPop(ctx, broker.KeyManualQueue, 1)
	if err != nil {
		return "", false, err
	}
	if len(names) == 0 {
		return "", false, nil
	}
	return names[0], true, nil
}

func (f *Feeder) processBlogByName(ctx context.Context, log *slog.Logger, name string) {
	blog, err := f.ingest.GetBlogByName(ctx, name)
	if err != nil {
		log.Warn("manual queue name not resolvable", "name", name, "error", err)
		return
	}
	f.processCandidate(ctx, log, blog)
}

func (f *Feeder) processCandidate(ctx context.Context, log *slog.Logger, blog *models.Blog) {
	resp, err := f.api.BlogInfo(ctx, blog.Name)
	if err != nil {
		log.Error("blog_info call failed", "blog", blog.Name, "error", err)
		_ = f.events.Publish(ctx, events.Event{Kind: events.KindTaskError, Component: "feeder", BlogName: blog.Name, Message: err.Error()})
		return
	}

	switch resp.Meta.Status {
	case 404:
		if err := f.ingest.MarkCrawled(ctx, blog.ID, blog.Updated); err != nil {
			log.Error("mark crawled (404) failed", "blog", blog.Name, "error", err)
		}
		_ = f.events.Publish(ctx, events.Event{Kind: events.KindBlogNotFound, Component: "feeder", BlogName: blog.Name})
		return
	case 429, 503, 504:
		log.Warn("transient status, skipping candidate", "blog", blog.Name, "status", resp.Meta.Status)
		sleep(ctx, 5*time.Second)
		return
	}

	postsRaw, ok := resp.Blog["posts"]
	if !ok {
		log.Warn("blog_info response missing posts field", "blog", blog.Name)
		return
	}
	totalPosts, ok := asInt(postsRaw)
	if !ok {
		log.Warn("blog_info posts field not numeric", "blog", blog.Name)
		return
	}

	lastCrawl := "0"
	if blog.LastCrawlUpdate != nil {
		lastCrawl = fmt.Sprintf("%d", blog.LastCrawlUpdate.Unix())
	}

	issued := 0
	for offset := 0; offset <= totalPosts+offsetPageSize; offset += offsetPageSize {
		task := models.ImportTask{Name: blog.Name, Offset: offset, LastCrawl: lastCrawl}
		body, err := json.Marshal(task)
		if err != nil {
			log.Error("task marshal failed", "blog", blog.Name, "error", err)
			continue
		}
		if err := f.broker.SAdd(ctx, broker.KeyImportQueue, string(body)); err != nil {
			log.Error("task enqueue failed", "blog", blog.Name, "offset", offset, "error", err)
			continue
		}
		issued++
	}

	// last_crawl_update takes the catalogue's own stored "updated" column,
	// not a fresh value from this response — matching
	// server_load_queue.py's `random_blog.last_crawl_update =
	// random_blog.updated` exactly. Refreshing "updated" from the API is a
	// separate concern (the blog-sync path), not the feeder's.
	if err := f.ingest.MarkCrawled(ctx, blog.ID, blog.Updated); err != nil {
		log.Error("mark crawled failed", "blog", blog.Name, "error", err)
		return
	}

	log.Info("blog offsets queued", "blog", blog.Name, "offsets", issued)
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
