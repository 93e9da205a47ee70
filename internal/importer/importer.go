// Package importer is the legacy single-process import flow (cmd/importer):
// one operator-driven process that archives a blog (or a random stream of
// candidates) without the distributed import queue or lease mechanism —
// tasks live in an in-process slice instead of Redis, matching
// script_import_posts.py's BlogManager. It still shares the posts staging
// queue and the catalogue with the distributed core, so a parser running
// alongside it drains the same records.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/blogcrawl/pipeline/internal/apiclient"
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/ingest"
	"github.com/blogcrawl/pipeline/internal/models"
)

// offsetPageSize is the fixed pagination stride the original API uses.
const offsetPageSize = 20

type task struct {
	Name       string
	Offset     int
	LastCrawl  string
	TotalPosts int
}

// Manager holds the in-process queue and per-blog counters for one
// importer run. It is safe for concurrent use by RunProcessors' worker
// goroutines.
type Manager struct {
	api    *apiclient.Client
	broker *broker.Broker
	ingest *ingest.Layer

	// badThreshold is 5 here, vs 15 in the distributed fetcher (C5) —
	// script_import_posts.py's self.bad[name] >= 5.
	badThreshold int

	mu      sync.Mutex
	queue   []task
	grabbed map[string]int
	bad     map[string]int
}

// New constructs a Manager.
func New(api *apiclient.Client, b *broker.Broker, ing *ingest.Layer, badThreshold int) *Manager {
	return &Manager{
		api:          api,
		broker:       b,
		ingest:       ing,
		badThreshold: badThreshold,
		grabbed:      make(map[string]int),
		bad:          make(map[string]int),
	}
}

// ArchiveByName resolves name against the remote API, upserts the blog row,
// and enqueues its offset tasks — the BlogManager.archive(str) path.
func (m *Manager) ArchiveByName(ctx context.Context, name string) error {
	info, err := m.api.BlogInfo(ctx, name)
	if err != nil {
		return fmt.Errorf("importer: blog_info: %w", err)
	}
	blog, err := m.ingest.UpsertBlog(ctx, info.Blog)
	if err != nil {
		return fmt.Errorf("importer: upsert blog: %w", err)
	}
	return m.enqueueOffsets(ctx, blog, info)
}

// ArchiveBlog enqueues offset tasks for an already-known catalogue row —
// the BlogManager.archive(Blog) path used by RunRandom.
func (m *Manager) ArchiveBlog(ctx context.Context, blog *models.Blog) error {
	info, err := m.api.BlogInfo(ctx, blog.Name)
	if err != nil {
		return fmt.Errorf("importer: blog_info: %w", err)
	}
	if info.Meta.Status == 503 {
		slog.Warn("blog_info 503", "blog", blog.Name)
	}
	return m.enqueueOffsets(ctx, blog, info)
}

func (m *Manager) enqueueOffsets(ctx context.Context, blog *models.Blog, info *apiclient.Response) error {
	totalPosts, _ := asInt(info.Blog["posts"])

	lastCrawl := "0"
	if blog.LastCrawlUpdate != nil {
		lastCrawl = fmt.Sprintf("%d", blog.LastCrawlUpdate.Unix())
	}

	m.mu.Lock()
	for offset := 0; offset <= totalPosts+offsetPageSize; offset += offsetPageSize {
		m.queue = append(m.queue, task{Name: blog.Name, Offset: offset, LastCrawl: lastCrawl, TotalPosts: totalPosts})
	}
	m.mu.Unlock()

	// Matches `blog.last_crawl_update = blog.updated` in archive(): reuses
	// the catalogue's own stored Updated, not a fresh value from info.
	return m.ingest.MarkCrawled(ctx, blog.ID, blog.Updated)
}

// RunRandom repeatedly picks a random stale candidate from the catalogue
// and archives it, pausing whenever the in-process queue already has work
// — the BlogManager.random() loop. It returns when ctx is cancelled.
func (m *Manager) RunRandom(ctx context.Context) {
	log := slog.With("component", "importer", "role", "random")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.queueLen() > 0 {
			sleep(ctx, time.Second)
			continue
		}

		candidates, err := m.ingest.SelectCandidateBlogs(ctx, 1)
		if err != nil {
			log.Error("candidate selection failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if len(candidates) == 0 {
			sleep(ctx, time.Second)
			continue
		}

		blog := candidates[0]
		log.Info("archiving candidate", "blog", blog.Name)
		if err := m.ArchiveBlog(ctx, blog); err != nil {
			log.Error("archive failed", "blog", blog.Name, "error", err)
		}
	}
}

// RunProcessors starts n worker goroutines, each repeatedly popping a
// random task off the in-process queue and processing it — the
// BlogManager.processor() loop, translated from thread-per-worker to
// goroutine-per-worker.
func (m *Manager) RunProcessors(ctx context.Context, n int) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer wg.Done()
			m.processorLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (m *Manager) processorLoop(ctx context.Context, workerID int) {
	log := slog.With("component", "importer", "worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, ok := m.popRandom()
		if !ok {
			sleep(ctx, time.Second)
			continue
		}

		if err := m.process(ctx, log, t); err != nil {
			log.Error("process failed", "blog", t.Name, "offset", t.Offset, "error", err)
		}
	}
}

// process implements BlogManager.process: fetch one offset page, stage
// each post that passes the last_crawl cutoff, and pin the blog done once
// its bad counter crosses badThreshold.
func (m *Manager) process(ctx context.Context, log *slog.Logger, t task) error {
	if m.badCount(t.Name) >= m.badThreshold {
		m.pinDone(t.Name, log)
		return nil
	}

	var resp *apiclient.Response
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r, err := m.api.Posts(ctx, t.Name, t.Offset)
		if err != nil {
			return fmt.Errorf("posts: %w", err)
		}

		if r.Meta.Status == 502 || r.Meta.Status == 503 || r.Posts == nil {
			log.Warn("transient status, retrying in place", "blog", t.Name, "status", r.Meta.Status)
			sleep(ctx, 10*time.Second)
			continue
		}

		resp = r
		break
	}

	lastCrawl, err := parseEpoch(t.LastCrawl)
	if err != nil {
		lastCrawl = 0
	}

	for _, post := range resp.Posts {
		ok := m.add(ctx, post, lastCrawl)
		m.incrGrabbed(t.Name)
		if !ok {
			m.incrBad(t.Name)
		}
	}

	log.Info("posts remaining", "blog", t.Name, "remaining", t.TotalPosts-m.grabbedCount(t.Name))
	return nil
}

// add stages one post if its timestamp is at or after lastCrawl, matching
// BlogManager.add()'s `oldest > posted` rejection (inverted to `>=` per
// spec_full §9's resolved last_crawl open question).
func (m *Manager) add(ctx context.Context, post map[string]interface{}, lastCrawl float64) bool {
	ts, _ := toFloat(post["timestamp"])
	if ts < lastCrawl {
		return false
	}
	body, err := json.Marshal(post)
	if err != nil {
		return false
	}
	if err := m.broker.SAdd(ctx, broker.KeyPostsStaging, string(body)); err != nil {
		slog.Error("importer: stage post failed", "error", err)
		return false
	}
	return true
}

func (m *Manager) queueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) popRandom() (task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return task{}, false
	}
	i := rand.Intn(len(m.queue))
	t := m.queue[i]
	m.queue[i] = m.queue[len(m.queue)-1]
	m.queue = m.queue[:len(m.queue)-1]
	return t, true
}

func (m *Manager) badCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bad[name]
}

func (m *Manager) incrBad(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bad[name]++
}

func (m *Manager) incrGrabbed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grabbed[name]++
}

func (m *Manager) grabbedCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grabbed[name]
}

func (m *Manager) pinDone(name string, log *slog.Logger) {
	m.mu.Lock()
	already := m.bad[name] == 999
	if !already {
		m.bad[name] = 999
	}
	m.mu.Unlock()
	if !already {
		log.Info("all posts crawled (probably)", "blog", name)
	}
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

func toFloat(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func parseEpoch(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
