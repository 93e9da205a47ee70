// Package api is a small operator-facing HTTP surface: look up a blog,
// push a name onto the manual override queue, run a full-text search, and
// trigger the crawl-lag refresh on demand. It never touches the work-queue
// core's hot path — every handler here is a read or an operator action, not
// something a worker depends on.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/models"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs. Callers
// (main, tests) inject the real implementations or fakes.
// ---------------------------------------------------------------------------

// Catalogue is the read contract onto the ingest layer's blog lookups.
type Catalogue interface {
	GetBlogByName(ctx context.Context, name string) (*models.Blog, error)
}

// ManualQueue is the operator override contract onto the broker.
type ManualQueue interface {
	SAdd(ctx context.Context, set, member string) error
}

// Searcher is the full-text search contract.
type Searcher interface {
	SearchPosts(ctx context.Context, term string) (json.RawMessage, error)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler holds every dependency the HTTP layer needs. Fields are
// interfaces so tests can inject fakes; DB stays concrete because it also
// drives the crawl-lag refresh.
type Handler struct {
	DB        *database.DB
	Catalog   Catalogue
	Queue     ManualQueue
	Search    Searcher
	ManualKey string
}

// ---------------------------------------------------------------------------
// Blogs
// ---------------------------------------------------------------------------

// GetBlog — GET /api/blogs/{name}
func (h *Handler) GetBlog(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/blogs/")
	if name == "" {
		http.Error(w, "missing blog name", http.StatusBadRequest)
		return
	}

	blog, err := h.Catalog.GetBlogByName(r.Context(), name)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "blog not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("blog lookup failed", "component", "api", "name", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(blog)
}

// ---------------------------------------------------------------------------
// Manual override
// ---------------------------------------------------------------------------

// QueueManualCrawl — POST /api/queue/manual {"name": "..."}
//
// Pushes a blog name onto the manual queue so the feeder prioritizes it
// ahead of random candidate selection, bypassing the import-queue
// high-water backpressure check (spec.md §4.4).
func (h *Handler) QueueManualCrawl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid request body: expected {\"name\": \"...\"}", http.StatusBadRequest)
		return
	}

	requestID := uuid.New().String()
	if err := h.Queue.SAdd(r.Context(), h.ManualKey, req.Name); err != nil {
		slog.Error("manual enqueue failed", "component", "api", "request_id", requestID, "name", req.Name, "error", err)
		http.Error(w, "failed to enqueue", http.StatusInternalServerError)
		return
	}

	slog.Info("manual crawl queued", "component", "api", "request_id", requestID, "name", req.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued", "request_id": requestID})
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// SearchPosts — GET /api/search?q={term}
func (h *Handler) SearchPosts(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		http.Error(w, "missing required query parameter: q", http.StatusBadRequest)
		return
	}

	result, err := h.Search.SearchPosts(r.Context(), term)
	if err != nil {
		slog.Error("search failed", "component", "api", "term", term, "error", err)
		http.Error(w, "search engine error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

// RefreshCrawlLag — POST /api/admin/refresh-crawl-lag
//
// Manually triggers the blog_crawl_lag materialized view refresh, in
// addition to its scheduled run (internal/scheduler).
func (h *Handler) RefreshCrawlLag(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.RefreshCrawlLag(r.Context()); err != nil {
		slog.Error("manual crawl lag refresh failed", "component", "api", "error", err)
		http.Error(w, "failed to refresh: "+err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("crawl lag refreshed", "component", "api", "trigger", "manual")
	w.Write([]byte("blog_crawl_lag refreshed successfully.\n"))
}
