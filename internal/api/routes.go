package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches all application routes to mux. Keeping this
// separate from handlers.go means the full route surface is visible at a
// glance without scrolling through handler logic.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Blogs
	mux.HandleFunc("GET /api/blogs/", h.GetBlog)

	// Manual override
	mux.HandleFunc("POST /api/queue/manual", h.QueueManualCrawl)

	// Search
	mux.HandleFunc("GET /api/search", h.SearchPosts)

	// Admin
	mux.HandleFunc("POST /api/admin/refresh-crawl-lag", h.RefreshCrawlLag)

	// Observability
	mux.Handle("GET /metrics", promhttp.Handler())
}
