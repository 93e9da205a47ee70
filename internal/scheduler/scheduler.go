// Package scheduler runs operator-facing periodic jobs that sit outside the
// at-least-once work-queue core, adapted from the teacher's materialized
// view refresh cron. Nothing here is read by the feeder/fetcher/reaper/
// parser loop; losing a tick only delays a dashboard, never the pipeline.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/blogcrawl/pipeline/internal/database"

	"github.com/robfig/cron/v3"
)

// StartCrawlLagRefresh registers the blog_crawl_lag materialized view
// refresh on the given schedule and starts the scheduler. The returned
// *cron.Cron must be stopped on shutdown — Stop() halts scheduling and
// returns at once, with a context that is done when any running job has
// finished.
func StartCrawlLagRefresh(db *database.DB, schedule string) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		slog.Info("crawl lag refresh started", "component", "scheduler")

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := db.RefreshCrawlLag(ctx); err != nil {
			slog.Error("crawl lag refresh failed", "component", "scheduler", "error", err)
		} else {
			slog.Info("crawl lag refresh done", "component", "scheduler")
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	slog.Info("scheduler started", "component", "scheduler", "schedule", schedule)
	return c, nil
}
