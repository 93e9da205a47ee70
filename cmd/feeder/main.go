// Command feeder runs the C4 worker pool: it turns catalogue blogs into
// offset-based import tasks and pushes them onto the import queue, subject
// to the import queue's high-water backpressure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blogcrawl/pipeline/internal/apiclient"
	"github.com/blogcrawl/pipeline/internal/blogcache"
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/config"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/events"
	"github.com/blogcrawl/pipeline/internal/feeder"
	"github.com/blogcrawl/pipeline/internal/ingest"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	var workers int
	var highWater int

	cmd := &cobra.Command{
		Use:   "feeder",
		Short: "Feeds catalogue blogs into the import queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, workers, highWater)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", cfg.Workers, "number of feeder goroutines")
	cmd.Flags().IntVar(&highWater, "high-water", cfg.ImportQueueHighWater, "import queue backpressure threshold")
	return cmd
}

func run(cfg *config.Config, workers, highWater int) error {
	log := slog.With("component", "feeder")

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.PostgresDSN, "migrations"); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	b, err := broker.New(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer b.Close()

	api := apiclient.New(cfg.APIBaseURL, cfg.MinRequestInterval)
	ing := ingest.New(db, b, cfg.BulkBatchSize)

	if bc, err := blogcache.New(cfg.RedisAddr); err != nil {
		log.Warn("blogcache unavailable, reads go straight to postgres", "error", err)
	} else {
		defer bc.Close()
		ing.SetCache(bc)
	}

	ev, err := events.New(cfg.RabbitMQURL)
	if err != nil {
		log.Warn("rabbitmq unavailable, events disabled", "error", err)
		ev = nil
	}
	var publisher events.EventPublisher = events.NoopPublisher{}
	if ev != nil {
		publisher = ev
		defer ev.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(cfg.MetricsAddr, log)

	f := feeder.New(api, b, ing, publisher, highWater)
	log.Info("feeder starting", "workers", workers, "high_water", highWater)
	f.Run(ctx, workers)
	log.Info("feeder stopped")
	return nil
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
