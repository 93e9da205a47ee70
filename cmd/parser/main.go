// Command parser runs the C7 worker pool: it drains the posts and blogs
// staging queues, normalizes each record, and bulk-upserts them into the
// catalogue, mirroring committed batches into the search projection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/config"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/ingest"
	"github.com/blogcrawl/pipeline/internal/parser"
	"github.com/blogcrawl/pipeline/internal/scheduler"
	"github.com/blogcrawl/pipeline/internal/search"

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
	var batchSize int

	cmd := &cobra.Command{
		Use:   "parser",
		Short: "Drains staging queues and upserts into the catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, workers, batchSize)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", cfg.Workers, "number of parser goroutines")
	cmd.Flags().IntVar(&batchSize, "batch-size", cfg.BulkBatchSize, "ingest layer batch size (sizes ingest.BatchAccumulator; the parser's drain batch is fixed at 500)")
	return cmd
}

func run(cfg *config.Config, workers, batchSize int) error {
	log := slog.With("component", "parser")

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

	ing := ingest.New(db, b, batchSize)

	sc, err := search.New(cfg.ElasticsearchURL)
	if err != nil {
		log.Warn("elasticsearch unavailable, search projection disabled", "error", err)
		sc = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(cfg.MetricsAddr, log)

	lagCron, err := scheduler.StartCrawlLagRefresh(db, cfg.CrawlLagSchedule)
	if err != nil {
		log.Warn("crawl lag scheduler disabled", "error", err)
	} else {
		defer lagCron.Stop()
	}

	p := parser.New(b, ing, sc)
	log.Info("parser starting", "workers", workers, "batch_size", batchSize)
	p.Run(ctx, workers)
	log.Info("parser stopped")
	return nil
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
