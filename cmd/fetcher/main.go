// Command fetcher runs the C5 worker pool: it atomically leases import
// tasks, calls the remote API, and stages raw post records for the parser.
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
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/config"
	"github.com/blogcrawl/pipeline/internal/events"
	"github.com/blogcrawl/pipeline/internal/fetcher"

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
	var stageHighWater int
	var badThreshold int

	cmd := &cobra.Command{
		Use:   "fetcher",
		Short: "Leases import tasks and stages fetched posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, workers, stageHighWater, badThreshold)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", cfg.Workers, "number of fetcher goroutines")
	cmd.Flags().IntVar(&stageHighWater, "stage-high-water", cfg.StagingHighWater, "posts staging backpressure threshold")
	cmd.Flags().IntVar(&badThreshold, "bad-counter-threshold", cfg.BadCounterThreshold, "consecutive stale-post count before a blog is pinned done")
	return cmd
}

func run(cfg *config.Config, workers, stageHighWater, badThreshold int) error {
	log := slog.With("component", "fetcher")

	b, err := broker.New(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer b.Close()

	api := apiclient.New(cfg.APIBaseURL, cfg.MinRequestInterval)

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

	workerName := cfg.WorkerName
	f := fetcher.New(api, b, publisher, stageHighWater, badThreshold, workerName)
	log.Info("fetcher starting", "workers", workers, "stage_high_water", stageHighWater, "bad_threshold", badThreshold)
	f.Run(ctx, workers)
	log.Info("fetcher stopped")
	return nil
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
