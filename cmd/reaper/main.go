// Command reaper runs the C6 lease-expiry scanner: it requeues import
// tasks whose lease has outlived the lease timeout, which is what makes a
// crashed fetcher's work recoverable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/config"
	"github.com/blogcrawl/pipeline/internal/reaper"

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

	var leaseTimeout time.Duration
	var period time.Duration

	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Requeues import tasks whose lease has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, leaseTimeout, period)
		},
	}

	cmd.Flags().DurationVar(&leaseTimeout, "lease-timeout", cfg.LeaseTimeout, "age at which an in-flight lease is considered abandoned")
	cmd.Flags().DurationVar(&period, "scan-period", cfg.ReaperPeriod, "interval between lease sweeps")
	return cmd
}

func run(cfg *config.Config, leaseTimeout, period time.Duration) error {
	log := slog.With("component", "reaper")

	b, err := broker.New(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(cfg.MetricsAddr, log)

	r := reaper.New(b, leaseTimeout, period)
	log.Info("reaper starting", "lease_timeout", leaseTimeout, "period", period)
	r.Run(ctx)
	log.Info("reaper stopped")
	return nil
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
