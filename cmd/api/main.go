// Command api serves the operator-facing HTTP surface: blog lookups,
// manual-queue override, full-text search, and an on-demand crawl-lag
// refresh. It never sits on the work-queue core's hot path.
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

	"github.com/blogcrawl/pipeline/internal/api"
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/config"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/ingest"
	"github.com/blogcrawl/pipeline/internal/search"

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
	var addr string

	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serves the operator-facing HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", cfg.APIAddr, "HTTP listen address")
	return cmd
}

func run(cfg *config.Config, addr string) error {
	log := slog.With("component", "api")

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer db.Close()

	b, err := broker.New(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer b.Close()

	ing := ingest.New(db, b, cfg.BulkBatchSize)

	sc, err := search.New(cfg.ElasticsearchURL)
	if err != nil {
		return fmt.Errorf("elasticsearch init: %w", err)
	}

	h := &api.Handler{DB: db, Catalog: ing, Queue: b, Search: sc, ManualKey: broker.KeyManualQueue}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
