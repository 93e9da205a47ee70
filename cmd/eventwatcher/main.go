// Command eventwatcher consumes the shared events queue and logs every
// task-error, blog-done, and blog-not-found event as it arrives — an
// operator tool for watching the core without tailing worker logs
// directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blogcrawl/pipeline/internal/config"
	"github.com/blogcrawl/pipeline/internal/events"
)

func main() {
	cfg := config.Load()
	log := slog.With("component", "eventwatcher")

	consumer, err := events.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rabbitmq connect:", err)
		os.Exit(1)
	}
	defer consumer.Close()

	deliveries, err := consumer.Consume()
	if err != nil {
		fmt.Fprintln(os.Stderr, "consume:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("watching events")
	for {
		select {
		case <-ctx.Done():
			log.Info("eventwatcher stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			log.Info("event received", "kind", d.Event.Kind, "component", d.Event.Component, "blog", d.Event.BlogName, "message", d.Event.Message)
			if err := d.Ack(); err != nil {
				log.Error("ack failed", "error", err)
			}
		}
	}
}
