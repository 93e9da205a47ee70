// Package reaper implements C6: it periodically scans the in-flight lease
// set for entries whose epoch has aged past the lease timeout and requeues
// them, which is what makes the system at-least-once in the face of a
// fetcher crash mid-task.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/metrics"
)

// Reaper owns the dependencies the scan loop needs.
type Reaper struct {
	broker       *broker.Broker
	leaseTimeout time.Duration
	period       time.Duration
}

// New constructs a Reaper. leaseTimeout is T_lease (spec.md default 180s),
// period is the scan interval (spec.md default 5s).
func New(b *broker.Broker, leaseTimeout, period time.Duration) *Reaper {
	return &Reaper{broker: b, leaseTimeout: leaseTimeout, period: period}
}

// Run scans on a fixed period until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log := slog.With("component", "reaper")
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx, log); err != nil {
				log.Error("sweep failed", "error", err)
			}
		}
	}
}

// sweep implements spec.md §4.6: read every entry in the lease set, parse
// its epoch prefix, and requeue any entry older than the lease timeout.
func (r *Reaper) sweep(ctx context.Context, log *slog.Logger) error {
	entries, err := r.broker.SMembers(ctx, broker.KeyImportWorking)
	if err != nil {
		return fmt.Errorf("reaper: list working set: %w", err)
	}

	now := time.Now().Unix()
	requeued := 0

	for _, entry := range entries {
		epoch, payload, ok := splitComposite(entry)
		if !ok {
			log.Warn("malformed lease entry, dropping", "entry", entry)
			if err := r.broker.SRem(ctx, broker.KeyImportWorking, entry); err != nil {
				log.Error("drop malformed entry failed", "error", err)
			}
			continue
		}

		age := time.Duration(now-epoch) * time.Second
		if age < r.leaseTimeout {
			continue
		}

		if err := r.broker.Requeue(ctx, payload); err != nil {
			log.Error("requeue failed", "entry", entry, "error", err)
			continue
		}
		if err := r.broker.SRem(ctx, broker.KeyImportWorking, entry); err != nil {
			log.Error("remove stale lease failed", "entry", entry, "error", err)
			continue
		}

		requeued++
		metrics.TasksRequeued.Inc()
	}

	if requeued > 0 {
		log.Info("requeued expired leases", "count", requeued)
	}
	return nil
}

// splitComposite parses the "<epoch>;<payload>" entry format written by the
// lease-pop script.
func splitComposite(entry string) (epoch int64, payload string, ok bool) {
	idx := strings.Index(entry, ";")
	if idx < 0 {
		return 0, "", false
	}
	e, err := strconv.ParseInt(entry[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return e, entry[idx+1:], true
}
