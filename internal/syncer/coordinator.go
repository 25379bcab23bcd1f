// Package syncer reconciles the local transaction queue with the remote
// service once connectivity is available.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"moneta/internal/queue"
	"moneta/internal/remote"
)

// Config holds the explicit retry policy for a sync attempt. Retry used to
// be left to the platform's opaque deferred-sync scheduler; it is now
// bounded and configurable.
type Config struct {
	// BatchSize is the max number of pending records pushed per sync.
	BatchSize int

	// MaxAttempts is the number of submission attempts per trigger before
	// giving up and leaving records pending for the next trigger.
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt; it
	// doubles per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:      50,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

type Coordinator struct {
	queue  *queue.Queue
	remote remote.TransactionUpserter
	config Config
	wait   func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(q *queue.Queue, upserter remote.TransactionUpserter, config Config) *Coordinator {
	return &Coordinator{
		queue:  q,
		remote: upserter,
		config: config,
		wait:   waitFor,
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// SyncTransactions pushes every still-pending record to the remote service
// and returns the confirmed ids. The whole set is resubmitted on every
// trigger, including records possibly accepted on a lost confirmation; the
// remote upserts by id, so duplicates collapse. On failure no partial-state
// claims are made and the next trigger re-attempts the full set.
func (c *Coordinator) SyncTransactions(ctx context.Context) ([]string, error) {
	pending, err := c.queue.GetPendingTransactions(ctx, c.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("load pending transactions: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	for i, tx := range pending {
		ids[i] = tx.ID
	}

	backoff := c.config.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		lastErr = c.remote.UpsertTransactions(ctx, pending)
		if lastErr == nil {
			slog.InfoContext(ctx, "Sync succeeded",
				"count", len(pending),
				"attempt", attempt)
			return ids, nil
		}

		slog.WarnContext(ctx, "Sync attempt failed",
			"attempt", attempt,
			"max_attempts", c.config.MaxAttempts,
			"count", len(pending),
			"error", lastErr)

		if attempt == c.config.MaxAttempts {
			break
		}
		if err := c.wait(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}

	return nil, fmt.Errorf("sync transactions after %d attempts: %w", c.config.MaxAttempts, lastErr)
}

// Run performs one full sync cycle: push pending records, then mark the
// confirmed ids. A failed mark leaves records pending; they are resubmitted
// on the next trigger and collapse remotely.
func (c *Coordinator) Run(ctx context.Context) error {
	ids, err := c.SyncTransactions(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := c.queue.MarkAsSynced(ctx, ids); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}
