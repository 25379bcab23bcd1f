// Package remote holds the ports and adapters for the opaque remote
// service: a session-check call and an idempotent transaction upsert.
package remote

import (
	"context"
	"time"

	"moneta/internal/core"
)

// Session is the populated result of a successful remote session check.
type Session struct {
	UserID    string    `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ports for outbound adapters.
type (
	// TransactionUpserter pushes a batch of records to the remote service.
	// Submissions are upserts keyed by record id: resubmitting an already
	// accepted record must leave exactly one logical copy.
	TransactionUpserter interface {
		UpsertTransactions(ctx context.Context, txs []core.Transaction) error
	}

	// SessionChecker validates a caller token against the remote service.
	// A nil session with nil error means "not authenticated"; errors are
	// transport failures the caller treats the same way.
	SessionChecker interface {
		CheckSession(ctx context.Context, token string) (*Session, error)
	}
)
