// Package queue is the durable client-side holding area for finance records
// pending confirmation by the remote service.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"moneta/internal/core"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by write operations when the persistent
// store could not be opened. Expected in normal offline operation on
// storage-less platforms; callers log and degrade, they do not surface it.
var ErrNotInitialized = errors.New("transaction queue not initialized")

// SyncRegistrar registers a deferred background-sync request after a
// successful save. Implemented by the AMQP client.
type SyncRegistrar interface {
	RegisterSync(ctx context.Context) error
}

type Queue struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	registrar SyncRegistrar
	online    func() bool
}

type Option func(*Queue)

// WithSyncRegistrar wires the deferred-sync facility. Registration failures
// after a save are logged, never surfaced.
func WithSyncRegistrar(r SyncRegistrar) Option {
	return func(q *Queue) { q.registrar = r }
}

// WithOnlineCheck supplies the connectivity check consulted before
// registering a sync request.
func WithOnlineCheck(online func() bool) Option {
	return func(q *Queue) { q.online = online }
}

func New(dbPath string, opts ...Option) *Queue {
	q := &Queue{path: dbPath}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Initialize opens or creates the persistent store and brings the schema up
// to date. Idempotent: a second call on an initialized queue is a no-op.
// On failure it logs and leaves the queue uninitialized; all operations
// then degrade to failure returns instead of panicking or surfacing errors
// to the UI.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		slog.WarnContext(ctx, "Persistent storage unavailable", "path", q.path, "error", err)
		return fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", q.path)
	if err != nil {
		slog.WarnContext(ctx, "Persistent storage unavailable", "path", q.path, "error", err)
		return fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		slog.WarnContext(ctx, "Persistent storage unavailable", "path", q.path, "error", err)
		return fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(q.path); err != nil {
		db.Close()
		slog.WarnContext(ctx, "Failed to migrate local store", "path", q.path, "error", err)
		return fmt.Errorf("run migrations: %w", err)
	}

	q.db = db
	slog.InfoContext(ctx, "Transaction queue initialized", "path", q.path)
	return nil
}

func (q *Queue) handle() *sql.DB {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db
}

// SaveTransaction inserts a new record with pendingSync=true and
// createdAt=now, generating an id when the caller did not assign one. On
// success, if the platform is online and a registrar is wired, a deferred
// sync request is registered; registration failure is non-fatal.
func (q *Queue) SaveTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	db := q.handle()
	if db == nil {
		return core.Transaction{}, ErrNotInitialized
	}

	if err := tx.Validate(); err != nil {
		return core.Transaction{}, fmt.Errorf("validate transaction: %w", err)
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.PendingSync = true
	tx.CreatedAt = time.Now().UTC()

	_, err := db.ExecContext(ctx,
		`INSERT INTO transactions (id, amount_cents, description, date, category, type, pending_sync, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		tx.ID, tx.Amount.Cents, tx.Description, tx.Date.String(), tx.Category, string(tx.Type), tx.CreatedAt)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved locally",
		"id", tx.ID,
		"amount_cents", tx.Amount.Cents,
		"category", tx.Category,
		"pending_sync", true)

	if q.registrar != nil && (q.online == nil || q.online()) {
		if err := q.registrar.RegisterSync(ctx); err != nil {
			slog.WarnContext(ctx, "Sync registration failed, relying on periodic replay",
				"id", tx.ID, "error", err)
		}
	}

	return tx, nil
}

// GetLocalTransactions returns every locally held record in store-native
// order. An uninitialized queue yields an empty result.
func (q *Queue) GetLocalTransactions(ctx context.Context) ([]core.Transaction, error) {
	db := q.handle()
	if db == nil {
		return []core.Transaction{}, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, amount_cents, description, date, category, type, pending_sync, created_at
		 FROM transactions`)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetPendingTransactions returns up to limit records still awaiting remote
// confirmation, oldest first.
func (q *Queue) GetPendingTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	db := q.handle()
	if db == nil {
		return []core.Transaction{}, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, amount_cents, description, date, category, type, pending_sync, created_at
		 FROM transactions
		 WHERE pending_sync = 1
		 ORDER BY created_at
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// MarkAsSynced flips pendingSync to false for each id. Missing ids are
// skipped without error. Updates are per-record and not rolled back on a
// later failure: at-least-once, the periodic replay resubmits whatever is
// still pending.
func (q *Queue) MarkAsSynced(ctx context.Context, ids []string) error {
	db := q.handle()
	if db == nil {
		return ErrNotInitialized
	}

	var failed []string
	for _, id := range ids {
		_, err := db.ExecContext(ctx,
			`UPDATE transactions SET pending_sync = 0 WHERE id = ?`, id)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to mark transaction synced", "id", id, "error", err)
			failed = append(failed, id)
			continue
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("mark synced: %d of %d updates failed", len(failed), len(ids))
	}

	slog.InfoContext(ctx, "Transactions marked as synced", "count", len(ids))
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db != nil {
		err := q.db.Close()
		q.db = nil
		return err
	}
	return nil
}

func scanTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var out []core.Transaction
	for rows.Next() {
		var (
			tx      core.Transaction
			date    string
			txType  string
			pending int64
		)
		if err := rows.Scan(&tx.ID, &tx.Amount.Cents, &tx.Description, &date, &tx.Category, &txType, &pending, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		d, err := core.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("parse stored date %q: %w", date, err)
		}
		tx.Date = d
		tx.Type = core.TransactionType(txType)
		tx.PendingSync = pending != 0
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	if out == nil {
		out = []core.Transaction{}
	}
	return out, nil
}
