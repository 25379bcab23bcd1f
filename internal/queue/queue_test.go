package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"moneta/internal/core"
)

func testTransaction(id string) core.Transaction {
	return core.Transaction{
		ID:          id,
		Amount:      core.Money{Cents: -5000},
		Description: "Coffee",
		Date:        core.NewDate(2024, 1, 1),
		Category:    "Food",
		Type:        core.Expense,
	}
}

func openQueue(t *testing.T, opts ...Option) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moneta.db")
	q := New(path, opts...)
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, path
}

func TestQueue_InitializeIdempotent(t *testing.T) {
	q, _ := openQueue(t)
	if err := q.Initialize(context.Background()); err != nil {
		t.Errorf("second Initialize: %v", err)
	}
}

func TestQueue_UninitializedOperationsDegrade(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "never-opened.db"))
	ctx := context.Background()

	if _, err := q.SaveTransaction(ctx, testTransaction("t1")); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SaveTransaction = %v, want ErrNotInitialized", err)
	}
	txs, err := q.GetLocalTransactions(ctx)
	if err != nil || len(txs) != 0 {
		t.Errorf("GetLocalTransactions = %v, %v; want empty, nil", txs, err)
	}
	if err := q.MarkAsSynced(ctx, []string{"t1"}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("MarkAsSynced = %v, want ErrNotInitialized", err)
	}
}

func TestQueue_SaveAndList(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	saved, err := q.SaveTransaction(ctx, testTransaction("t1"))
	if err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	if !saved.PendingSync {
		t.Error("saved record must be pending sync")
	}
	if saved.CreatedAt.IsZero() {
		t.Error("saved record must have createdAt set")
	}

	txs, err := q.GetLocalTransactions(ctx)
	if err != nil {
		t.Fatalf("GetLocalTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	got := txs[0]
	if got.ID != "t1" || got.Amount.Cents != -5000 || got.Description != "Coffee" ||
		got.Date.String() != "2024-01-01" || got.Category != "Food" || got.Type != core.Expense {
		t.Errorf("round-tripped record mismatch: %+v", got)
	}
	if !got.PendingSync {
		t.Error("listed record must still be pending")
	}
}

func TestQueue_SaveGeneratesID(t *testing.T) {
	q, _ := openQueue(t)

	tx := testTransaction("")
	saved, err := q.SaveTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	if saved.ID == "" {
		t.Error("expected generated id for caller-unassigned record")
	}
}

func TestQueue_SaveRejectsInvalid(t *testing.T) {
	q, _ := openQueue(t)

	tx := testTransaction("t1")
	tx.Amount = core.Money{}
	if _, err := q.SaveTransaction(context.Background(), tx); err == nil {
		t.Error("expected validation error for zero amount")
	}
}

func TestQueue_DuplicateIDFails(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	if _, err := q.SaveTransaction(ctx, testTransaction("t1")); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := q.SaveTransaction(ctx, testTransaction("t1")); err == nil {
		t.Error("expected primary-key violation for duplicate id")
	}
}

// Records survive a close and reopen of the store with all fields intact.
func TestQueue_Durability(t *testing.T) {
	q, path := openQueue(t)
	ctx := context.Background()

	if _, err := q.SaveTransaction(ctx, testTransaction("t1")); err != nil {
		t.Fatalf("SaveTransaction: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := New(path)
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	defer reopened.Close()

	txs, err := reopened.GetLocalTransactions(ctx)
	if err != nil {
		t.Fatalf("GetLocalTransactions after reopen: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions after reopen, want 1", len(txs))
	}
	got := txs[0]
	if got.ID != "t1" || got.Amount.Cents != -5000 || got.Description != "Coffee" ||
		got.Date.String() != "2024-01-01" || got.Category != "Food" ||
		got.Type != core.Expense || !got.PendingSync {
		t.Errorf("record changed across reopen: %+v", got)
	}
}

func TestQueue_MarkAsSynced(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if _, err := q.SaveTransaction(ctx, testTransaction(id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	// Missing ids are skipped without error.
	if err := q.MarkAsSynced(ctx, []string{"t1", "ghost"}); err != nil {
		t.Fatalf("MarkAsSynced: %v", err)
	}

	pending, err := q.GetPendingTransactions(ctx, 10)
	if err != nil {
		t.Fatalf("GetPendingTransactions: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "t2" {
		t.Errorf("pending = %+v, want only t2", pending)
	}
}

// Once pendingSync is false for an id, no queue operation sets it back.
func TestQueue_MarkAsSyncedMonotonic(t *testing.T) {
	q, _ := openQueue(t)
	ctx := context.Background()

	if _, err := q.SaveTransaction(ctx, testTransaction("t1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := q.MarkAsSynced(ctx, []string{"t1"}); err != nil {
		t.Fatalf("MarkAsSynced: %v", err)
	}

	// Re-marking and unrelated saves must not revive the pending flag.
	if err := q.MarkAsSynced(ctx, []string{"t1"}); err != nil {
		t.Fatalf("second MarkAsSynced: %v", err)
	}
	if _, err := q.SaveTransaction(ctx, testTransaction("t2")); err != nil {
		t.Fatalf("save t2: %v", err)
	}

	txs, err := q.GetLocalTransactions(ctx)
	if err != nil {
		t.Fatalf("GetLocalTransactions: %v", err)
	}
	for _, tx := range txs {
		if tx.ID == "t1" && tx.PendingSync {
			t.Error("t1 reverted to pendingSync=true")
		}
	}
}

type recordingRegistrar struct {
	calls int
	err   error
}

func (r *recordingRegistrar) RegisterSync(context.Context) error {
	r.calls++
	return r.err
}

func TestQueue_SaveRegistersSyncWhenOnline(t *testing.T) {
	reg := &recordingRegistrar{}
	online := true
	q, _ := openQueue(t, WithSyncRegistrar(reg), WithOnlineCheck(func() bool { return online }))
	ctx := context.Background()

	if _, err := q.SaveTransaction(ctx, testTransaction("t1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if reg.calls != 1 {
		t.Errorf("registrar calls = %d, want 1", reg.calls)
	}

	online = false
	if _, err := q.SaveTransaction(ctx, testTransaction("t2")); err != nil {
		t.Fatalf("save offline: %v", err)
	}
	if reg.calls != 1 {
		t.Errorf("registrar calls while offline = %d, want still 1", reg.calls)
	}
}

func TestQueue_SaveRegistrationFailureNonFatal(t *testing.T) {
	reg := &recordingRegistrar{err: errors.New("broker down")}
	q, _ := openQueue(t, WithSyncRegistrar(reg))

	if _, err := q.SaveTransaction(context.Background(), testTransaction("t1")); err != nil {
		t.Errorf("SaveTransaction = %v, want nil despite registration failure", err)
	}
}
