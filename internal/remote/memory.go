package remote

import (
	"context"
	"sync"

	"moneta/internal/core"
)

// MemoryStore is an in-process remote service used in tests and for local
// development without a backend. Upserts replace by id.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]core.Transaction
	sessions map[string]Session
	failures int
	calls    int
}

var (
	_ TransactionUpserter = (*MemoryStore)(nil)
	_ SessionChecker      = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]core.Transaction),
		sessions: make(map[string]Session),
	}
}

// FailNext makes the next n upsert calls fail, for retry tests.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// AddSession registers a token accepted by CheckSession.
func (s *MemoryStore) AddSession(token string, session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = session
}

func (s *MemoryStore) UpsertTransactions(_ context.Context, txs []core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.failures > 0 {
		s.failures--
		return context.DeadlineExceeded
	}

	for _, tx := range txs {
		s.records[tx.ID] = tx
	}
	return nil
}

func (s *MemoryStore) CheckSession(_ context.Context, token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[token]; ok {
		return &session, nil
	}
	return nil, nil
}

// Records returns a copy of the stored records.
func (s *MemoryStore) Records() map[string]core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]core.Transaction, len(s.records))
	for id, tx := range s.records {
		out[id] = tx
	}
	return out
}

// Calls returns the number of upsert attempts seen.
func (s *MemoryStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
