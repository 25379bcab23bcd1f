package remote

import (
	"context"
	"fmt"

	"moneta/internal/config"
)

// Backend bundles the two remote ports behind one selected adapter.
type Backend struct {
	Upserter TransactionUpserter
	Checker  SessionChecker
}

// New selects the remote adapter from configuration.
//
// The sheets backend only exports records and has no session endpoint, so
// its checker rejects everything; pair it with DEV_BYPASS_AUTH for local
// setups.
func New(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.RemoteBackend {
	case "http":
		client := NewHTTPClient(cfg.RemoteBaseURL, cfg.RemoteAPIKey, nil)
		return &Backend{Upserter: client, Checker: client}, nil
	case "sheets":
		client, err := NewSheetsFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("sheets backend: %w", err)
		}
		return &Backend{Upserter: client, Checker: deniedChecker{}}, nil
	case "memory":
		store := NewMemoryStore()
		return &Backend{Upserter: store, Checker: store}, nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}
}

type deniedChecker struct{}

func (deniedChecker) CheckSession(context.Context, string) (*Session, error) {
	return nil, nil
}
