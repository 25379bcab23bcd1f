package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"moneta/internal/core"
)

// HTTPClient talks to the hosted backend (a PostgREST-style API): batch
// upserts resolve duplicates by primary key, the auth endpoint returns the
// session for a bearer token.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var (
	_ TransactionUpserter = (*HTTPClient)(nil)
	_ SessionChecker      = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type wireTransaction struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	Category    string  `json:"category"`
	Type        string  `json:"type"`
}

// UpsertTransactions submits the batch with merge-duplicates semantics so
// replays of already accepted records are harmless.
func (c *HTTPClient) UpsertTransactions(ctx context.Context, txs []core.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	payload := make([]wireTransaction, len(txs))
	for i, tx := range txs {
		payload[i] = wireTransaction{
			ID:          tx.ID,
			Amount:      tx.Amount.Units(),
			Description: tx.Description,
			Date:        tx.Date.String(),
			Category:    tx.Category,
			Type:        string(tx.Type),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal transactions: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/rest/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit transactions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote rejected batch: status %d: %s", resp.StatusCode, snippet)
	}

	slog.InfoContext(ctx, "Upserted transaction batch", "count", len(txs))
	return nil
}

// CheckSession resolves the bearer token to a session. A 401/403 or empty
// body is "not authenticated" (nil, nil), not an error.
func (c *HTTPClient) CheckSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session check: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("session check: unexpected status %d", resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if session.UserID == "" {
		return nil, nil
	}
	return &session, nil
}
