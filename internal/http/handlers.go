package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"moneta/internal/core"
	applog "moneta/internal/log"
	"moneta/internal/observer"
	"moneta/internal/queue"
)

// transactionPayload is the JSON shape of a record on the API. Amounts
// travel as decimal strings so clients never round cents.
type transactionPayload struct {
	ID          string `json:"id,omitempty"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Category    string `json:"category"`
	Type        string `json:"type"`
	PendingSync bool   `json:"pendingSync"`
}

func toPayload(tx core.Transaction) transactionPayload {
	return transactionPayload{
		ID:          tx.ID,
		Amount:      core.FormatCents(tx.Amount.Cents),
		Description: tx.Description,
		Date:        tx.Date.String(),
		Category:    tx.Category,
		Type:        string(tx.Type),
		PendingSync: tx.PendingSync,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTransactions(w, r)
	case http.MethodPost:
		s.handleCreateTransaction(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.queue.GetLocalTransactions(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list transactions", applog.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	payload := make([]transactionPayload, 0, len(txs))
	for _, tx := range txs {
		payload = append(payload, toPayload(tx))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var in transactionPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cents, err := core.ParseDecimalToCents(in.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount")
		return
	}
	date, err := core.ParseDate(in.Date)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid date")
		return
	}

	tx := core.Transaction{
		ID:          in.ID,
		Amount:      core.Money{Cents: cents},
		Description: in.Description,
		Date:        date,
		Category:    in.Category,
		Type:        core.TransactionType(in.Type),
	}

	saved, err := s.queue.SaveTransaction(r.Context(), tx)
	if err != nil {
		if errors.Is(err, queue.ErrNotInitialized) {
			writeError(w, http.StatusServiceUnavailable, "local storage unavailable")
			return
		}
		if validationError(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "Failed to save transaction", applog.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to save transaction")
		return
	}

	writeJSON(w, http.StatusCreated, toPayload(saved))
}

func validationError(err error) bool {
	return errors.Is(err, core.ErrInvalidDate) ||
		errors.Is(err, core.ErrInvalidAmount) ||
		errors.Is(err, core.ErrInvalidType) ||
		errors.Is(err, core.ErrEmptyDescription) ||
		errors.Is(err, core.ErrEmptyCategory)
}

// handleSync runs one sync cycle on demand. Failures are reported but the
// records stay queued, so a retry costs nothing.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not configured")
		return
	}
	if err := s.syncer.Run(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "Manual sync failed", applog.FieldError, err)
		writeError(w, http.StatusBadGateway, "sync failed, records remain queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.observer.Snapshot())
}

// handleInstallPrompt exposes the captured deferred install prompt. GET
// returns the platforms it was offered for; DELETE consumes it after the
// client has shown the consent flow.
func (s *Server) handleInstallPrompt(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		prompt, ok := s.observer.Prompt()
		if !ok {
			writeError(w, http.StatusNotFound, "no install prompt captured")
			return
		}
		writeJSON(w, http.StatusOK, prompt)
	case http.MethodDelete:
		s.observer.ClearPrompt()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEvents ingests platform notifications: connectivity changes and
// install lifecycle events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ev, err := observer.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.observer.Dispatch(ev); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
