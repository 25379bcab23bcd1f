// Package http exposes the local gateway: the JSON API over the
// transaction queue, the platform event endpoints, and the cached
// application pages behind the session gate.
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	applog "moneta/internal/log"
	"moneta/internal/observer"
	"moneta/internal/queue"
	"moneta/internal/session"
)

// SyncRunner triggers one sync cycle against the remote service.
type SyncRunner interface {
	Run(ctx context.Context) error
}

// GatedPaths are the page routes that require an established session.
var GatedPaths = []string{"/dashboard", "/calendar", "/reports", "/profile"}

type Server struct {
	http.Server

	queue       *queue.Queue
	syncer      SyncRunner
	observer    *observer.Observer
	rateLimiter *ipRateLimiter

	shutdownOnce sync.Once
}

// NewServer wires the API routes and mounts the cached application pages.
// The app handler serves every page route; the gated ones pass through the
// session gate first.
func NewServer(addr string, q *queue.Queue, runner SyncRunner, obs *observer.Observer, gate *session.Gate, app http.Handler) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		queue:       q,
		syncer:      runner,
		observer:    obs,
		rateLimiter: newIPRateLimiter(rate.Every(time.Second), 10),
	}

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleReady)
	mux.HandleFunc("/api/transactions", s.withMiddleware(s.handleTransactions))
	mux.HandleFunc("/api/sync", s.withMiddleware(s.handleSync))
	mux.HandleFunc("/api/state", s.withMiddleware(s.handleState))
	mux.HandleFunc("/api/events", s.withMiddleware(s.handleEvents))
	mux.HandleFunc("/api/install-prompt", s.withMiddleware(s.handleInstallPrompt))

	if app != nil {
		gated := app
		if gate != nil {
			gated = gate.Middleware(app)
		}
		for _, path := range GatedPaths {
			mux.Handle(path, gated)
			mux.Handle(path+"/", gated)
		}
		mux.Handle("/", app)
	}

	return s
}

// Shutdown stops the cleanup routines and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.close()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

// withMiddleware adds request logging, security headers, and rate limiting
// on writes.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := clientIP(r)
		requestID := generateRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		if r.Method == http.MethodPost && !s.rateLimiter.allow(ip) {
			slog.WarnContext(ctx, "Rate limit exceeded",
				applog.FieldRequestID, requestID,
				applog.FieldClientIP, ip,
				applog.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		slog.InfoContext(ctx, "Request completed",
			applog.FieldRequestID, requestID,
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			applog.FieldStatusCode, rw.statusCode,
			applog.FieldDuration, time.Since(start).Milliseconds(),
			applog.FieldClientIP, ip)
	}
}

type requestIDKey struct{}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}
