// Package cacheworker keeps a versioned on-disk copy of the application
// shell and serves it when the upstream is unreachable. It fronts the
// upstream with a network-first fetch strategy and reports connectivity
// transitions to the platform observer.
package cacheworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"moneta/internal/observer"
)

// Lifecycle states. A worker installs its precache, waits to be activated,
// drops stale cache versions while activating, and only then controls
// request handling.
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
)

// DefaultPrecache is the application shell stored during install. The
// worker refuses to finish installing unless every one of these is fetched.
var DefaultPrecache = []string{
	"/",
	"/dashboard",
	"/calendar",
	"/reports",
	"/profile",
	"/manifest.webmanifest",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
	"/icons/apple-touch-icon.png",
}

// Dispatcher receives connectivity events derived from fetch outcomes.
type Dispatcher interface {
	Dispatch(ev observer.Event) error
}

type Worker struct {
	upstream *url.URL
	client   *http.Client
	store    *Store
	version  string
	excluded []string
	precache []string
	events   Dispatcher

	mu    sync.RWMutex
	state State
	cache *NamedCache
}

type Option func(*Worker)

// WithPrecache overrides the default application shell list.
func WithPrecache(paths []string) Option {
	return func(w *Worker) { w.precache = paths }
}

// WithHTTPClient overrides the upstream client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Worker) { w.client = client }
}

// WithDispatcher wires connectivity reporting.
func WithDispatcher(d Dispatcher) Option {
	return func(w *Worker) { w.events = d }
}

// New builds a worker for the given upstream. Version names the cache
// generation; bumping it makes Activate discard every older generation.
// Excluded hosts are proxied untouched and never cached.
func New(upstream *url.URL, store *Store, version string, excluded []string, opts ...Option) *Worker {
	w := &Worker{
		upstream: upstream,
		client:   &http.Client{Timeout: 30 * time.Second},
		store:    store,
		version:  version,
		excluded: excluded,
		precache: DefaultPrecache,
		state:    StateInstalling,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install fetches the full precache list into memory and commits it to the
// versioned cache only once every fetch succeeded. A single failure aborts
// the install and leaves any previous cache generation untouched.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)

	entries := make([]*Entry, 0, len(w.precache))
	for _, path := range w.precache {
		entry, err := w.fetchUpstream(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		if entry.Status != http.StatusOK {
			return fmt.Errorf("precache %s: unexpected status %d", path, entry.Status)
		}
		entries = append(entries, entry)
	}

	cache, err := w.store.Open(w.version)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := cache.Put(entry); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.cache = cache
	w.state = StateWaiting
	w.mu.Unlock()

	slog.InfoContext(ctx, "Cache worker installed",
		"version", w.version,
		"precached", len(entries))
	return nil
}

// Activate deletes every cache generation other than the current one and
// takes control of request handling.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)

	names, err := w.store.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == w.version {
			continue
		}
		if err := w.store.Delete(name); err != nil {
			return err
		}
		slog.InfoContext(ctx, "Stale cache removed", "version", name)
	}

	w.setState(StateActive)
	slog.InfoContext(ctx, "Cache worker active", "version", w.version)
	return nil
}

func (w *Worker) excludedHost(host string) bool {
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, e := range w.excluded {
		if host == e || strings.HasSuffix(host, "."+e) {
			return true
		}
	}
	return false
}

// ServeHTTP applies the fetch strategy: pass excluded hosts and non-GET
// requests straight through, otherwise try the network first and fall back
// to the cache. Until the worker is active everything passes through.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target := r.Host
	if r.URL.Host != "" {
		target = r.URL.Host
	}
	if w.State() != StateActive || w.currentCache() == nil || w.excludedHost(target) || r.Method != http.MethodGet {
		w.passthrough(rw, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "failed to read request body", http.StatusBadRequest)
		return
	}
	entry, err := w.fetchUpstream(ctx, r.Method, r.URL.RequestURI(), r.Header, body)
	if err == nil {
		w.reportConnectivity(ctx, true)
		if entry.Status == http.StatusOK {
			if cacheErr := w.currentCache().Put(entry); cacheErr != nil {
				slog.WarnContext(ctx, "Failed to cache response",
					"url", entry.URL, "error", cacheErr)
			}
		}
		writeEntry(rw, entry)
		return
	}

	w.reportConnectivity(ctx, false)
	slog.WarnContext(ctx, "Upstream unreachable, serving from cache",
		"url", r.URL.RequestURI(), "error", err)

	cached, matchErr := w.currentCache().Match(http.MethodGet, r.URL.RequestURI())
	if matchErr == nil {
		writeEntry(rw, cached)
		return
	}
	if isNavigation(r) {
		if root, rootErr := w.currentCache().Match(http.MethodGet, "/"); rootErr == nil {
			writeEntry(rw, root)
			return
		}
	}
	http.Error(rw, "offline and not cached", http.StatusRequestTimeout)
}

func (w *Worker) currentCache() *NamedCache {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache
}

// isNavigation reports whether the request is a page navigation rather
// than an asset or API fetch.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (w *Worker) fetchUpstream(ctx context.Context, method, requestURI string, header http.Header, body []byte) (*Entry, error) {
	target := w.upstream.ResolveReference(&url.URL{Path: requestURI})
	if path, query, ok := strings.Cut(requestURI, "?"); ok {
		target = w.upstream.ResolveReference(&url.URL{Path: path, RawQuery: query})
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, header)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Method: method,
		URL:    requestURI,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   respBody,
	}, nil
}

// passthrough proxies without cache interference. Failures surface as a
// bad gateway instead of a cached fallback.
func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "failed to read request body", http.StatusBadRequest)
		return
	}
	entry, err := w.fetchUpstream(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		http.Error(rw, "upstream unavailable", http.StatusBadGateway)
		return
	}
	writeEntry(rw, entry)
}

func (w *Worker) reportConnectivity(ctx context.Context, online bool) {
	if w.events == nil {
		return
	}
	kind := observer.EventOffline
	if online {
		kind = observer.EventOnline
	}
	if err := w.events.Dispatch(observer.Event{Kind: kind}); err != nil {
		slog.WarnContext(ctx, "Failed to dispatch connectivity event", "error", err)
	}
}

func writeEntry(rw http.ResponseWriter, entry *Entry) {
	copyHeader(rw.Header(), entry.Header)
	rw.WriteHeader(entry.Status)
	rw.Write(entry.Body)
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		if key == "Connection" || key == "Keep-Alive" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
