package cacheworker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotCached is returned by Match when no entry exists for a request.
var ErrNotCached = errors.New("cacheworker: not cached")

// Entry is one cached response, stored as a JSON file on disk.
type Entry struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Store manages named response caches under a root directory. Each named
// cache is a subdirectory; each entry a file keyed by a digest of the
// request method and URL.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Open returns the named cache, creating its directory if needed.
func (s *Store) Open(name string) (*NamedCache, error) {
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &NamedCache{name: name, dir: dir}, nil
}

// Names lists the caches currently on disk.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list caches: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Delete removes a named cache and all its entries.
func (s *Store) Delete(name string) error {
	if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
		return fmt.Errorf("delete cache %s: %w", name, err)
	}
	return nil
}

// NamedCache is a single versioned cache directory.
type NamedCache struct {
	name string
	dir  string
}

func (c *NamedCache) Name() string { return c.name }

func entryKey(method, url string) string {
	sum := sha256.Sum256([]byte(method + "\n" + url))
	return hex.EncodeToString(sum[:])
}

func (c *NamedCache) path(method, url string) string {
	return filepath.Join(c.dir, entryKey(method, url)+".json")
}

// Match looks up the cached response for a request, or ErrNotCached.
func (c *NamedCache) Match(method, url string) (*Entry, error) {
	data, err := os.ReadFile(c.path(method, url))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

// Put stores a response. Writes go through a temp file and a rename, so a
// concurrent reader sees either the old entry or the new one; concurrent
// writers race and the last write wins.
func (c *NamedCache) Put(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, "put-*")
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(entry.Method, entry.URL)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Keys returns the request URLs of every entry in the cache.
func (c *NamedCache) Keys() ([]string, error) {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	var urls []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, f.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		urls = append(urls, entry.URL)
	}
	return urls, nil
}
