package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cacheMeta is the validation detail kept for a passing URL.
type cacheMeta struct {
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
	ETag          string `json:"etag,omitempty"`
	FinalURL      string `json:"final_url,omitempty"`
}

// cacheEntry records one preflight result.
type cacheEntry struct {
	Status      int        `json:"status"`
	ContentType string     `json:"content_type,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Meta        *cacheMeta `json:"meta,omitempty"`
}

// validationCache is a single JSON document mapping URL to its last
// preflight result. Entries expire lazily on read after the TTL. Writes
// go through a temp file and rename so concurrent jobs sharing the
// cache file never observe a partial document.
type validationCache struct {
	mu      sync.Mutex
	path    string
	ttl     time.Duration
	entries map[string]cacheEntry
}

// newValidationCache loads the cache file if present. A corrupt or
// missing file starts empty rather than failing discovery.
func newValidationCache(path string, ttl time.Duration) *validationCache {
	c := &validationCache{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &c.entries)
	}
	return c
}

// get returns a fresh entry, expiring stale ones lazily.
func (c *validationCache) get(url string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[url]
	if !ok {
		return cacheEntry{}, false
	}
	if time.Since(entry.Timestamp) > c.ttl {
		delete(c.entries, url)
		return cacheEntry{}, false
	}
	return entry, true
}

// put records a preflight result.
func (c *validationCache) put(url string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = entry
}

// save persists the cache atomically.
func (c *validationCache) save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal url cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp cache file: %w", err)
	}
	return nil
}
