// Package file implements a filesystem job store with one JSON document
// per job.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/store"
)

// Store writes job state to <dir>/<crawl_id>.json. Writes go through a
// temp file and rename so a crash never leaves a partial document.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates the store directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(crawlID string) string {
	return filepath.Join(s.dir, crawlID+".json")
}

// Save upserts a job atomically.
func (s *Store) Save(_ context.Context, data *state.Data) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".job-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(data.CrawlID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load returns one job.
func (s *Store) Load(_ context.Context, crawlID string) (*state.Data, error) {
	raw, err := os.ReadFile(s.path(crawlID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, crawlID)
		}
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var data state.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal job state: %w", err)
	}
	return &data, nil
}

// LoadAll returns every persisted job, skipping temp files.
func (s *Store) LoadAll(ctx context.Context) ([]*state.Data, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	var jobs []*state.Data
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, data)
	}
	return jobs, nil
}

// Delete removes a job file. Missing files are ignored.
func (s *Store) Delete(_ context.Context, crawlID string) error {
	if err := os.Remove(s.path(crawlID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete job file: %w", err)
	}
	return nil
}
