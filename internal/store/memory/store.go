// Package memory implements an in-memory job store for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/store"
)

// Store keeps serialized job state in a map. Values are cloned through
// JSON on both save and load so callers never share mutable state with
// the store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{jobs: make(map[string][]byte)}
}

// Save upserts a job.
func (s *Store) Save(_ context.Context, data *state.Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[data.CrawlID] = raw
	return nil
}

// Load returns one job.
func (s *Store) Load(_ context.Context, crawlID string) (*state.Data, error) {
	s.mu.RLock()
	raw, ok := s.jobs[crawlID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, crawlID)
	}
	var data state.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal job state: %w", err)
	}
	return &data, nil
}

// LoadAll returns every stored job.
func (s *Store) LoadAll(_ context.Context) ([]*state.Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*state.Data, 0, len(s.jobs))
	for _, raw := range s.jobs {
		var data state.Data
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal job state: %w", err)
		}
		jobs = append(jobs, &data)
	}
	return jobs, nil
}

// Delete removes a job if present.
func (s *Store) Delete(_ context.Context, crawlID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, crawlID)
	return nil
}
