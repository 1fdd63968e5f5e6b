// Package store defines durable persistence for crawl job state. The
// manager treats the store as best-effort: save failures are logged by
// callers, never fatal to job progress.
package store

import (
	"context"
	"errors"

	"github.com/gencrawl/gencrawl/internal/state"
)

// ErrNotFound is returned when no job matches the requested id.
var ErrNotFound = errors.New("job not found")

// JobStore persists crawl job state across restarts.
type JobStore interface {
	// Save upserts the full job state.
	Save(ctx context.Context, data *state.Data) error
	// Load returns one job, or ErrNotFound.
	Load(ctx context.Context, crawlID string) (*state.Data, error)
	// LoadAll returns every persisted job, used for restart recovery.
	LoadAll(ctx context.Context) ([]*state.Data, error)
	// Delete removes a job. Deleting a missing job is not an error.
	Delete(ctx context.Context, crawlID string) error
}
