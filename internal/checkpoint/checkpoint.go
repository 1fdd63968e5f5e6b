// Package checkpoint persists and restores crawl snapshots so an
// interrupted job can resume without repeating completed work.
package checkpoint

import (
	"time"

	"github.com/gencrawl/gencrawl/internal/state"
)

// currentVersion is written into every snapshot. Readers reject versions
// they do not understand.
const currentVersion = 1

// Type classifies why a checkpoint was taken.
type Type string

// Checkpoint types.
const (
	TypeAuto   Type = "auto"
	TypeManual Type = "manual"
	TypePause  Type = "pause"
	TypeError  Type = "error"
)

// Metadata is the small uncompressed summary stored next to each
// snapshot so listings never need to decompress payloads.
type Metadata struct {
	CrawlID    string    `json:"crawl_id"`
	Sequence   int       `json:"sequence"`
	Type       Type      `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	State      string    `json:"state"`
	URLsDone   int       `json:"urls_done"`
	SizeBytes  int       `json:"size_bytes"`
	ObjectName string    `json:"object_name"`
}

// Snapshot is the full checkpoint payload, gzip-compressed at rest.
type Snapshot struct {
	Version   int       `json:"version"`
	CrawlID   string    `json:"crawl_id"`
	Sequence  int       `json:"sequence"`
	Type      Type      `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	State *state.Data `json:"state"`

	// Work queue position at checkpoint time.
	PendingURLs   []string `json:"pending_urls,omitempty"`
	CompletedURLs []string `json:"completed_urls,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}
