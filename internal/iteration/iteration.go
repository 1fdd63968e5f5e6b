// Package iteration tracks repeated runs of a logical crawl and
// classifies per-document changes between runs using content
// fingerprints.
package iteration

import (
	"time"
)

// Mode selects how an iteration treats previously seen documents.
type Mode string

// Iteration modes.
const (
	ModeBaseline    Mode = "baseline"
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// ChangeType classifies a document relative to the parent iteration.
type ChangeType string

// Change classifications.
const (
	ChangeNew       ChangeType = "new"
	ChangeModified  ChangeType = "modified"
	ChangeUnchanged ChangeType = "unchanged"
	ChangeDeleted   ChangeType = "deleted"
)

// Fingerprint is the identity of one document's content as seen by one
// iteration.
type Fingerprint struct {
	URL          string    `json:"url"`
	ContentHash  string    `json:"content_hash"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Size         int64     `json:"size"`
	CapturedAt   time.Time `json:"captured_at"`
}

// Stats aggregates per-iteration document counts.
type Stats struct {
	DocumentsCrawled   int `json:"documents_crawled"`
	DocumentsNew       int `json:"documents_new"`
	DocumentsModified  int `json:"documents_modified"`
	DocumentsUnchanged int `json:"documents_unchanged"`
	DocumentsDeleted   int `json:"documents_deleted"`
	DocumentsSkipped   int `json:"documents_skipped"`
}

// Iteration is one pass over a repeatable crawl. Iteration 0 is the
// baseline; every later iteration's parent is the most recently created
// iteration for the same crawl.
type Iteration struct {
	ID          string         `json:"id"`
	CrawlID     string         `json:"crawl_id"`
	Number      int            `json:"number"`
	ParentID    string         `json:"parent_id,omitempty"`
	BaselineID  string         `json:"baseline_id"`
	Mode        Mode           `json:"mode"`
	Config      map[string]any `json:"config,omitempty"`
	Stats       Stats          `json:"stats"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	// Fingerprints maps URL to the content identity recorded in this
	// iteration. Persisted as a separate file on completion.
	Fingerprints map[string]Fingerprint `json:"-"`
}

// Completed reports whether the iteration has finished.
func (it *Iteration) Completed() bool {
	return it.CompletedAt != nil
}

// Comparison is the document-level diff between two iterations.
type Comparison struct {
	BaselineID         string   `json:"baseline_id"`
	CurrentID          string   `json:"current_id"`
	NewDocuments       []string `json:"new_documents"`
	ModifiedDocuments  []string `json:"modified_documents"`
	UnchangedDocuments []string `json:"unchanged_documents"`
	DeletedDocuments   []string `json:"deleted_documents"`
}
