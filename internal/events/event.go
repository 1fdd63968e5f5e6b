// Package events implements the in-process crawl event bus with bounded
// history, live stream fan-out and a durable JSONL sink.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event on the bus.
type Type string

// Event types emitted during a crawl lifecycle.
const (
	TypeStateChange       Type = "state_change"
	TypeSubstateChange    Type = "substate_change"
	TypeProgressUpdate    Type = "progress_update"
	TypeMilestoneReached  Type = "milestone_reached"
	TypeDocumentFound     Type = "document_found"
	TypeDocumentDownload  Type = "document_downloaded"
	TypePageCrawled       Type = "page_crawled"
	TypePageFailed        Type = "page_failed"
	TypeError             Type = "error"
	TypeWarning           Type = "warning"
	TypeMetricsUpdate     Type = "metrics_update"
	TypeCrawlPaused       Type = "crawl_paused"
	TypeCrawlResumed      Type = "crawl_resumed"
	TypeCrawlCancelled    Type = "crawl_cancelled"
	TypeCrawlCompleted    Type = "crawl_completed"
	TypeCheckpointCreated Type = "checkpoint_created"
)

// Event is a single observable occurrence within a crawl.
type Event struct {
	ID        string         `json:"id"`
	CrawlID   string         `json:"crawl_id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New builds an event with a fresh ID and UTC timestamp.
func New(crawlID string, typ Type, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		CrawlID:   crawlID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
