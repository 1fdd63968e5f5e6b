// Package publisher forwards crawl events to an external message bus so
// downstream consumers (extraction workers, dashboards) can react
// without polling the engine.
package publisher

import (
	"context"

	"github.com/gencrawl/gencrawl/internal/events"
)

// Publisher delivers events beyond process boundaries. Implementations
// must be safe for concurrent use; delivery is best-effort and never
// blocks crawl progress.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
	Close() error
}

// Noop discards every event. Used when no external bus is configured.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(context.Context, events.Event) error { return nil }

// Close does nothing.
func (Noop) Close() error { return nil }
