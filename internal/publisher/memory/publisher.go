// Package memory implements an in-memory publisher for tests.
package memory

import (
	"context"
	"sync"

	"github.com/gencrawl/gencrawl/internal/events"
)

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	events []events.Event
}

// New creates an empty recording publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the event to the in-memory log.
func (p *Publisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// Close does nothing.
func (p *Publisher) Close() error { return nil }
