package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is observed by the executing goroutine at suspension
// points once a job has been cancelled.
var ErrCancelled = errors.New("crawl cancelled")

// controlToken implements cooperative pause/cancel for one job. Pause
// is a gate: while cleared, wait blocks the executor until the gate is
// set again. Cancel is a flag checked at the same suspension points;
// cancelling also opens the gate so a paused job can observe it.
type controlToken struct {
	mu        sync.Mutex
	gate      chan struct{} // closed channel means the gate is open
	cancelled atomic.Bool
}

func newControlToken() *controlToken {
	gate := make(chan struct{})
	close(gate)
	return &controlToken{gate: gate}
}

// clear closes the gate, suspending the executor at its next wait.
func (t *controlToken) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.gate:
		t.gate = make(chan struct{})
	default:
		// Already cleared.
	}
}

// set opens the gate, releasing a suspended executor.
func (t *controlToken) set() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.gate:
	default:
		close(t.gate)
	}
}

// cancel marks the token cancelled and opens the gate so a paused
// executor can observe the cancellation.
func (t *controlToken) cancel() {
	t.cancelled.Store(true)
	t.set()
}

func (t *controlToken) isCancelled() bool {
	return t.cancelled.Load()
}

// wait is the suspension point: it blocks while paused and returns
// ErrCancelled once cancellation has been requested.
func (t *controlToken) wait(ctx context.Context) error {
	if t.cancelled.Load() {
		return ErrCancelled
	}
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if t.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}
