package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// hostWaiter serializes outbound requests per host behind a minimum
// inter-request delay. Each host gets one token-bucket limiter whose
// rate is the inverse of the effective delay.
type hostWaiter struct {
	defaultDelay time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	delays   map[string]time.Duration
}

func newHostWaiter(defaultDelay time.Duration) *hostWaiter {
	if defaultDelay <= 0 {
		defaultDelay = time.Second
	}
	return &hostWaiter{
		defaultDelay: defaultDelay,
		limiters:     make(map[string]*rate.Limiter),
		delays:       make(map[string]time.Duration),
	}
}

// setDelay installs the effective delay for a host, taking the stricter
// of the existing and new values. Called when robots Crawl-delay or a
// profile delay becomes known.
func (w *hostWaiter) setDelay(host string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	host = strings.ToLower(host)

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.delays[host]; ok && existing >= delay {
		return
	}
	w.delays[host] = delay
	w.limiters[host] = rate.NewLimiter(rate.Every(delay), 1)
}

func (w *hostWaiter) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)

	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(w.defaultDelay), 1)
	w.limiters[host] = l
	w.delays[host] = w.defaultDelay
	return l
}

// wait blocks until the host's limiter grants a slot or ctx is done.
func (w *hostWaiter) wait(ctx context.Context, host string) error {
	start := time.Now()
	if err := w.limiter(host).Wait(ctx); err != nil {
		return err
	}
	telemetry.ObserveHostWait(host, time.Since(start))
	return nil
}
