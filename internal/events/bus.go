package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/telemetry"
)

const (
	crawlHistorySize = 1000
	typeHistorySize  = 100
)

// Subscriber receives events synchronously at publish time. A subscriber
// error is logged and isolated; it never stops delivery to other
// subscribers.
type Subscriber func(Event) error

// Stream is a live delivery channel, typically a WebSocket connection.
// Send failures cause the stream to be pruned from the bus.
type Stream interface {
	Send(Event) error
	Close() error
}

// Sink durably records published events, for example to a JSONL file.
type Sink interface {
	Write(Event) error
	Close() error
}

// Bus is the in-process event bus. Publish order is per-crawl
// subscribers, then global subscribers, then live streams.
type Bus struct {
	mu sync.RWMutex

	byCrawl map[string]*ringBuffer
	byType  map[string]map[Type]*ringBuffer

	subs       map[string]map[int]Subscriber
	globalSubs map[int]Subscriber
	streams    map[string]map[int]Stream
	nextID     int

	sink   Sink
	logger *zap.Logger
}

// NewBus builds a bus. sink may be nil when durable event logging is
// disabled.
func NewBus(logger *zap.Logger, sink Sink) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byCrawl:    make(map[string]*ringBuffer),
		byType:     make(map[string]map[Type]*ringBuffer),
		subs:       make(map[string]map[int]Subscriber),
		globalSubs: make(map[int]Subscriber),
		streams:    make(map[string]map[int]Stream),
		sink:       sink,
		logger:     logger,
	}
}

// Publish records the event into history and delivers it to subscribers
// and streams. It never returns an error; delivery failures are logged.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if _, ok := b.byCrawl[e.CrawlID]; !ok {
		b.byCrawl[e.CrawlID] = newRingBuffer(crawlHistorySize)
		b.byType[e.CrawlID] = make(map[Type]*ringBuffer)
	}
	b.byCrawl[e.CrawlID].add(e)
	if _, ok := b.byType[e.CrawlID][e.Type]; !ok {
		b.byType[e.CrawlID][e.Type] = newRingBuffer(typeHistorySize)
	}
	b.byType[e.CrawlID][e.Type].add(e)

	crawlSubs := make([]Subscriber, 0, len(b.subs[e.CrawlID]))
	for _, s := range b.subs[e.CrawlID] {
		crawlSubs = append(crawlSubs, s)
	}
	globalSubs := make([]Subscriber, 0, len(b.globalSubs))
	for _, s := range b.globalSubs {
		globalSubs = append(globalSubs, s)
	}
	streamIDs := make([]int, 0, len(b.streams[e.CrawlID]))
	streams := make([]Stream, 0, len(b.streams[e.CrawlID]))
	for id, st := range b.streams[e.CrawlID] {
		streamIDs = append(streamIDs, id)
		streams = append(streams, st)
	}
	b.mu.Unlock()

	telemetry.ObserveEvent(string(e.Type))

	for _, s := range crawlSubs {
		b.deliver(s, e)
	}
	for _, s := range globalSubs {
		b.deliver(s, e)
	}
	for i, st := range streams {
		if err := st.Send(e); err != nil {
			b.logger.Warn("pruning dead event stream",
				zap.String("crawl_id", e.CrawlID), zap.Error(err))
			b.removeStream(e.CrawlID, streamIDs[i], st)
		}
	}

	if b.sink != nil {
		if err := b.sink.Write(e); err != nil {
			b.logger.Warn("event sink write failed",
				zap.String("crawl_id", e.CrawlID), zap.Error(err))
		}
	}
}

func (b *Bus) deliver(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("crawl_id", e.CrawlID), zap.Any("panic", r))
		}
	}()
	if err := s(e); err != nil {
		b.logger.Warn("event subscriber failed",
			zap.String("crawl_id", e.CrawlID),
			zap.String("type", string(e.Type)), zap.Error(err))
	}
}

// Subscribe registers a per-crawl subscriber and returns an id for
// Unsubscribe.
func (b *Bus) Subscribe(crawlID string, s Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if _, ok := b.subs[crawlID]; !ok {
		b.subs[crawlID] = make(map[int]Subscriber)
	}
	b.subs[crawlID][b.nextID] = s
	return b.nextID
}

// SubscribeGlobal registers a subscriber for events from all crawls.
func (b *Bus) SubscribeGlobal(s Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.globalSubs[b.nextID] = s
	return b.nextID
}

// Unsubscribe removes a subscriber registered with either Subscribe or
// SubscribeGlobal. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.globalSubs, id)
	for crawlID, subs := range b.subs {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subs, crawlID)
		}
	}
}

// AttachStream registers a live stream for one crawl.
func (b *Bus) AttachStream(crawlID string, st Stream) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if _, ok := b.streams[crawlID]; !ok {
		b.streams[crawlID] = make(map[int]Stream)
	}
	b.streams[crawlID][b.nextID] = st
	return b.nextID
}

// DetachStream removes a stream without closing it.
func (b *Bus) DetachStream(crawlID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if streams, ok := b.streams[crawlID]; ok {
		delete(streams, id)
		if len(streams) == 0 {
			delete(b.streams, crawlID)
		}
	}
}

func (b *Bus) removeStream(crawlID string, id int, st Stream) {
	b.DetachStream(crawlID, id)
	if err := st.Close(); err != nil {
		b.logger.Debug("stream close failed", zap.Error(err))
	}
}

// History returns the retained events for a crawl, oldest first. A
// positive limit keeps only the newest limit events.
func (b *Bus) History(crawlID string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rb, ok := b.byCrawl[crawlID]
	if !ok {
		return nil
	}
	return newest(rb.snapshot(), limit)
}

// HistoryByType returns the retained events of one type for a crawl,
// oldest first, trimmed to the newest limit events when limit is
// positive.
func (b *Bus) HistoryByType(crawlID string, typ Type, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types, ok := b.byType[crawlID]
	if !ok {
		return nil
	}
	rb, ok := types[typ]
	if !ok {
		return nil
	}
	return newest(rb.snapshot(), limit)
}

// Since returns retained events for a crawl with a timestamp after t.
func (b *Bus) Since(crawlID string, t time.Time) []Event {
	all := b.History(crawlID, 0)
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if e.Timestamp.After(t) {
			out = append(out, e)
		}
	}
	return out
}

// newest trims evs to its last limit entries, preserving order.
func newest(evs []Event, limit int) []Event {
	if limit > 0 && len(evs) > limit {
		return evs[len(evs)-limit:]
	}
	return evs
}

// Cleanup drops all history, subscribers and streams for a finished
// crawl. Attached streams are closed.
func (b *Bus) Cleanup(crawlID string) {
	b.mu.Lock()
	streams := b.streams[crawlID]
	delete(b.byCrawl, crawlID)
	delete(b.byType, crawlID)
	delete(b.subs, crawlID)
	delete(b.streams, crawlID)
	b.mu.Unlock()

	for _, st := range streams {
		if err := st.Close(); err != nil {
			b.logger.Debug("stream close failed", zap.Error(err))
		}
	}
}

// Close shuts down the sink, if any.
func (b *Bus) Close() error {
	if b.sink == nil {
		return nil
	}
	return b.sink.Close()
}
