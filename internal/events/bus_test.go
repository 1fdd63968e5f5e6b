package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.add(Event{ID: fmt.Sprintf("e%d", i)})
	}
	got := rb.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e4", got[2].ID)
}

func TestPublishOrderAndHistory(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	var order []string
	bus.Subscribe("c1", func(e Event) error {
		order = append(order, "crawl")
		return nil
	})
	bus.SubscribeGlobal(func(e Event) error {
		order = append(order, "global")
		return nil
	})

	bus.Publish(New("c1", TypePageCrawled, map[string]any{"url": "https://a.example/x"}))

	assert.Equal(t, []string{"crawl", "global"}, order)
	require.Len(t, bus.History("c1", 0), 1)
	require.Len(t, bus.HistoryByType("c1", TypePageCrawled, 0), 1)
	assert.Empty(t, bus.HistoryByType("c1", TypeError, 0))
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	for i := 0; i < 5; i++ {
		bus.Publish(New("c1", TypePageCrawled, map[string]any{"seq": i}))
	}

	got := bus.History("c1", 2)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Data["seq"])
	assert.Equal(t, 4, got[1].Data["seq"])

	byType := bus.HistoryByType("c1", TypePageCrawled, 1)
	require.Len(t, byType, 1)
	assert.Equal(t, 4, byType[0].Data["seq"])

	// Zero and oversized limits return everything.
	assert.Len(t, bus.History("c1", 0), 5)
	assert.Len(t, bus.History("c1", 50), 5)
}

func TestSubscriberErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	var delivered int
	bus.Subscribe("c1", func(Event) error { return errors.New("boom") })
	bus.Subscribe("c1", func(Event) error { delivered++; return nil })
	bus.SubscribeGlobal(func(Event) error { delivered++; return nil })

	bus.Publish(New("c1", TypeError, nil))
	assert.Equal(t, 2, delivered)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	var delivered int
	bus.Subscribe("c1", func(Event) error { panic("bad subscriber") })
	bus.Subscribe("c1", func(Event) error { delivered++; return nil })

	require.NotPanics(t, func() {
		bus.Publish(New("c1", TypeWarning, nil))
	})
	assert.Equal(t, 1, delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	var count int
	id := bus.Subscribe("c1", func(Event) error { count++; return nil })
	bus.Publish(New("c1", TypeProgressUpdate, nil))
	bus.Unsubscribe(id)
	bus.Publish(New("c1", TypeProgressUpdate, nil))

	assert.Equal(t, 1, count)
}

type fakeStream struct {
	sent   []Event
	fail   bool
	closed bool
}

func (f *fakeStream) Send(e Event) error {
	if f.fail {
		return errors.New("connection reset")
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func TestDeadStreamPruned(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	good := &fakeStream{}
	bad := &fakeStream{fail: true}
	bus.AttachStream("c1", good)
	bus.AttachStream("c1", bad)

	bus.Publish(New("c1", TypeDocumentFound, nil))
	bus.Publish(New("c1", TypeDocumentFound, nil))

	assert.Len(t, good.sent, 2)
	assert.True(t, bad.closed)
}

func TestSinceFiltersByTimestamp(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	old := New("c1", TypePageCrawled, nil)
	old.Timestamp = time.Now().UTC().Add(-time.Hour)
	bus.Publish(old)
	bus.Publish(New("c1", TypePageCrawled, nil))

	got := bus.Since("c1", time.Now().UTC().Add(-time.Minute))
	require.Len(t, got, 1)
}

func TestCleanupDropsStateAndClosesStreams(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)

	st := &fakeStream{}
	bus.AttachStream("c1", st)
	bus.Publish(New("c1", TypePageCrawled, nil))

	bus.Cleanup("c1")
	assert.Empty(t, bus.History("c1", 0))
	assert.True(t, st.closed)
}

func TestJSONLSinkAppendsPerCrawl(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	require.NoError(t, err)
	bus := NewBus(zaptest.NewLogger(t), sink)

	bus.Publish(New("c1", TypePageCrawled, map[string]any{"url": "https://a.example/1"}))
	bus.Publish(New("c1", TypeDocumentFound, map[string]any{"url": "https://a.example/1.pdf"}))
	bus.Publish(New("c2", TypePageCrawled, nil))
	require.NoError(t, bus.Close())

	f, err := os.Open(filepath.Join(dir, "c1.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, TypePageCrawled, lines[0].Type)
	assert.Equal(t, TypeDocumentFound, lines[1].Type)

	_, err = os.Stat(filepath.Join(dir, "c2.jsonl"))
	require.NoError(t, err)
}
