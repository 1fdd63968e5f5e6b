package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/blob"
	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// ErrResumeRejected is returned when a checkpoint cannot be used to
// resume, for example because the job already reached a terminal state.
var ErrResumeRejected = errors.New("checkpoint cannot be resumed")

// ErrNotFound is returned when no checkpoint matches the request.
var ErrNotFound = errors.New("checkpoint not found")

const metaSuffix = "_meta.json"

// Manager writes and restores snapshots through a blob provider. Object
// layout per crawl:
//
//	<prefix>/<crawl_id>/checkpoint_000001.json.gz
//	<prefix>/<crawl_id>/checkpoint_000001_meta.json
type Manager struct {
	store  blob.Provider
	prefix string
	logger *zap.Logger

	mu      sync.Mutex
	nextSeq map[string]int
}

// NewManager builds a checkpoint manager rooted at prefix inside store.
func NewManager(store blob.Provider, prefix string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger,
		nextSeq: make(map[string]int),
	}
}

func (m *Manager) crawlPrefix(crawlID string) string {
	if m.prefix == "" {
		return crawlID + "/"
	}
	return path.Join(m.prefix, crawlID) + "/"
}

func (m *Manager) objectName(crawlID string, seq int) string {
	return fmt.Sprintf("%scheckpoint_%06d.json.gz", m.crawlPrefix(crawlID), seq)
}

func (m *Manager) metaName(crawlID string, seq int) string {
	return fmt.Sprintf("%scheckpoint_%06d%s", m.crawlPrefix(crawlID), seq, metaSuffix)
}

// nextSequence allocates the next sequence number, scanning existing
// objects the first time a crawl is seen so numbering survives restarts.
func (m *Manager) nextSequence(ctx context.Context, crawlID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, ok := m.nextSeq[crawlID]; ok {
		m.nextSeq[crawlID] = seq + 1
		return seq, nil
	}

	metas, err := m.listMetas(ctx, crawlID)
	if err != nil {
		return 0, err
	}
	seq := 1
	for _, meta := range metas {
		if meta.Sequence >= seq {
			seq = meta.Sequence + 1
		}
	}
	m.nextSeq[crawlID] = seq + 1
	return seq, nil
}

// Create writes a new snapshot and its sibling metadata object.
func (m *Manager) Create(ctx context.Context, typ Type, reason string, jobState *state.Data, pending, completed []string) (*Snapshot, error) {
	seq, err := m.nextSequence(ctx, jobState.CrawlID)
	if err != nil {
		return nil, fmt.Errorf("allocate checkpoint sequence: %w", err)
	}

	snap := &Snapshot{
		Version:       currentVersion,
		CrawlID:       jobState.CrawlID,
		Sequence:      seq,
		Type:          typ,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
		State:         jobState,
		PendingURLs:   pending,
		CompletedURLs: completed,
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("compress checkpoint: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finish checkpoint compression: %w", err)
	}

	objectName := m.objectName(snap.CrawlID, seq)
	if err := m.store.Put(ctx, objectName, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write checkpoint object: %w", err)
	}

	meta := Metadata{
		CrawlID:    snap.CrawlID,
		Sequence:   seq,
		Type:       typ,
		Reason:     reason,
		CreatedAt:  snap.CreatedAt,
		State:      string(jobState.CurrentState),
		URLsDone:   len(completed),
		SizeBytes:  buf.Len(),
		ObjectName: objectName,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint metadata: %w", err)
	}
	if err := m.store.Put(ctx, m.metaName(snap.CrawlID, seq), metaBytes); err != nil {
		return nil, fmt.Errorf("write checkpoint metadata: %w", err)
	}

	telemetry.ObserveCheckpoint(string(typ))
	m.logger.Info("checkpoint created",
		zap.String("crawl_id", snap.CrawlID),
		zap.Int("sequence", seq),
		zap.String("type", string(typ)),
		zap.Int("size_bytes", buf.Len()))
	return snap, nil
}

// Get loads and decompresses one snapshot by sequence.
func (m *Manager) Get(ctx context.Context, crawlID string, seq int) (*Snapshot, error) {
	data, err := m.store.Get(ctx, m.objectName(crawlID, seq))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint object: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint gzip: %w", err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if snap.Version != currentVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", snap.Version)
	}
	return &snap, nil
}

func (m *Manager) listMetas(ctx context.Context, crawlID string) ([]Metadata, error) {
	names, err := m.store.List(ctx, m.crawlPrefix(crawlID))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var metas []Metadata
	for _, name := range names {
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		data, err := m.store.Get(ctx, name)
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint metadata",
				zap.String("object", name), zap.Error(err))
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			m.logger.Warn("skipping corrupt checkpoint metadata",
				zap.String("object", name), zap.Error(err))
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Sequence < metas[j].Sequence })
	return metas, nil
}

// List returns checkpoint metadata for a crawl, oldest first.
func (m *Manager) List(ctx context.Context, crawlID string) ([]Metadata, error) {
	return m.listMetas(ctx, crawlID)
}

// Latest loads the snapshot with the highest sequence number.
func (m *Manager) Latest(ctx context.Context, crawlID string) (*Snapshot, error) {
	metas, err := m.listMetas(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, ErrNotFound
	}
	return m.Get(ctx, crawlID, metas[len(metas)-1].Sequence)
}

// Resume loads the latest snapshot and validates it can restart the
// crawl. Snapshots of terminal jobs are rejected.
func (m *Manager) Resume(ctx context.Context, crawlID string) (*Snapshot, error) {
	snap, err := m.Latest(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	if snap.State == nil {
		return nil, fmt.Errorf("%w: snapshot has no job state", ErrResumeRejected)
	}
	if state.IsTerminal(snap.State.CurrentState) {
		return nil, fmt.Errorf("%w: job already %s", ErrResumeRejected, snap.State.CurrentState)
	}
	return snap, nil
}

// Delete removes one snapshot and its metadata.
func (m *Manager) Delete(ctx context.Context, crawlID string, seq int) error {
	if err := m.store.Delete(ctx, m.objectName(crawlID, seq)); err != nil {
		return fmt.Errorf("delete checkpoint object: %w", err)
	}
	if err := m.store.Delete(ctx, m.metaName(crawlID, seq)); err != nil {
		return fmt.Errorf("delete checkpoint metadata: %w", err)
	}
	return nil
}

// DeleteAll removes every checkpoint for a crawl.
func (m *Manager) DeleteAll(ctx context.Context, crawlID string) error {
	names, err := m.store.List(ctx, m.crawlPrefix(crawlID))
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	for _, name := range names {
		if err := m.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	m.mu.Lock()
	delete(m.nextSeq, crawlID)
	m.mu.Unlock()
	return nil
}

// Prune deletes all but the newest keepLast checkpoints for a crawl.
func (m *Manager) Prune(ctx context.Context, crawlID string, keepLast int) error {
	if keepLast < 0 {
		keepLast = 0
	}
	metas, err := m.listMetas(ctx, crawlID)
	if err != nil {
		return err
	}
	if len(metas) <= keepLast {
		return nil
	}
	for _, meta := range metas[:len(metas)-keepLast] {
		if err := m.Delete(ctx, crawlID, meta.Sequence); err != nil {
			return err
		}
		m.logger.Debug("pruned checkpoint",
			zap.String("crawl_id", crawlID), zap.Int("sequence", meta.Sequence))
	}
	return nil
}
