package iteration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown iteration ids.
var ErrNotFound = errors.New("iteration not found")

// Manager owns iterations and their fingerprints. State lives in memory
// and is persisted under a directory tree:
//
//	<dir>/<crawl_id>/iteration_000.json
//	<dir>/<crawl_id>/fingerprints_000.json
//
// Fingerprint files are written on iteration completion.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	logger *zap.Logger

	byID    map[string]*Iteration
	byCrawl map[string][]*Iteration // ordered by Number
}

// NewManager builds a manager rooted at dir and reloads any previously
// persisted iterations.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create iterations dir: %w", err)
	}
	m := &Manager{
		dir:     dir,
		logger:  logger,
		byID:    make(map[string]*Iteration),
		byCrawl: make(map[string][]*Iteration),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) metaPath(crawlID string, number int) string {
	return filepath.Join(m.dir, crawlID, fmt.Sprintf("iteration_%03d.json", number))
}

func (m *Manager) fingerprintsPath(crawlID string, number int) string {
	return filepath.Join(m.dir, crawlID, fmt.Sprintf("fingerprints_%03d.json", number))
}

func (m *Manager) load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read iterations dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		crawlID := entry.Name()
		files, err := os.ReadDir(filepath.Join(m.dir, crawlID))
		if err != nil {
			return fmt.Errorf("read crawl iterations: %w", err)
		}
		for _, f := range files {
			if !strings.HasPrefix(f.Name(), "iteration_") {
				continue
			}
			path := filepath.Join(m.dir, crawlID, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read iteration metadata: %w", err)
			}
			var it Iteration
			if err := json.Unmarshal(data, &it); err != nil {
				m.logger.Warn("skipping corrupt iteration metadata",
					zap.String("path", path), zap.Error(err))
				continue
			}
			it.Fingerprints = make(map[string]Fingerprint)
			if fpData, err := os.ReadFile(m.fingerprintsPath(crawlID, it.Number)); err == nil {
				if err := json.Unmarshal(fpData, &it.Fingerprints); err != nil {
					m.logger.Warn("skipping corrupt fingerprint file",
						zap.String("crawl_id", crawlID),
						zap.Int("number", it.Number), zap.Error(err))
					it.Fingerprints = make(map[string]Fingerprint)
				}
			}
			m.byID[it.ID] = &it
			m.byCrawl[it.CrawlID] = append(m.byCrawl[it.CrawlID], &it)
		}
	}
	for _, its := range m.byCrawl {
		sort.Slice(its, func(i, j int) bool { return its[i].Number < its[j].Number })
	}
	return nil
}

// writeJSON persists v via a temp file and rename so readers never see a
// partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".iter-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// CreateIteration starts a new pass for a crawl. The iteration number is
// the count of existing iterations; the parent is the most recent one.
func (m *Manager) CreateIteration(crawlID string, config map[string]any, mode Mode) (*Iteration, error) {
	switch mode {
	case ModeBaseline, ModeIncremental, ModeFull:
	default:
		return nil, fmt.Errorf("unknown iteration mode: %s", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.byCrawl[crawlID]
	it := &Iteration{
		ID:           uuid.New().String(),
		CrawlID:      crawlID,
		Number:       len(existing),
		Mode:         mode,
		Config:       config,
		CreatedAt:    time.Now().UTC(),
		Fingerprints: make(map[string]Fingerprint),
	}
	if len(existing) == 0 {
		it.BaselineID = it.ID
	} else {
		it.ParentID = existing[len(existing)-1].ID
		it.BaselineID = existing[0].ID
	}

	if err := writeJSON(m.metaPath(crawlID, it.Number), it); err != nil {
		return nil, err
	}

	m.byID[it.ID] = it
	m.byCrawl[crawlID] = append(existing, it)

	m.logger.Info("iteration created",
		zap.String("crawl_id", crawlID),
		zap.String("iteration_id", it.ID),
		zap.Int("number", it.Number),
		zap.String("mode", string(mode)))
	return it, nil
}

// Get returns one iteration by id.
func (m *Manager) Get(iterationID string) (*Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.byID[iterationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, iterationID)
	}
	return it, nil
}

// ListByCrawl returns a crawl's iterations ordered by number.
func (m *Manager) ListByCrawl(crawlID string) []*Iteration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Iteration(nil), m.byCrawl[crawlID]...)
}

// parent returns the parent iteration, or nil for a baseline.
func (m *Manager) parent(it *Iteration) *Iteration {
	if it.ParentID == "" {
		return nil
	}
	return m.byID[it.ParentID]
}

// ShouldCrawl decides whether a document needs a body fetch, based on
// validator headers against the parent iteration's fingerprint.
// Baseline and full modes always fetch. With neither validator header
// available the document is fetched and treated optimistically as
// MODIFIED; the hash comparison at record time settles the final
// classification.
func (m *Manager) ShouldCrawl(iterationID, url, etag, lastModified string) (bool, ChangeType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.byID[iterationID]
	if !ok {
		return false, "", fmt.Errorf("%w: %s", ErrNotFound, iterationID)
	}
	if it.Mode != ModeIncremental {
		return true, ChangeNew, nil
	}

	parent := m.parent(it)
	if parent == nil {
		return true, ChangeNew, nil
	}
	prev, ok := parent.Fingerprints[url]
	if !ok {
		return true, ChangeNew, nil
	}

	if etag != "" && prev.ETag != "" {
		if etag == prev.ETag {
			return false, ChangeUnchanged, nil
		}
		return true, ChangeModified, nil
	}
	if lastModified != "" && prev.LastModified != "" {
		if lastModified == prev.LastModified {
			return false, ChangeUnchanged, nil
		}
		return true, ChangeModified, nil
	}
	return true, ChangeModified, nil
}

// HashContent returns the hex SHA-256 of a document body.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Record hashes content and stores the document's fingerprint in the
// iteration.
func (m *Manager) Record(iterationID, url string, content []byte, etag, lastModified string) (Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.byID[iterationID]
	if !ok {
		return Fingerprint{}, fmt.Errorf("%w: %s", ErrNotFound, iterationID)
	}

	fp := Fingerprint{
		URL:          url,
		ContentHash:  HashContent(content),
		ETag:         etag,
		LastModified: lastModified,
		Size:         int64(len(content)),
		CapturedAt:   time.Now().UTC(),
	}
	it.Fingerprints[url] = fp
	return fp, nil
}

// DetectChange classifies a freshly hashed document against the parent
// iteration.
func (m *Manager) DetectChange(iterationID, url, contentHash string) (ChangeType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.byID[iterationID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, iterationID)
	}
	parent := m.parent(it)
	if parent == nil {
		return ChangeNew, nil
	}
	prev, ok := parent.Fingerprints[url]
	if !ok {
		return ChangeNew, nil
	}
	if prev.ContentHash == contentHash {
		return ChangeUnchanged, nil
	}
	return ChangeModified, nil
}

// Compare diffs two iterations. URLs only in current are new, URLs only
// in baseline are deleted, and the intersection splits on hash equality.
func (m *Manager) Compare(baselineID, currentID string) (*Comparison, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	baseline, ok := m.byID[baselineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, baselineID)
	}
	current, ok := m.byID[currentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, currentID)
	}

	cmp := &Comparison{
		BaselineID:         baselineID,
		CurrentID:          currentID,
		NewDocuments:       []string{},
		ModifiedDocuments:  []string{},
		UnchangedDocuments: []string{},
		DeletedDocuments:   []string{},
	}
	for url, fp := range current.Fingerprints {
		prev, ok := baseline.Fingerprints[url]
		switch {
		case !ok:
			cmp.NewDocuments = append(cmp.NewDocuments, url)
		case prev.ContentHash == fp.ContentHash:
			cmp.UnchangedDocuments = append(cmp.UnchangedDocuments, url)
		default:
			cmp.ModifiedDocuments = append(cmp.ModifiedDocuments, url)
		}
	}
	for url := range baseline.Fingerprints {
		if _, ok := current.Fingerprints[url]; !ok {
			cmp.DeletedDocuments = append(cmp.DeletedDocuments, url)
		}
	}
	sort.Strings(cmp.NewDocuments)
	sort.Strings(cmp.ModifiedDocuments)
	sort.Strings(cmp.UnchangedDocuments)
	sort.Strings(cmp.DeletedDocuments)
	return cmp, nil
}

// Complete marks the iteration finished and persists its metadata and
// fingerprint file.
func (m *Manager) Complete(iterationID string, stats Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.byID[iterationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, iterationID)
	}

	now := time.Now().UTC()
	it.CompletedAt = &now
	it.Stats = stats

	if err := writeJSON(m.metaPath(it.CrawlID, it.Number), it); err != nil {
		return err
	}
	if err := writeJSON(m.fingerprintsPath(it.CrawlID, it.Number), it.Fingerprints); err != nil {
		return err
	}

	m.logger.Info("iteration completed",
		zap.String("crawl_id", it.CrawlID),
		zap.String("iteration_id", it.ID),
		zap.Int("number", it.Number),
		zap.Int("documents_crawled", stats.DocumentsCrawled))
	return nil
}

// Chain walks parent links from an iteration back to the baseline,
// returning iterations newest first.
func (m *Manager) Chain(iterationID string) ([]*Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.byID[iterationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, iterationID)
	}
	var chain []*Iteration
	for it != nil {
		chain = append(chain, it)
		it = m.parent(it)
	}
	return chain, nil
}

// Statistics aggregates document counts across a crawl's iterations.
func (m *Manager) Statistics(crawlID string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	its := m.byCrawl[crawlID]
	var total Stats
	completed := 0
	for _, it := range its {
		if it.Completed() {
			completed++
		}
		total.DocumentsCrawled += it.Stats.DocumentsCrawled
		total.DocumentsNew += it.Stats.DocumentsNew
		total.DocumentsModified += it.Stats.DocumentsModified
		total.DocumentsUnchanged += it.Stats.DocumentsUnchanged
		total.DocumentsDeleted += it.Stats.DocumentsDeleted
		total.DocumentsSkipped += it.Stats.DocumentsSkipped
	}
	return map[string]any{
		"iterations":           len(its),
		"completed_iterations": completed,
		"documents_crawled":    total.DocumentsCrawled,
		"documents_new":        total.DocumentsNew,
		"documents_modified":   total.DocumentsModified,
		"documents_unchanged":  total.DocumentsUnchanged,
		"documents_deleted":    total.DocumentsDeleted,
		"documents_skipped":    total.DocumentsSkipped,
	}
}
