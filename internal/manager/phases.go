package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/checkpoint"
	"github.com/gencrawl/gencrawl/internal/discovery"
	"github.com/gencrawl/gencrawl/internal/events"
	"github.com/gencrawl/gencrawl/internal/iteration"
	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// maxDocumentBytes bounds how much of a document body is read when
// fingerprinting downloads.
const maxDocumentBytes = 64 << 20

// Execute drives a job through its remaining lifecycle until it reaches
// a terminal state. It is safe to call after Restore: execution picks
// up from the job's current state. Cancellation is a normal outcome and
// returns nil; context cancellation leaves the job checkpointed for
// recovery and returns the context error.
func (m *Manager) Execute(ctx context.Context, crawlID string) error {
	j, err := m.get(crawlID)
	if err != nil {
		return err
	}

	err = m.run(ctx, j)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCancelled):
		j.mu.Lock()
		if !j.machine.IsTerminal() {
			if terr := m.transition(j, state.StateCancelled, map[string]any{"reason": "cancel_observed"}); terr != nil {
				m.logger.Error("cancel transition failed",
					zap.String("crawl_id", crawlID), zap.Error(terr))
			}
		}
		j.mu.Unlock()
		telemetry.ObserveJob("cancelled")
		m.logger.Info("crawl cancelled", zap.String("crawl_id", crawlID))
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		j.mu.Lock()
		m.checkpoint(context.Background(), j, checkpoint.TypeAuto, "shutdown")
		j.mu.Unlock()
		m.logger.Warn("crawl interrupted by shutdown", zap.String("crawl_id", crawlID))
		return err
	default:
		m.fail(j, err)
		return err
	}
}

// run is the state-driven pipeline loop. Each pass handles the current
// state, so a restored job continues where its snapshot left off.
func (m *Manager) run(ctx context.Context, j *job) error {
	for {
		if err := j.control.wait(ctx); err != nil {
			return err
		}

		j.mu.Lock()
		current := j.machine.Data().CurrentState
		j.mu.Unlock()

		switch current {
		case state.StateQueued:
			j.mu.Lock()
			err := m.transition(j, state.StateInitializing, nil)
			j.mu.Unlock()
			if err != nil {
				return err
			}

		case state.StateInitializing:
			if err := m.initialize(ctx, j); err != nil {
				return err
			}

		case state.StateCrawling:
			if err := m.runCrawl(ctx, j); err != nil {
				return err
			}

		case state.StateExtracting:
			if err := m.runExtract(ctx, j); err != nil {
				return err
			}

		case state.StateProcessing:
			if err := m.runProcess(ctx, j); err != nil {
				return err
			}

		case state.StateCompleted, state.StateFailed, state.StateCancelled:
			return nil

		case state.StatePaused:
			// The control gate is cleared while paused; the next wait
			// blocks until Resume or Cancel.

		default:
			return fmt.Errorf("unexpected job state %s", current)
		}
	}
}

// enterSubstate waits out any pause and then records the substate. A
// pause observed between the gate and the lock is retried; a terminal
// state means the job was cancelled underneath the executor.
func (m *Manager) enterSubstate(ctx context.Context, j *job, owner state.State, sub state.Substate) error {
	for {
		if err := j.control.wait(ctx); err != nil {
			return err
		}
		j.mu.Lock()
		current := j.machine.Data().CurrentState
		if current == owner {
			err := m.setSubstate(j, sub)
			j.mu.Unlock()
			return err
		}
		j.mu.Unlock()
		if state.IsTerminal(current) {
			return ErrCancelled
		}
		if current != state.StatePaused {
			return fmt.Errorf("job left %s unexpectedly, now %s", owner, current)
		}
	}
}

// advance applies a phase transition once the job is not paused.
func (m *Manager) advance(ctx context.Context, j *job, to state.State, metadata map[string]any) error {
	for {
		if err := j.control.wait(ctx); err != nil {
			return err
		}
		j.mu.Lock()
		current := j.machine.Data().CurrentState
		if current != state.StatePaused {
			if state.IsTerminal(current) {
				j.mu.Unlock()
				return ErrCancelled
			}
			err := m.transition(j, to, metadata)
			j.mu.Unlock()
			return err
		}
		j.mu.Unlock()
	}
}

// initialize opens the iteration for this pass and moves to CRAWLING.
// The first iteration of a crawl is the baseline; later ones are
// incremental and skip unchanged documents.
func (m *Manager) initialize(ctx context.Context, j *job) error {
	j.mu.Lock()
	d := j.machine.Data()
	mode := iteration.ModeBaseline
	if len(m.iterations.ListByCrawl(d.CrawlID)) > 0 {
		mode = iteration.ModeIncremental
	}
	it, err := m.iterations.CreateIteration(d.CrawlID, d.Config, mode)
	if err != nil {
		j.mu.Unlock()
		return fmt.Errorf("create iteration: %w", err)
	}
	j.iterationID = it.ID
	d.IterationID = it.ID
	j.stats = iteration.Stats{}
	j.mu.Unlock()

	m.logger.Info("crawl initialized",
		zap.String("crawl_id", d.CrawlID),
		zap.String("iteration_id", it.ID),
		zap.String("mode", string(mode)))
	return m.advance(ctx, j, state.StateCrawling, map[string]any{
		"iteration_id": it.ID,
		"mode":         string(mode),
	})
}

// runCrawl performs discovery and downloads validated documents,
// fingerprinting each for change detection. Zero discovered documents
// is degraded but not fatal: the job completes with empty results.
func (m *Manager) runCrawl(ctx context.Context, j *job) error {
	if err := m.enterSubstate(ctx, j, state.StateCrawling, state.SubstateDiscoveringURLs); err != nil {
		return err
	}

	j.mu.Lock()
	d := j.machine.Data()
	crawlID := d.CrawlID
	cfg := j.config
	j.mu.Unlock()

	result, err := m.engine.Discover(ctx, cfg)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	// URLs already downloaded before a restart are not fetched again.
	j.mu.Lock()
	j.result = result
	done := make(map[string]bool, len(j.completed))
	for _, u := range j.completed {
		done[u] = true
	}
	j.pending = nil
	for _, doc := range result.Documents {
		if !done[doc.URL] {
			j.pending = append(j.pending, doc.URL)
		}
	}
	d.Metrics.URLsQueued = len(j.pending)
	d.Metrics.DocumentsFound = len(result.Documents)
	d.Phase(state.PhaseURLs).Total = result.CheckedURLs
	d.Phase(state.PhaseURLs).Completed = result.CheckedURLs
	d.Phase(state.PhaseDocuments).Total = len(result.Documents)
	m.persist(d)

	for _, doc := range result.Documents {
		if done[doc.URL] {
			continue
		}
		m.bus.Publish(events.New(crawlID, events.TypeDocumentFound, map[string]any{
			"url":           doc.URL,
			"title":         doc.Title,
			"document_type": doc.DocumentType,
			"file_type":     doc.FileType,
		}))
	}
	j.mu.Unlock()

	degraded := len(result.Documents) == 0
	if degraded {
		m.logger.Warn("discovery produced no documents, continuing degraded",
			zap.String("crawl_id", crawlID),
			zap.Int("checked_urls", result.CheckedURLs),
			zap.Int("skipped_urls", result.SkippedURLs))
		m.bus.Publish(events.New(crawlID, events.TypeWarning, map[string]any{
			"degraded_mode": true,
			"reason":        "no documents discovered",
		}))
	}

	if err := m.enterSubstate(ctx, j, state.StateCrawling, state.SubstateDownloadingPages); err != nil {
		return err
	}
	if err := m.enterSubstate(ctx, j, state.StateCrawling, state.SubstateDownloadingDocuments); err != nil {
		return err
	}

	j.mu.Lock()
	iterID := j.iterationID
	j.mu.Unlock()

	for _, doc := range result.Documents {
		if done[doc.URL] {
			continue
		}
		if err := j.control.wait(ctx); err != nil {
			return err
		}
		m.downloadDocument(ctx, j, iterID, doc)

		j.mu.Lock()
		done := len(j.completed)
		if done > 0 && done%m.autoInterval == 0 {
			m.checkpoint(ctx, j, checkpoint.TypeAuto, "interval")
		}
		j.mu.Unlock()
	}

	meta := map[string]any{}
	j.mu.Lock()
	meta["documents_downloaded"] = d.Metrics.DocumentsDownloaded
	j.mu.Unlock()
	if degraded {
		meta["degraded_mode"] = true
	}
	return m.advance(ctx, j, state.StateExtracting, meta)
}

// downloadDocument fetches one candidate, records its fingerprint and
// updates counters. Individual failures never abort the crawl.
func (m *Manager) downloadDocument(ctx context.Context, j *job, iterID string, doc discovery.Document) {
	j.mu.Lock()
	d := j.machine.Data()
	crawlID := d.CrawlID
	j.mu.Unlock()

	shouldCrawl, change, err := m.iterations.ShouldCrawl(iterID, doc.URL, "", doc.LastModified)
	if err != nil {
		m.logger.Warn("change detection failed, downloading anyway",
			zap.String("url", doc.URL), zap.Error(err))
		shouldCrawl, change = true, iteration.ChangeNew
	}

	if !shouldCrawl {
		j.mu.Lock()
		j.stats.DocumentsSkipped++
		j.stats.DocumentsUnchanged++
		j.completed = append(j.completed, doc.URL)
		j.pending = dropURL(j.pending, doc.URL)
		d.Phase(state.PhaseDocuments).Completed++
		m.persist(d)
		m.publishProgress(d)
		j.mu.Unlock()
		return
	}

	content, etag, lastModified, err := m.fetch(ctx, doc.URL)
	if err != nil {
		m.logger.Warn("document download failed",
			zap.String("crawl_id", crawlID),
			zap.String("url", doc.URL), zap.Error(err))
		j.mu.Lock()
		d.Metrics.URLsFailed++
		d.Metrics.UpdateSuccessRate()
		d.ErrorCount++
		d.Phase(state.PhaseDocuments).Failed++
		m.persist(d)
		m.bus.Publish(events.New(crawlID, events.TypePageFailed, map[string]any{
			"url":   doc.URL,
			"error": err.Error(),
		}))
		j.mu.Unlock()
		return
	}

	if _, err := m.iterations.Record(iterID, doc.URL, content, etag, lastModified); err != nil {
		m.logger.Warn("fingerprint record failed",
			zap.String("url", doc.URL), zap.Error(err))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	switch change {
	case iteration.ChangeModified:
		j.stats.DocumentsModified++
	default:
		j.stats.DocumentsNew++
	}
	j.stats.DocumentsCrawled++
	j.completed = append(j.completed, doc.URL)
	j.pending = dropURL(j.pending, doc.URL)

	d.Metrics.URLsCrawled++
	d.Metrics.DocumentsDownloaded++
	d.Metrics.UpdateSuccessRate()
	d.Phase(state.PhaseDocuments).Completed++
	m.persist(d)

	m.bus.Publish(events.New(crawlID, events.TypeDocumentDownload, map[string]any{
		"url":         doc.URL,
		"size_bytes":  len(content),
		"change_type": string(change),
	}))
	m.publishProgress(d)
}

// runExtract walks the extraction substates. Content extraction itself
// happens in downstream workers fed by the event stream; the engine
// tracks phase progress so read models stay coherent.
func (m *Manager) runExtract(ctx context.Context, j *job) error {
	if err := m.runSubstatePhase(ctx, j, state.StateExtracting, state.PhaseExtractions); err != nil {
		return err
	}
	return m.advance(ctx, j, state.StateProcessing, nil)
}

// runProcess walks the processing substates, closes the iteration and
// completes the job.
func (m *Manager) runProcess(ctx context.Context, j *job) error {
	if err := m.runSubstatePhase(ctx, j, state.StateProcessing, state.PhaseProcessing); err != nil {
		return err
	}

	j.mu.Lock()
	d := j.machine.Data()
	d.Metrics.DocumentsProcessed = d.Metrics.DocumentsDownloaded
	m.persist(d)

	if j.iterationID != "" {
		if err := m.iterations.Complete(j.iterationID, j.stats); err != nil {
			m.logger.Warn("iteration completion failed",
				zap.String("crawl_id", d.CrawlID), zap.Error(err))
		}
	}
	m.checkpoint(context.Background(), j, checkpoint.TypeManual, "completed")
	downloaded := d.Metrics.DocumentsDownloaded
	j.mu.Unlock()

	if err := m.advance(ctx, j, state.StateCompleted, map[string]any{
		"documents_downloaded": downloaded,
	}); err != nil {
		return err
	}
	telemetry.ObserveJob("completed")
	m.logger.Info("crawl completed",
		zap.String("crawl_id", d.CrawlID),
		zap.Int("documents", downloaded))
	return nil
}

// runSubstatePhase steps through every substate of a working state,
// checking the control token between steps and advancing the named
// progress phase over the downloaded document count.
func (m *Manager) runSubstatePhase(ctx context.Context, j *job, st state.State, phase string) error {
	j.mu.Lock()
	d := j.machine.Data()
	total := d.Metrics.DocumentsDownloaded
	d.Phase(phase).Total = total
	m.persist(d)
	j.mu.Unlock()

	for _, sub := range state.Substates[st] {
		if err := m.enterSubstate(ctx, j, st, sub); err != nil {
			return err
		}
	}

	if err := j.control.wait(ctx); err != nil {
		return err
	}
	j.mu.Lock()
	d.Phase(phase).Completed = total
	m.persist(d)
	m.publishProgress(d)
	j.mu.Unlock()
	return nil
}

// fail checkpoints the failure and moves the job to FAILED.
func (m *Manager) fail(j *job, cause error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	d := j.machine.Data()
	m.checkpoint(context.Background(), j, checkpoint.TypeError, cause.Error())
	d.ErrorMessage = cause.Error()
	d.ErrorCount++

	m.bus.Publish(events.New(d.CrawlID, events.TypeError, map[string]any{
		"error": cause.Error(),
		"state": string(d.CurrentState),
	}))

	if !j.machine.IsTerminal() {
		if err := m.transition(j, state.StateFailed, map[string]any{"error": cause.Error()}); err != nil {
			m.logger.Error("failure transition rejected",
				zap.String("crawl_id", d.CrawlID), zap.Error(err))
			m.persist(d)
		}
	} else {
		m.persist(d)
	}
	telemetry.ObserveJob("failed")
	m.logger.Error("crawl failed",
		zap.String("crawl_id", d.CrawlID), zap.Error(cause))
}

// publishProgress emits a progress_update event. Callers hold j.mu.
func (m *Manager) publishProgress(d *state.Data) {
	m.bus.Publish(events.New(d.CrawlID, events.TypeProgressUpdate, d.ProgressSnapshot()))
}

// fetch downloads a document body for fingerprinting, capped at
// maxDocumentBytes.
func (m *Manager) fetch(ctx context.Context, rawURL string) (content []byte, etag, lastModified string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", "", err
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, "", "", fmt.Errorf("read body: %w", err)
	}
	return body, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

func dropURL(urls []string, target string) []string {
	for i, u := range urls {
		if u == target {
			return append(urls[:i], urls[i+1:]...)
		}
	}
	return urls
}

// configMap converts a crawl config into the generic map persisted with
// job state and iteration metadata.
func configMap(cfg discovery.CrawlConfig) map[string]any {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// configFromMap is the inverse of configMap, tolerating missing fields.
func configFromMap(in map[string]any) discovery.CrawlConfig {
	var cfg discovery.CrawlConfig
	raw, err := json.Marshal(in)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}
