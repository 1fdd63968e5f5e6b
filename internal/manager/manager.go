// Package manager orchestrates crawl jobs end to end: lifecycle state,
// discovery, document download, checkpointing, iteration tracking and
// event publication. One Manager owns every job in the process.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/checkpoint"
	"github.com/gencrawl/gencrawl/internal/discovery"
	"github.com/gencrawl/gencrawl/internal/events"
	"github.com/gencrawl/gencrawl/internal/iteration"
	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/store"
)

// ErrJobNotFound is returned for operations on unknown crawl ids.
var ErrJobNotFound = errors.New("crawl job not found")

const persistTimeout = 5 * time.Second

// job bundles everything the manager tracks for one crawl.
type job struct {
	mu      sync.Mutex
	machine *state.Machine
	control *controlToken
	config  discovery.CrawlConfig

	iterationID string
	result      *discovery.Result
	pending     []string
	completed   []string
	stats       iteration.Stats
}

// Options wires the manager's collaborators.
type Options struct {
	Store       store.JobStore
	Bus         *events.Bus
	Checkpoints *checkpoint.Manager
	Iterations  *iteration.Manager
	Engine      *discovery.Engine
	Client      *http.Client
	UserAgent   string
	Logger      *zap.Logger

	// AutoCheckpointInterval is the number of completed documents
	// between automatic checkpoints.
	AutoCheckpointInterval int
	// KeepCheckpoints bounds retained checkpoints per crawl.
	KeepCheckpoints int
}

// Manager owns the full set of crawl jobs and drives their execution.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*job

	store       store.JobStore
	bus         *events.Bus
	checkpoints *checkpoint.Manager
	iterations  *iteration.Manager
	engine      *discovery.Engine
	client      *http.Client
	userAgent   string
	logger      *zap.Logger

	autoInterval    int
	keepCheckpoints int
}

// New builds a manager. Store, Bus, Checkpoints, Iterations and Engine
// are required; the rest have working defaults.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.AutoCheckpointInterval <= 0 {
		opts.AutoCheckpointInterval = 100
	}
	if opts.KeepCheckpoints <= 0 {
		opts.KeepCheckpoints = 3
	}
	return &Manager{
		jobs:            make(map[string]*job),
		store:           opts.Store,
		bus:             opts.Bus,
		checkpoints:     opts.Checkpoints,
		iterations:      opts.Iterations,
		engine:          opts.Engine,
		client:          opts.Client,
		userAgent:       opts.UserAgent,
		logger:          opts.Logger,
		autoInterval:    opts.AutoCheckpointInterval,
		keepCheckpoints: opts.KeepCheckpoints,
	}
}

// Create registers a new crawl job in QUEUED and persists it. The job
// does not run until Execute is called.
func (m *Manager) Create(ctx context.Context, cfg discovery.CrawlConfig) (string, error) {
	if len(cfg.Targets) == 0 {
		return "", fmt.Errorf("crawl config has no targets")
	}

	crawlID := uuid.New().String()
	data := state.NewData(crawlID)
	data.Config = configMap(cfg)

	j := &job{
		machine: state.NewMachine(data),
		control: newControlToken(),
		config:  cfg,
	}

	m.mu.Lock()
	m.jobs[crawlID] = j
	m.mu.Unlock()

	m.persist(data)
	m.logger.Info("crawl job created",
		zap.String("crawl_id", crawlID),
		zap.Strings("targets", cfg.Targets))
	return crawlID, nil
}

// Pause suspends a running job at its next suspension point. Returns
// false when the job is not in a pausable state.
func (m *Manager) Pause(ctx context.Context, crawlID string) (bool, error) {
	j, err := m.get(crawlID)
	if err != nil {
		return false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.machine.CanPause() {
		return false, nil
	}

	m.checkpoint(ctx, j, checkpoint.TypePause, "pause requested")
	j.control.clear()
	if err := m.transition(j, state.StatePaused, map[string]any{"reason": "user_requested"}); err != nil {
		return false, err
	}
	return true, nil
}

// Resume returns a paused job to the phase it was paused in. Returns
// false when the job is not paused.
func (m *Manager) Resume(ctx context.Context, crawlID string) (bool, error) {
	j, err := m.get(crawlID)
	if err != nil {
		return false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.machine.CanResume() {
		return false, nil
	}

	target := state.StateCrawling
	history := j.machine.Data().History
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == state.StatePaused {
			target = history[i].From
			break
		}
	}

	if err := m.transition(j, target, map[string]any{"reason": "user_requested"}); err != nil {
		return false, err
	}
	j.control.set()
	m.bus.Publish(events.New(j.machine.Data().CrawlID, events.TypeCrawlResumed, map[string]any{
		"resumed_to": string(target),
	}))
	return true, nil
}

// Cancel requests cancellation and transitions the job to CANCELLED.
// A paused job is unblocked so its executor can observe the signal.
// Returns false when the job already reached a terminal state.
func (m *Manager) Cancel(ctx context.Context, crawlID string) (bool, error) {
	j, err := m.get(crawlID)
	if err != nil {
		return false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.machine.IsTerminal() {
		return false, nil
	}

	j.control.cancel()
	if err := m.transition(j, state.StateCancelled, map[string]any{"reason": "user_requested"}); err != nil {
		return false, err
	}
	return true, nil
}

// Rerun prepares a finished job for another pass over the same targets.
// The next Execute runs an incremental iteration against the existing
// fingerprint chain, skipping unchanged documents.
func (m *Manager) Rerun(ctx context.Context, crawlID string) error {
	j, err := m.get(crawlID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.machine.IsTerminal() {
		return fmt.Errorf("job %s is still %s", crawlID, j.machine.Data().CurrentState)
	}

	data := state.NewData(crawlID)
	data.Config = configMap(j.config)
	j.machine = state.NewMachine(data)
	j.control = newControlToken()
	j.iterationID = ""
	j.result = nil
	j.pending = nil
	j.completed = nil
	j.stats = iteration.Stats{}

	m.persist(data)
	m.logger.Info("crawl job requeued", zap.String("crawl_id", crawlID))
	return nil
}

// Delete removes a job and all its artifacts. Running jobs are
// cancelled first. Deleting an unknown job is not an error.
func (m *Manager) Delete(ctx context.Context, crawlID string) error {
	m.mu.Lock()
	j, ok := m.jobs[crawlID]
	delete(m.jobs, crawlID)
	m.mu.Unlock()

	if ok {
		j.mu.Lock()
		if !j.machine.IsTerminal() {
			j.control.cancel()
		}
		j.mu.Unlock()
	}

	if err := m.store.Delete(ctx, crawlID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete job state: %w", err)
	}
	if err := m.checkpoints.DeleteAll(ctx, crawlID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	m.bus.Cleanup(crawlID)
	m.logger.Info("crawl job deleted", zap.String("crawl_id", crawlID))
	return nil
}

// Status returns the compact status read model for one job.
func (m *Manager) Status(crawlID string) (map[string]any, error) {
	j, err := m.get(crawlID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.machine.Summary(), nil
}

// State returns the full state read model including history.
func (m *Manager) State(crawlID string) (map[string]any, error) {
	j, err := m.get(crawlID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.machine.Detail(), nil
}

// Metrics returns a copy of the job's counters.
func (m *Manager) Metrics(crawlID string) (state.Metrics, error) {
	j, err := m.get(crawlID)
	if err != nil {
		return state.Metrics{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.machine.Data().Metrics, nil
}

// Results returns the discovery output, nil until the crawl phase ran.
func (m *Manager) Results(crawlID string) (*discovery.Result, error) {
	j, err := m.get(crawlID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, nil
}

// ListFilter narrows and pages List results. The zero value selects
// every job.
type ListFilter struct {
	Status state.State
	Offset int
	Limit  int
}

// List returns status summaries for matching jobs, newest first.
func (m *Manager) List(f ListFilter) []map[string]any {
	m.mu.RLock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()

	summaries := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		summary := j.machine.Summary()
		j.mu.Unlock()
		if f.Status != "" {
			if st, _ := summary["current_state"].(state.State); st != f.Status {
				continue
			}
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, k int) bool {
		ti, _ := summaries[i]["created_at"].(time.Time)
		tk, _ := summaries[k]["created_at"].(time.Time)
		return ti.After(tk)
	})

	if f.Offset > 0 {
		if f.Offset >= len(summaries) {
			return []map[string]any{}
		}
		summaries = summaries[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(summaries) {
		summaries = summaries[:f.Limit]
	}
	return summaries
}

// LoadFromStore restores persisted jobs after a restart. Jobs found in
// an active phase lost their executor; they stay visible and can be
// resumed from their latest checkpoint.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	all, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, data := range all {
		if _, ok := m.jobs[data.CrawlID]; ok {
			continue
		}
		j := &job{
			machine:     state.NewMachine(data),
			control:     newControlToken(),
			config:      configFromMap(data.Config),
			iterationID: data.IterationID,
		}
		if data.CurrentState == state.StatePaused {
			j.control.clear()
		}
		m.jobs[data.CrawlID] = j
		if state.IsActivePhase(data.CurrentState) {
			m.logger.Warn("restored job was interrupted mid-phase",
				zap.String("crawl_id", data.CrawlID),
				zap.String("state", string(data.CurrentState)))
		}
	}
	m.logger.Info("jobs restored from store", zap.Int("count", len(all)))
	return nil
}

// Restore replaces a job's in-memory state with its latest resumable
// checkpoint. Used when durable job state was lost or is stale.
func (m *Manager) Restore(ctx context.Context, crawlID string) error {
	snap, err := m.checkpoints.Resume(ctx, crawlID)
	if err != nil {
		return err
	}

	j := &job{
		machine:     state.NewMachine(snap.State),
		control:     newControlToken(),
		config:      configFromMap(snap.State.Config),
		iterationID: snap.State.IterationID,
		pending:     snap.PendingURLs,
		completed:   snap.CompletedURLs,
	}
	if snap.State.CurrentState == state.StatePaused {
		j.control.clear()
	}

	m.mu.Lock()
	m.jobs[crawlID] = j
	m.mu.Unlock()

	m.persist(snap.State)
	m.logger.Info("job restored from checkpoint",
		zap.String("crawl_id", crawlID),
		zap.Int("sequence", snap.Sequence),
		zap.String("state", string(snap.State.CurrentState)))
	return nil
}

func (m *Manager) get(crawlID string) (*job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[crawlID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, crawlID)
	}
	return j, nil
}

// transition applies a state change, persists it and publishes the
// matching events. Callers hold j.mu.
func (m *Manager) transition(j *job, to state.State, metadata map[string]any) error {
	d := j.machine.Data()
	from := d.CurrentState
	if err := j.machine.Transition(to, metadata); err != nil {
		return err
	}
	m.persist(d)

	e := events.New(d.CrawlID, events.TypeStateChange, map[string]any{
		"from_state": string(from),
		"to_state":   string(to),
	})
	e.Metadata = metadata
	m.bus.Publish(e)

	switch to {
	case state.StatePaused:
		m.bus.Publish(events.New(d.CrawlID, events.TypeCrawlPaused, nil))
	case state.StateCancelled:
		m.bus.Publish(events.New(d.CrawlID, events.TypeCrawlCancelled, nil))
	case state.StateCompleted:
		m.bus.Publish(events.New(d.CrawlID, events.TypeCrawlCompleted, map[string]any{
			"metrics": d.Metrics,
		}))
	}
	return nil
}

// setSubstate records a substate change and announces it. Callers hold
// j.mu.
func (m *Manager) setSubstate(j *job, sub state.Substate) error {
	if err := j.machine.SetSubstate(sub); err != nil {
		return err
	}
	d := j.machine.Data()
	m.persist(d)
	m.bus.Publish(events.New(d.CrawlID, events.TypeSubstateChange, map[string]any{
		"state":    string(d.CurrentState),
		"substate": string(sub),
	}))
	return nil
}

// checkpoint snapshots the job, logging instead of failing the crawl
// when the write does not succeed. Callers hold j.mu.
func (m *Manager) checkpoint(ctx context.Context, j *job, typ checkpoint.Type, reason string) {
	d := j.machine.Data()
	snap, err := m.checkpoints.Create(ctx, typ, reason, d, j.pending, j.completed)
	if err != nil {
		m.logger.Warn("checkpoint failed",
			zap.String("crawl_id", d.CrawlID), zap.Error(err))
		return
	}
	m.bus.Publish(events.New(d.CrawlID, events.TypeCheckpointCreated, map[string]any{
		"sequence": snap.Sequence,
		"type":     string(typ),
		"reason":   reason,
	}))
	if err := m.checkpoints.Prune(ctx, d.CrawlID, m.keepCheckpoints); err != nil {
		m.logger.Warn("checkpoint prune failed",
			zap.String("crawl_id", d.CrawlID), zap.Error(err))
	}
}

// persist saves job state, logging on failure. Persistence problems
// never stop a crawl.
func (m *Manager) persist(d *state.Data) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Save(ctx, d); err != nil {
		m.logger.Warn("job state persist failed",
			zap.String("crawl_id", d.CrawlID), zap.Error(err))
	}
}
