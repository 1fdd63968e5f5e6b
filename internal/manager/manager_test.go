package manager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	blobmem "github.com/gencrawl/gencrawl/internal/blob/memory"
	"github.com/gencrawl/gencrawl/internal/checkpoint"
	"github.com/gencrawl/gencrawl/internal/discovery"
	"github.com/gencrawl/gencrawl/internal/events"
	"github.com/gencrawl/gencrawl/internal/iteration"
	"github.com/gencrawl/gencrawl/internal/state"
	storemem "github.com/gencrawl/gencrawl/internal/store/memory"
)

// testSite serves robots, sitemaps and documents for manager tests.
type testSite struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	server   *httptest.Server
}

func newTestSite(t *testing.T) *testSite {
	s := &testSite{handlers: make(map[string]http.HandlerFunc)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		handler, ok := s.handlers[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *testSite) handle(path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = h
}

func (s *testSite) sitemapOf(urls ...string) http.HandlerFunc {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset>`)
	for _, u := range urls {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", u)
	}
	b.WriteString(`</urlset>`)
	body := b.String()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, body)
	}
}

func pdfHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Last-Modified", "Mon, 15 Jan 2024 10:00:00 GMT")
		fmt.Fprint(w, body)
	}
}

type env struct {
	mgr         *Manager
	store       *storemem.Store
	bus         *events.Bus
	checkpoints *checkpoint.Manager
	iterations  *iteration.Manager
}

func newEnv(t *testing.T) *env {
	logger := zaptest.NewLogger(t)
	st := storemem.New()
	bus := events.NewBus(logger, nil)
	cp := checkpoint.NewManager(blobmem.New(), "checkpoints", logger)
	it, err := iteration.NewManager(t.TempDir(), logger)
	require.NoError(t, err)

	engine := discovery.NewEngine(discovery.Options{
		Timeout:      5 * time.Second,
		CachePath:    filepath.Join(t.TempDir(), "url_cache.json"),
		CacheTTL:     7 * 24 * time.Hour,
		DefaultDelay: time.Millisecond,
		Logger:       logger,
	})

	mgr := New(Options{
		Store:                  st,
		Bus:                    bus,
		Checkpoints:            cp,
		Iterations:             it,
		Engine:                 engine,
		Client:                 &http.Client{Timeout: 5 * time.Second},
		UserAgent:              "gencrawl-test",
		Logger:                 logger,
		AutoCheckpointInterval: 2,
		KeepCheckpoints:        10,
	})
	return &env{mgr: mgr, store: st, bus: bus, checkpoints: cp, iterations: it}
}

func crawlConfigFor(site *testSite) discovery.CrawlConfig {
	return discovery.CrawlConfig{
		Targets:     []string{site.server.URL},
		Filters:     discovery.Filters{FileTypes: []string{"pdf"}},
		SitemapOnly: true,
	}
}

func currentState(t *testing.T, e *env, crawlID string) state.State {
	status, err := e.mgr.Status(crawlID)
	require.NoError(t, err)
	return status["current_state"].(state.State)
}

func TestExecuteCompletesPipeline(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler("content-a"))
	site.handle("/docs/b.pdf", pdfHandler("content-b"))
	site.handle("/sitemap.xml", site.sitemapOf(
		site.server.URL+"/docs/a.pdf",
		site.server.URL+"/docs/b.pdf",
	))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	assert.Equal(t, state.StateQueued, currentState(t, e, crawlID))

	require.NoError(t, e.mgr.Execute(ctx, crawlID))
	assert.Equal(t, state.StateCompleted, currentState(t, e, crawlID))

	metrics, err := e.mgr.Metrics(crawlID)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.DocumentsFound)
	assert.Equal(t, 2, metrics.DocumentsDownloaded)
	assert.Equal(t, 2, metrics.DocumentsProcessed)
	assert.Equal(t, float64(100), metrics.SuccessRate)

	result, err := e.mgr.Results(crawlID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.Documents, 2)

	history := e.bus.HistoryByType(crawlID, events.TypeCrawlCompleted, 0)
	assert.Len(t, history, 1)
	downloads := e.bus.HistoryByType(crawlID, events.TypeDocumentDownload, 0)
	assert.Len(t, downloads, 2)

	// Both documents downloaded with an interval of 2 means one
	// automatic checkpoint plus the completion checkpoint.
	metas, err := e.checkpoints.List(ctx, crawlID)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, checkpoint.TypeAuto, metas[0].Type)
	assert.Equal(t, checkpoint.TypeManual, metas[1].Type)
}

func TestExecuteRecordsStateHistory(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler("content-a"))
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/a.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	detail, err := e.mgr.State(crawlID)
	require.NoError(t, err)
	history := detail["state_history"].([]map[string]any)
	var states []state.State
	for _, h := range history {
		states = append(states, h["to_state"].(state.State))
	}
	assert.Equal(t, []state.State{
		state.StateInitializing,
		state.StateCrawling,
		state.StateExtracting,
		state.StateProcessing,
		state.StateCompleted,
	}, states)
}

func TestPauseResumeDuringCrawl(t *testing.T) {
	site := newTestSite(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	site.handle("/docs/slow.pdf", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "slow-content")
	})
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL + "/docs/slow.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.mgr.Execute(ctx, crawlID) }()

	<-started
	paused, err := e.mgr.Pause(ctx, crawlID)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, state.StatePaused, currentState(t, e, crawlID))

	// Pausing an already paused job is a no-op.
	paused, err = e.mgr.Pause(ctx, crawlID)
	require.NoError(t, err)
	assert.False(t, paused)

	// The pause checkpoint was taken before suspension.
	metas, err := e.checkpoints.List(ctx, crawlID)
	require.NoError(t, err)
	require.NotEmpty(t, metas)
	assert.Equal(t, checkpoint.TypePause, metas[len(metas)-1].Type)

	resumed, err := e.mgr.Resume(ctx, crawlID)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, state.StateCrawling, currentState(t, e, crawlID))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, state.StateCompleted, currentState(t, e, crawlID))

	pauseEvents := e.bus.HistoryByType(crawlID, events.TypeCrawlPaused, 0)
	assert.Len(t, pauseEvents, 1)
	resumeEvents := e.bus.HistoryByType(crawlID, events.TypeCrawlResumed, 0)
	require.Len(t, resumeEvents, 1)
	assert.Equal(t, string(state.StateCrawling), resumeEvents[0].Data["resumed_to"])
}

func TestResumeReturnsToPausedPhase(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler("content-a"))
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/a.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)

	// Resuming a job that is not paused is a no-op.
	resumed, err := e.mgr.Resume(ctx, crawlID)
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestCancelDuringCrawl(t *testing.T) {
	site := newTestSite(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	site.handle("/docs/slow.pdf", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "slow-content")
	})
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL + "/docs/slow.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.mgr.Execute(ctx, crawlID) }()

	<-started
	cancelled, err := e.mgr.Cancel(ctx, crawlID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, state.StateCancelled, currentState(t, e, crawlID))

	cancelEvents := e.bus.HistoryByType(crawlID, events.TypeCrawlCancelled, 0)
	assert.Len(t, cancelEvents, 1)
}

func TestCancelUnblocksPausedJob(t *testing.T) {
	site := newTestSite(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	site.handle("/docs/slow.pdf", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "slow-content")
	})
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL + "/docs/slow.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.mgr.Execute(ctx, crawlID) }()

	<-started
	paused, err := e.mgr.Pause(ctx, crawlID)
	require.NoError(t, err)
	require.True(t, paused)
	close(release)

	cancelled, err := e.mgr.Cancel(ctx, crawlID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, <-done)
	assert.Equal(t, state.StateCancelled, currentState(t, e, crawlID))
}

func TestCancelTerminalReturnsFalse(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler("content-a"))
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/a.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	cancelled, err := e.mgr.Cancel(ctx, crawlID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestPauseBeforeStartReturnsFalse(t *testing.T) {
	site := newTestSite(t)
	e := newEnv(t)

	crawlID, err := e.mgr.Create(context.Background(), crawlConfigFor(site))
	require.NoError(t, err)

	paused, err := e.mgr.Pause(context.Background(), crawlID)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestDegradedModeCompletesWithZeroDocuments(t *testing.T) {
	// No sitemap, no documents: discovery comes back empty.
	site := newTestSite(t)

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	assert.Equal(t, state.StateCompleted, currentState(t, e, crawlID))

	warnings := e.bus.HistoryByType(crawlID, events.TypeWarning, 0)
	require.Len(t, warnings, 1)
	assert.Equal(t, true, warnings[0].Data["degraded_mode"])

	metrics, err := e.mgr.Metrics(crawlID)
	require.NoError(t, err)
	assert.Zero(t, metrics.DocumentsDownloaded)
}

func TestFailedDownloadsDoNotAbortCrawl(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/good.pdf", pdfHandler("content"))
	site.handle("/docs/flaky.pdf", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
	})
	site.handle("/sitemap.xml", site.sitemapOf(
		site.server.URL+"/docs/good.pdf",
		site.server.URL+"/docs/flaky.pdf",
	))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	assert.Equal(t, state.StateCompleted, currentState(t, e, crawlID))
	metrics, err := e.mgr.Metrics(crawlID)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.DocumentsDownloaded)
	assert.Equal(t, 1, metrics.URLsFailed)

	failures := e.bus.HistoryByType(crawlID, events.TypePageFailed, 0)
	assert.Len(t, failures, 1)
}

func TestRerunSkipsUnchangedDocuments(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler("stable-content"))
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/a.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	metrics, err := e.mgr.Metrics(crawlID)
	require.NoError(t, err)
	require.Equal(t, 1, metrics.DocumentsDownloaded)

	require.NoError(t, e.mgr.Rerun(ctx, crawlID))
	assert.Equal(t, state.StateQueued, currentState(t, e, crawlID))
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	// The second pass is incremental: the unchanged document is skipped
	// based on its Last-Modified fingerprint.
	metrics, err = e.mgr.Metrics(crawlID)
	require.NoError(t, err)
	assert.Zero(t, metrics.DocumentsDownloaded)

	iterations := e.iterations.ListByCrawl(crawlID)
	require.Len(t, iterations, 2)
	assert.Equal(t, iteration.ModeBaseline, iterations[0].Mode)
	assert.Equal(t, iteration.ModeIncremental, iterations[1].Mode)
	assert.Equal(t, 1, iterations[1].Stats.DocumentsSkipped)
}

func TestRerunRejectsActiveJob(t *testing.T) {
	site := newTestSite(t)
	e := newEnv(t)

	crawlID, err := e.mgr.Create(context.Background(), crawlConfigFor(site))
	require.NoError(t, err)

	err = e.mgr.Rerun(context.Background(), crawlID)
	require.Error(t, err)
}

func TestRestoreContinuesWithoutRepeatingDownloads(t *testing.T) {
	site := newTestSite(t)
	var mu sync.Mutex
	gets := make(map[string]int)
	counted := func(path string, h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				mu.Lock()
				gets[path]++
				mu.Unlock()
			}
			h(w, r)
		}
	}

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	site.handle("/docs/a.pdf", counted("/docs/a.pdf", pdfHandler("content-a")))
	site.handle("/docs/slow.pdf", counted("/docs/slow.pdf", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		}
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "slow-content")
	}))
	site.handle("/sitemap.xml", site.sitemapOf(
		site.server.URL+"/docs/a.pdf",
		site.server.URL+"/docs/slow.pdf",
	))

	e := newEnv(t)
	crawlID, err := e.mgr.Create(context.Background(), crawlConfigFor(site))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.mgr.Execute(runCtx, crawlID) }()

	// Candidates download in URL order, so a.pdf is finished by the time
	// slow.pdf blocks. Cancelling the context forces the shutdown
	// checkpoint mid-crawl.
	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	close(release)

	require.NoError(t, e.mgr.Restore(context.Background(), crawlID))
	require.NoError(t, e.mgr.Execute(context.Background(), crawlID))
	assert.Equal(t, state.StateCompleted, currentState(t, e, crawlID))

	// The document finished before the shutdown is not fetched again.
	mu.Lock()
	assert.Equal(t, 1, gets["/docs/a.pdf"])
	mu.Unlock()

	metrics, err := e.mgr.Metrics(crawlID)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.DocumentsDownloaded)

	// The restored pass finishes the original iteration instead of
	// opening a second one.
	iterations := e.iterations.ListByCrawl(crawlID)
	require.Len(t, iterations, 1)

	downloads := e.bus.HistoryByType(crawlID, events.TypeDocumentDownload, 0)
	assert.Len(t, downloads, 2)
}

func TestDeleteRemovesAllArtifacts(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler("content"))
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/a.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	require.NoError(t, e.mgr.Delete(ctx, crawlID))

	_, err = e.mgr.Status(crawlID)
	require.ErrorIs(t, err, ErrJobNotFound)

	metas, err := e.checkpoints.List(ctx, crawlID)
	require.NoError(t, err)
	assert.Empty(t, metas)
	assert.Empty(t, e.bus.History(crawlID, 0))

	// Deleting again is not an error.
	require.NoError(t, e.mgr.Delete(ctx, crawlID))
}

func TestCreateRequiresTargets(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Create(context.Background(), discovery.CrawlConfig{})
	require.Error(t, err)
}

func TestOperationsOnUnknownJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.mgr.Status("nope")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = e.mgr.Pause(ctx, "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = e.mgr.Resume(ctx, "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = e.mgr.Cancel(ctx, "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.ErrorIs(t, e.mgr.Execute(ctx, "nope"), ErrJobNotFound)
}

func TestLoadFromStoreRestoresJobs(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler("content"))
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/a.pdf"))

	e := newEnv(t)
	ctx := context.Background()

	crawlID, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	require.NoError(t, e.mgr.Execute(ctx, crawlID))

	// A second manager over the same store sees the finished job.
	logger := zaptest.NewLogger(t)
	it, err := iteration.NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	mgr2 := New(Options{
		Store:       e.store,
		Bus:         events.NewBus(logger, nil),
		Checkpoints: e.checkpoints,
		Iterations:  it,
		Engine: discovery.NewEngine(discovery.Options{
			CachePath:    filepath.Join(t.TempDir(), "cache.json"),
			DefaultDelay: time.Millisecond,
			Logger:       logger,
		}),
		Logger: logger,
	})
	require.NoError(t, mgr2.LoadFromStore(ctx))

	status, err := mgr2.Status(crawlID)
	require.NoError(t, err)
	assert.Equal(t, state.StateCompleted, status["current_state"])
	assert.Len(t, mgr2.List(ListFilter{}), 1)
}

func TestListNewestFirst(t *testing.T) {
	site := newTestSite(t)
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := e.mgr.Create(ctx, crawlConfigFor(site))
	require.NoError(t, err)

	list := e.mgr.List(ListFilter{})
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0]["crawl_id"])
	assert.Equal(t, first, list[1]["crawl_id"])

	queued := e.mgr.List(ListFilter{Status: state.StateQueued})
	assert.Len(t, queued, 2)
	assert.Empty(t, e.mgr.List(ListFilter{Status: state.StateCompleted}))

	paged := e.mgr.List(ListFilter{Offset: 1, Limit: 5})
	require.Len(t, paged, 1)
	assert.Equal(t, first, paged[0]["crawl_id"])
	assert.Empty(t, e.mgr.List(ListFilter{Offset: 5}))
	assert.Len(t, e.mgr.List(ListFilter{Limit: 1}), 1)
}
