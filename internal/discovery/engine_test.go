package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testSite is a fake crawl target serving robots, sitemaps and
// documents, counting requests per path and method.
type testSite struct {
	mu       sync.Mutex
	counts   map[string]int
	handlers map[string]http.HandlerFunc
	server   *httptest.Server
}

func newTestSite(t *testing.T) *testSite {
	s := &testSite{
		counts:   make(map[string]int),
		handlers: make(map[string]http.HandlerFunc),
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[r.Method+" "+r.URL.Path]++
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

func (s *testSite) count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method+" "+path]
}

func (s *testSite) host(t *testing.T) string {
	u, err := url.Parse(s.server.URL)
	require.NoError(t, err)
	return u.Hostname()
}

func (s *testSite) sitemapOf(urls ...string) http.HandlerFunc {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset>`)
	for _, u := range urls {
		fmt.Fprintf(&b, "<url><loc>%s</loc><lastmod>2024-01-15</lastmod></url>", u)
	}
	b.WriteString(`</urlset>`)
	body := b.String()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, body)
	}
}

func pdfHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", "1024")
	w.WriteHeader(http.StatusOK)
}

func newTestEngine(t *testing.T) *Engine {
	return NewEngine(Options{
		Timeout:      5 * time.Second,
		CachePath:    filepath.Join(t.TempDir(), "url_cache.json"),
		CacheTTL:     7 * 24 * time.Hour,
		DefaultDelay: time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
}

func TestDiscoverFromSitemapCapsAtMaxDocuments(t *testing.T) {
	site := newTestSite(t)

	// 20 PDFs in the sitemap, only 5 of which exist.
	var urls []string
	for i := 0; i < 20; i++ {
		path := fmt.Sprintf("/docs/file-%02d.pdf", i)
		urls = append(urls, site.server.URL+path)
		if i < 5 {
			site.handle(path, pdfHandler)
		}
	}
	site.handle("/sitemap.xml", site.sitemapOf(urls...))

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets: []string{site.server.URL},
		Filters: Filters{FileTypes: []string{"pdf"}},
		Limits:  Limits{MaxDocuments: 5},
	})
	require.NoError(t, err)

	assert.Len(t, result.Documents, 5)
	assert.GreaterOrEqual(t, result.CheckedURLs, 5)
	assert.Contains(t, result.UsedSitemaps, site.server.URL+"/sitemap.xml")
	for _, doc := range result.Documents {
		assert.Equal(t, "pdf", doc.FileType)
		assert.Equal(t, "application/pdf", doc.ContentType)
		assert.Equal(t, "2024-01-15", doc.SourceDate)
	}
}

func TestDiscoverMonotonicInMaxDocuments(t *testing.T) {
	site := newTestSite(t)
	var urls []string
	for i := 0; i < 10; i++ {
		path := fmt.Sprintf("/docs/file-%02d.pdf", i)
		urls = append(urls, site.server.URL+path)
		site.handle(path, pdfHandler)
	}
	site.handle("/sitemap.xml", site.sitemapOf(urls...))

	engine := newTestEngine(t)
	var previous int
	for _, max := range []int{2, 5, 10} {
		result, err := engine.Discover(context.Background(), CrawlConfig{
			Targets: []string{site.server.URL},
			Filters: Filters{FileTypes: []string{"pdf"}},
			Limits:  Limits{MaxDocuments: max},
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(result.Documents), previous)
		previous = len(result.Documents)
	}
}

func TestPreflightCacheAvoidsRefetch(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/report.pdf", pdfHandler)
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/report.pdf"))

	cachePath := filepath.Join(t.TempDir(), "url_cache.json")
	cfg := CrawlConfig{
		Targets: []string{site.server.URL},
		Filters: Filters{FileTypes: []string{"pdf"}},
		Limits:  Limits{MaxDocuments: 5},
	}

	run := func() {
		engine := NewEngine(Options{
			Timeout:      5 * time.Second,
			CachePath:    cachePath,
			CacheTTL:     7 * 24 * time.Hour,
			DefaultDelay: time.Millisecond,
			Logger:       zaptest.NewLogger(t),
		})
		result, err := engine.Discover(context.Background(), cfg)
		require.NoError(t, err)
		require.Len(t, result.Documents, 1)
	}

	run()
	headsAfterFirst := site.count(http.MethodHead, "/docs/report.pdf")
	require.Equal(t, 1, headsAfterFirst)

	// Second pass loads the persisted cache; no new preflight request.
	run()
	assert.Equal(t, headsAfterFirst, site.count(http.MethodHead, "/docs/report.pdf"))
}

func TestPreflightFallsBackToRangedGet(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/strict.pdf", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "bytes=0-1024", r.Header.Get("Range"))
		w.Header().Set("Content-Type", "application/pdf")
		w.WriteHeader(http.StatusPartialContent)
	})
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/strict.pdf"))

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets: []string{site.server.URL},
		Filters: Filters{FileTypes: []string{"pdf"}},
		Limits:  Limits{MaxDocuments: 5},
	})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, 1, site.count(http.MethodGet, "/docs/strict.pdf"))
}

func TestRobotsDisallowSkipsCandidates(t *testing.T) {
	site := newTestSite(t)
	site.handle("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "User-agent: *")
		fmt.Fprintln(w, "Disallow: /private/")
	})
	site.handle("/docs/open.pdf", pdfHandler)
	site.handle("/private/secret.pdf", pdfHandler)
	site.handle("/sitemap.xml", site.sitemapOf(
		site.server.URL+"/docs/open.pdf",
		site.server.URL+"/private/secret.pdf",
	))

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets:          []string{site.server.URL},
		Filters:          Filters{FileTypes: []string{"pdf"}},
		Limits:           Limits{MaxDocuments: 5},
		RespectRobotsTxt: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.True(t, strings.HasSuffix(result.Documents[0].URL, "/docs/open.pdf"))
	assert.Equal(t, 1, result.SkippedURLs)
	assert.Zero(t, site.count(http.MethodHead, "/private/secret.pdf"))
}

func TestDomainProfileIgnoresRobots(t *testing.T) {
	site := newTestSite(t)
	site.handle("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "User-agent: *")
		fmt.Fprintln(w, "Disallow: /")
	})
	site.handle("/docs/file.pdf", pdfHandler)
	site.handle("/sitemap.xml", site.sitemapOf(site.server.URL+"/docs/file.pdf"))

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets:          []string{site.server.URL},
		Filters:          Filters{FileTypes: []string{"pdf"}},
		Limits:           Limits{MaxDocuments: 5},
		RespectRobotsTxt: true,
		DomainProfiles: map[string]DomainProfile{
			site.host(t): {IgnoreRobots: true},
		},
	})
	require.NoError(t, err)
	assert.Len(t, result.Documents, 1)
}

func TestSitemapIndexExpandsOneLevel(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/a.pdf", pdfHandler)
	site.handle("/docs/b.pdf", pdfHandler)
	site.handle("/sitemap_index.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex><sitemap><loc>%s/sitemap-docs.xml</loc></sitemap></sitemapindex>`, site.server.URL)
	})
	site.handle("/sitemap-docs.xml", site.sitemapOf(
		site.server.URL+"/docs/a.pdf",
		site.server.URL+"/docs/b.pdf",
	))

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets: []string{site.server.URL},
		Filters: Filters{FileTypes: []string{"pdf"}},
		Limits:  Limits{MaxDocuments: 5},
	})
	require.NoError(t, err)
	assert.Len(t, result.Documents, 2)
	assert.Contains(t, result.UsedSitemaps, site.server.URL+"/sitemap-docs.xml")
}

func TestWPMediaDiscovery(t *testing.T) {
	site := newTestSite(t)
	site.handle("/wp-content/uploads/guide.pdf", pdfHandler)
	site.handle("/wp-json/wp/v2/media", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{
			"source_url": "%s/wp-content/uploads/guide.pdf",
			"date": "2023-09-01T10:00:00",
			"link": "%s/guide-page",
			"mime_type": "application/pdf",
			"title": {"rendered": "Guide"}
		}]`, site.server.URL, site.server.URL)
	})

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets:     []string{site.server.URL},
		Filters:     Filters{FileTypes: []string{"pdf"}},
		Limits:      Limits{MaxDocuments: 5},
		SitemapOnly: false,
	})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	doc := result.Documents[0]
	assert.True(t, strings.HasSuffix(doc.URL, "/wp-content/uploads/guide.pdf"))
	assert.True(t, strings.HasSuffix(doc.SourcePage, "/guide-page"))
	assert.Equal(t, "2023-09-01", doc.SourceDate)
}

func TestPageScanFallbackFindsLinkedFiles(t *testing.T) {
	site := newTestSite(t)
	site.handle("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><a href="/downloads/handbook.pdf">Handbook</a></body></html>`)
	})
	site.handle("/downloads/handbook.pdf", pdfHandler)

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets: []string{site.server.URL},
		Filters: Filters{FileTypes: []string{"pdf"}},
		Limits:  Limits{MaxDocuments: 5},
	})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.True(t, strings.HasSuffix(result.Documents[0].URL, "/downloads/handbook.pdf"))
	assert.Equal(t, site.server.URL, result.Documents[0].SourcePage)
}

func TestSitemapOnlySkipsPageScan(t *testing.T) {
	site := newTestSite(t)
	site.handle("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><a href="/downloads/handbook.pdf">Handbook</a></body></html>`)
	})
	site.handle("/downloads/handbook.pdf", pdfHandler)

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets:     []string{site.server.URL},
		Filters:     Filters{FileTypes: []string{"pdf"}},
		Limits:      Limits{MaxDocuments: 5},
		SitemapOnly: true,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Documents)
	assert.Zero(t, site.count(http.MethodGet, "/"))
}

func TestPerDomainFairnessCap(t *testing.T) {
	site := newTestSite(t)
	var urls []string
	for i := 0; i < 6; i++ {
		path := fmt.Sprintf("/docs/file-%d.pdf", i)
		urls = append(urls, site.server.URL+path)
		site.handle(path, pdfHandler)
	}
	site.handle("/sitemap.xml", site.sitemapOf(urls...))

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets: []string{site.server.URL},
		Filters: Filters{FileTypes: []string{"pdf"}},
		Limits:  Limits{MaxDocuments: 10, MaxDocumentsPerDomain: 2},
	})
	require.NoError(t, err)
	assert.Len(t, result.Documents, 2)
	assert.Equal(t, 4, result.SkippedURLs)
}

func TestTaxonomyFilterRejectsOffTopicDocuments(t *testing.T) {
	site := newTestSite(t)
	site.handle("/docs/csec-maths-syllabus.pdf", pdfHandler)
	site.handle("/docs/biology-newsletter.pdf", pdfHandler)
	site.handle("/sitemap.xml", site.sitemapOf(
		site.server.URL+"/docs/csec-maths-syllabus.pdf",
		site.server.URL+"/docs/biology-newsletter.pdf",
	))

	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{
		Targets: []string{site.server.URL},
		Filters: Filters{
			FileTypes: []string{"pdf"},
			Keywords:  []string{"CSEC", "mathematics", "syllabus"},
		},
		Limits: Limits{MaxDocuments: 5},
	})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "syllabus", result.Documents[0].DocumentType)
	assert.Equal(t, 1, result.SkippedURLs)
}

func TestEmptyTargets(t *testing.T) {
	engine := newTestEngine(t)
	result, err := engine.Discover(context.Background(), CrawlConfig{})
	require.NoError(t, err)
	assert.Empty(t, result.Documents)
	assert.Zero(t, result.CheckedURLs)
}
