package discovery

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// Options configures an Engine.
type Options struct {
	Client       *http.Client
	UserAgent    string
	Timeout      time.Duration
	CachePath    string
	CacheTTL     time.Duration
	DefaultDelay time.Duration
	Logger       *zap.Logger
}

// Engine runs discovery passes. It is safe for concurrent use by
// multiple jobs; the per-host limiter and the validation cache are the
// only shared state.
type Engine struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	robots    *robotsResolver
	waiter    *hostWaiter
	cache     *validationCache
	logger    *zap.Logger
}

// NewEngine builds a discovery engine.
func NewEngine(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "GenCrawl/1.0 (+https://gencrawl.local)"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		client:    opts.Client,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		robots:    newRobotsResolver(opts.Client, opts.UserAgent, opts.Logger),
		waiter:    newHostWaiter(opts.DefaultDelay),
		cache:     newValidationCache(opts.CachePath, opts.CacheTTL),
		logger:    opts.Logger,
	}
}

// Discover executes one discovery pass: robots resolution, sitemap
// traversal, WordPress media discovery, page-scan fallback, preflight
// validation, taxonomy filtering and per-domain fairness, in that
// order, each stage bounded by its configured limit.
func (e *Engine) Discover(ctx context.Context, cfg CrawlConfig) (*Result, error) {
	cfg.ApplyDefaults()

	result := &Result{
		Documents:    []Document{},
		UsedSitemaps: []string{},
	}
	if len(cfg.Targets) == 0 {
		return result, nil
	}

	// Install profile delays up front; robots Crawl-delay tightens them
	// as hosts are resolved.
	for host, profile := range cfg.DomainProfiles {
		if profile.CrawlDelaySeconds > 0 {
			e.waiter.setDelay(host, time.Duration(profile.CrawlDelaySeconds*float64(time.Second)))
		}
	}
	for _, target := range cfg.Targets {
		if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
			if delay := e.robots.crawlDelay(ctx, u, &cfg); delay > 0 {
				e.waiter.setDelay(u.Hostname(), delay)
			}
		}
	}

	// Sitemap traversal.
	candidateLastMod := make(map[string]string)
	candidates := make(map[string]bool)
	seenHosts := make(map[string]bool)
	for _, target := range cfg.Targets {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			continue
		}
		if seenHosts[u.Hostname()] {
			continue
		}
		seenHosts[u.Hostname()] = true

		for _, entry := range e.collectSitemapEntries(ctx, &cfg, target, &result.UsedSitemaps) {
			candidates[entry.URL] = true
			if entry.LastMod != "" {
				candidateLastMod[entry.URL] = entry.LastMod
			}
		}
	}

	// WordPress media discovery, additive to sitemap candidates.
	wpMeta := make(map[string]wpMediaCandidate)
	seenHosts = make(map[string]bool)
	for _, target := range cfg.Targets {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" || seenHosts[u.Hostname()] {
			continue
		}
		seenHosts[u.Hostname()] = true

		probe := *u
		probe.Path = "/wp-json/wp/v2/media"
		if !e.robots.allowed(ctx, &probe, &cfg) {
			continue
		}
		for _, item := range e.collectWPMedia(ctx, &cfg, target) {
			mediaURL, err := url.Parse(item.URL)
			if err != nil || !cfg.Profile(mediaURL.Hostname()).AllowsPath(mediaURL.Path) {
				continue
			}
			candidates[item.URL] = true
			wpMeta[item.URL] = item
		}
	}

	// Partition candidates into direct file hits and keyword-matched
	// pages worth scanning.
	fileCandidates := make(map[string]string) // url -> linking page
	var pageCandidates []string
	for candidate := range candidates {
		if matchesFileURL(candidate, cfg.Filters.FileTypes) {
			fileCandidates[candidate] = ""
		} else if matchesKeywords(keywordValue(candidate), cfg.Filters.Keywords) {
			pageCandidates = append(pageCandidates, candidate)
		}
	}

	// Page-scan fallback when sitemaps did not surface enough files.
	if !cfg.SitemapOnly && len(fileCandidates) < cfg.PreferSitemapsThreshold {
		e.scanPages(ctx, &cfg, pageCandidates, fileCandidates)
	}

	// Preflight, taxonomy and fairness over a deterministic ordering.
	tax := newTaxonomy(&cfg)
	ordered := make([]string, 0, len(fileCandidates))
	for candidate := range fileCandidates {
		ordered = append(ordered, candidate)
	}
	sort.Strings(ordered)

	perDomain := make(map[string]int)
	for _, candidate := range ordered {
		if len(result.Documents) >= cfg.Limits.MaxDocuments {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		u, err := url.Parse(candidate)
		if err != nil || u.Hostname() == "" {
			result.SkippedURLs++
			telemetry.ObserveSkip()
			continue
		}
		host := u.Hostname()

		if perDomain[host] >= cfg.Limits.MaxDocumentsPerDomain {
			result.SkippedURLs++
			telemetry.ObserveSkip()
			continue
		}
		if !e.robots.allowed(ctx, u, &cfg) {
			result.SkippedURLs++
			telemetry.ObserveSkip()
			continue
		}

		result.CheckedURLs++
		meta := e.preflight(ctx, candidate, cfg.Filters.FileTypes)
		if meta == nil {
			result.SkippedURLs++
			telemetry.ObserveSkip()
			continue
		}

		title := titleFromURL(candidate)
		if !tax.matchesSubject(candidate, title) || !tax.matchesProgram(candidate, title) {
			result.SkippedURLs++
			telemetry.ObserveSkip()
			continue
		}
		docType := documentTypeFromContext(candidate, fileCandidates[candidate])
		if !tax.acceptsType(docType) {
			result.SkippedURLs++
			telemetry.ObserveSkip()
			continue
		}

		wp := wpMeta[candidate]
		sourcePage := fileCandidates[candidate]
		if sourcePage == "" {
			sourcePage = wp.SourcePage
		}
		sourceDate := candidateLastMod[candidate]
		if sourceDate == "" {
			sourceDate = extractDate(wp.SourceDate)
		}
		if sourceDate == "" {
			sourceDate = extractDate(candidate)
		}
		if sourceDate == "" {
			sourceDate = extractDate(title)
		}

		finalURL := candidate
		if meta.FinalURL != "" {
			finalURL = meta.FinalURL
		}
		result.Documents = append(result.Documents, Document{
			URL:          finalURL,
			Title:        title,
			FileType:     firstFileType(candidate, cfg.Filters.FileTypes),
			FileSize:     meta.ContentLength,
			DocumentType: docType,
			SourceDate:   sourceDate,
			SourcePage:   sourcePage,
			ContentType:  meta.ContentType,
			LastModified: meta.LastModified,
			DiscoveredAt: time.Now().UTC(),
		})
		perDomain[host]++
		telemetry.ObserveCandidate()
	}

	if err := e.cache.save(); err != nil {
		e.logger.Warn("url validation cache save failed", zap.Error(err))
	}
	return result, nil
}

// matchesFileURL reports whether the URL path ends with one of the
// requested extensions.
func matchesFileURL(rawURL string, fileTypes []string) bool {
	lowered := strings.ToLower(rawURL)
	for _, ft := range fileTypes {
		ext := strings.ToLower(strings.TrimPrefix(ft, "."))
		if ext != "" && strings.HasSuffix(lowered, "."+ext) {
			return true
		}
	}
	return false
}

// firstFileType returns the candidate's own extension when it is one of
// the requested types, else the first requested type.
func firstFileType(rawURL string, fileTypes []string) string {
	if ext := fileTypeOf(rawURL); ext != "" {
		for _, ft := range fileTypes {
			if strings.EqualFold(strings.TrimPrefix(ft, "."), ext) {
				return ext
			}
		}
	}
	if len(fileTypes) > 0 {
		return strings.ToLower(strings.TrimPrefix(fileTypes[0], "."))
	}
	return "pdf"
}

// preflight validates a candidate with a cached HEAD request, falling
// back to a ranged GET when HEAD is refused. Returns nil when the
// candidate fails validation.
func (e *Engine) preflight(ctx context.Context, candidate string, fileTypes []string) *cacheMeta {
	if entry, ok := e.cache.get(candidate); ok {
		if entry.Status >= 400 {
			return nil
		}
		if !matchesFileTypes(candidate, entry.ContentType, fileTypes) {
			return nil
		}
		return entry.Meta
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return nil
	}
	if err := e.waiter.wait(ctx, u.Hostname()); err != nil {
		return nil
	}

	resp, err := e.doPreflight(ctx, candidate, http.MethodHead, "")
	if err != nil {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = e.doPreflight(ctx, candidate, http.MethodGet, "bytes=0-1024")
		if err != nil {
			return nil
		}
	}
	defer resp.Body.Close()

	var contentLength int64
	if v := resp.Header.Get("Content-Length"); v != "" {
		contentLength, _ = strconv.ParseInt(v, 10, 64)
	}
	meta := &cacheMeta{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: contentLength,
		LastModified:  resp.Header.Get("Last-Modified"),
		ETag:          resp.Header.Get("ETag"),
		FinalURL:      resp.Request.URL.String(),
	}
	e.cache.put(candidate, cacheEntry{
		Status:      resp.StatusCode,
		ContentType: meta.ContentType,
		Timestamp:   time.Now().UTC(),
		Meta:        meta,
	})

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil
	}
	if !matchesFileTypes(candidate, meta.ContentType, fileTypes) {
		return nil
	}
	return meta
}

func (e *Engine) doPreflight(ctx context.Context, rawURL, method, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.userAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	telemetry.ObserveDiscoveryRequest(rawURL, "preflight")
	return e.client.Do(req)
}
