package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// robotsEntry caches one host's parsed robots.txt.
type robotsEntry struct {
	data       *robotstxt.RobotsData
	group      *robotstxt.Group
	crawlDelay time.Duration
	sitemaps   []string
}

// robotsResolver fetches and caches robots.txt per host. A fetch
// failure is treated as allow-all so one unreachable robots file does
// not block a host (the HTTP status handling in robotstxt still maps
// 401/403 to disallow-all).
type robotsResolver struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotsEntry // keyed by scheme://host
}

func newRobotsResolver(client *http.Client, userAgent string, logger *zap.Logger) *robotsResolver {
	return &robotsResolver{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		cache:     make(map[string]*robotsEntry),
	}
}

func hostKey(u *url.URL) string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(u.Host)
}

func (r *robotsResolver) entry(ctx context.Context, u *url.URL) *robotsEntry {
	key := hostKey(u)

	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return e
	}
	r.mu.Unlock()

	e := r.fetch(ctx, key)

	r.mu.Lock()
	r.cache[key] = e
	r.mu.Unlock()
	return e
}

func (r *robotsResolver) fetch(ctx context.Context, base string) *robotsEntry {
	robotsURL := base + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return &robotsEntry{}
	}
	req.Header.Set("User-Agent", r.userAgent)

	telemetry.ObserveDiscoveryRequest(base, "robots")
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("robots fetch failed, allowing all",
			zap.String("url", robotsURL), zap.Error(err))
		return &robotsEntry{}
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		r.logger.Debug("robots parse failed, allowing all",
			zap.String("url", robotsURL), zap.Error(err))
		return &robotsEntry{}
	}

	e := &robotsEntry{
		data:     data,
		group:    data.FindGroup(r.userAgent),
		sitemaps: data.Sitemaps,
	}
	if e.group != nil {
		e.crawlDelay = e.group.CrawlDelay
	}
	return e
}

// allowed reports whether robots rules permit fetching u. Profiles that
// ignore robots, or configs that disable compliance, always allow.
func (r *robotsResolver) allowed(ctx context.Context, u *url.URL, cfg *CrawlConfig) bool {
	if !cfg.RespectRobotsTxt || cfg.Profile(u.Hostname()).IgnoreRobots {
		return true
	}
	e := r.entry(ctx, u)
	if e.group == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return e.group.Test(path)
}

// crawlDelay returns any robots-advertised Crawl-delay for u's host.
func (r *robotsResolver) crawlDelay(ctx context.Context, u *url.URL, cfg *CrawlConfig) time.Duration {
	if !cfg.RespectRobotsTxt || cfg.Profile(u.Hostname()).IgnoreRobots {
		return 0
	}
	return r.entry(ctx, u).crawlDelay
}

// sitemapsFor returns robots-declared sitemap URLs for a target.
func (r *robotsResolver) sitemapsFor(ctx context.Context, target string) ([]string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	return r.entry(ctx, u).sitemaps, nil
}
