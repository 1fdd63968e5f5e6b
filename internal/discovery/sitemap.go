package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// sitemapURL is one <url> entry in a urlset.
type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type urlset struct {
	URLs []sitemapURL `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []sitemapURL `xml:"sitemap"`
}

// sitemapEntry is a collected (url, lastmod) pair.
type sitemapEntry struct {
	URL     string
	LastMod string
}

// discoverSitemaps returns the sitemap URLs to traverse for a target:
// robots-declared sitemaps when present, else the conventional
// sitemap_index.xml / sitemap.xml probe locations.
func (e *Engine) discoverSitemaps(ctx context.Context, target string) []string {
	declared, err := e.robots.sitemapsFor(ctx, target)
	if err == nil && len(declared) > 0 {
		return declared
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil
	}
	base := hostKey(u)
	return []string{base + "/sitemap_index.xml", base + "/sitemap.xml"}
}

// fetchSitemap downloads and parses one sitemap document. It returns
// child sitemaps when the document is an index, or URL entries when it
// is a urlset.
func (e *Engine) fetchSitemap(ctx context.Context, sitemapURL string) (children []string, entries []sitemapEntry, err error) {
	u, err := url.Parse(sitemapURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse sitemap url: %w", err)
	}
	if err := e.waiter.wait(ctx, u.Hostname()); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	telemetry.ObserveDiscoveryRequest(sitemapURL, "sitemap")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch sitemap: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read sitemap body: %w", err)
	}

	var idx sitemapIndex
	if err := xml.Unmarshal(body, &idx); err == nil && len(idx.Sitemaps) > 0 {
		for _, sm := range idx.Sitemaps {
			children = append(children, sm.Loc)
		}
		return children, nil, nil
	}

	var set urlset
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, nil, fmt.Errorf("parse sitemap xml: %w", err)
	}
	for _, item := range set.URLs {
		entries = append(entries, sitemapEntry{URL: item.Loc, LastMod: item.LastMod})
	}
	return nil, entries, nil
}

const maxSitemapBytes = 16 << 20

// collectSitemapEntries traverses sitemaps for one target, expanding
// index files a single level and applying the domain path filter at
// collection time. Traversal stops at the sitemap-count and per-sitemap
// URL caps.
func (e *Engine) collectSitemapEntries(ctx context.Context, cfg *CrawlConfig, target string, used *[]string) []sitemapEntry {
	queue := e.discoverSitemaps(ctx, target)
	var entries []sitemapEntry
	consulted := 0

	for i := 0; i < len(queue) && consulted < cfg.Limits.MaxSitemaps; i++ {
		sm := queue[i]
		children, urls, err := e.fetchSitemap(ctx, sm)
		if err != nil {
			e.logger.Debug("sitemap fetch failed",
				zap.String("sitemap", sm), zap.Error(err))
			continue
		}
		consulted++
		*used = append(*used, sm)

		// Expand index files one level only.
		if len(children) > 0 {
			remaining := cfg.Limits.MaxSitemaps - consulted
			if len(children) > remaining {
				children = children[:remaining]
			}
			for _, child := range children {
				_, childURLs, err := e.fetchSitemap(ctx, child)
				if err != nil {
					e.logger.Debug("child sitemap fetch failed",
						zap.String("sitemap", child), zap.Error(err))
					continue
				}
				consulted++
				*used = append(*used, child)
				entries = e.appendFiltered(cfg, entries, childURLs)
				if len(entries) >= cfg.Limits.MaxSitemapURLs {
					return entries[:cfg.Limits.MaxSitemapURLs]
				}
			}
			continue
		}

		entries = e.appendFiltered(cfg, entries, urls)
		if len(entries) >= cfg.Limits.MaxSitemapURLs {
			return entries[:cfg.Limits.MaxSitemapURLs]
		}
	}
	return entries
}

// appendFiltered applies the domain profile's path filter while
// collecting, so disallowed URLs never consume the URL cap.
func (e *Engine) appendFiltered(cfg *CrawlConfig, entries []sitemapEntry, urls []sitemapEntry) []sitemapEntry {
	for _, entry := range urls {
		u, err := url.Parse(entry.URL)
		if err != nil {
			continue
		}
		if !cfg.Profile(u.Hostname()).AllowsPath(u.Path) {
			continue
		}
		entries = append(entries, entry)
		if len(entries) >= cfg.Limits.MaxSitemapURLs {
			break
		}
	}
	return entries
}
