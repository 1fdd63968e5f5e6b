package discovery

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// rankPages orders keyword-matched candidate pages by keyword-overlap
// score, breaking ties by shorter URL.
func rankPages(pages []string, keywords []string) []string {
	tokens := normalizeKeywords(keywords)
	type scored struct {
		score int
		url   string
	}
	ranked := make([]scored, 0, len(pages))
	for _, page := range pages {
		value := strings.ToLower(keywordValue(page))
		score := 0
		for _, token := range tokens {
			if strings.Contains(value, token) {
				score++
			}
		}
		ranked = append(ranked, scored{score: score, url: page})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return len(ranked[i].url) < len(ranked[j].url)
	})
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.url
	}
	return out
}

// scanPages fetches a capped set of seed and keyword-ranked pages,
// extracting links that match the file-type filter. Each discovered
// file URL remembers its linking page. Found URLs are merged into
// fileCandidates.
func (e *Engine) scanPages(ctx context.Context, cfg *CrawlConfig, pageCandidates []string, fileCandidates map[string]string) {
	seeds := make([]string, 0, len(cfg.Targets)+len(pageCandidates))
	seen := make(map[string]bool)
	targets := cfg.Targets
	if len(targets) > cfg.Limits.MaxSeedPages {
		targets = targets[:cfg.Limits.MaxSeedPages]
	}
	for _, u := range append(append([]string{}, targets...), rankPages(pageCandidates, cfg.Filters.Keywords)...) {
		if !seen[u] {
			seen[u] = true
			seeds = append(seeds, u)
		}
	}
	if len(seeds) > cfg.Limits.MaxPageScans {
		seeds = seeds[:cfg.Limits.MaxPageScans]
	}

	collectorOpts := []colly.CollectorOption{
		colly.UserAgent(e.userAgent),
		colly.MaxDepth(1),
	}
	if !cfg.RespectRobotsTxt {
		collectorOpts = append(collectorOpts, colly.IgnoreRobotsTxt())
	}
	c := colly.NewCollector(collectorOpts...)
	c.SetRequestTimeout(e.timeout)

	var currentSeed string
	c.OnHTML("a[href]", func(h *colly.HTMLElement) {
		link := h.Request.AbsoluteURL(h.Attr("href"))
		if link == "" {
			return
		}
		u, err := url.Parse(link)
		if err != nil {
			return
		}
		if !cfg.Profile(u.Hostname()).AllowsPath(u.Path) {
			return
		}
		lowered := strings.ToLower(link)
		for _, ft := range cfg.Filters.FileTypes {
			ext := strings.ToLower(strings.TrimPrefix(ft, "."))
			if strings.HasSuffix(lowered, "."+ext) {
				if _, ok := fileCandidates[link]; !ok {
					fileCandidates[link] = currentSeed
				}
				return
			}
		}
	})

	for _, seed := range seeds {
		u, err := url.Parse(seed)
		if err != nil {
			continue
		}
		if !cfg.Profile(u.Hostname()).AllowsPath(u.Path) {
			continue
		}
		if err := e.waiter.wait(ctx, u.Hostname()); err != nil {
			return
		}
		currentSeed = seed
		telemetry.ObserveDiscoveryRequest(seed, "page_scan")
		if err := c.Visit(seed); err != nil {
			e.logger.Debug("page scan failed",
				zap.String("page", seed), zap.Error(err))
		}
	}
}
