// Package discovery turns a crawl configuration into a validated,
// deduplicated, taxonomy-filtered set of candidate documents. It layers
// robots compliance, sitemap traversal, WordPress media discovery, page
// scanning and preflight validation behind per-host politeness pacing.
package discovery

import (
	"strings"
	"time"
)

// Filters narrows discovery to matching file types, keywords and
// document types.
type Filters struct {
	FileTypes            []string `json:"file_types" mapstructure:"file_types"`
	Keywords             []string `json:"keywords" mapstructure:"keywords"`
	DocumentTypes        []string `json:"document_types,omitempty" mapstructure:"document_types"`
	ExcludeDocumentTypes []string `json:"exclude_document_types,omitempty" mapstructure:"exclude_document_types"`
}

// Limits bounds every stage of a discovery pass.
type Limits struct {
	MaxDocuments          int `json:"max_documents" mapstructure:"max_documents"`
	MaxSitemaps           int `json:"max_sitemaps" mapstructure:"max_sitemaps"`
	MaxSitemapURLs        int `json:"max_sitemap_urls" mapstructure:"max_sitemap_urls"`
	MaxPageScans          int `json:"max_page_scans" mapstructure:"max_page_scans"`
	MaxSeedPages          int `json:"max_seed_pages" mapstructure:"max_seed_pages"`
	MaxWPMediaPages       int `json:"max_wp_media_pages" mapstructure:"max_wp_media_pages"`
	MaxWPMediaItems       int `json:"max_wp_media_items" mapstructure:"max_wp_media_items"`
	MaxDocumentsPerDomain int `json:"max_documents_per_domain" mapstructure:"max_documents_per_domain"`
}

// Taxonomy carries subject/program hints from the configuration
// translator.
type Taxonomy struct {
	Hints []string `json:"hints,omitempty" mapstructure:"hints"`
}

// DomainProfile overrides discovery behavior for one host. Profiles are
// keyed by hostname in CrawlConfig.DomainProfiles.
type DomainProfile struct {
	// IgnoreRobots force-disables robots compliance, used for
	// first-party storage hosts the operator controls.
	IgnoreRobots bool `json:"ignore_robots,omitempty" mapstructure:"ignore_robots"`
	// AllowedPaths, when non-empty, restricts collection to URLs whose
	// path starts with one of these prefixes.
	AllowedPaths []string `json:"allowed_paths,omitempty" mapstructure:"allowed_paths"`
	// DeniedPaths rejects URLs whose path starts with one of these
	// prefixes, independent of robots.
	DeniedPaths []string `json:"denied_paths,omitempty" mapstructure:"denied_paths"`
	// CrawlDelaySeconds sets the minimum inter-request delay for the
	// host. The stricter of this and any robots Crawl-delay wins.
	CrawlDelaySeconds float64 `json:"crawl_delay_seconds,omitempty" mapstructure:"crawl_delay_seconds"`
}

// AllowsPath applies the profile's allow/deny prefix lists.
func (p DomainProfile) AllowsPath(path string) bool {
	for _, deny := range p.DeniedPaths {
		if strings.HasPrefix(path, deny) {
			return false
		}
	}
	if len(p.AllowedPaths) == 0 {
		return true
	}
	for _, allow := range p.AllowedPaths {
		if strings.HasPrefix(path, allow) {
			return true
		}
	}
	return false
}

// CrawlConfig is the discovery input produced by the configuration
// translator.
type CrawlConfig struct {
	Name     string   `json:"name,omitempty" mapstructure:"name"`
	Targets  []string `json:"targets" mapstructure:"targets"`
	Strategy string   `json:"strategy,omitempty" mapstructure:"strategy"`
	Crawler  string   `json:"crawler,omitempty" mapstructure:"crawler"`

	Filters  Filters  `json:"filters" mapstructure:"filters"`
	Limits   Limits   `json:"limits" mapstructure:"limits"`
	Taxonomy Taxonomy `json:"taxonomy" mapstructure:"taxonomy"`

	RespectRobotsTxt bool                     `json:"respect_robots_txt" mapstructure:"respect_robots_txt"`
	DomainProfiles   map[string]DomainProfile `json:"domain_profiles,omitempty" mapstructure:"domain_profiles"`

	// SitemapOnly disables the page-scan fallback entirely.
	SitemapOnly bool `json:"sitemap_only,omitempty" mapstructure:"sitemap_only"`
	// PreferSitemapsThreshold skips page scanning once at least this
	// many candidates came from sitemaps and WP media.
	PreferSitemapsThreshold int `json:"prefer_sitemaps_threshold,omitempty" mapstructure:"prefer_sitemaps_threshold"`
	// PoliteMode tightens page-scan and seed-page caps. Nil means unset;
	// ApplyDefaults turns it on.
	PoliteMode *bool `json:"polite_mode,omitempty" mapstructure:"polite_mode"`
}

// Default limit values applied by ApplyDefaults.
const (
	defaultMaxDocuments          = 50
	defaultMaxSitemaps           = 5
	defaultMaxSitemapURLs        = 500
	defaultMaxPageScans          = 20
	defaultMaxSeedPages          = 5
	defaultMaxWPMediaPages       = 5
	defaultMaxWPMediaItems       = 200
	defaultMaxDocumentsPerDomain = 25
	defaultPreferSitemaps        = 10

	politeMaxPageScans = 10
	politeMaxSeedPages = 3
)

// ApplyDefaults fills zero-valued limits and applies polite-mode caps.
func (c *CrawlConfig) ApplyDefaults() {
	if c.Limits.MaxDocuments <= 0 {
		c.Limits.MaxDocuments = defaultMaxDocuments
	}
	if c.Limits.MaxSitemaps <= 0 {
		c.Limits.MaxSitemaps = defaultMaxSitemaps
	}
	if c.Limits.MaxSitemapURLs <= 0 {
		c.Limits.MaxSitemapURLs = defaultMaxSitemapURLs
	}
	if c.Limits.MaxPageScans <= 0 {
		c.Limits.MaxPageScans = defaultMaxPageScans
	}
	if c.Limits.MaxSeedPages <= 0 {
		c.Limits.MaxSeedPages = defaultMaxSeedPages
	}
	if c.Limits.MaxWPMediaPages <= 0 {
		c.Limits.MaxWPMediaPages = defaultMaxWPMediaPages
	}
	if c.Limits.MaxWPMediaItems <= 0 {
		c.Limits.MaxWPMediaItems = defaultMaxWPMediaItems
	}
	if c.Limits.MaxDocumentsPerDomain <= 0 {
		c.Limits.MaxDocumentsPerDomain = defaultMaxDocumentsPerDomain
	}
	if c.PreferSitemapsThreshold <= 0 {
		c.PreferSitemapsThreshold = defaultPreferSitemaps
	}
	if len(c.Filters.FileTypes) == 0 {
		c.Filters.FileTypes = []string{"pdf"}
	}
	if c.PoliteMode == nil {
		on := true
		c.PoliteMode = &on
	}
	if *c.PoliteMode {
		if c.Limits.MaxPageScans > politeMaxPageScans {
			c.Limits.MaxPageScans = politeMaxPageScans
		}
		if c.Limits.MaxSeedPages > politeMaxSeedPages {
			c.Limits.MaxSeedPages = politeMaxSeedPages
		}
	}
}

// Profile returns the domain profile for a host, or a zero profile.
func (c *CrawlConfig) Profile(host string) DomainProfile {
	return c.DomainProfiles[strings.ToLower(host)]
}

// Document is one validated candidate.
type Document struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	FileType     string    `json:"file_type"`
	FileSize     int64     `json:"file_size"`
	DocumentType string    `json:"document_type"`
	SourceDate   string    `json:"source_date,omitempty"`
	SourcePage   string    `json:"source_page,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Result is the discovery output for one pass.
type Result struct {
	Documents    []Document `json:"documents"`
	CheckedURLs  int        `json:"checked_urls"`
	SkippedURLs  int        `json:"skipped_urls"`
	UsedSitemaps []string   `json:"used_sitemaps"`
}
