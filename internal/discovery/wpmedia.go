package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// mimeForFileType maps requested file extensions to the MIME types the
// WordPress media endpoint reports.
var mimeForFileType = map[string][]string{
	"pdf":  {"application/pdf"},
	"doc":  {"application/msword"},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	"xls":  {"application/vnd.ms-excel"},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	"ppt":  {"application/vnd.ms-powerpoint"},
	"pptx": {"application/vnd.openxmlformats-officedocument.presentationml.presentation"},
	"csv":  {"text/csv"},
	"txt":  {"text/plain"},
}

// wpMediaItem is the subset of the WP REST media schema discovery reads.
type wpMediaItem struct {
	SourceURL string `json:"source_url"`
	Date      string `json:"date"`
	Link      string `json:"link"`
	MimeType  string `json:"mime_type"`
	Title     struct {
		Rendered string `json:"rendered"`
	} `json:"title"`
}

// wantedMimes builds the accepted MIME set from the file-type filter.
func wantedMimes(fileTypes []string) map[string]bool {
	wanted := make(map[string]bool)
	for _, ft := range fileTypes {
		for _, mime := range mimeForFileType[strings.ToLower(strings.TrimPrefix(ft, "."))] {
			wanted[mime] = true
		}
	}
	return wanted
}

// wpMediaCandidate is a media URL plus the metadata attached to the
// final document if the candidate survives validation.
type wpMediaCandidate struct {
	URL        string
	SourceDate string
	SourcePage string
}

// collectWPMedia pages through a host's WP REST media endpoint,
// collecting items whose MIME type matches the file-type filter. A host
// without the endpoint returns no items and no error.
func (e *Engine) collectWPMedia(ctx context.Context, cfg *CrawlConfig, target string) []wpMediaCandidate {
	base, err := url.Parse(target)
	if err != nil {
		return nil
	}
	wanted := wantedMimes(cfg.Filters.FileTypes)
	if len(wanted) == 0 {
		return nil
	}

	var docs []wpMediaCandidate
	perPage := 100
	if cfg.Limits.MaxWPMediaItems < perPage {
		perPage = cfg.Limits.MaxWPMediaItems
	}

	for page := 1; page <= cfg.Limits.MaxWPMediaPages; page++ {
		if err := e.waiter.wait(ctx, base.Hostname()); err != nil {
			return docs
		}
		endpoint := fmt.Sprintf("%s/wp-json/wp/v2/media?per_page=%d&page=%d", hostKey(base), perPage, page)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return docs
		}
		req.Header.Set("User-Agent", e.userAgent)
		req.Header.Set("Accept", "application/json")

		telemetry.ObserveDiscoveryRequest(endpoint, "wp_media")
		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Debug("wp media fetch failed",
				zap.String("endpoint", endpoint), zap.Error(err))
			return docs
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || readErr != nil {
			return docs
		}

		var items []wpMediaItem
		if err := json.Unmarshal(body, &items); err != nil {
			e.logger.Debug("wp media response not parseable",
				zap.String("endpoint", endpoint), zap.Error(err))
			return docs
		}
		if len(items) == 0 {
			return docs
		}

		for _, item := range items {
			if !wanted[item.MimeType] || item.SourceURL == "" {
				continue
			}
			docs = append(docs, wpMediaCandidate{
				URL:        item.SourceURL,
				SourceDate: item.Date,
				SourcePage: item.Link,
			})
			if len(docs) >= cfg.Limits.MaxWPMediaItems {
				return docs
			}
		}

		// A short page means the listing is exhausted.
		if len(items) < perPage {
			return docs
		}
	}
	return docs
}
