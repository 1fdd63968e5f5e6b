package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationCacheTTLExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url_cache.json")
	c := newValidationCache(path, time.Hour)

	fresh := cacheEntry{Status: 200, ContentType: "application/pdf", Timestamp: time.Now().UTC()}
	stale := cacheEntry{Status: 200, ContentType: "application/pdf", Timestamp: time.Now().UTC().Add(-2 * time.Hour)}
	c.put("https://a.example/fresh.pdf", fresh)
	c.put("https://a.example/stale.pdf", stale)

	_, ok := c.get("https://a.example/fresh.pdf")
	assert.True(t, ok)
	_, ok = c.get("https://a.example/stale.pdf")
	assert.False(t, ok)
}

func TestValidationCachePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url_cache.json")

	c := newValidationCache(path, time.Hour)
	c.put("https://a.example/doc.pdf", cacheEntry{
		Status:      200,
		ContentType: "application/pdf",
		Timestamp:   time.Now().UTC(),
		Meta:        &cacheMeta{ContentType: "application/pdf", ContentLength: 512},
	})
	require.NoError(t, c.save())

	c2 := newValidationCache(path, time.Hour)
	entry, ok := c2.get("https://a.example/doc.pdf")
	require.True(t, ok)
	assert.Equal(t, 200, entry.Status)
	require.NotNil(t, entry.Meta)
	assert.Equal(t, int64(512), entry.Meta.ContentLength)
}

func TestValidationCacheCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url_cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c := newValidationCache(path, time.Hour)
	_, ok := c.get("https://a.example/doc.pdf")
	assert.False(t, ok)
}
