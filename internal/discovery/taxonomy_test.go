package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKeywords(t *testing.T) {
	got := normalizeKeywords([]string{"CSEC Mathematics", "syllabi"})
	assert.Contains(t, got, "csec")
	assert.Contains(t, got, "mathematics")
	// Plural stripping and the syllabi alias both apply.
	assert.Contains(t, got, "mathematic")
	assert.Contains(t, got, "syllabus")
}

func TestNormalizeDocTypesResolvesAliases(t *testing.T) {
	got := normalizeDocTypes([]string{"Past Papers", "mark scheme", "syllabus", "past paper"})
	assert.Equal(t, []string{"past_paper", "mark_scheme", "syllabus"}, got)
}

func TestDocumentTypeFromURL(t *testing.T) {
	cases := map[string]string{
		"https://x.org/syllabus-downloads/math.pdf":        "syllabus",
		"https://x.org/papers/specimen-2023.pdf":           "past_paper",
		"https://x.org/csec-math-mark-scheme.pdf":          "mark_scheme",
		"https://x.org/uploads/registration-form-2024.pdf": "registration_notice",
		"https://x.org/curriculum-guide.pdf":               "curriculum",
		"https://x.org/sample-test.pdf":                    "practice",
		"https://x.org/uploads/report-card-guide.pdf":      "document",
	}
	for rawURL, want := range cases {
		assert.Equal(t, want, documentTypeFromURL(rawURL), rawURL)
	}
}

func TestDocumentTypeFromContextFallsBackToSourcePage(t *testing.T) {
	got := documentTypeFromContext(
		"https://x.org/uploads/math-2023.pdf",
		"https://x.org/syllabus-downloads/")
	assert.Equal(t, "syllabus", got)
}

func TestTitleFromURL(t *testing.T) {
	assert.Equal(t, "Csec Math Syllabus 2023", titleFromURL("https://x.org/docs/csec-math-syllabus_2023.pdf"))
	assert.Equal(t, "Untitled Document", titleFromURL("https://x.org/"))
}

func TestExtractDate(t *testing.T) {
	assert.Equal(t, "2023-05-12", extractDate("report_2023_05_12_final"))
	assert.Equal(t, "2019", extractDate("csec-2019-paper"))
	assert.Equal(t, "", extractDate("no dates here"))
}

func TestTaxonomySubjectAndProgram(t *testing.T) {
	cfg := &CrawlConfig{
		Filters: Filters{Keywords: []string{"CSEC", "mathematics", "syllabus"}},
	}
	tax := newTaxonomy(cfg)

	assert.True(t, tax.matchesSubject("https://x.org/csec-maths-syllabus.pdf", "Csec Maths Syllabus"))
	assert.False(t, tax.matchesSubject("https://x.org/biology-notes.pdf", "Biology Notes"))
	assert.True(t, tax.matchesProgram("https://x.org/csec-maths-syllabus.pdf", ""))
	assert.False(t, tax.matchesProgram("https://x.org/cape-physics.pdf", "Physics"))
}

func TestTaxonomySEAFallback(t *testing.T) {
	cfg := &CrawlConfig{
		Filters:  Filters{Keywords: []string{"mathematics"}},
		Taxonomy: Taxonomy{Hints: []string{"sea"}},
	}
	tax := newTaxonomy(cfg)
	assert.True(t, tax.matchesSubject("https://x.org/secondary-entrance-assessment-guide.pdf", "Guide"))
}

func TestTaxonomyDocTypeAllowAndBlock(t *testing.T) {
	cfg := &CrawlConfig{
		Filters: Filters{
			Keywords:             []string{"syllabus"},
			ExcludeDocumentTypes: []string{"newsletter"},
		},
	}
	tax := newTaxonomy(cfg)
	assert.True(t, tax.acceptsType("syllabus"))
	assert.False(t, tax.acceptsType("past_paper"))
	assert.False(t, tax.acceptsType("newsletter"))

	// Explicit document types override the keyword-derived allowlist.
	cfg.Filters.DocumentTypes = []string{"past papers"}
	tax = newTaxonomy(cfg)
	assert.True(t, tax.acceptsType("past_paper"))
	assert.False(t, tax.acceptsType("syllabus"))
}

func TestDomainProfilePathFilter(t *testing.T) {
	p := DomainProfile{
		AllowedPaths: []string{"/syllabus-downloads", "/wp-content/uploads"},
		DeniedPaths:  []string{"/wp-content/uploads/private"},
	}
	assert.True(t, p.AllowsPath("/syllabus-downloads/math.pdf"))
	assert.True(t, p.AllowsPath("/wp-content/uploads/2023/doc.pdf"))
	assert.False(t, p.AllowsPath("/news/article"))
	assert.False(t, p.AllowsPath("/wp-content/uploads/private/doc.pdf"))

	var zero DomainProfile
	assert.True(t, zero.AllowsPath("/anything"))
}

func TestRankPagesPrefersKeywordOverlap(t *testing.T) {
	pages := []string{
		"https://x.org/news",
		"https://x.org/csec-maths-syllabus",
		"https://x.org/csec-downloads",
	}
	got := rankPages(pages, []string{"csec", "maths", "syllabus"})
	assert.Equal(t, "https://x.org/csec-maths-syllabus", got[0])
}

func TestPoliteModeTightensCaps(t *testing.T) {
	on := true
	cfg := CrawlConfig{PoliteMode: &on, Limits: Limits{MaxPageScans: 50, MaxSeedPages: 20}}
	cfg.ApplyDefaults()
	assert.Equal(t, politeMaxPageScans, cfg.Limits.MaxPageScans)
	assert.Equal(t, politeMaxSeedPages, cfg.Limits.MaxSeedPages)

	off := false
	loose := CrawlConfig{PoliteMode: &off, Limits: Limits{MaxPageScans: 50, MaxSeedPages: 20}}
	loose.ApplyDefaults()
	assert.Equal(t, 50, loose.Limits.MaxPageScans)
	assert.Equal(t, 20, loose.Limits.MaxSeedPages)
}

func TestPoliteModeDefaultsOn(t *testing.T) {
	cfg := CrawlConfig{Limits: Limits{MaxPageScans: 50, MaxSeedPages: 20}}
	cfg.ApplyDefaults()

	require.NotNil(t, cfg.PoliteMode)
	assert.True(t, *cfg.PoliteMode)
	assert.Equal(t, politeMaxPageScans, cfg.Limits.MaxPageScans)
	assert.Equal(t, politeMaxSeedPages, cfg.Limits.MaxSeedPages)
}
