package discovery

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// docTypeAliases maps human phrasing from configurations to canonical
// document type identifiers.
var docTypeAliases = map[string]string{
	"past paper":          "past_paper",
	"past papers":         "past_paper",
	"specimen paper":      "past_paper",
	"specimen papers":     "past_paper",
	"mark scheme":         "mark_scheme",
	"mark schemes":        "mark_scheme",
	"markscheme":          "mark_scheme",
	"practice":            "practice",
	"practice test":       "practice",
	"practice tests":      "practice",
	"sample paper":        "practice",
	"sample papers":       "practice",
	"mock":                "practice",
	"curriculum":          "curriculum",
	"syllabus":            "syllabus",
	"registration":        "registration_notice",
	"registration notice": "registration_notice",
	"notice":              "notice",
	"newsletter":          "newsletter",
	"results":             "results",
	"timetable":           "timetable",
	"guidance":            "guidance",
	"report":              "report",
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// normalizeKeywords tokenizes keywords and adds singular/known-variant
// forms so "syllabi" matches "syllabus" and plural nouns match their
// singulars.
func normalizeKeywords(keywords []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(token string) {
		if token != "" && !seen[token] {
			seen[token] = true
			out = append(out, token)
		}
	}
	for _, keyword := range keywords {
		for _, token := range tokenPattern.FindAllString(strings.ToLower(keyword), -1) {
			add(token)
			if token == "syllabi" {
				add("syllabus")
			}
			if strings.HasSuffix(token, "s") && len(token) > 4 {
				add(token[:len(token)-1])
			}
		}
	}
	return out
}

// normalizeDocTypes resolves aliases into canonical identifiers.
func normalizeDocTypes(types []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, value := range types {
		lowered := strings.ToLower(strings.TrimSpace(value))
		if lowered == "" {
			continue
		}
		if canonical, ok := docTypeAliases[lowered]; ok {
			lowered = canonical
		}
		if !seen[lowered] {
			seen[lowered] = true
			out = append(out, lowered)
		}
	}
	return out
}

// keywordValue is the searchable text of a URL: its path and query.
func keywordValue(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimSpace(u.Path + " " + u.RawQuery)
}

// matchesKeywords reports whether any normalized keyword token appears
// in value. An empty keyword list matches everything.
func matchesKeywords(value string, keywords []string) bool {
	tokens := normalizeKeywords(keywords)
	if len(tokens) == 0 {
		return true
	}
	lowered := strings.ToLower(value)
	for _, token := range tokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// matchesFileTypes reports whether a URL or its served content type
// matches the requested extensions.
func matchesFileTypes(rawURL, contentType string, fileTypes []string) bool {
	if len(fileTypes) == 0 {
		return true
	}
	loweredURL := strings.ToLower(rawURL)
	loweredType := strings.ToLower(contentType)
	for _, ft := range fileTypes {
		ext := strings.ToLower(strings.TrimPrefix(ft, "."))
		if ext == "" {
			continue
		}
		if strings.Contains(loweredURL, "."+ext) {
			return true
		}
		if loweredType != "" && strings.Contains(loweredType, ext) {
			return true
		}
	}
	return false
}

// fileTypeOf returns the lowercase extension of a URL path, without the
// dot.
func fileTypeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// titleFromURL derives a display title from the URL's file name.
func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "Untitled Document"
	}
	name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	if name == "" || name == "." || name == "/" {
		return "Untitled Document"
	}
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	words := strings.Fields(name)
	if len(words) == 0 {
		return "Untitled Document"
	}
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

var (
	datePattern = regexp.MustCompile(`(19|20)\d{2}[-_/](0[1-9]|1[0-2])[-_/](0[1-9]|[12]\d|3[01])`)
	yearPattern = regexp.MustCompile(`(19|20)\d{2}`)
)

// extractDate pulls a date, or at least a year, out of free text.
func extractDate(value string) string {
	if value == "" {
		return ""
	}
	if m := datePattern.FindString(value); m != "" {
		m = strings.ReplaceAll(m, "_", "-")
		return strings.ReplaceAll(m, "/", "-")
	}
	return yearPattern.FindString(value)
}

// documentTypeFromURL classifies a URL by path heuristics, most
// specific patterns first.
func documentTypeFromURL(rawURL string) string {
	lowered := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lowered, "registration"):
		return "registration_notice"
	case strings.Contains(lowered, "notice"):
		return "notice"
	case strings.Contains(lowered, "mark") && strings.Contains(lowered, "scheme"):
		return "mark_scheme"
	case strings.Contains(lowered, "syllabus"):
		return "syllabus"
	case strings.Contains(lowered, "curriculum") || strings.Contains(lowered, "scheme-of-work"):
		return "curriculum"
	case strings.Contains(lowered, "practice") || strings.Contains(lowered, "sample") || strings.Contains(lowered, "mock"):
		return "practice"
	case strings.Contains(lowered, "specimen"):
		return "past_paper"
	case strings.Contains(lowered, "paper"):
		return "past_paper"
	default:
		return "document"
	}
}

// documentTypeFromContext falls back to the linking page's type when
// the URL itself is inconclusive.
func documentTypeFromContext(rawURL, sourcePage string) string {
	docType := documentTypeFromURL(rawURL)
	if docType != "document" {
		return docType
	}
	if sourcePage != "" {
		if contextType := documentTypeFromURL(sourcePage); contextType != "document" {
			return contextType
		}
	}
	return docType
}

// taxonomy filters validated candidates by subject, program and
// document type.
type taxonomy struct {
	subjectTerms []string
	programTerms []string
	allowTypes   []string
	blockTypes   []string
}

// newTaxonomy derives filter terms from the crawl configuration's
// keywords and hints. An explicit document-type list overrides the
// keyword-derived allowlist.
func newTaxonomy(cfg *CrawlConfig) *taxonomy {
	t := &taxonomy{
		blockTypes: normalizeDocTypes(cfg.Filters.ExcludeDocumentTypes),
	}
	t.subjectTerms = subjectTerms(cfg.Filters.Keywords, cfg.Taxonomy.Hints)
	t.programTerms = programTerms(cfg.Filters.Keywords, cfg.Taxonomy.Hints)

	if explicit := normalizeDocTypes(cfg.Filters.DocumentTypes); len(explicit) > 0 {
		t.allowTypes = explicit
	} else {
		t.allowTypes = docTypeAllowlist(cfg.Filters.Keywords)
	}
	return t
}

// subjectTerms expands subject keywords into their common variants.
func subjectTerms(keywords, hints []string) []string {
	terms := make(map[string]bool)
	for _, token := range normalizeKeywords(keywords) {
		switch token {
		case "math", "maths", "mathematics":
			terms["math"], terms["maths"], terms["mathematics"] = true, true, true
		case "english":
			terms["english"], terms["language-arts"], terms["languagearts"] = true, true, true
		case "language-arts", "languagearts":
			terms["language-arts"], terms["languagearts"] = true, true
		}
	}
	for _, token := range normalizeKeywords(hints) {
		terms[token] = true
	}
	var out []string
	for term := range terms {
		out = append(out, term)
	}
	return out
}

// programTerms picks out exam-board/program tokens.
func programTerms(keywords, hints []string) []string {
	known := map[string]bool{"csec": true, "cxc": true, "ccslc": true, "cape": true, "sea": true}
	terms := make(map[string]bool)
	for _, token := range normalizeKeywords(append(append([]string{}, keywords...), hints...)) {
		if known[token] {
			terms[token] = true
		}
	}
	var out []string
	for term := range terms {
		out = append(out, term)
	}
	return out
}

// docTypeAllowlist infers acceptable document types from keywords.
func docTypeAllowlist(keywords []string) []string {
	tokens := make(map[string]bool)
	for _, token := range normalizeKeywords(keywords) {
		tokens[token] = true
	}
	allow := make(map[string]bool)
	if tokens["syllabus"] || tokens["syllabi"] {
		allow["syllabus"] = true
	}
	if tokens["curriculum"] || tokens["guide"] {
		allow["curriculum"] = true
	}
	if tokens["mark"] && tokens["scheme"] {
		allow["mark_scheme"] = true
	}
	if tokens["paper"] {
		allow["past_paper"] = true
	}
	if tokens["notice"] || tokens["registration"] || tokens["information"] {
		allow["document"] = true
		allow["notice"] = true
		allow["registration_notice"] = true
	}
	var out []string
	for docType := range allow {
		out = append(out, docType)
	}
	return out
}

func containsAny(haystack string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// matchesSubject accepts when any subject term appears in the URL path,
// query or title. Empty subject terms accept everything. The SEA
// program doubles as a subject signal for entrance-assessment material.
func (t *taxonomy) matchesSubject(rawURL, title string) bool {
	if len(t.subjectTerms) == 0 {
		return true
	}
	haystack := strings.ToLower(keywordValue(rawURL) + " " + title)
	if containsAny(haystack, t.subjectTerms) {
		return true
	}
	for _, p := range t.programTerms {
		if p == "sea" && (strings.Contains(haystack, "sea") || strings.Contains(haystack, "secondary entrance assessment")) {
			return true
		}
	}
	return false
}

// matchesProgram accepts when any program term appears, or when no
// program filter is active.
func (t *taxonomy) matchesProgram(rawURL, title string) bool {
	if len(t.programTerms) == 0 {
		return true
	}
	haystack := strings.ToLower(keywordValue(rawURL) + " " + title)
	return containsAny(haystack, t.programTerms)
}

// acceptsType applies the allow and block lists to a classified type.
func (t *taxonomy) acceptsType(docType string) bool {
	for _, blocked := range t.blockTypes {
		if docType == blocked {
			return false
		}
	}
	if len(t.allowTypes) == 0 {
		return true
	}
	for _, allowed := range t.allowTypes {
		if docType == allowed {
			return true
		}
	}
	return false
}
