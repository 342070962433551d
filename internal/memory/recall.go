package memory

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// candidate is one recallable unit of text from any memory surface.
type candidate struct {
	text       string
	normalized string
	source     string
	confidence float64
	ageDays    float64
}

// Source bonus table (§4.7), applied at weight 0.2 in the final score.
const (
	sourceBonusProfile       = 240
	sourceBonusRelationships = 210
	sourceBonusProjects      = 190
	sourceBonusLongTerm      = 170 // active facts
	sourceBonusLessons       = 150
	sourceBonusCustom        = 145
	sourceBonusSummary       = 130
	sourceBonusDaily         = 110
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "am": true, "i": true, "you": true,
	"my": true, "me": true, "to": true, "of": true, "in": true, "on": true,
	"at": true, "for": true, "and": true, "or": true, "what": true, "whats": true,
	"do": true, "does": true, "did": true, "it": true, "this": true, "that": true,
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	var out []string
	for _, f := range strings.Fields(b.String()) {
		if stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// RecallItem is one ranked result from Recall, optionally carrying its
// score breakdown when explain=true was requested.
type RecallItem struct {
	Text       string
	Source     string
	Confidence float64
	Score      float64
	Explain    map[string]float64 `json:"explain,omitempty"`
}

// RecallOptions configures Recall; zero values take documented defaults.
type RecallOptions struct {
	MaxItems     int
	LookbackDays int
	Scopes       []string // empty = all scopes
	Explain      bool
}

func scopeAllowed(scopes []string, name string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == name {
			return true
		}
	}
	return false
}

func score(queryTokens []string, c candidate) (float64, map[string]float64) {
	candTokens := tokenize(c.text)
	candSet := make(map[string]bool, len(candTokens))
	for _, t := range candTokens {
		candSet[t] = true
	}
	overlap := 0
	for _, qt := range queryTokens {
		if candSet[qt] {
			overlap++
		}
	}
	ratio := 0.0
	if len(queryTokens) > 0 {
		ratio = float64(overlap) / float64(len(queryTokens))
	}

	union := make(map[string]bool, len(candSet)+len(queryTokens))
	for t := range candSet {
		union[t] = true
	}
	for _, t := range queryTokens {
		union[t] = true
	}
	jaccard := 0.0
	if len(union) > 0 {
		jaccard = float64(overlap) / float64(len(union))
	}

	recencyBonus := 40 - c.ageDays*1.5
	if recencyBonus < 0 {
		recencyBonus = 0
	}

	sourceBonus := sourceBonusFor(c.source)

	total := float64(overlap)*90 + ratio*70 + jaccard*80 + c.confidence*70 + recencyBonus + sourceBonus*0.2

	breakdown := map[string]float64{
		"overlap_count": float64(overlap),
		"overlap_ratio": ratio,
		"jaccard":       jaccard,
		"confidence":    c.confidence,
		"recency_bonus": recencyBonus,
		"source_bonus":  sourceBonus,
		"total":         total,
	}
	return total, breakdown
}

func sourceBonusFor(source string) float64 {
	switch source {
	case "profile":
		return sourceBonusProfile
	case "relationships":
		return sourceBonusRelationships
	case "projects":
		return sourceBonusProjects
	case "fact":
		return sourceBonusLongTerm
	case "lesson":
		return sourceBonusLessons
	case "custom":
		return sourceBonusCustom
	case "summary":
		return sourceBonusSummary
	case "daily":
		return sourceBonusDaily
	default:
		return 0
	}
}

// Recall implements §4.7's recall primitive across every memory surface.
func (e *Engine) Recall(query string, opts RecallOptions) ([]RecallItem, error) {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 5
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 14
	}
	qTokens := tokenize(query)

	var candidates []candidate

	if scopeAllowed(opts.Scopes, "profile") {
		if lines, err := ReadProfileLines(e.memoryDir); err == nil {
			for _, l := range lines {
				candidates = append(candidates, candidate{text: l, normalized: normalize(l), source: "profile", confidence: 0.9})
			}
		}
	}
	if scopeAllowed(opts.Scopes, "relationships") {
		candidates = append(candidates, readMarkdownBullets(e.memoryDir, "RELATIONSHIPS.md", "relationships", 0.85)...)
	}
	if scopeAllowed(opts.Scopes, "projects") {
		candidates = append(candidates, readMarkdownBullets(e.memoryDir, "PROJECTS.md", "projects", 0.8)...)
	}
	if scopeAllowed(opts.Scopes, "lessons") {
		candidates = append(candidates, readMarkdownBullets(e.memoryDir, "LESSONS.md", "lesson", 0.78)...)
	}
	if scopeAllowed(opts.Scopes, "summaries") {
		candidates = append(candidates, readMarkdownBullets(e.memoryDir, "SUMMARIES.md", "summary", 0.7)...)
	}
	if scopeAllowed(opts.Scopes, "facts") {
		if facts, err := e.facts.ActiveFacts(); err == nil {
			now := nowUTC()
			for _, f := range facts {
				age := ageDaysOf(f.LastSeen, now)
				candidates = append(candidates, candidate{text: f.Text, normalized: f.Normalized, source: "fact", confidence: f.Confidence, ageDays: age})
			}
		}
	}
	if scopeAllowed(opts.Scopes, "daily") {
		if lines, err := ReadDailyNotes(e.memoryDir, opts.LookbackDays, nowUTC()); err == nil {
			for _, dl := range lines {
				candidates = append(candidates, candidate{text: dl.text, normalized: normalize(dl.text), source: "daily", confidence: 0.6, ageDays: dl.ageDays})
			}
		}
	}
	if scopeAllowed(opts.Scopes, "custom") {
		candidates = append(candidates, readCustomMarkdown(e.memoryDir)...)
	}

	type scored struct {
		item RecallItem
		val  float64
	}
	seen := make(map[string]bool)
	var results []scored
	for _, c := range candidates {
		if c.normalized != "" && seen[c.normalized] {
			continue
		}
		if c.normalized != "" {
			seen[c.normalized] = true
		}
		val, breakdown := score(qTokens, c)
		item := RecallItem{Text: c.text, Source: c.source, Confidence: c.confidence, Score: val}
		if opts.Explain {
			item.Explain = breakdown
		}
		results = append(results, scored{item: item, val: val})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].val > results[j].val })

	if len(results) > opts.MaxItems {
		results = results[:opts.MaxItems]
	}
	out := make([]RecallItem, len(results))
	for i, r := range results {
		out[i] = r.item
	}
	return out, nil
}

func readMarkdownBullets(memoryDir, filename, source string, confidence float64) []candidate {
	data, err := os.ReadFile(filepath.Join(memoryDir, filename))
	if err != nil {
		return nil
	}
	var out []candidate
	for _, l := range strings.Split(string(data), "\n") {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "- ") {
			out = append(out, candidate{text: strings.TrimPrefix(t, "- "), normalized: normalize(t), source: source, confidence: confidence})
		}
	}
	return out
}

// readCustomMarkdown scans memoryDir for any *.md file that isn't one of
// the conventional surfaces, treating its bullets as lower-confidence
// "custom" recall candidates.
func readCustomMarkdown(memoryDir string) []candidate {
	known := map[string]bool{
		"MEMORY.md": true, "FACTS.md": true, "PROFILE.md": true, "user_profile.md": true,
		"LESSONS.md": true, "SUMMARIES.md": true, "RELATIONSHIPS.md": true, "PROJECTS.md": true,
	}
	entries, err := os.ReadDir(memoryDir)
	if err != nil {
		return nil
	}
	var out []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || known[name] || isDailyNoteName(name) {
			continue
		}
		out = append(out, readMarkdownBullets(memoryDir, name, "custom", 0.7)...)
	}
	return out
}

func isDailyNoteName(name string) bool {
	if len(name) != len("2006-01-02.md") {
		return false
	}
	return name[4] == '-' && name[7] == '-' && strings.HasSuffix(name, ".md")
}
