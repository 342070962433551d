// Package memory implements the persistent memory engine: the fact index
// with dedup/supersession, the hand-edited Markdown surfaces (profile,
// relationships, projects, lessons, summaries, daily notes), and recall
// ranking across all of them.
package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FactRecord is one line of FACTS.md.
type FactRecord struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Normalized    string   `json:"normalized"`
	Type          string   `json:"type"`
	Confidence    float64  `json:"confidence"`
	Source        string   `json:"source"`
	CreatedAt     string   `json:"created_at"`
	LastSeen      string   `json:"last_seen"`
	FactKey       string   `json:"fact_key,omitempty"`
	Supersedes    []string `json:"supersedes,omitempty"`
	Status        string   `json:"status"`
	SupersededBy  string   `json:"superseded_by,omitempty"`
}

const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"
)

// defaultConfidence returns the default confidence for a fact type,
// clamped to [0,1].
func defaultConfidence(factType string) float64 {
	switch factType {
	case "identity":
		return 0.95
	case "preference":
		return 0.9
	case "relationship":
		return 0.88
	case "project":
		return 0.82
	case "lesson":
		return 0.78
	default:
		return 0.75
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// normalize lowercases and collapses internal whitespace, the canonical
// dedup key for fact text.
func normalize(text string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	return strings.Join(fields, " ")
}

// deriveID computes the fact_ prefixed SHA1-derived id from type,
// normalized text, and created_at — matching the schema in §3.
func deriveID(factType, normalized, createdAt string) string {
	h := sha1.Sum([]byte(factType + "|" + normalized + "|" + createdAt))
	return "fact_" + hex.EncodeToString(h[:])[:16]
}

// keyPatterns maps a fact_key to a regexp whose first capture group (if
// present) is ignored — presence alone signals the key applies. Order
// matters only for readability; at most one key is assigned per fact,
// first match wins.
var keyPatterns = []struct {
	key string
	re  *regexp.Regexp
}{
	{"timezone", regexp.MustCompile(`(?i)\btime ?zone\b`)},
	{"name", regexp.MustCompile(`(?i)\b(my name is|call me|i am named)\b`)},
	{"birthday", regexp.MustCompile(`(?i)\bbirthday\b`)},
	{"location", regexp.MustCompile(`(?i)\b(i live in|i am based in|my location is)\b`)},
	{"email", regexp.MustCompile(`(?i)\bemail( address)? is\b`)},
	{"language", regexp.MustCompile(`(?i)\b(preferred language|i speak)\b`)},
	{"job", regexp.MustCompile(`(?i)\b(i work as|my job is|my role is)\b`)},
}

// extractFactKey returns the short key a fact's text matches, or "" if
// the text does not match any keyed shape.
func extractFactKey(text string) string {
	for _, kp := range keyPatterns {
		if kp.re.MatchString(text) {
			return kp.key
		}
	}
	return ""
}

// NewFact builds a FactRecord for new text, applying defaults. createdAt
// should be the caller's current time in UTC.
func NewFact(text, factType, source string, confidence float64, createdAt time.Time) FactRecord {
	if factType == "" {
		factType = "general"
	}
	if confidence <= 0 {
		confidence = defaultConfidence(factType)
	}
	confidence = clampConfidence(confidence)
	iso := createdAt.UTC().Format(time.RFC3339)
	norm := normalize(text)
	return FactRecord{
		ID:         deriveID(factType, norm, iso),
		Text:       text,
		Normalized: norm,
		Type:       factType,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  iso,
		LastSeen:   iso,
		FactKey:    extractFactKey(text),
		Status:     StatusActive,
	}
}

// MemoryLine renders the human-readable MEMORY.md bullet for a fact.
func (f FactRecord) MemoryLine() string {
	ts, err := time.Parse(time.RFC3339, f.CreatedAt)
	stamp := f.CreatedAt
	if err == nil {
		stamp = ts.Format("2006-01-02 15:04")
	}
	meta := fmt.Sprintf("type=%s; confidence=%.2f; source=%s", f.Type, f.Confidence, f.Source)
	if len(f.Supersedes) > 0 {
		meta += "; supersedes=" + strings.Join(f.Supersedes, ",")
	}
	return fmt.Sprintf("- [%s] (%s) %s", stamp, meta, f.Text)
}
