// Package record defines the canonical candidate record shared by every stage
// of the dedup pipeline, plus the audit decision it may produce.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Record is one content item. Embedding is nil until the embedding stage runs.
type Record struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Source      string     `json:"source"`
	SourceType  string     `json:"source_type"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Embedding   []float32  `json:"-"`
}

// HasURL reports whether the record carries a usable identity key.
func (r Record) HasURL() bool {
	return NormalizeURL(r.URL) != ""
}

// NormalizeURL trims surrounding whitespace. URLs are otherwise compared raw.
func NormalizeURL(raw string) string {
	return strings.TrimSpace(raw)
}

// HashURL returns the hex SHA-256 of the normalized URL.
func HashURL(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(raw)))
	return hex.EncodeToString(sum[:])
}

type DecisionKind string

const (
	DecisionURLExact     DecisionKind = "url_exact"
	DecisionSemanticAuto DecisionKind = "semantic_auto"
	DecisionSemanticLLM  DecisionKind = "semantic_llm"
)

func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionURLExact, DecisionSemanticAuto, DecisionSemanticLLM:
		return true
	default:
		return false
	}
}

// Decision is one audit log entry. RunID and RunTimestamp are filled by the
// caller that owns the run.
type Decision struct {
	RunID                 string
	RunTimestamp          time.Time
	SubjectURL            string
	SubjectTitle          string
	SubjectSourceType     string
	Kind                  DecisionKind
	DuplicateOfURL        string
	DuplicateOfTitle      string
	DuplicateOfSourceType string
	Similarity            *float64
	ConfirmedBySecondary  *bool
	Reason                string
}

// IsDuplicate reports whether the decision removed its subject from the run.
// A semantic_llm entry only removes the subject when the adjudicator confirmed it.
func (d Decision) IsDuplicate() bool {
	if d.Kind == DecisionSemanticLLM {
		return d.ConfirmedBySecondary != nil && *d.ConfirmedBySecondary
	}
	return d.Kind.Valid()
}

func Float64Ptr(value float64) *float64 {
	return &value
}

func BoolPtr(value bool) *bool {
	return &value
}
