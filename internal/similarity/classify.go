// Package similarity buckets new records against the historical window by
// their best cosine similarity.
package similarity

import (
	"errors"
	"fmt"
	"math"

	"horse.fit/newsdedup/internal/record"
)

const (
	DefaultUniqueThreshold    = 0.75
	DefaultDuplicateThreshold = 0.90
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Kind string

const (
	KindUnique    Kind = "unique"
	KindAmbiguous Kind = "ambiguous"
	KindDuplicate Kind = "duplicate"
)

// Policy holds the two cut points. sim < Unique is unique,
// Unique <= sim < Duplicate is ambiguous, sim >= Duplicate is duplicate.
type Policy struct {
	Unique    float64 `json:"unique_threshold"`
	Duplicate float64 `json:"duplicate_threshold"`
}

func DefaultPolicy() Policy {
	return Policy{Unique: DefaultUniqueThreshold, Duplicate: DefaultDuplicateThreshold}
}

func (p Policy) Validate() error {
	if p.Unique <= 0 || p.Unique > 1 {
		return fmt.Errorf("unique threshold must be in (0, 1], got %v", p.Unique)
	}
	if p.Duplicate < p.Unique || p.Duplicate > 1 {
		return fmt.Errorf("duplicate threshold must be in [%v, 1], got %v", p.Unique, p.Duplicate)
	}
	return nil
}

func (p Policy) Bucket(similarity float64) Kind {
	switch {
	case similarity >= p.Duplicate:
		return KindDuplicate
	case similarity >= p.Unique:
		return KindAmbiguous
	default:
		return KindUnique
	}
}

// Match pairs a new record with its closest historical record.
type Match struct {
	Record     record.Record
	Best       record.Record
	BestIndex  int
	Similarity float64
}

type Result struct {
	Unique     []record.Record
	Ambiguous  []Match
	Duplicates []Match
	// Compared is false when history was empty and no comparison ran.
	Compared bool
}

// Classify compares every new record against every historical record. With an
// empty history every record is unique and nothing is compared.
func Classify(newRecords, history []record.Record, policy Policy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}

	var result Result
	if len(history) == 0 {
		result.Unique = append(result.Unique, newRecords...)
		return result, nil
	}
	result.Compared = true

	dims := len(history[0].Embedding)
	for i, hist := range history {
		if len(hist.Embedding) != dims {
			return Result{}, fmt.Errorf("history record %d: %w: expected %d, got %d", i, ErrDimensionMismatch, dims, len(hist.Embedding))
		}
	}

	for i, rec := range newRecords {
		if len(rec.Embedding) != dims {
			return Result{}, fmt.Errorf("new record %d (%s): %w: expected %d, got %d", i, rec.URL, ErrDimensionMismatch, dims, len(rec.Embedding))
		}

		bestIndex, best := BestMatch(rec.Embedding, history)
		match := Match{
			Record:     rec,
			Best:       history[bestIndex],
			BestIndex:  bestIndex,
			Similarity: best,
		}
		switch policy.Bucket(best) {
		case KindDuplicate:
			result.Duplicates = append(result.Duplicates, match)
		case KindAmbiguous:
			result.Ambiguous = append(result.Ambiguous, match)
		default:
			result.Unique = append(result.Unique, rec)
		}
	}
	return result, nil
}

// BestMatch returns the index and cosine of the most similar historical
// record. Ties keep the lowest index. history must be non-empty.
func BestMatch(vector []float32, history []record.Record) (int, float64) {
	bestIndex := 0
	best := math.Inf(-1)
	norm := vectorNorm(vector)
	for i, hist := range history {
		sim := cosineWithNorm(vector, norm, hist.Embedding)
		if sim > best {
			best = sim
			bestIndex = i
		}
	}
	return bestIndex, best
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	return cosineWithNorm(a, vectorNorm(a), b)
}

func cosineWithNorm(a []float32, normA float64, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, sumB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		sumB += bv * bv
	}
	if normA == 0 || sumB == 0 {
		return 0
	}
	return dot / (normA * math.Sqrt(sumB))
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, value := range v {
		f := float64(value)
		sum += f * f
	}
	return math.Sqrt(sum)
}
