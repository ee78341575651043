// Package admission commits a classified run: unique records go to the
// Record Store, every non-admission outcome goes to the decision log, both in
// one unit of work.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsdedup/internal/adjudicate"
	"horse.fit/newsdedup/internal/record"
	"horse.fit/newsdedup/internal/similarity"
)

const (
	ReasonURLExact     = "URL already stored"
	ReasonSemanticAuto = "Auto-detected duplicate"
)

// Store is the write side of a dataset's Record Store.
type Store interface {
	Commit(ctx context.Context, runID string, records []record.Record, decisions []record.Decision) (int, error)
}

// URLDuplicate is a candidate whose URL was already stored before this run.
type URLDuplicate struct {
	Record   record.Record
	Existing record.Record
}

// Adjudicated is an ambiguous match with the adjudicator's verdict.
type Adjudicated struct {
	Match   similarity.Match
	Verdict adjudicate.Verdict
}

type Input struct {
	RunID          string
	RunTimestamp   time.Time
	Unique         []record.Record
	URLDuplicates  []URLDuplicate
	AutoDuplicates []similarity.Match
	Adjudicated    []Adjudicated
}

type Result struct {
	StoredCount int
	FinalUnique []record.Record
	Decisions   []record.Decision
}

type Controller struct {
	logger zerolog.Logger
}

func NewController(logger zerolog.Logger) *Controller {
	return &Controller{logger: logger.With().Str("component", "admission").Logger()}
}

// Admit stores every unique and adjudicated-not-duplicate record and logs one
// decision per url_exact, semantic_auto and semantic_llm outcome. Existing
// rows are never touched; a URL that is already stored is skipped.
func (c *Controller) Admit(ctx context.Context, store Store, in Input) (Result, error) {
	if store == nil {
		return Result{}, fmt.Errorf("store is nil")
	}

	finalUnique := FinalUnique(in)
	for _, rec := range finalUnique {
		if err := record.ValidateVector(rec.Embedding, 0); err != nil {
			return Result{}, fmt.Errorf("refusing to admit %q: %w", rec.URL, err)
		}
	}
	decisions := Decisions(in)

	stored, err := store.Commit(ctx, in.RunID, finalUnique, decisions)
	if err != nil {
		return Result{}, fmt.Errorf("admit run %s: %w", in.RunID, err)
	}

	c.logger.Info().
		Str("run_id", in.RunID).
		Int("final_unique", len(finalUnique)).
		Int("stored", stored).
		Int("skipped_existing", len(finalUnique)-stored).
		Int("decisions", len(decisions)).
		Msg("admission completed")

	return Result{StoredCount: stored, FinalUnique: finalUnique, Decisions: decisions}, nil
}

// FinalUnique is the accepted set: classified unique records followed by
// adjudicated pairs the adjudicator did not confirm.
func FinalUnique(in Input) []record.Record {
	out := make([]record.Record, 0, len(in.Unique)+len(in.Adjudicated))
	out = append(out, in.Unique...)
	for _, adjudicated := range in.Adjudicated {
		if !adjudicated.Verdict.IsDuplicate {
			out = append(out, adjudicated.Match.Record)
		}
	}
	return out
}

// Decisions builds the audit entries for a run in stage order.
func Decisions(in Input) []record.Decision {
	out := make([]record.Decision, 0, len(in.URLDuplicates)+len(in.AutoDuplicates)+len(in.Adjudicated))
	base := record.Decision{RunID: in.RunID, RunTimestamp: in.RunTimestamp}

	for _, dup := range in.URLDuplicates {
		entry := base
		entry.Kind = record.DecisionURLExact
		entry.SubjectURL = dup.Record.URL
		entry.SubjectTitle = dup.Record.Title
		entry.SubjectSourceType = dup.Record.SourceType
		entry.DuplicateOfURL = dup.Existing.URL
		entry.DuplicateOfTitle = dup.Existing.Title
		entry.DuplicateOfSourceType = dup.Existing.SourceType
		entry.Similarity = record.Float64Ptr(1)
		entry.Reason = ReasonURLExact
		out = append(out, entry)
	}
	for _, match := range in.AutoDuplicates {
		entry := base
		entry.Kind = record.DecisionSemanticAuto
		entry.SubjectURL = match.Record.URL
		entry.SubjectTitle = match.Record.Title
		entry.SubjectSourceType = match.Record.SourceType
		entry.DuplicateOfURL = match.Best.URL
		entry.DuplicateOfTitle = match.Best.Title
		entry.DuplicateOfSourceType = match.Best.SourceType
		entry.Similarity = record.Float64Ptr(match.Similarity)
		entry.Reason = ReasonSemanticAuto
		out = append(out, entry)
	}
	for _, adjudicated := range in.Adjudicated {
		entry := base
		entry.Kind = record.DecisionSemanticLLM
		entry.SubjectURL = adjudicated.Match.Record.URL
		entry.SubjectTitle = adjudicated.Match.Record.Title
		entry.SubjectSourceType = adjudicated.Match.Record.SourceType
		entry.DuplicateOfURL = adjudicated.Match.Best.URL
		entry.DuplicateOfTitle = adjudicated.Match.Best.Title
		entry.DuplicateOfSourceType = adjudicated.Match.Best.SourceType
		entry.Similarity = record.Float64Ptr(adjudicated.Match.Similarity)
		entry.ConfirmedBySecondary = record.BoolPtr(adjudicated.Verdict.IsDuplicate)
		entry.Reason = adjudicated.Verdict.Reason
		out = append(out, entry)
	}
	return out
}
