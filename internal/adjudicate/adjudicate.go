// Package adjudicate resolves ambiguous (new, historical) pairs into
// duplicate or not-duplicate verdicts. Every failure mode degrades to
// "not duplicate".
package adjudicate

import (
	"context"
	"fmt"
	"strings"

	"horse.fit/newsdedup/internal/record"
)

const (
	ReasonMissingVerdict = "No adjudicator verdict - defaulting to unique"
	failureReasonPrefix  = "Adjudication failed: "
)

type Pair struct {
	New        record.Record
	Existing   record.Record
	Similarity float64
}

type Verdict struct {
	PairIndex   int    `json:"pair_index"`
	IsDuplicate bool   `json:"is_duplicate"`
	Reason      string `json:"reason"`
	// Defaulted marks verdicts filled in because the adjudicator gave none.
	Defaulted bool `json:"-"`
}

// Usage counts calls made by the adjudicator during one Adjudicate call.
type Usage struct {
	Calls        int   `json:"calls"`
	FailedCalls  int   `json:"failed_calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.Calls += other.Calls
	u.FailedCalls += other.FailedCalls
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Outcome holds exactly one verdict per input pair, in input order.
type Outcome struct {
	Verdicts []Verdict
	Usage    Usage
	// Err is the failure that forced every verdict to the default, if any.
	Err error
}

type Adjudicator interface {
	Name() string
	// Adjudicate returns an error only when ctx is done. Call and parse
	// failures are reported through Outcome.Err with defaulted verdicts.
	Adjudicate(ctx context.Context, pairs []Pair) (Outcome, error)
}

// FailureOutcome marks every pair not duplicate and records err as the reason.
func FailureOutcome(pairs []Pair, err error, usage Usage) Outcome {
	reason := failureReasonPrefix + strings.TrimSpace(err.Error())
	verdicts := make([]Verdict, len(pairs))
	for i := range pairs {
		verdicts[i] = Verdict{PairIndex: i, IsDuplicate: false, Reason: reason, Defaulted: true}
	}
	return Outcome{Verdicts: verdicts, Usage: usage, Err: err}
}

// fillVerdicts aligns verdicts by pair index and defaults the missing ones.
func fillVerdicts(pairCount int, byIndex map[int]Verdict) []Verdict {
	verdicts := make([]Verdict, pairCount)
	for i := range verdicts {
		verdict, ok := byIndex[i]
		if !ok {
			verdicts[i] = Verdict{PairIndex: i, Reason: ReasonMissingVerdict, Defaulted: true}
			continue
		}
		verdict.PairIndex = i
		if strings.TrimSpace(verdict.Reason) == "" {
			verdict.Reason = "No reason given"
		}
		verdicts[i] = verdict
	}
	return verdicts
}

func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("adjudication cancelled: %w", err)
	}
	return nil
}
