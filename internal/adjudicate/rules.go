package adjudicate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	DefaultRulesDuplicateScore = 0.55
	// MinRulesTitleOverlap is the title token Jaccard a pair needs before the
	// composite score is considered at all.
	MinRulesTitleOverlap = 0.2
)

// Rules adjudicates without a model. A pair is a duplicate only when the
// titles overlap by at least MinRulesTitleOverlap and the weighted mix of
// embedding similarity, title overlap and date proximity reaches the
// configured score.
type Rules struct {
	duplicateScore float64
}

func NewRules(duplicateScore float64) *Rules {
	if duplicateScore <= 0 || duplicateScore > 1 {
		duplicateScore = DefaultRulesDuplicateScore
	}
	return &Rules{duplicateScore: duplicateScore}
}

func (r *Rules) Name() string {
	return "rules"
}

func (r *Rules) Adjudicate(ctx context.Context, pairs []Pair) (Outcome, error) {
	if err := contextError(ctx); err != nil {
		return Outcome{}, err
	}
	verdicts := make([]Verdict, len(pairs))
	for i, pair := range pairs {
		overlap := titleTokenJaccard(pair.New.Title, pair.Existing.Title)
		dates := dateConsistency(pair.New.PublishedAt, pair.Existing.PublishedAt)
		score := compositeScore(pair.Similarity, overlap, dates)
		verdicts[i] = Verdict{
			PairIndex:   i,
			IsDuplicate: overlap >= MinRulesTitleOverlap && score >= r.duplicateScore,
			Reason: fmt.Sprintf("rules score=%.3f (cosine=%.3f title_overlap=%.3f date_consistency=%.1f, threshold=%.2f, min_title_overlap=%.2f)",
				score, pair.Similarity, overlap, dates, r.duplicateScore, MinRulesTitleOverlap),
		}
	}
	return Outcome{Verdicts: verdicts}, nil
}

func compositeScore(cosine, titleOverlap, dateConsistency float64) float64 {
	return 0.55*cosine + 0.30*titleOverlap + 0.15*dateConsistency
}

func titleTokenJaccard(left, right string) float64 {
	leftTokens := tokenSet(left)
	rightTokens := tokenSet(right)
	if len(leftTokens) == 0 || len(rightTokens) == 0 {
		return 0
	}
	intersection := 0
	for token := range leftTokens {
		if _, ok := rightTokens[token]; ok {
			intersection++
		}
	}
	union := len(leftTokens) + len(rightTokens) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(value string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if len([]rune(field)) < 2 {
			continue
		}
		out[field] = struct{}{}
	}
	return out
}

// dateConsistency is 1 within 48h, 0.6 within a week, 0 beyond, 0.5 unknown.
func dateConsistency(left, right *time.Time) float64 {
	if left == nil || right == nil {
		return 0.5
	}
	diff := left.Sub(*right)
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= 48*time.Hour:
		return 1
	case diff <= 7*24*time.Hour:
		return 0.6
	default:
		return 0
	}
}
