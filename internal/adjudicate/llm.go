package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const systemPrompt = `You compare pairs of news items and decide whether each pair reports the same story.
Two items are duplicates when they cover the same event or announcement, even if the wording, outlet, or angle differs.
Items about related but distinct events (a follow-up, a different company, a different date) are not duplicates.
Respond with ONLY raw JSON of the form:
{"confirmations": [{"pair_index": 0, "is_duplicate": true, "reason": "one short sentence"}]}
Include every pair_index you were given.`

// Completion is one model response.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Completer sends one system + user prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (Completion, error)
}

// LLM batches pairs into one prompt per chunk and reads back verdicts.
type LLM struct {
	completer Completer
	policy    BatchSizePolicy
	logger    zerolog.Logger
}

func NewLLM(completer Completer, policy BatchSizePolicy, logger zerolog.Logger) *LLM {
	return &LLM{
		completer: completer,
		policy:    policy,
		logger:    logger.With().Str("component", "adjudicator").Str("adjudicator", "llm").Logger(),
	}
}

func (a *LLM) Name() string {
	return "llm"
}

type promptArticle struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Source  string `json:"source"`
	Date    string `json:"date"`
}

type promptPair struct {
	PairIndex       int           `json:"pair_index"`
	NewArticle      promptArticle `json:"new_article"`
	ExistingArticle promptArticle `json:"existing_article"`
	SimilarityScore float64       `json:"similarity_score"`
}

type promptPayload struct {
	Pairs []promptPair `json:"pairs"`
}

type confirmationResponse struct {
	Confirmations []Verdict `json:"confirmations"`
}

func (a *LLM) Adjudicate(ctx context.Context, pairs []Pair) (Outcome, error) {
	if len(pairs) == 0 {
		return Outcome{}, nil
	}
	if a.completer == nil {
		return FailureOutcome(pairs, fmt.Errorf("no completer configured"), Usage{}), nil
	}

	var usage Usage
	started := time.Now()
	chunks, size, err := RunShrinking(ctx, len(pairs), a.policy, func(ctx context.Context, start, end int) (map[int]Verdict, error) {
		return a.adjudicateChunk(ctx, pairs, start, end, &usage)
	})
	if err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return Outcome{Usage: usage}, ctxErr
		}
		a.logger.Warn().
			Err(err).
			Int("pairs", len(pairs)).
			Int("calls", usage.Calls).
			Msg("adjudication failed, defaulting every pair to unique")
		return FailureOutcome(pairs, err, usage), nil
	}

	byIndex := make(map[int]Verdict, len(pairs))
	for _, chunk := range chunks {
		for index, verdict := range chunk {
			byIndex[index] = verdict
		}
	}
	verdicts := fillVerdicts(len(pairs), byIndex)

	a.logger.Info().
		Int("pairs", len(pairs)).
		Int("batch_size", size).
		Int("calls", usage.Calls).
		Int64("input_tokens", usage.InputTokens).
		Int64("output_tokens", usage.OutputTokens).
		Dur("elapsed", time.Since(started)).
		Msg("adjudication completed")
	return Outcome{Verdicts: verdicts, Usage: usage}, nil
}

func (a *LLM) adjudicateChunk(ctx context.Context, pairs []Pair, start, end int, usage *Usage) (map[int]Verdict, error) {
	prompt, err := buildPrompt(pairs, start, end)
	if err != nil {
		return nil, err
	}

	usage.Calls++
	completion, err := a.completer.Complete(ctx, systemPrompt, prompt)
	usage.InputTokens += completion.InputTokens
	usage.OutputTokens += completion.OutputTokens
	if err != nil {
		usage.FailedCalls++
		return nil, fmt.Errorf("adjudicator call: %w", err)
	}

	parsed := ParseJSON[confirmationResponse](completion.Text)
	if !parsed.Success {
		usage.FailedCalls++
		return nil, fmt.Errorf("parse adjudicator response: %s", parsed.Error)
	}

	verdicts := make(map[int]Verdict, end-start)
	for _, verdict := range parsed.Data.Confirmations {
		if verdict.PairIndex < start || verdict.PairIndex >= end {
			continue
		}
		if _, exists := verdicts[verdict.PairIndex]; exists {
			continue
		}
		verdicts[verdict.PairIndex] = verdict
	}
	return verdicts, nil
}

// buildPrompt numbers pairs by their index in the full list so verdicts from
// any chunk size map back without translation.
func buildPrompt(pairs []Pair, start, end int) (string, error) {
	payload := promptPayload{Pairs: make([]promptPair, 0, end-start)}
	for i := start; i < end; i++ {
		pair := pairs[i]
		payload.Pairs = append(payload.Pairs, promptPair{
			PairIndex:       i,
			NewArticle:      toPromptArticle(pair.New.Title, pair.New.Body, pair.New.Source, pair.New.PublishedAt),
			ExistingArticle: toPromptArticle(pair.Existing.Title, pair.Existing.Body, pair.Existing.Source, pair.Existing.PublishedAt),
			SimilarityScore: roundScore(pair.Similarity),
		})
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal adjudicator prompt: %w", err)
	}

	var builder strings.Builder
	builder.WriteString("Decide for each pair whether the new article duplicates the existing one.\n\n")
	builder.Write(body)
	return builder.String(), nil
}

func toPromptArticle(title, body, source string, publishedAt *time.Time) promptArticle {
	article := promptArticle{
		Title:   strings.TrimSpace(title),
		Summary: strings.TrimSpace(body),
		Source:  strings.TrimSpace(source),
	}
	if publishedAt != nil && !publishedAt.IsZero() {
		article.Date = publishedAt.UTC().Format("2006-01-02")
	}
	return article
}

func roundScore(value float64) float64 {
	return float64(int64(value*10000+0.5)) / 10000
}
