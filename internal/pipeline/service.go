// Package pipeline runs one dedup pass for a dataset: merge, URL pre-filter,
// embed, classify against the lookback window, adjudicate the ambiguous band,
// admit, report. Stages run strictly in order and a cancelled context stops
// the run before the next stage, so nothing is committed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/newsdedup/internal/adjudicate"
	"horse.fit/newsdedup/internal/admission"
	"horse.fit/newsdedup/internal/clock"
	"horse.fit/newsdedup/internal/db"
	"horse.fit/newsdedup/internal/embedding"
	"horse.fit/newsdedup/internal/merge"
	"horse.fit/newsdedup/internal/metrics"
	"horse.fit/newsdedup/internal/record"
	"horse.fit/newsdedup/internal/report"
	"horse.fit/newsdedup/internal/runlock"
	"horse.fit/newsdedup/internal/similarity"
)

const DefaultLookbackHours = 48

// Store is the per-dataset persistence a run needs. *db.RecordStore
// satisfies it.
type Store interface {
	admission.Store
	IsEmpty(ctx context.Context) (bool, error)
	LookupByURLs(ctx context.Context, urls []string) (map[string]record.Record, error)
	RecentWithEmbeddings(ctx context.Context, hours int) ([]record.Record, error)
	StartRun(ctx context.Context, runID string) error
	FinishRun(ctx context.Context, runID string, outcome db.RunOutcome) error
}

// StoreFactory opens the store scoped to one dataset.
type StoreFactory func(dataset string) (Store, error)

type Options struct {
	Stores          StoreFactory
	Embedder        embedding.Embedder
	EmbedBatchSize  int
	Adjudicator     adjudicate.Adjudicator
	Policy          similarity.Policy
	Locker          runlock.Locker
	Metrics         *metrics.Metrics
	Clock           clock.Clock
	DefaultSources  []string
	DefaultLookback int
}

type RunParams struct {
	Dataset       string
	LookbackHours int
	SourceTypes   []string
	Batches       map[string][]record.Record
	// Rejected counts candidates per source type that failed payload
	// validation before reaching the merge.
	Rejected map[string]int
}

type RunResult struct {
	Report      report.Report
	FinalUnique []record.Record
}

type Service struct {
	opts      Options
	admission *admission.Controller
	clock     clock.Clock
	logger    zerolog.Logger
	newRunID  func() string
}

func NewService(opts Options, logger zerolog.Logger) (*Service, error) {
	if opts.Stores == nil {
		return nil, fmt.Errorf("store factory is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if opts.Adjudicator == nil {
		return nil, fmt.Errorf("adjudicator is required")
	}
	if opts.Policy == (similarity.Policy{}) {
		opts.Policy = similarity.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Locker == nil {
		opts.Locker = runlock.NewLocalLocker()
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = embedding.DefaultBatchSize
	}
	if opts.DefaultLookback <= 0 {
		opts.DefaultLookback = DefaultLookbackHours
	}

	logger = logger.With().Str("component", "pipeline").Logger()
	return &Service{
		opts:      opts,
		admission: admission.NewController(logger),
		clock:     clock.OrSystem(opts.Clock),
		logger:    logger,
		newRunID:  uuid.NewString,
	}, nil
}

// run carries the state of a single pass between stages.
type run struct {
	id          string
	dataset     string
	startedAt   time.Time
	store       Store
	isFirstRun  bool
	merged      merge.Result
	urlDups     []admission.URLDuplicate
	historySize int
	usage       adjudicate.Usage
	adjErr      error
}

// Run executes one full pass. A second concurrent Run for the same dataset
// fails with runlock.ErrLockNotAcquired. On failure the returned report
// carries the error and nothing from this run is stored.
func (s *Service) Run(ctx context.Context, params RunParams) (RunResult, error) {
	dataset := strings.TrimSpace(params.Dataset)
	if dataset == "" {
		return RunResult{}, fmt.Errorf("dataset is required")
	}
	lookback := params.LookbackHours
	if lookback <= 0 {
		lookback = s.opts.DefaultLookback
	}
	sourceTypes := params.SourceTypes
	if len(sourceTypes) == 0 {
		sourceTypes = s.opts.DefaultSources
	}

	store, err := s.opts.Stores(dataset)
	if err != nil {
		return RunResult{}, fmt.Errorf("open dataset %q: %w", dataset, err)
	}

	lease, err := s.opts.Locker.Acquire(ctx, dataset)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.logger.Warn().Err(releaseErr).Str("dataset", dataset).Msg("release run lock failed")
		}
	}()

	state := &run{
		id:        s.newRunID(),
		dataset:   dataset,
		startedAt: s.clock.Now(),
		store:     store,
	}
	if err := store.StartRun(ctx, state.id); err != nil {
		return RunResult{}, err
	}

	result, runErr := s.execute(ctx, state, sourceTypes, lookback, params)
	if runErr != nil {
		result = RunResult{Report: s.failureReport(state, runErr)}
	}

	s.finish(ctx, state, result.Report, runErr)
	return result, runErr
}

func (s *Service) execute(ctx context.Context, state *run, sourceTypes []string, lookback int, params RunParams) (RunResult, error) {
	logger := s.logger.With().Str("run_id", state.id).Str("dataset", state.dataset).Logger()

	state.merged = merge.Merge(sourceTypes, params.Batches)
	for sourceType, count := range params.Rejected {
		state.merged.Stats.AddRejected(sourceType, count)
	}
	logger.Info().
		Int("loaded", state.merged.Stats.TotalBeforeDedup).
		Int("merged", state.merged.Stats.TotalAfterDedup).
		Int("url_collisions", state.merged.Stats.URLCollisions).
		Int("invalid", state.merged.Stats.InvalidRecords).
		Msg("merge completed")

	if err := stageGate(ctx, "url filter"); err != nil {
		return RunResult{}, err
	}
	isEmpty, err := state.store.IsEmpty(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("check first run: %w", err)
	}
	state.isFirstRun = isEmpty

	candidates := state.merged.Records
	if !state.isFirstRun {
		candidates, state.urlDups, err = s.filterStoredURLs(ctx, state.store, candidates)
		if err != nil {
			return RunResult{}, err
		}
	}
	logger.Info().
		Bool("first_run", state.isFirstRun).
		Int("url_duplicates", len(state.urlDups)).
		Int("candidates", len(candidates)).
		Msg("url filter completed")

	if err := stageGate(ctx, "embedding"); err != nil {
		return RunResult{}, err
	}
	embedded, err := s.embed(ctx, candidates)
	if err != nil {
		return RunResult{}, err
	}

	if err := stageGate(ctx, "history"); err != nil {
		return RunResult{}, err
	}
	var history []record.Record
	if !state.isFirstRun && len(embedded) > 0 {
		window, err := state.store.RecentWithEmbeddings(ctx, lookback)
		if err != nil {
			return RunResult{}, fmt.Errorf("load history window: %w", err)
		}
		history = matchingDimensions(window, len(embedded[0].Embedding))
		if dropped := len(window) - len(history); dropped > 0 {
			logger.Warn().Int("dropped", dropped).Msg("history records with a different vector size skipped")
		}
	}
	state.historySize = len(history)

	classified, err := similarity.Classify(embedded, history, s.opts.Policy)
	if err != nil {
		return RunResult{}, fmt.Errorf("classify: %w", err)
	}
	logger.Info().
		Int("history", len(history)).
		Int("unique", len(classified.Unique)).
		Int("ambiguous", len(classified.Ambiguous)).
		Int("duplicates", len(classified.Duplicates)).
		Msg("classification completed")

	if err := stageGate(ctx, "adjudication"); err != nil {
		return RunResult{}, err
	}
	adjudicated, err := s.adjudicate(ctx, state, classified.Ambiguous)
	if err != nil {
		return RunResult{}, err
	}

	if err := stageGate(ctx, "admission"); err != nil {
		return RunResult{}, err
	}
	admitted, err := s.admission.Admit(ctx, state.store, admission.Input{
		RunID:          state.id,
		RunTimestamp:   state.startedAt,
		Unique:         classified.Unique,
		URLDuplicates:  state.urlDups,
		AutoDuplicates: classified.Duplicates,
		Adjudicated:    adjudicated,
	})
	if err != nil {
		return RunResult{}, err
	}

	built := report.Build(report.Input{
		RunID:            state.id,
		Dataset:          state.dataset,
		Timestamp:        state.startedAt,
		IsFirstRun:       state.isFirstRun,
		MergeStats:       state.merged.Stats,
		TotalInput:       len(state.merged.Records),
		FinalUnique:      admitted.FinalUnique,
		Decisions:        admitted.Decisions,
		StoredCount:      admitted.StoredCount,
		Adjudicator:      s.opts.Adjudicator.Name(),
		AdjudicatorUsage: state.usage,
		AdjudicatorErr:   state.adjErr,
	})
	if err := built.Consistent(); err != nil {
		logger.Error().Err(err).Msg("report accounting mismatch")
	}

	return RunResult{Report: built, FinalUnique: admitted.FinalUnique}, nil
}

// filterStoredURLs splits off candidates whose URL is already stored.
func (s *Service) filterStoredURLs(ctx context.Context, store Store, candidates []record.Record) ([]record.Record, []admission.URLDuplicate, error) {
	urls := make([]string, len(candidates))
	for i, rec := range candidates {
		urls[i] = rec.URL
	}
	existing, err := store.LookupByURLs(ctx, urls)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup stored urls: %w", err)
	}
	if len(existing) == 0 {
		return candidates, nil, nil
	}

	kept := make([]record.Record, 0, len(candidates))
	var dups []admission.URLDuplicate
	for _, rec := range candidates {
		if stored, ok := existing[record.NormalizeURL(rec.URL)]; ok {
			dups = append(dups, admission.URLDuplicate{Record: rec, Existing: stored})
			continue
		}
		kept = append(kept, rec)
	}
	return kept, dups, nil
}

func (s *Service) embed(ctx context.Context, candidates []record.Record) ([]record.Record, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	started := s.clock.Now()
	embedded, err := embedding.EmbedRecords(ctx, s.opts.Embedder, candidates)
	batches := (len(candidates) + s.opts.EmbedBatchSize - 1) / s.opts.EmbedBatchSize
	s.opts.Metrics.ObserveEmbedding(s.clock.Now().Sub(started), batches, err)
	if err != nil {
		return nil, fmt.Errorf("embed candidates: %w", err)
	}
	return embedded, nil
}

func (s *Service) adjudicate(ctx context.Context, state *run, ambiguous []similarity.Match) ([]admission.Adjudicated, error) {
	if len(ambiguous) == 0 {
		return nil, nil
	}
	pairs := make([]adjudicate.Pair, len(ambiguous))
	for i, match := range ambiguous {
		pairs[i] = adjudicate.Pair{New: match.Record, Existing: match.Best, Similarity: match.Similarity}
	}

	outcome, err := s.opts.Adjudicator.Adjudicate(ctx, pairs)
	if err != nil {
		return nil, err
	}
	state.usage = outcome.Usage
	state.adjErr = outcome.Err
	s.opts.Metrics.ObserveAdjudication(s.opts.Adjudicator.Name(), outcome.Usage.Calls, outcome.Usage.FailedCalls, outcome.Usage.InputTokens, outcome.Usage.OutputTokens)

	if outcome.Err != nil {
		s.logger.Warn().Err(outcome.Err).Str("run_id", state.id).Int("pairs", len(pairs)).Msg("adjudicator failed; keeping every ambiguous record")
	}
	if len(outcome.Verdicts) != len(pairs) {
		return nil, fmt.Errorf("adjudicator %s returned %d verdicts for %d pairs", s.opts.Adjudicator.Name(), len(outcome.Verdicts), len(pairs))
	}

	out := make([]admission.Adjudicated, len(ambiguous))
	confirmed := 0
	for i, match := range ambiguous {
		out[i] = admission.Adjudicated{Match: match, Verdict: outcome.Verdicts[i]}
		if outcome.Verdicts[i].IsDuplicate {
			confirmed++
		}
	}
	s.logger.Info().
		Str("run_id", state.id).
		Str("adjudicator", s.opts.Adjudicator.Name()).
		Int("pairs", len(pairs)).
		Int("confirmed", confirmed).
		Msg("adjudication completed")
	return out, nil
}

func (s *Service) failureReport(state *run, runErr error) report.Report {
	var adjudicatorName string
	if s.opts.Adjudicator != nil {
		adjudicatorName = s.opts.Adjudicator.Name()
	}
	return report.Build(report.Input{
		RunID:            state.id,
		Dataset:          state.dataset,
		Timestamp:        state.startedAt,
		IsFirstRun:       state.isFirstRun,
		MergeStats:       state.merged.Stats,
		TotalInput:       len(state.merged.Records),
		Adjudicator:      adjudicatorName,
		AdjudicatorUsage: state.usage,
		AdjudicatorErr:   state.adjErr,
		Err:              runErr,
	})
}

// finish records the outcome in the run ledger and metrics. It runs on a
// detached context so a cancelled run is still marked failed.
func (s *Service) finish(ctx context.Context, state *run, rep report.Report, runErr error) {
	outcome := db.RunOutcome{
		IsFirstRun:        rep.IsFirstRun,
		TotalInput:        rep.Summary.TotalInput,
		UniqueKept:        rep.Summary.UniqueKept,
		DuplicatesRemoved: rep.Summary.DuplicatesRemoved,
		StoredCount:       rep.Summary.StoredToDB,
		Err:               runErr,
	}
	if err := state.store.FinishRun(context.WithoutCancel(ctx), state.id, outcome); err != nil {
		s.logger.Error().Err(err).Str("run_id", state.id).Msg("update run ledger failed")
	}

	status := db.RunStatusCompleted
	if runErr != nil {
		status = db.RunStatusFailed
		s.logger.Error().Err(runErr).Str("run_id", state.id).Str("dataset", state.dataset).Msg("dedup run failed")
	} else {
		s.logger.Info().
			Str("run_id", state.id).
			Str("dataset", state.dataset).
			Int("total_input", rep.Summary.TotalInput).
			Int("unique_kept", rep.Summary.UniqueKept).
			Int("duplicates_removed", rep.Summary.DuplicatesRemoved).
			Int("stored", rep.Summary.StoredToDB).
			Msg("dedup run completed")
	}

	s.opts.Metrics.ObserveRun(state.dataset, status, s.clock.Now().Sub(state.startedAt))
	if runErr == nil {
		input := make(map[string]int, len(rep.MergeStats.BySourceType))
		for sourceType, stats := range rep.MergeStats.BySourceType {
			input[sourceType] = stats.Kept
		}
		duplicates := map[string]int{
			string(record.DecisionURLExact):     rep.Summary.URLDuplicates,
			string(record.DecisionSemanticAuto): rep.Summary.SemanticAutoDuplicates,
			string(record.DecisionSemanticLLM):  rep.Summary.SemanticLLMConfirmed,
		}
		s.opts.Metrics.ObserveCounts(input, rep.BySourceType, duplicates, rep.Summary.StoredToDB, state.historySize)
	}
}

func stageGate(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled before %s: %w", stage, err)
	}
	return nil
}

func matchingDimensions(records []record.Record, dims int) []record.Record {
	out := make([]record.Record, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) == dims {
			out = append(out, rec)
		}
	}
	return out
}

// IsBusy reports whether err means another run holds the dataset.
func IsBusy(err error) bool {
	return errors.Is(err, runlock.ErrLockNotAcquired)
}
