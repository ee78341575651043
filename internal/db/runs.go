package db

import (
	"context"
	"fmt"
	"strings"
)

type RunOutcome struct {
	IsFirstRun        bool
	TotalInput        int
	UniqueKept        int
	DuplicatesRemoved int
	StoredCount       int
	Err               error
}

func (s *RecordStore) StartRun(ctx context.Context, runID string) error {
	run := DedupRun{
		RunID:     runID,
		Dataset:   s.dataset,
		Status:    RunStatusRunning,
		StartedAt: s.pool.clock.Now().UTC(),
	}
	if err := s.pool.gdb.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("insert run run_id=%s: %w", runID, err)
	}
	return nil
}

// FinishRun marks the ledger row completed, or failed when outcome.Err is set.
func (s *RecordStore) FinishRun(ctx context.Context, runID string, outcome RunOutcome) error {
	status := RunStatusCompleted
	var errorMessage *string
	if outcome.Err != nil {
		status = RunStatusFailed
		msg := strings.TrimSpace(outcome.Err.Error())
		errorMessage = &msg
	}
	finishedAt := s.pool.clock.Now().UTC()

	res := s.pool.gdb.WithContext(ctx).
		Model(&DedupRun{}).
		Where("run_id = ? AND dataset = ?", runID, s.dataset).
		Updates(map[string]any{
			"status":             status,
			"is_first_run":       outcome.IsFirstRun,
			"total_input":        outcome.TotalInput,
			"unique_kept":        outcome.UniqueKept,
			"duplicates_removed": outcome.DuplicatesRemoved,
			"stored_count":       outcome.StoredCount,
			"error_message":      errorMessage,
			"finished_at":        finishedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("finish run run_id=%s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish run run_id=%s: %w", runID, ErrNoRows)
	}
	return nil
}

func (s *RecordStore) ListRuns(ctx context.Context, limit int) ([]DedupRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []DedupRun
	err := s.pool.gdb.WithContext(ctx).
		Where("dataset = ?", s.dataset).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
