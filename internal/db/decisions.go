package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"horse.fit/newsdedup/internal/record"
)

const decisionInsertBatchSize = 200

func (s *RecordStore) AppendDecision(ctx context.Context, entry record.Decision) error {
	return s.appendDecisions(s.pool.gdb.WithContext(ctx), []record.Decision{entry})
}

func (s *RecordStore) AppendDecisionBatch(ctx context.Context, entries []record.Decision) error {
	return s.appendDecisions(s.pool.gdb.WithContext(ctx), entries)
}

func (s *RecordStore) appendDecisions(tx *gorm.DB, entries []record.Decision) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]DedupDecision, 0, len(entries))
	for i, entry := range entries {
		if !entry.Kind.Valid() {
			return fmt.Errorf("decision %d: unknown decision kind %q", i, entry.Kind)
		}
		subject := record.NormalizeURL(entry.SubjectURL)
		if subject == "" {
			return fmt.Errorf("decision %d: subject url is required", i)
		}
		runAt := entry.RunTimestamp.UTC()
		if entry.RunTimestamp.IsZero() {
			runAt = s.pool.clock.Now().UTC()
		}
		rows = append(rows, DedupDecision{
			DecisionUUID:         uuid.NewString(),
			Dataset:              s.dataset,
			RunID:                entry.RunID,
			RunTimestamp:         runAt,
			SubjectURL:           subject,
			SubjectTitle:         entry.SubjectTitle,
			SubjectSourceType:    entry.SubjectSourceType,
			DecisionKind:         string(entry.Kind),
			DuplicateOfURL:       nullableString(entry.DuplicateOfURL),
			DuplicateOfTitle:     nullableString(entry.DuplicateOfTitle),
			DuplicateOfSource:    nullableString(entry.DuplicateOfSourceType),
			Similarity:           entry.Similarity,
			ConfirmedBySecondary: entry.ConfirmedBySecondary,
			Reason:               nullableString(entry.Reason),
		})
	}
	if err := tx.CreateInBatches(&rows, decisionInsertBatchSize).Error; err != nil {
		return fmt.Errorf("append %d decisions: %w", len(rows), err)
	}
	return nil
}

type DecisionStat struct {
	DecisionKind   string   `json:"decision_kind"`
	Count          int64    `json:"count"`
	ConfirmedCount int64    `json:"confirmed_count"`
	AvgSimilarity  *float64 `json:"avg_similarity,omitempty"`
}

// DecisionStats groups decisions logged in the last hours by kind.
func (s *RecordStore) DecisionStats(ctx context.Context, hours int) ([]DecisionStat, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("hours must be > 0")
	}
	cutoff := s.pool.clock.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	const query = `
SELECT
  decision_kind,
  COUNT(*) AS count,
  SUM(CASE WHEN confirmed_by_secondary THEN 1 ELSE 0 END) AS confirmed_count,
  AVG(similarity) AS avg_similarity
FROM news_dedup_decisions
WHERE dataset = ?
  AND run_timestamp >= ?
GROUP BY decision_kind
ORDER BY decision_kind ASC
`
	var stats []DecisionStat
	if err := s.pool.gdb.WithContext(ctx).Raw(query, s.dataset, cutoff).Scan(&stats).Error; err != nil {
		return nil, fmt.Errorf("query decision stats: %w", err)
	}
	return stats, nil
}

// DecisionsForRun returns the audit entries of one run in insertion order.
func (s *RecordStore) DecisionsForRun(ctx context.Context, runID string) ([]record.Decision, error) {
	var rows []DedupDecision
	err := s.pool.gdb.WithContext(ctx).
		Where("dataset = ? AND run_id = ?", s.dataset, runID).
		Order("decision_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load decisions run_id=%s: %w", runID, err)
	}
	out := make([]record.Decision, 0, len(rows))
	for _, row := range rows {
		out = append(out, record.Decision{
			RunID:                 row.RunID,
			RunTimestamp:          row.RunTimestamp,
			SubjectURL:            row.SubjectURL,
			SubjectTitle:          row.SubjectTitle,
			SubjectSourceType:     row.SubjectSourceType,
			Kind:                  record.DecisionKind(row.DecisionKind),
			DuplicateOfURL:        derefString(row.DuplicateOfURL),
			DuplicateOfTitle:      derefString(row.DuplicateOfTitle),
			DuplicateOfSourceType: derefString(row.DuplicateOfSource),
			Similarity:            row.Similarity,
			ConfirmedBySecondary:  row.ConfirmedBySecondary,
			Reason:                derefString(row.Reason),
		})
	}
	return out, nil
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
