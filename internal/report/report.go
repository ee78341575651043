// Package report summarizes one dedup run for downstream consumers. It only
// reads the outputs of the other stages.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"horse.fit/newsdedup/internal/adjudicate"
	"horse.fit/newsdedup/internal/merge"
	"horse.fit/newsdedup/internal/record"
)

type Summary struct {
	TotalInput             int `json:"total_input"`
	UniqueKept             int `json:"unique_kept"`
	DuplicatesRemoved      int `json:"duplicates_removed"`
	URLDuplicates          int `json:"url_duplicates"`
	SemanticAutoDuplicates int `json:"semantic_auto_duplicates"`
	SemanticLLMConfirmed   int `json:"semantic_llm_confirmed"`
	SemanticLLMRejected    int `json:"semantic_llm_rejected"`
	StoredToDB             int `json:"stored_to_db"`
}

type Duplicate struct {
	RemovedURL            string   `json:"removed_url"`
	RemovedTitle          string   `json:"removed_title"`
	RemovedSourceType     string   `json:"removed_source_type,omitempty"`
	DuplicateOfURL        string   `json:"duplicate_of_url"`
	DuplicateOfTitle      string   `json:"duplicate_of_title"`
	DuplicateOfSourceType string   `json:"duplicate_of_source_type,omitempty"`
	Similarity            *float64 `json:"similarity"`
	DedupType             string   `json:"dedup_type"`
	Reason                string   `json:"reason"`
}

type Report struct {
	RunID                 string           `json:"run_id"`
	Dataset               string           `json:"dataset"`
	Timestamp             time.Time        `json:"timestamp"`
	IsFirstRun            bool             `json:"is_first_run"`
	Summary               Summary          `json:"summary"`
	BySourceType          map[string]int   `json:"by_source_type"`
	CrossSourceDuplicates int              `json:"cross_source_duplicates"`
	MergeStats            merge.Stats      `json:"merge_stats"`
	Duplicates            []Duplicate      `json:"duplicates"`
	Adjudicator           string           `json:"adjudicator,omitempty"`
	AdjudicatorUsage      adjudicate.Usage `json:"adjudicator_usage"`
	AdjudicatorError      string           `json:"adjudicator_error,omitempty"`
	Error                 string           `json:"error,omitempty"`
}

type Input struct {
	RunID            string
	Dataset          string
	Timestamp        time.Time
	IsFirstRun       bool
	MergeStats       merge.Stats
	TotalInput       int
	FinalUnique      []record.Record
	Decisions        []record.Decision
	StoredCount      int
	Adjudicator      string
	AdjudicatorUsage adjudicate.Usage
	AdjudicatorErr   error
	Err              error
}

func Build(in Input) Report {
	report := Report{
		RunID:            in.RunID,
		Dataset:          in.Dataset,
		Timestamp:        in.Timestamp.UTC(),
		IsFirstRun:       in.IsFirstRun,
		BySourceType:     make(map[string]int),
		MergeStats:       in.MergeStats,
		Duplicates:       []Duplicate{},
		Adjudicator:      in.Adjudicator,
		AdjudicatorUsage: in.AdjudicatorUsage,
	}
	if report.MergeStats.BySourceType == nil {
		report.MergeStats.BySourceType = map[string]merge.SourceStats{}
	}
	if in.AdjudicatorErr != nil {
		report.AdjudicatorError = in.AdjudicatorErr.Error()
	}

	report.Summary.TotalInput = in.TotalInput
	if in.Err != nil {
		report.Error = strings.TrimSpace(in.Err.Error())
		return report
	}

	for _, decision := range in.Decisions {
		if !decision.IsDuplicate() {
			if decision.Kind == record.DecisionSemanticLLM {
				report.Summary.SemanticLLMRejected++
			}
			continue
		}
		switch decision.Kind {
		case record.DecisionURLExact:
			report.Summary.URLDuplicates++
		case record.DecisionSemanticAuto:
			report.Summary.SemanticAutoDuplicates++
		case record.DecisionSemanticLLM:
			report.Summary.SemanticLLMConfirmed++
		}
		if isCrossSource(decision) {
			report.CrossSourceDuplicates++
		}
		report.Duplicates = append(report.Duplicates, Duplicate{
			RemovedURL:            decision.SubjectURL,
			RemovedTitle:          decision.SubjectTitle,
			RemovedSourceType:     decision.SubjectSourceType,
			DuplicateOfURL:        decision.DuplicateOfURL,
			DuplicateOfTitle:      decision.DuplicateOfTitle,
			DuplicateOfSourceType: decision.DuplicateOfSourceType,
			Similarity:            decision.Similarity,
			DedupType:             string(decision.Kind),
			Reason:                decision.Reason,
		})
	}

	for _, rec := range in.FinalUnique {
		report.BySourceType[rec.SourceType]++
	}
	report.Summary.UniqueKept = len(in.FinalUnique)
	report.Summary.DuplicatesRemoved = len(report.Duplicates)
	report.Summary.StoredToDB = in.StoredCount
	return report
}

// Consistent checks the accounting identities of a successful run.
func (r Report) Consistent() error {
	s := r.Summary
	if r.Error != "" {
		if s.StoredToDB != 0 {
			return fmt.Errorf("failed run reports stored_to_db=%d", s.StoredToDB)
		}
		return nil
	}
	if got := s.URLDuplicates + s.SemanticAutoDuplicates + s.SemanticLLMConfirmed; got != len(r.Duplicates) {
		return fmt.Errorf("duplicate kinds sum to %d but %d duplicates listed", got, len(r.Duplicates))
	}
	if s.DuplicatesRemoved != len(r.Duplicates) {
		return fmt.Errorf("duplicates_removed=%d but %d duplicates listed", s.DuplicatesRemoved, len(r.Duplicates))
	}
	if s.UniqueKept+s.DuplicatesRemoved != s.TotalInput {
		return fmt.Errorf("unique_kept (%d) + duplicates_removed (%d) != total_input (%d)", s.UniqueKept, s.DuplicatesRemoved, s.TotalInput)
	}
	if s.StoredToDB > s.UniqueKept {
		return fmt.Errorf("stored_to_db=%d exceeds unique_kept=%d", s.StoredToDB, s.UniqueKept)
	}
	return nil
}

func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func isCrossSource(decision record.Decision) bool {
	removed := strings.TrimSpace(decision.SubjectSourceType)
	kept := strings.TrimSpace(decision.DuplicateOfSourceType)
	return removed != "" && kept != "" && removed != kept
}
