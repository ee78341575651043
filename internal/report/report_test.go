package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"horse.fit/newsdedup/internal/merge"
	"horse.fit/newsdedup/internal/record"
)

func decision(kind record.DecisionKind, url, removedType, keptType string, confirmed *bool) record.Decision {
	return record.Decision{
		Kind:                  kind,
		SubjectURL:            url,
		SubjectSourceType:     removedType,
		DuplicateOfURL:        "kept/" + url,
		DuplicateOfSourceType: keptType,
		Similarity:            record.Float64Ptr(0.91),
		ConfirmedBySecondary:  confirmed,
		Reason:                "because",
	}
}

func TestBuildCountsEveryOutcome(t *testing.T) {
	t.Parallel()

	in := Input{
		RunID:      "run-1",
		Dataset:    "tech",
		Timestamp:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		TotalInput: 7,
		MergeStats: merge.Stats{URLCollisions: 1},
		FinalUnique: []record.Record{
			{URL: "u1", SourceType: "rss"},
			{URL: "u2", SourceType: "rss"},
			{URL: "u3", SourceType: "html"},
		},
		Decisions: []record.Decision{
			decision(record.DecisionURLExact, "d1", "rss", "rss", nil),
			decision(record.DecisionSemanticAuto, "d2", "html", "rss", nil),
			decision(record.DecisionSemanticLLM, "d3", "social", "html", record.BoolPtr(true)),
			decision(record.DecisionSemanticLLM, "u3", "html", "rss", record.BoolPtr(false)),
			decision(record.DecisionSemanticAuto, "d4", "rss", "rss", nil),
		},
		StoredCount: 3,
		Adjudicator: "llm",
	}

	report := Build(in)
	summary := report.Summary
	if summary.UniqueKept != 3 || summary.DuplicatesRemoved != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.URLDuplicates != 1 || summary.SemanticAutoDuplicates != 2 || summary.SemanticLLMConfirmed != 1 || summary.SemanticLLMRejected != 1 {
		t.Fatalf("unexpected per-kind counts: %+v", summary)
	}
	if report.CrossSourceDuplicates != 2 {
		t.Fatalf("expected 2 cross-source duplicates, got %d", report.CrossSourceDuplicates)
	}
	if report.BySourceType["rss"] != 2 || report.BySourceType["html"] != 1 {
		t.Fatalf("unexpected by_source_type: %v", report.BySourceType)
	}
	if err := report.Consistent(); err != nil {
		t.Fatalf("expected consistent report, got %v", err)
	}
}

func TestBuildFailedRunReportsErrorAndNothingStored(t *testing.T) {
	t.Parallel()

	report := Build(Input{
		TotalInput:  4,
		StoredCount: 4,
		FinalUnique: []record.Record{{URL: "a"}},
		Err:         errors.New("embedding batch [0:4]: status 503"),
	})
	if report.Error == "" {
		t.Fatalf("expected error reason in report")
	}
	if report.Summary.StoredToDB != 0 || report.Summary.UniqueKept != 0 {
		t.Fatalf("expected zero stored/kept on failure, got %+v", report.Summary)
	}
	if err := report.Consistent(); err != nil {
		t.Fatalf("expected failed report to be consistent, got %v", err)
	}
}

func TestConsistentDetectsUnaccountedRecords(t *testing.T) {
	t.Parallel()

	report := Build(Input{TotalInput: 3, FinalUnique: []record.Record{{URL: "a"}}})
	if err := report.Consistent(); err == nil {
		t.Fatalf("expected missing records to be flagged")
	}
}

func TestWriteJSONUsesSnakeCaseKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteJSON(&buf, Build(Input{TotalInput: 0})); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	summary, ok := decoded["summary"].(map[string]any)
	if !ok {
		t.Fatalf("expected summary object, got %v", decoded["summary"])
	}
	for _, key := range []string{"total_input", "unique_kept", "duplicates_removed", "url_duplicates", "semantic_auto_duplicates", "semantic_llm_confirmed", "stored_to_db"} {
		if _, ok := summary[key]; !ok {
			t.Fatalf("expected summary key %q", key)
		}
	}
	if duplicates, ok := decoded["duplicates"].([]any); !ok || len(duplicates) != 0 {
		t.Fatalf("expected empty duplicates array, got %v", decoded["duplicates"])
	}
}
