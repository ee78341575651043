package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRunAndCounts(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRun("tech", "completed", 2*time.Second)
	m.ObserveRun("tech", "completed", time.Second)
	m.ObserveCounts(
		map[string]int{"rss": 4, "html": 2},
		map[string]int{"rss": 3},
		map[string]int{"url_exact": 1, "semantic_auto": 2},
		3, 10,
	)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("tech", "completed")); got != 2 {
		t.Fatalf("expected 2 completed runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.RecordsInput.WithLabelValues("rss")); got != 4 {
		t.Fatalf("expected 4 rss inputs, got %v", got)
	}
	if got := testutil.ToFloat64(m.Duplicates.WithLabelValues("semantic_auto")); got != 2 {
		t.Fatalf("expected 2 semantic_auto duplicates, got %v", got)
	}
	if got := testutil.ToFloat64(m.HistorySize); got != 10 {
		t.Fatalf("expected history gauge 10, got %v", got)
	}
}

func TestObserveEmbeddingAndAdjudication(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveEmbedding(time.Second, 3, nil)
	m.ObserveEmbedding(time.Second, 1, errors.New("boom"))
	m.ObserveAdjudication("llm", 3, 1, 120, 40)

	if got := testutil.ToFloat64(m.EmbedBatches.WithLabelValues("ok")); got != 3 {
		t.Fatalf("expected 3 ok batches, got %v", got)
	}
	if got := testutil.ToFloat64(m.AdjudicateCall.WithLabelValues("llm", "error")); got != 1 {
		t.Fatalf("expected 1 failed call, got %v", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("input")); got != 120 {
		t.Fatalf("expected 120 input tokens, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveRun("tech", "failed", time.Second)
	m.ObserveEmbedding(time.Second, 1, nil)
	m.ObserveAdjudication("rules", 1, 0, 0, 0)
	m.ObserveCounts(nil, nil, nil, 0, 0)
}

func TestHandlerServesPrivateRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRun("tech", "completed", time.Second)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "newsdedup_runs_total") {
		t.Fatalf("expected newsdedup_runs_total in metrics output")
	}
}
