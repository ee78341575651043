package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"horse.fit/newsdedup/internal/clock"
	"horse.fit/newsdedup/internal/db"
	"horse.fit/newsdedup/internal/metrics"
	"horse.fit/newsdedup/internal/pipeline"
	"horse.fit/newsdedup/internal/record"
	"horse.fit/newsdedup/internal/report"
	"horse.fit/newsdedup/internal/runlock"
)

type fakeRunner struct {
	params []pipeline.RunParams
	err    error
}

func (r *fakeRunner) Run(_ context.Context, params pipeline.RunParams) (pipeline.RunResult, error) {
	r.params = append(r.params, params)
	if r.err != nil {
		return pipeline.RunResult{Report: report.Report{Dataset: params.Dataset, Error: r.err.Error()}}, r.err
	}
	var kept []record.Record
	for _, batch := range params.Batches {
		kept = append(kept, batch...)
	}
	return pipeline.RunResult{
		Report:      report.Report{Dataset: params.Dataset, Summary: report.Summary{TotalInput: len(kept), UniqueKept: len(kept)}},
		FinalUnique: kept,
	}, nil
}

type fakeReader struct {
	stats     []db.DecisionStat
	runs      []db.DedupRun
	err       error
	lastHours int
	lastLimit int
}

func (r *fakeReader) DecisionStats(_ context.Context, hours int) ([]db.DecisionStat, error) {
	r.lastHours = hours
	return r.stats, r.err
}

func (r *fakeReader) ListRuns(_ context.Context, limit int) ([]db.DedupRun, error) {
	r.lastLimit = limit
	return r.runs, r.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(runner *fakeRunner, reader *fakeReader, opts Options) *Server {
	return NewServer(Deps{
		Runner: runner,
		Readers: func(dataset string) (DatasetReader, error) {
			return reader, nil
		},
		Health:         fakePinger{},
		MetricsHandler: metrics.New().Handler(),
		Clock:          clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
	}, zerolog.Nop(), opts)
}

func doRequest(t *testing.T, server *Server, method, target, body string, headers map[string]string) (*httptest.ResponseRecorder, jsendResponse) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var resp jsendResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v body=%s", err, rec.Body.String())
		}
	}
	return rec, resp
}

func TestHealth(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, &fakeReader{}, Options{})
	rec, resp := doRequest(t, server, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK || resp.Status != "success" {
		t.Fatalf("unexpected health response: %d %+v", rec.Code, resp)
	}

	server.deps.Health = fakePinger{err: errors.New("down")}
	rec, resp = doRequest(t, server, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusInternalServerError || resp.Status != "error" {
		t.Fatalf("expected error health response, got %d %+v", rec.Code, resp)
	}
}

func TestRunNormalizesPayloadAndReportsRejected(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := newTestServer(runner, &fakeReader{}, Options{})
	body := `{
		"source_types": ["rss", "html"],
		"lookback_hours": 24,
		"batches": {
			"RSS": [
				{"link": "https://example.com/a", "title": "A", "summary": "alpha"},
				{"title": "missing url"}
			]
		}
	}`
	rec, resp := doRequest(t, server, http.MethodPost, "/api/v1/datasets/Tech/runs", body, nil)
	if rec.Code != http.StatusOK || resp.Status != "success" {
		t.Fatalf("unexpected run response: %d %s", rec.Code, rec.Body.String())
	}

	if len(runner.params) != 1 {
		t.Fatalf("expected one run, got %d", len(runner.params))
	}
	params := runner.params[0]
	if params.Dataset != "tech" || params.LookbackHours != 24 {
		t.Fatalf("unexpected params: %+v", params)
	}
	if got := params.Batches["rss"]; len(got) != 1 || got[0].URL != "https://example.com/a" || got[0].Body != "alpha" {
		t.Fatalf("expected normalized rss batch, got %+v", got)
	}
	if params.Rejected["rss"] != 1 {
		t.Fatalf("expected 1 rejected rss candidate, got %v", params.Rejected)
	}

	data, _ := resp.Data.(map[string]any)
	if rejected, _ := data["rejected"].([]any); len(rejected) != 1 {
		t.Fatalf("expected rejected list in response, got %v", data["rejected"])
	}
}

func TestRunListsRejectedInSourceTypeOrder(t *testing.T) {
	t.Parallel()

	body := `{
		"batches": {
			"social": [{"title": "no url"}],
			"html": [{"title": "no url"}, {"title": "no url"}],
			"rss": [{"title": "no url"}]
		}
	}`
	want := []string{"html:0", "html:1", "rss:0", "social:0"}

	for attempt := 0; attempt < 5; attempt++ {
		server := newTestServer(&fakeRunner{}, &fakeReader{}, Options{})
		rec, resp := doRequest(t, server, http.MethodPost, "/api/v1/datasets/tech/runs", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected run response: %d %s", rec.Code, rec.Body.String())
		}
		data, _ := resp.Data.(map[string]any)
		rejected, _ := data["rejected"].([]any)
		got := make([]string, 0, len(rejected))
		for _, item := range rejected {
			entry, _ := item.(map[string]any)
			got = append(got, fmt.Sprintf("%v:%v", entry["source_type"], entry["index"]))
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("attempt %d: expected rejected order %v, got %v", attempt, want, got)
		}
	}
}

func TestRunReturnsConflictWhenDatasetBusy(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: fmt.Errorf("%w: dataset busy", runlock.ErrLockNotAcquired)}
	server := newTestServer(runner, &fakeReader{}, Options{})
	rec, resp := doRequest(t, server, http.MethodPost, "/api/v1/datasets/tech/runs", `{"batches":{}}`, nil)
	if rec.Code != http.StatusConflict || resp.Status != "fail" {
		t.Fatalf("expected 409 fail, got %d %+v", rec.Code, resp)
	}
}

func TestRunFailureCarriesReport(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: errors.New("embed candidates: status 503")}
	server := newTestServer(runner, &fakeReader{}, Options{})
	rec, resp := doRequest(t, server, http.MethodPost, "/api/v1/datasets/tech/runs", `{"batches":{}}`, nil)
	if rec.Code != http.StatusInternalServerError || resp.Status != "error" {
		t.Fatalf("expected 500 error, got %d %+v", rec.Code, resp)
	}
	data, _ := resp.Data.(map[string]any)
	reportData, _ := data["report"].(map[string]any)
	if reportData["error"] == nil {
		t.Fatalf("expected failed report in response, got %v", resp.Data)
	}
}

func TestRunRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := newTestServer(runner, &fakeReader{}, Options{})
	rec, _ := doRequest(t, server, http.MethodPost, "/api/v1/datasets/tech/runs", `[1,2]`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(runner.params) != 0 {
		t.Fatalf("malformed body must not start a run")
	}
}

func TestRunRequiresTokenWhenConfigured(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	runner := &fakeRunner{}
	server := newTestServer(runner, &fakeReader{}, Options{APITokenHash: string(hash)})

	rec, _ := doRequest(t, server, http.MethodPost, "/api/v1/datasets/tech/runs", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/datasets/tech/runs", `{}`, map[string]string{"Authorization": "Bearer nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	rec, _ = doRequest(t, server, http.MethodPost, "/api/v1/datasets/tech/runs", `{}`, map[string]string{"Authorization": "Bearer letmein"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = doRequest(t, server, http.MethodGet, "/api/v1/datasets/tech/runs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read endpoints stay open, got %d", rec.Code)
	}
}

func TestStatsValidatesHours(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{stats: []db.DecisionStat{{DecisionKind: "semantic_auto", Count: 3}}}
	server := newTestServer(&fakeRunner{}, reader, Options{})

	rec, _ := doRequest(t, server, http.MethodGet, "/api/v1/datasets/tech/stats?hours=abc", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad hours, got %d", rec.Code)
	}

	rec, resp := doRequest(t, server, http.MethodGet, "/api/v1/datasets/tech/stats", "", nil)
	if rec.Code != http.StatusOK || reader.lastHours != defaultStatsHours {
		t.Fatalf("expected default hours, got %d status=%d", reader.lastHours, rec.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if items, _ := data["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one stat row, got %v", data["items"])
	}
}

func TestListRunsAndReaderFailure(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{runs: []db.DedupRun{{RunID: "r1", Dataset: "tech", Status: db.RunStatusCompleted}}}
	server := newTestServer(&fakeRunner{}, reader, Options{})

	rec, _ := doRequest(t, server, http.MethodGet, "/api/v1/datasets/tech/runs?limit=5", "", nil)
	if rec.Code != http.StatusOK || reader.lastLimit != 5 {
		t.Fatalf("unexpected list runs: status=%d limit=%d", rec.Code, reader.lastLimit)
	}

	reader.err = errors.New("db down")
	rec, resp := doRequest(t, server, http.MethodGet, "/api/v1/datasets/tech/runs", "", nil)
	if rec.Code != http.StatusInternalServerError || resp.Status != "error" {
		t.Fatalf("expected 500, got %d %+v", rec.Code, resp)
	}
}

func TestMetricsAndUnknownRoute(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeRunner{}, &fakeReader{}, Options{})
	rec, _ := doRequest(t, server, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus output, got %d", rec.Code)
	}

	rec, resp := doRequest(t, server, http.MethodGet, "/api/v1/nope", "", nil)
	if rec.Code != http.StatusNotFound || resp.Status != "fail" {
		t.Fatalf("expected jsend 404, got %d %+v", rec.Code, resp)
	}
}
