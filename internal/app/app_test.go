package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"horse.fit/newsdedup/internal/auth"
	"horse.fit/newsdedup/internal/cli"
	"horse.fit/newsdedup/internal/clock"
	"horse.fit/newsdedup/internal/db/dbtest"
	"horse.fit/newsdedup/internal/record"
	"horse.fit/newsdedup/internal/report"
)

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestLoadInputsCountsRejectedPerSourceType(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rss := filepath.Join(root, "rss.json")
	html := filepath.Join(root, "html.json")
	mustWriteFile(t, rss, `[{"url":"https://example.com/1","title":"one"},{"title":"no url"}]`)
	mustWriteFile(t, html, `{"items":[{"link":"https://example.com/2","description":"two"}]}`)

	var inputs cli.InputFlag
	for _, value := range []string{"rss=" + rss, "HTML=" + html} {
		if err := inputs.Set(value); err != nil {
			t.Fatalf("set input: %v", err)
		}
	}

	var errOut bytes.Buffer
	loaded, err := loadInputs(&inputs, &errOut)
	if err != nil {
		t.Fatalf("loadInputs returned error: %v", err)
	}
	if loaded.Files != 2 || loaded.Scanned != 3 || loaded.Valid() != 2 || loaded.Invalid() != 1 {
		t.Fatalf("unexpected counts: files=%d scanned=%d valid=%d invalid=%d", loaded.Files, loaded.Scanned, loaded.Valid(), loaded.Invalid())
	}
	if loaded.Rejected["rss"] != 1 || len(loaded.Batches["html"]) != 1 {
		t.Fatalf("unexpected per-source results: %+v", loaded)
	}
	if !strings.Contains(errOut.String(), "INVALID "+rss+"[1]") {
		t.Fatalf("expected INVALID line for rss[1], got %q", errOut.String())
	}
}

func TestLoadInputsFailsOnMissingFile(t *testing.T) {
	t.Parallel()

	var inputs cli.InputFlag
	if err := inputs.Set("rss=" + filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Fatalf("set input: %v", err)
	}
	if _, err := loadInputs(&inputs, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestCollectAndRenderStats(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := dbtest.NewStore(t, mock, "tech")
	ctx := context.Background()

	if err := store.StartRun(ctx, "run-1"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := store.AppendDecision(ctx, record.Decision{
		RunID:          "run-1",
		RunTimestamp:   mock.Now(),
		SubjectURL:     "https://example.com/dup",
		Kind:           record.DecisionSemanticAuto,
		DuplicateOfURL: "https://example.com/orig",
		Similarity:     record.Float64Ptr(0.95),
		Reason:         "Auto-detected duplicate",
	}); err != nil {
		t.Fatalf("AppendDecision: %v", err)
	}

	out, err := collectStats(ctx, store, 24, 5)
	if err != nil {
		t.Fatalf("collectStats returned error: %v", err)
	}
	if out.Dataset != "tech" || len(out.Decisions) != 1 || len(out.Runs) != 1 {
		t.Fatalf("unexpected stats output: %+v", out)
	}

	var buf bytes.Buffer
	renderStats(&buf, out)
	rendered := buf.String()
	for _, want := range []string{"semantic_auto", "0.950", "run-1", "Recent runs"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("expected %q in table output:\n%s", want, rendered)
		}
	}
}

func TestHashTokenFrom(t *testing.T) {
	t.Parallel()

	hash, err := hashTokenFrom(strings.NewReader("  my-token  \nignored\n"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashTokenFrom returned error: %v", err)
	}
	if !auth.VerifyToken("my-token", hash) {
		t.Fatalf("expected hash to verify the first line")
	}
	if _, err := hashTokenFrom(strings.NewReader("\n"), bcrypt.MinCost); err == nil {
		t.Fatalf("expected error for blank input")
	}
}

func TestSplitCSV(t *testing.T) {
	t.Parallel()

	got := splitCSV(" RSS, ,html ,social")
	want := []string{"rss", "html", "social"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRunDedupEndToEnd(t *testing.T) {
	embedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vectors := make([][]float64, len(req.Texts))
		for i, text := range req.Texts {
			switch {
			case strings.Contains(text, "Alpha"):
				vectors[i] = []float64{1, 0, 0}
			case strings.Contains(text, "Beta"):
				vectors[i] = []float64{0, 1, 0}
			default:
				vectors[i] = []float64{0, 0, 1}
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
	defer embedServer.Close()

	root := t.TempDir()
	t.Setenv("NEWSDEDUP_ENV_FILE", "")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(root, "newsdedup.db"))
	t.Setenv("DB_LOG_LEVEL", "silent")
	t.Setenv("REDIS_URL", "")
	t.Setenv("EMBEDDING_ENDPOINT", embedServer.URL+"/embed")
	t.Setenv("EMBEDDING_DIMENSIONS", "3")
	t.Setenv("EMBED_REQUESTS_PER_SECOND", "0")
	t.Setenv("ADJUDICATOR", "rules")

	rss := filepath.Join(root, "rss.json")
	html := filepath.Join(root, "html.json")
	mustWriteFile(t, rss, `[
		{"url":"https://example.com/alpha","title":"Alpha launch","summary":"a"},
		{"url":"https://example.com/beta","title":"Beta merger","summary":"b"}
	]`)
	mustWriteFile(t, html, `[
		{"link":"https://example.com/alpha","title":"Alpha launch (html)","contents":"a"},
		{"link":"https://example.com/gamma","title":"Gamma storm","contents":"c"}
	]`)

	runOnce := func(name string) report.Report {
		t.Helper()
		reportPath := filepath.Join(root, name+"-report.json")
		outputPath := filepath.Join(root, name+"-output.json")
		code := runDedup([]string{
			"--env", filepath.Join(root, "missing.env"),
			"--dataset", "tech",
			"--source-types", "rss,html",
			"--input", "rss=" + rss,
			"--input", "html=" + html,
			"--report-out", reportPath,
			"--output", outputPath,
		})
		if code != 0 {
			t.Fatalf("%s: expected exit 0, got %d", name, code)
		}
		raw, err := os.ReadFile(reportPath)
		if err != nil {
			t.Fatalf("%s: read report: %v", name, err)
		}
		var rep report.Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			t.Fatalf("%s: decode report: %v", name, err)
		}
		return rep
	}

	first := runOnce("first")
	if !first.IsFirstRun || first.Summary.TotalInput != 3 || first.Summary.StoredToDB != 3 {
		t.Fatalf("unexpected first run summary: %+v", first.Summary)
	}
	if first.MergeStats.BySourceType["html"].URLCollisions != 1 {
		t.Fatalf("expected html url collision, got %+v", first.MergeStats)
	}

	second := runOnce("second")
	if second.IsFirstRun {
		t.Fatalf("second run must see stored history")
	}
	if second.Summary.URLDuplicates != 3 || second.Summary.UniqueKept != 0 || second.Summary.StoredToDB != 0 {
		t.Fatalf("expected every candidate to be a url duplicate, got %+v", second.Summary)
	}
	if err := second.Consistent(); err != nil {
		t.Fatalf("inconsistent report: %v", err)
	}
}
