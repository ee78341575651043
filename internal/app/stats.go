package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"horse.fit/newsdedup/internal/cli"
	"horse.fit/newsdedup/internal/db"
	"horse.fit/newsdedup/internal/report"
)

type statsOutput struct {
	Dataset   string            `json:"dataset"`
	Hours     int               `json:"hours"`
	Decisions []db.DecisionStat `json:"decisions"`
	Runs      []db.DedupRun     `json:"runs"`
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	dataset := fs.String("dataset", "", "Dataset name (default: DATASET)")
	hours := fs.Int("hours", 24, "Decision window in hours")
	runs := fs.Int("runs", 5, "Number of recent runs to list (0 to skip)")
	format := fs.String("format", "table", "Output format: table|json")
	timeout := fs.Duration("timeout", 30*time.Second, "Query timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *hours < 1 {
		fmt.Fprintln(os.Stderr, "--hours must be >= 1")
		return 2
	}
	outputFormat := strings.ToLower(strings.TrimSpace(*format))
	if outputFormat != "table" && outputFormat != "json" {
		fmt.Fprintf(os.Stderr, "--format must be table or json, got %q\n", *format)
		return 2
	}

	cfg, logger, ok := loadRuntime(envLoader)
	if !ok {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("open database failed")
		fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
		return 1
	}
	defer pool.Close()

	name := strings.TrimSpace(*dataset)
	if name == "" {
		name = cfg.Dataset
	}
	store, err := pool.Dataset(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
		return 1
	}

	out, err := collectStats(ctx, store, *hours, *runs)
	if err != nil {
		logger.Error().Err(err).Str("dataset", name).Msg("stats query failed")
		fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
		return 1
	}

	if outputFormat == "json" {
		if err := report.WriteJSON(os.Stdout, out); err != nil {
			fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
			return 1
		}
		return 0
	}
	renderStats(os.Stdout, out)
	return 0
}

type statsSource interface {
	Name() string
	DecisionStats(ctx context.Context, hours int) ([]db.DecisionStat, error)
	ListRuns(ctx context.Context, limit int) ([]db.DedupRun, error)
}

func collectStats(ctx context.Context, store statsSource, hours, runLimit int) (statsOutput, error) {
	decisions, err := store.DecisionStats(ctx, hours)
	if err != nil {
		return statsOutput{}, err
	}
	out := statsOutput{
		Dataset:   store.Name(),
		Hours:     hours,
		Decisions: decisions,
		Runs:      []db.DedupRun{},
	}
	if runLimit > 0 {
		runs, err := store.ListRuns(ctx, runLimit)
		if err != nil {
			return statsOutput{}, err
		}
		out.Runs = runs
	}
	return out, nil
}

func renderStats(w io.Writer, out statsOutput) {
	decisions := table.NewWriter()
	decisions.SetOutputMirror(w)
	decisions.SetStyle(table.StyleLight)
	decisions.SetTitle(fmt.Sprintf("Dedup decisions: %s, last %dh", out.Dataset, out.Hours))
	decisions.AppendHeader(table.Row{"Kind", "Count", "Confirmed", "Avg similarity"})
	var total int64
	for _, stat := range out.Decisions {
		avg := "-"
		if stat.AvgSimilarity != nil {
			avg = fmt.Sprintf("%.3f", *stat.AvgSimilarity)
		}
		decisions.AppendRow(table.Row{stat.DecisionKind, stat.Count, stat.ConfirmedCount, avg})
		total += stat.Count
	}
	decisions.AppendFooter(table.Row{"Total", total, "", ""})
	decisions.Render()

	if len(out.Runs) == 0 {
		return
	}
	runs := table.NewWriter()
	runs.SetOutputMirror(w)
	runs.SetStyle(table.StyleLight)
	runs.SetTitle("Recent runs")
	runs.AppendHeader(table.Row{"Run", "Status", "Started", "Input", "Kept", "Removed", "Stored"})
	for _, run := range out.Runs {
		runs.AppendRow(table.Row{
			run.RunID,
			run.Status,
			run.StartedAt.UTC().Format(time.RFC3339),
			run.TotalInput,
			run.UniqueKept,
			run.DuplicatesRemoved,
			run.StoredCount,
		})
	}
	runs.Render()
}
