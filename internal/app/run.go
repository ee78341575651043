package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"horse.fit/newsdedup/internal/cli"
	"horse.fit/newsdedup/internal/pipeline"
	"horse.fit/newsdedup/internal/record"
	"horse.fit/newsdedup/internal/report"
)

func runDedup(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	var inputs cli.InputFlag
	fs.Var(&inputs, "input", "Candidate file as <source_type>=<path> (repeatable)")
	dataset := fs.String("dataset", "", "Dataset name (default: DATASET)")
	sourceTypes := fs.String("source-types", "", "Comma-separated source priority (default: SOURCE_TYPES)")
	lookbackHours := fs.Int("lookback-hours", 0, "History window in hours (default: LOOKBACK_HOURS)")
	adjudicatorName := fs.String("adjudicator", "", "Adjudicator for ambiguous pairs: llm|rules (default: ADJUDICATOR)")
	reportOut := fs.String("report-out", "", "Write the JSON run report to this path ('-' for stdout)")
	output := fs.String("output", "", "Write the accepted records as JSON to this path ('-' for stdout)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Run timeout, capped below RUN_LOCK_TTL")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *lookbackHours < 0 {
		fmt.Fprintln(os.Stderr, "--lookback-hours must be >= 0")
		return 2
	}

	cfg, logger, ok := loadRuntime(envLoader)
	if !ok {
		return 1
	}

	loaded, err := loadInputs(&inputs, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load inputs: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runTimeout := cfg.BoundedRunTimeout(*timeout)
	if runTimeout != *timeout {
		logger.Warn().Dur("requested", *timeout).Dur("timeout", runTimeout).Msg("run timeout capped below RUN_LOCK_TTL")
	}
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	svc, err := openServices(ctx, cfg, logger, *adjudicatorName)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}
	defer svc.Close()

	name := strings.TrimSpace(*dataset)
	if name == "" {
		name = cfg.Dataset
	}
	priority := cfg.SourceTypeList()
	if strings.TrimSpace(*sourceTypes) != "" {
		priority = splitCSV(*sourceTypes)
	}

	result, runErr := svc.pipeline.Run(ctx, pipeline.RunParams{
		Dataset:       name,
		LookbackHours: *lookbackHours,
		SourceTypes:   priority,
		Batches:       loaded.Batches,
		Rejected:      loaded.Rejected,
	})
	if runErr != nil && pipeline.IsBusy(runErr) {
		fmt.Fprintf(os.Stderr, "Run skipped: %v\n", runErr)
		return 1
	}

	if err := writeJSONTarget(*reportOut, result.Report); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
		return 1
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		return 1
	}
	finalUnique := result.FinalUnique
	if finalUnique == nil {
		finalUnique = []record.Record{}
	}
	if err := writeJSONTarget(*output, finalUnique); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}

	summaryOut := os.Stdout
	if strings.TrimSpace(*reportOut) == "-" || strings.TrimSpace(*output) == "-" {
		summaryOut = os.Stderr
	}
	summary := result.Report.Summary
	fmt.Fprintf(
		summaryOut,
		"run_id=%s dataset=%s first_run=%t total_input=%d unique_kept=%d duplicates_removed=%d stored=%d\n",
		result.Report.RunID,
		result.Report.Dataset,
		result.Report.IsFirstRun,
		summary.TotalInput,
		summary.UniqueKept,
		summary.DuplicatesRemoved,
		summary.StoredToDB,
	)
	return 0
}

// writeJSONTarget writes value to path, to stdout for "-", or nowhere when
// path is empty.
func writeJSONTarget(path string, value any) error {
	path = strings.TrimSpace(path)
	switch path {
	case "":
		return nil
	case "-":
		return report.WriteJSON(os.Stdout, value)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteJSON(file, value); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if value := strings.ToLower(strings.TrimSpace(part)); value != "" {
			out = append(out, value)
		}
	}
	return out
}
