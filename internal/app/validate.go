package app

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"horse.fit/newsdedup/internal/cli"
)

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var inputs cli.InputFlag
	fs.Var(&inputs, "input", "Candidate file as <source_type>=<path> (repeatable)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if inputs.Empty() {
		fmt.Fprintln(os.Stderr, "Validation failed: at least one --input <source_type>=<path> is required")
		return 2
	}

	loaded, err := loadInputs(&inputs, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"validate scanned=%d valid=%d invalid=%d files=%d\n",
		loaded.Scanned,
		loaded.Valid(),
		loaded.Invalid(),
		loaded.Files,
	)

	if loaded.Invalid() > 0 {
		return 1
	}
	return 0
}
