package app

import (
	"fmt"
	"io"

	"horse.fit/newsdedup/internal/cli"
	"horse.fit/newsdedup/internal/payload"
	"horse.fit/newsdedup/internal/record"
)

type loadedInputs struct {
	Batches  map[string][]record.Record
	Rejected map[string]int
	Scanned  int
	Files    int
}

// loadInputs reads every --input file. Invalid candidates are reported to
// errOut and counted per source type; unreadable files are an error.
func loadInputs(inputs *cli.InputFlag, errOut io.Writer) (loadedInputs, error) {
	loaded := loadedInputs{
		Batches:  make(map[string][]record.Record),
		Rejected: make(map[string]int),
	}
	for _, sourceType := range inputs.SourceTypes() {
		for _, path := range inputs.Paths(sourceType) {
			batch, err := payload.ReadFile(path)
			if err != nil {
				return loadedInputs{}, err
			}
			loaded.Files++
			loaded.Scanned += batch.Scanned()
			for _, issue := range batch.Issues {
				fmt.Fprintf(errOut, "INVALID %s[%d]: %s\n", path, issue.Index, issue.Error)
			}
			loaded.Rejected[sourceType] += len(batch.Issues)
			loaded.Batches[sourceType] = append(loaded.Batches[sourceType], batch.Records...)
		}
	}
	return loaded, nil
}

func (l loadedInputs) Valid() int {
	valid := 0
	for _, records := range l.Batches {
		valid += len(records)
	}
	return valid
}

func (l loadedInputs) Invalid() int {
	invalid := 0
	for _, count := range l.Rejected {
		invalid += count
	}
	return invalid
}
