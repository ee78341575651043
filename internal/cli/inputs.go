package cli

import (
	"fmt"
	"sort"
	"strings"
)

// InputFlag collects repeatable --input <source_type>=<path> values.
type InputFlag struct {
	paths map[string][]string
}

func (f *InputFlag) String() string {
	if f == nil || len(f.paths) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.paths))
	for _, sourceType := range f.SourceTypes() {
		for _, path := range f.paths[sourceType] {
			parts = append(parts, sourceType+"="+path)
		}
	}
	return strings.Join(parts, ",")
}

func (f *InputFlag) Set(raw string) error {
	sourceType, path, ok := strings.Cut(strings.TrimSpace(raw), "=")
	sourceType = strings.ToLower(strings.TrimSpace(sourceType))
	path = strings.TrimSpace(path)
	if !ok || sourceType == "" || path == "" {
		return fmt.Errorf("expected <source_type>=<path>, got %q", raw)
	}
	if f.paths == nil {
		f.paths = make(map[string][]string)
	}
	f.paths[sourceType] = append(f.paths[sourceType], path)
	return nil
}

// SourceTypes returns the source types that received at least one path, sorted.
func (f *InputFlag) SourceTypes() []string {
	if f == nil {
		return nil
	}
	types := make([]string, 0, len(f.paths))
	for sourceType := range f.paths {
		types = append(types, sourceType)
	}
	sort.Strings(types)
	return types
}

func (f *InputFlag) Paths(sourceType string) []string {
	if f == nil {
		return nil
	}
	return f.paths[sourceType]
}

func (f *InputFlag) Empty() bool {
	return f == nil || len(f.paths) == 0
}
