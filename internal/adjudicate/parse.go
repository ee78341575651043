package adjudicate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	fencedBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	objectRegex      = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseResult is either a parsed value or the reason parsing failed.
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	OriginalText string
}

// ParseJSON decodes text as T, trying the raw text, then the first fenced
// block, then the outermost {...} span.
func ParseJSON[T any](text string) ParseResult[T] {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ParseResult[T]{Error: "empty response", OriginalText: text}
	}

	candidates := []string{trimmed}
	if match := fencedBlockRegex.FindStringSubmatch(trimmed); len(match) == 2 {
		candidates = append(candidates, strings.TrimSpace(match[1]))
	}
	if span := objectRegex.FindString(trimmed); span != "" && span != trimmed {
		candidates = append(candidates, span)
	}

	var firstErr error
	for _, candidate := range candidates {
		var data T
		if err := decodeJSON(candidate, &data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return ParseResult[T]{Success: true, Data: data, OriginalText: text}
	}
	return ParseResult[T]{Error: firstErr.Error(), OriginalText: text}
}

func decodeJSON(text string, out any) error {
	decoder := json.NewDecoder(bytes.NewReader([]byte(text)))
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	var trailing json.RawMessage
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode json: unexpected trailing content")
	}
	return nil
}
