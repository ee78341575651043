package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterEmitsJSONOutsideLocal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewWithWriter("production", "info", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter returned error: %v", err)
	}
	logger.Debug().Msg("hidden")
	logger.Info().Str("dataset", "tech").Msg("run completed")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "newsdedup" {
		t.Fatalf("expected service=newsdedup, got %v", line["service"])
	}
	if line["dataset"] != "tech" {
		t.Fatalf("expected dataset field, got %v", line["dataset"])
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := NewWithWriter("local", "loud", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected parse error for unknown level")
	}
}
