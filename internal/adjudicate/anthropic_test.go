package adjudicate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

func TestAnthropicCompleterReadsTextAndUsage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model  string `json:"model"`
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Model != "claude-test" || len(body.System) != 1 || body.System[0].Text != "sys" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "{\"confirmations\": []}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 42, "output_tokens": 7}
		}`))
	}))
	defer server.Close()

	completer, err := NewAnthropicCompleter(AnthropicOptions{APIKey: "test-key", Model: "claude-test", BaseURL: server.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAnthropicCompleter returned error: %v", err)
	}

	completion, err := completer.Complete(context.Background(), "sys", "prompt")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if completion.Text != `{"confirmations": []}` {
		t.Fatalf("unexpected text: %q", completion.Text)
	}
	if completion.InputTokens != 42 || completion.OutputTokens != 7 {
		t.Fatalf("unexpected usage: %+v", completion)
	}
}

func TestAnthropicCompleterOpensBreakerAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	completer, err := NewAnthropicCompleter(AnthropicOptions{APIKey: "test-key", BaseURL: server.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAnthropicCompleter returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := completer.Complete(context.Background(), "sys", "prompt"); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	_, err = completer.Complete(context.Background(), "sys", "prompt")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 upstream hits, got %d", got)
	}
}

func TestNewAnthropicCompleterRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewAnthropicCompleter(AnthropicOptions{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without api key")
	}
}
