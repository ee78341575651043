package adjudicate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	DefaultModel     = "claude-haiku-4-5-20251001"
	DefaultMaxTokens = 2048
)

type AnthropicOptions struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API host; used by tests.
	BaseURL string
}

// AnthropicCompleter calls the Messages API through a circuit breaker that
// opens after three consecutive failures.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	breaker   *gobreaker.CircuitBreaker
}

func NewAnthropicCompleter(opts AnthropicOptions, logger zerolog.Logger) (*AnthropicCompleter, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the llm adjudicator")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	requestOptions := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(requestOptions...)

	breakerLogger := logger.With().Str("component", "adjudicator").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic-adjudicator",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerLogger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &AnthropicCompleter{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		breaker:   breaker,
	}, nil
}

func (c *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return nil, err
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return Completion{
			Text:         text.String(),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}, nil
	})
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic messages: %w", err)
	}
	return result.(Completion), nil
}
