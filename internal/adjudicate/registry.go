package adjudicate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/newsdedup/internal/config"
)

// Registry stores adjudicators and resolves the configured default.
type Registry struct {
	adjudicators map[string]Adjudicator
	defaultName  string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{
		adjudicators: make(map[string]Adjudicator),
		defaultName:  normalizeName(defaultName),
	}
}

// NewRegistryFromConfig registers the rules adjudicator, and the llm
// adjudicator when an Anthropic API key is configured.
func NewRegistryFromConfig(cfg *config.Config, logger zerolog.Logger) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	registry := NewRegistry(cfg.AdjudicatorName())
	if err := registry.Register(NewRules(cfg.RulesDuplicateScore)); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		sizes, err := cfg.AdjudicatorBatchSizes()
		if err != nil {
			return nil, err
		}
		completer, err := NewAnthropicCompleter(AnthropicOptions{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.AdjudicatorModel,
			MaxTokens: cfg.AdjudicatorMaxTokens,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(NewLLM(completer, BatchSizePolicy{Sizes: sizes}, logger)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Register(adjudicator Adjudicator) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if adjudicator == nil {
		return fmt.Errorf("adjudicator is nil")
	}
	name := normalizeName(adjudicator.Name())
	if name == "" {
		return fmt.Errorf("adjudicator name is required")
	}
	r.adjudicators[name] = adjudicator
	return nil
}

// Adjudicator resolves by name. An empty name uses the default.
func (r *Registry) Adjudicator(name string) (Adjudicator, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	resolved := normalizeName(name)
	if resolved == "" {
		resolved = r.defaultName
	}
	adjudicator, ok := r.adjudicators[resolved]
	if !ok {
		return nil, fmt.Errorf("adjudicator %q is not registered (available: %s)", resolved, strings.Join(r.Names(), ", "))
	}
	return adjudicator, nil
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adjudicators))
	for name := range r.adjudicators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
