package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	AdjudicatorLLM   = "llm"
	AdjudicatorRules = "rules"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`
	DBLogLevel  string `envconfig:"DB_LOG_LEVEL" default:"warn"`

	RedisURL   string        `envconfig:"REDIS_URL" default:""`
	RunLockTTL time.Duration `envconfig:"RUN_LOCK_TTL" default:"45m"`

	EmbeddingEndpoint      string        `envconfig:"EMBEDDING_ENDPOINT" default:"https://api.openai.com/v1/embeddings"`
	EmbeddingAPIKey        string        `envconfig:"EMBEDDING_API_KEY" default:""`
	EmbeddingModel         string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions    int           `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbedBatchSize         int           `envconfig:"EMBED_BATCH_SIZE" default:"100"`
	EmbedConcurrency       int           `envconfig:"EMBED_CONCURRENCY" default:"2"`
	EmbedRequestsPerSecond float64       `envconfig:"EMBED_REQUESTS_PER_SECOND" default:"5"`
	EmbedRequestTimeout    time.Duration `envconfig:"EMBED_REQUEST_TIMEOUT" default:"45s"`

	Adjudicator          string  `envconfig:"ADJUDICATOR" default:"llm"`
	AnthropicAPIKey      string  `envconfig:"ANTHROPIC_API_KEY" default:""`
	AdjudicatorModel     string  `envconfig:"ADJUDICATOR_MODEL" default:"claude-haiku-4-5-20251001"`
	AdjudicatorMaxTokens int64   `envconfig:"ADJUDICATOR_MAX_TOKENS" default:"2048"`
	AdjudicatorBatches   string  `envconfig:"ADJUDICATOR_BATCH_SIZES" default:"0,7,5"`
	RulesDuplicateScore  float64 `envconfig:"RULES_DUPLICATE_SCORE" default:"0.55"`

	UniqueThreshold    float64 `envconfig:"DEDUP_UNIQUE_THRESHOLD" default:"0.75"`
	DuplicateThreshold float64 `envconfig:"DEDUP_DUPLICATE_THRESHOLD" default:"0.90"`
	LookbackHours      int     `envconfig:"LOOKBACK_HOURS" default:"48"`
	SourceTypes        string  `envconfig:"SOURCE_TYPES" default:"rss,html,social"`
	Dataset            string  `envconfig:"DATASET" default:"default"`

	HTTPHost           string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	HTTPPort           int    `envconfig:"HTTP_PORT" default:"8090"`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
	APITokenHash       string `envconfig:"API_TOKEN_HASH" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RunLockTTL <= 0 {
		return fmt.Errorf("RUN_LOCK_TTL must be > 0")
	}
	if strings.TrimSpace(c.EmbeddingEndpoint) == "" {
		return fmt.Errorf("EMBEDDING_ENDPOINT is required")
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 1")
	}
	if c.EmbedBatchSize < 1 {
		return fmt.Errorf("EMBED_BATCH_SIZE must be >= 1")
	}
	if c.EmbedConcurrency < 1 {
		return fmt.Errorf("EMBED_CONCURRENCY must be >= 1")
	}
	if c.EmbedRequestsPerSecond < 0 {
		return fmt.Errorf("EMBED_REQUESTS_PER_SECOND must be >= 0")
	}
	switch c.AdjudicatorName() {
	case AdjudicatorLLM, AdjudicatorRules:
	default:
		return fmt.Errorf("ADJUDICATOR must be %q or %q", AdjudicatorLLM, AdjudicatorRules)
	}
	if c.AdjudicatorMaxTokens < 1 {
		return fmt.Errorf("ADJUDICATOR_MAX_TOKENS must be >= 1")
	}
	if _, err := c.AdjudicatorBatchSizes(); err != nil {
		return err
	}
	if c.RulesDuplicateScore <= 0 || c.RulesDuplicateScore > 1 {
		return fmt.Errorf("RULES_DUPLICATE_SCORE must be in (0, 1]")
	}
	if c.UniqueThreshold <= 0 || c.UniqueThreshold > 1 {
		return fmt.Errorf("DEDUP_UNIQUE_THRESHOLD must be in (0, 1]")
	}
	if c.DuplicateThreshold < c.UniqueThreshold || c.DuplicateThreshold > 1 {
		return fmt.Errorf("DEDUP_DUPLICATE_THRESHOLD must be in [DEDUP_UNIQUE_THRESHOLD, 1]")
	}
	if c.LookbackHours < 1 {
		return fmt.Errorf("LOOKBACK_HOURS must be >= 1")
	}
	if len(c.SourceTypeList()) == 0 {
		return fmt.Errorf("SOURCE_TYPES must list at least one source type")
	}
	if strings.TrimSpace(c.Dataset) == "" {
		return fmt.Errorf("DATASET is required")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be in 1..65535")
	}
	return nil
}

// BoundedRunTimeout caps a run timeout at nine tenths of RUN_LOCK_TTL so the
// run lock cannot expire while the run is still writing.
func (c *Config) BoundedRunTimeout(requested time.Duration) time.Duration {
	limit := c.RunLockTTL - c.RunLockTTL/10
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

func (c *Config) AdjudicatorName() string {
	return strings.ToLower(strings.TrimSpace(c.Adjudicator))
}

// AdjudicatorBatchSizes parses ADJUDICATOR_BATCH_SIZES. A 0 entry means the
// whole batch in one call.
func (c *Config) AdjudicatorBatchSizes() ([]int, error) {
	parts := splitList(c.AdjudicatorBatches)
	if len(parts) == 0 {
		return nil, fmt.Errorf("ADJUDICATOR_BATCH_SIZES must list at least one size")
	}
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		size, err := strconv.Atoi(part)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("ADJUDICATOR_BATCH_SIZES entry %q must be a non-negative integer", part)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

func (c *Config) SourceTypeList() []string {
	if c == nil {
		return nil
	}
	return splitList(strings.ToLower(c.SourceTypes))
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	return values
}
