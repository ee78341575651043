package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"horse.fit/newsdedup/internal/adjudicate"
	"horse.fit/newsdedup/internal/cli"
	"horse.fit/newsdedup/internal/config"
	"horse.fit/newsdedup/internal/db"
	"horse.fit/newsdedup/internal/embedding"
	"horse.fit/newsdedup/internal/logging"
	"horse.fit/newsdedup/internal/metrics"
	"horse.fit/newsdedup/internal/pipeline"
	"horse.fit/newsdedup/internal/runlock"
	"horse.fit/newsdedup/internal/similarity"
)

// loadRuntime loads the .env file, the config and the logger, printing any
// failure to stderr. ok is false when the command should exit 1.
func loadRuntime(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, bool) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Nop(), false
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Nop(), false
	}
	return cfg, logger, true
}

// services holds everything a dedup run needs, opened from config.
type services struct {
	pool     *db.Pool
	redis    *redis.Client
	metrics  *metrics.Metrics
	pipeline *pipeline.Service
}

func openServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger, adjudicatorName string) (*services, error) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc := &services{pool: pool, metrics: metrics.New()}

	locker, err := svc.openLocker(ctx, cfg)
	if err != nil {
		svc.Close()
		return nil, err
	}

	registry, err := adjudicate.NewRegistryFromConfig(cfg, logger)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("build adjudicators: %w", err)
	}
	adjudicator, err := registry.Adjudicator(adjudicatorName)
	if err != nil {
		svc.Close()
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, fmt.Errorf("%w (set ANTHROPIC_API_KEY or ADJUDICATOR=rules)", err)
		}
		return nil, err
	}

	embedder := embedding.NewClient(embedding.Options{
		Endpoint:          cfg.EmbeddingEndpoint,
		APIKey:            cfg.EmbeddingAPIKey,
		Model:             cfg.EmbeddingModel,
		Dimensions:        cfg.EmbeddingDimensions,
		BatchSize:         cfg.EmbedBatchSize,
		Concurrency:       cfg.EmbedConcurrency,
		RequestsPerSecond: cfg.EmbedRequestsPerSecond,
		RequestTimeout:    cfg.EmbedRequestTimeout,
	}, logger)

	service, err := pipeline.NewService(pipeline.Options{
		Stores: func(dataset string) (pipeline.Store, error) {
			return pool.Dataset(dataset)
		},
		Embedder:        embedder,
		EmbedBatchSize:  cfg.EmbedBatchSize,
		Adjudicator:     adjudicator,
		Policy:          similarity.Policy{Unique: cfg.UniqueThreshold, Duplicate: cfg.DuplicateThreshold},
		Locker:          locker,
		Metrics:         svc.metrics,
		DefaultSources:  cfg.SourceTypeList(),
		DefaultLookback: cfg.LookbackHours,
	}, logger)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	svc.pipeline = service

	logger.Info().
		Str("db_dialect", pool.Dialect()).
		Str("adjudicator", adjudicator.Name()).
		Bool("redis_lock", svc.redis != nil).
		Msg("services ready")
	return svc, nil
}

func (s *services) openLocker(ctx context.Context, cfg *config.Config) (runlock.Locker, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return runlock.NewLocalLocker(), nil
	}
	client, err := runlock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	s.redis = client
	return runlock.NewRedisLocker(client, cfg.RunLockTTL), nil
}

func (s *services) Close() {
	if s == nil {
		return
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		_ = s.pool.Close()
	}
}
