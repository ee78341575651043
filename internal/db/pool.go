package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/newsdedup/internal/clock"
	"horse.fit/newsdedup/internal/config"
)

var ErrNoRows = sql.ErrNoRows

const sqliteScheme = "sqlite://"

type Pool struct {
	gdb    *gorm.DB
	sqlDB  *sql.DB
	clock  clock.Clock
	sqlite bool
}

type Option func(*Pool)

// WithClock overrides the clock used for created_at stamps and lookback cutoffs.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		p.clock = clock.OrSystem(c)
	}
}

func NewPool(ctx context.Context, cfg *config.Config, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	pool := &Pool{clock: clock.System()}
	for _, opt := range opts {
		opt(pool)
	}

	dialector, isSQLite := resolveDialector(cfg.DatabaseURL)
	pool.sqlite = isSQLite

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(resolveGormLogLevel(cfg.DBLogLevel, cfg.Environment)),
		NowFunc: func() time.Time {
			return pool.clock.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}

	maxOpen := int(cfg.DBMaxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	if isSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(cfg.DBMinConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pool.gdb = gdb
	pool.sqlDB = sqlDB
	if err := pool.autoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}

	return pool, nil
}

// resolveDialector accepts sqlite://<path>, file:<path>, a bare *.db path, or
// anything else as a postgres DSN.
func resolveDialector(databaseURL string) (gorm.Dialector, bool) {
	trimmed := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, sqliteScheme):
		return sqlite.Open(trimmed[len(sqliteScheme):]), true
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return sqlite.Open(trimmed), true
	default:
		return postgres.Open(trimmed), false
	}
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func (p *Pool) GORM() *gorm.DB {
	if p == nil {
		return nil
	}
	return p.gdb
}

func (p *Pool) Dialect() string {
	if p == nil || p.gdb == nil {
		return ""
	}
	return p.gdb.Dialector.Name()
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows) || errors.Is(err, gorm.ErrRecordNotFound)
}

func resolveGormLogLevel(dbLogLevel, environment string) logger.LogLevel {
	level := strings.ToLower(strings.TrimSpace(dbLogLevel))
	switch level {
	case "trace", "debug", "info":
		return logger.Info
	case "warn", "warning", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}
