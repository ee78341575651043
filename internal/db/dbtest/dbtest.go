// Package dbtest opens throwaway sqlite-backed pools for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"horse.fit/newsdedup/internal/clock"
	"horse.fit/newsdedup/internal/config"
	"horse.fit/newsdedup/internal/db"
)

func NewPool(t testing.TB, c clock.Clock) *db.Pool {
	t.Helper()

	cfg := &config.Config{
		Environment: "test",
		DatabaseURL: "sqlite://" + filepath.Join(t.TempDir(), "newsdedup.db"),
		DBMinConns:  1,
		DBMaxConns:  1,
		DBLogLevel:  "silent",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg, db.WithClock(c))
	if err != nil {
		t.Fatalf("open sqlite pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func NewStore(t testing.TB, c clock.Clock, dataset string) *db.RecordStore {
	t.Helper()

	store, err := NewPool(t, c).Dataset(dataset)
	if err != nil {
		t.Fatalf("open dataset %q: %v", dataset, err)
	}
	return store
}
