// Command sweep deletes expired rows from the shared Postgres cache tier. It runs
// once by default, or on an interval when -interval is set.
//
// Usage:
//
//	go run ./cmd/sweep -database-url postgres://... -batch 500
//	DATABASE_URL=postgres://... go run ./cmd/sweep -interval 10m
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/cache"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
)

func main() {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string (default $DATABASE_URL)")
	interval := flag.Duration("interval", 0, "repeat the sweep on this interval; 0 runs once")
	batch := flag.Uint64("batch", 500, "expired rows fetched per query")
	flag.Parse()

	if *databaseURL == "" || *batch == 0 {
		flag.Usage()
		os.Exit(1)
	}

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := cache.OpenPostgres(ctx, *databaseURL)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer pool.Close()

	clock := clockwork.NewRealClock()
	backend := cache.NewPostgresBackend(pool, clock, logger)
	if err := run(ctx, backend, clock, *interval, *batch, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweep failed", zap.Error(err))
		os.Exit(1)
	}
}

// expiredStore is the subset of PostgresBackend the sweep needs.
type expiredStore interface {
	GetExpired(ctx context.Context, now time.Time, limit uint64) ([]cache.ExpiredEntry, error)
	DeleteEntry(ctx context.Context, id int64) error
}

func run(ctx context.Context, store expiredStore, clock clockwork.Clock, interval time.Duration, batch uint64, logger *zap.Logger) error {
	if interval <= 0 {
		_, err := sweep(ctx, store, clock.Now(), batch, logger)
		return err
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := sweep(ctx, store, clock.Now(), batch, logger); err != nil {
			logger.Warn("sweep pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// sweep deletes rows expired at now in batches until a short batch comes back.
func sweep(ctx context.Context, store expiredStore, now time.Time, batch uint64, logger *zap.Logger) (int, error) {
	start := time.Now()
	removed := 0
	byDomain := map[cache.Domain]int{}
	for {
		entries, err := store.GetExpired(ctx, now, batch)
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if err := store.DeleteEntry(ctx, e.ID); err != nil {
				return removed, fmt.Errorf("delete %d (%s): %w", e.ID, e.CacheKey, err)
			}
			removed++
			byDomain[e.CacheType]++
		}
		if uint64(len(entries)) < batch {
			break
		}
	}
	fields := []zap.Field{zap.Int("removed", removed), zap.Duration("duration", time.Since(start))}
	for d, n := range byDomain {
		fields = append(fields, zap.Int(string(d), n))
	}
	logger.Info("cache sweep complete", fields...)
	return removed, nil
}
