package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/models"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
)

// WeeklyFetcher is implemented by the service layer. The Get calls are cache-aside,
// so they only compute on a miss; Invalidate forces the next Get to recompute.
// Declared here to avoid a dependency on the service package.
type WeeklyFetcher interface {
	GetWeekly(ctx context.Context, cityID string, years []int) ([]models.WeeklyDatum, error)
	GetParkingWeekly(ctx context.Context, cityID string, years []int) ([]models.WeeklyDatum, error)
	Invalidate(ctx context.Context, key Key) error
}

// WarmTarget is one weekly aggregate to precompute.
type WarmTarget struct {
	CityID  string
	Years   []int
	Parking bool
}

func (t WarmTarget) key() Key {
	if t.Parking {
		return WeeklyKey(DomainParkingWeekly, t.CityID, t.Years)
	}
	return WeeklyKey(DomainWeekly, t.CityID, t.Years)
}

// Warmer prefetches weekly aggregates so the first user request is a hit.
type Warmer struct {
	fetcher WeeklyFetcher
	clock   clockwork.Clock
	logger  *zap.Logger
}

// NewWarmer creates a Warmer. A nil clock means the real clock.
func NewWarmer(fetcher WeeklyFetcher, clock clockwork.Clock, logger *zap.Logger) *Warmer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, clock: clock, logger: logger}
}

// Warm computes every target concurrently, filling only entries that are missing
// or expired. It returns the joined errors of the targets that failed.
func (w *Warmer) Warm(ctx context.Context, targets []WarmTarget) error {
	return w.run(ctx, targets, false)
}

// Refresh drops each target's entry before recomputing it, so fresh upstream data
// replaces an entry that is still within its TTL.
func (w *Warmer) Refresh(ctx context.Context, targets []WarmTarget) error {
	return w.run(ctx, targets, true)
}

func (w *Warmer) run(ctx context.Context, targets []WarmTarget, refresh bool) error {
	start := w.clock.Now()
	w.logger.Info("warming cache", zap.Int("targets", len(targets)), zap.Bool("refresh", refresh))

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if refresh {
				if err := w.fetcher.Invalidate(ctx, t.key()); err != nil {
					w.logger.Warn("cache warm invalidate failed", zap.String("key", t.key().String()), zap.Error(err))
				}
			}
			var err error
			if t.Parking {
				_, err = w.fetcher.GetParkingWeekly(ctx, t.CityID, t.Years)
			} else {
				_, err = w.fetcher.GetWeekly(ctx, t.CityID, t.Years)
			}
			if err != nil {
				observability.CacheWarmTotal.WithLabelValues("error").Inc()
				errCh <- fmt.Errorf("warm %s %v: %w", t.CityID, t.Years, err)
				return
			}
			observability.CacheWarmTotal.WithLabelValues("success").Inc()
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	w.logger.Info("cache warming complete",
		zap.Int("targets", len(targets)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", w.clock.Since(start).Seconds()),
	)
	return errors.Join(errs...)
}

// WarmPeriodic runs an initial Warm, then a Refresh every interval until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, targets []WarmTarget, interval time.Duration) error {
	if err := w.Warm(ctx, targets); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := w.Refresh(ctx, targets); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
