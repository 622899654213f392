package cache

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Expirer is anything that can drop its expired entries.
type Expirer interface {
	ClearExpired(ctx context.Context) (int, error)
}

// Sweeper runs ClearExpired on a ticker, outside the read path.
type Sweeper struct {
	target   Expirer
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper. interval defaults to DefaultPruneInterval.
func NewSweeper(target Expirer, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{target: target, interval: interval, clock: clock, logger: logger}
}

// SweepOnce runs a single sweep and logs the outcome.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.target.ClearExpired(ctx)
	if err != nil {
		s.logger.Warn("cache sweep failed", zap.Int("removed", n), zap.Error(err))
		return n, err
	}
	if n > 0 {
		s.logger.Info("cache sweep removed expired entries", zap.Int("removed", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			_, _ = s.SweepOnce(ctx)
		}
	}
}
