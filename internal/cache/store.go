package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/observability"
)

// Store is the typed face of the cache. Backend failures are logged and counted,
// never returned from Load or Save: an outage degrades to "always miss".
type Store struct {
	router *Router
	ttls   map[Domain]time.Duration
	logger *zap.Logger
}

// NewStore creates a Store over router. ttls overrides per-domain defaults.
func NewStore(router *Router, ttls map[Domain]time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	merged := make(map[Domain]time.Duration, len(domains))
	for _, d := range AllDomains() {
		merged[d] = d.DefaultTTL()
	}
	for d, ttl := range ttls {
		if d.Valid() && ttl > 0 {
			merged[d] = ttl
		}
	}
	return &Store{router: router, ttls: merged, logger: logger}
}

// TTL returns the effective TTL for d.
func (s *Store) TTL(d Domain) time.Duration {
	return s.ttls[d]
}

// Load returns the value cached under key, or false on miss, expiry or backend failure.
func Load[T any](ctx context.Context, s *Store, key Key) (T, bool) {
	var zero T
	b := s.router.For(key.Domain)
	data, ok, err := b.Get(ctx, key)
	if err != nil {
		s.backendError("get", b, key, err)
		observability.CacheMissesTotal.WithLabelValues(string(key.Domain)).Inc()
		return zero, false
	}
	if !ok {
		observability.CacheMissesTotal.WithLabelValues(string(key.Domain)).Inc()
		return zero, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		s.backendError("decode", b, key, err)
		observability.CacheMissesTotal.WithLabelValues(string(key.Domain)).Inc()
		return zero, false
	}
	observability.CacheHitsTotal.WithLabelValues(string(key.Domain)).Inc()
	return v, true
}

// Save stores value under key. ttl 0 uses the domain TTL; a negative ttl stores an
// already-expired entry.
func Save[T any](ctx context.Context, s *Store, key Key, value T, ttl time.Duration, metadata map[string]string) {
	if ttl == 0 {
		ttl = s.TTL(key.Domain)
	}
	b := s.router.For(key.Domain)
	data, err := json.Marshal(value)
	if err != nil {
		s.backendError("encode", b, key, err)
		return
	}
	if err := b.Set(ctx, key, data, ttl, metadata); err != nil {
		s.backendError("set", b, key, err)
	}
}

// Invalidate removes one entry.
func (s *Store) Invalidate(ctx context.Context, key Key) error {
	b := s.router.For(key.Domain)
	if err := b.Invalidate(ctx, key); err != nil {
		s.backendError("invalidate", b, key, err)
		return err
	}
	return nil
}

// InvalidateCity removes every entry of cityID from every backend.
func (s *Store) InvalidateCity(ctx context.Context, cityID string) error {
	var errs []error
	for _, b := range s.router.Backends() {
		if err := b.InvalidateCity(ctx, cityID); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("invalidate_city", b.Name()).Inc()
			s.logger.Warn("cache invalidate city failed",
				zap.String("backend", b.Name()),
				zap.String("city", cityID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearExpired sweeps every backend and returns the number of rows removed.
func (s *Store) ClearExpired(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, b := range s.router.Backends() {
		n, err := b.ClearExpired(ctx)
		total += n
		if n > 0 {
			observability.CacheEntriesPrunedTotal.WithLabelValues(b.Name()).Add(float64(n))
		}
		if err != nil {
			observability.CacheErrorsTotal.WithLabelValues("clear_expired", b.Name()).Inc()
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Ping checks every backend.
func (s *Store) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range s.router.Backends() {
		if err := b.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) backendError(op string, b Backend, key Key, err error) {
	observability.CacheErrorsTotal.WithLabelValues(op, b.Name()).Inc()
	s.logger.Warn("cache operation failed",
		zap.String("op", op),
		zap.String("backend", b.Name()),
		zap.String("key", key.String()),
		zap.Error(err),
	)
}
