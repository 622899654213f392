package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Backend stores opaque JSON blobs under composite keys. Implementations upsert on
// Set, treat expired rows as absent on Get without deleting them, and remove
// expired rows only from ClearExpired.
type Backend interface {
	Name() string
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Set(ctx context.Context, key Key, data []byte, ttl time.Duration, metadata map[string]string) error
	Invalidate(ctx context.Context, key Key) error
	InvalidateCity(ctx context.Context, cityID string) error
	ClearExpired(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultPruneInterval bounds how often the embedded backend scans for expired rows.
const DefaultPruneInterval = 10 * time.Minute

// ShouldPrune reports whether a prune is due. A zero lastPruneAt is always due.
func ShouldPrune(now, lastPruneAt time.Time, interval time.Duration) bool {
	if lastPruneAt.IsZero() {
		return true
	}
	return now.Sub(lastPruneAt) >= interval
}

func expired(expiresAt, now time.Time) bool {
	return expiresAt.Before(now)
}

func encodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Tiered reads from the first tier that hits and writes to every tier.
type Tiered struct {
	tiers []Backend
}

// NewTiered composes backends, fastest first.
func NewTiered(tiers ...Backend) *Tiered {
	return &Tiered{tiers: tiers}
}

func (t *Tiered) Name() string {
	names := make([]string, len(t.tiers))
	for i, b := range t.tiers {
		names[i] = b.Name()
	}
	return "tiered(" + strings.Join(names, "+") + ")"
}

// Get returns the first hit. A failing tier is skipped; its error is reported
// only when no tier hits.
func (t *Tiered) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var errs []error
	for _, b := range t.tiers {
		data, ok, err := b.Get(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return data, true, nil
		}
	}
	return nil, false, errors.Join(errs...)
}

func (t *Tiered) Set(ctx context.Context, key Key, data []byte, ttl time.Duration, metadata map[string]string) error {
	var errs []error
	for _, b := range t.tiers {
		errs = append(errs, b.Set(ctx, key, data, ttl, metadata))
	}
	return errors.Join(errs...)
}

func (t *Tiered) Invalidate(ctx context.Context, key Key) error {
	var errs []error
	for _, b := range t.tiers {
		errs = append(errs, b.Invalidate(ctx, key))
	}
	return errors.Join(errs...)
}

func (t *Tiered) InvalidateCity(ctx context.Context, cityID string) error {
	var errs []error
	for _, b := range t.tiers {
		errs = append(errs, b.InvalidateCity(ctx, cityID))
	}
	return errors.Join(errs...)
}

func (t *Tiered) ClearExpired(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, b := range t.tiers {
		n, err := b.ClearExpired(ctx)
		total += n
		errs = append(errs, err)
	}
	return total, errors.Join(errs...)
}

func (t *Tiered) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range t.tiers {
		errs = append(errs, b.Ping(ctx))
	}
	return errors.Join(errs...)
}

func (t *Tiered) Close() error {
	var errs []error
	for _, b := range t.tiers {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

// Router maps each domain to a backend, falling back to a default.
type Router struct {
	fallback Backend
	routes   map[Domain]Backend
}

// NewRouter routes every domain to fallback until Route overrides it.
func NewRouter(fallback Backend) *Router {
	return &Router{fallback: fallback, routes: make(map[Domain]Backend)}
}

// Route sends domain d to b.
func (r *Router) Route(d Domain, b Backend) *Router {
	r.routes[d] = b
	return r
}

// For returns the backend serving d.
func (r *Router) For(d Domain) Backend {
	if b, ok := r.routes[d]; ok {
		return b
	}
	return r.fallback
}

// Backends returns each distinct top-level backend once, fallback first.
func (r *Router) Backends() []Backend {
	out := []Backend{r.fallback}
	seen := map[Backend]bool{r.fallback: true}
	for _, d := range AllDomains() {
		b, ok := r.routes[d]
		if !ok || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
