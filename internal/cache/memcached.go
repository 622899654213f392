package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/jonboulle/clockwork"
)

const (
	keyPrefix       = "civic:"
	maxKeyLength    = 250
	maxRelativeExp  = 30 * 24 * 60 * 60
	generationScope = keyPrefix + "gen:"
)

// memcachedEnvelope wraps stored data so reads can apply the same expiry rule as
// the SQL backends instead of relying on memcached's one-second granularity.
type memcachedEnvelope struct {
	Data      json.RawMessage   `json:"data"`
	ExpiresAt int64             `json:"expiresAt"`
	CreatedAt int64             `json:"createdAt"`
	CityID    string            `json:"cityId"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MemcachedBackend is the remote key-value alternative to PostgresBackend.
// City invalidation bumps a per-city generation number that is part of every key,
// orphaning the old entries until memcached evicts them.
type MemcachedBackend struct {
	client *memcache.Client
	clock  clockwork.Clock
}

// NewMemcachedBackend creates a MemcachedBackend. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedBackend(addrs string, timeout time.Duration, maxIdleConns int, clock clockwork.Clock) (*MemcachedBackend, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemcachedBackend{client: client, clock: clock}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedBackend) Name() string { return "memcached" }

// generation returns the current generation for cityID, seeding it from the clock
// when absent so an evicted counter never resurrects older entries.
func (c *MemcachedBackend) generation(cityID string) (string, error) {
	genKey := generationScope + cityID
	item, err := c.client.Get(genKey)
	if err == nil {
		return string(item.Value), nil
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		return "", err
	}
	seed := strconv.FormatInt(c.clock.Now().UnixNano(), 10)
	err = c.client.Add(&memcache.Item{Key: genKey, Value: []byte(seed)})
	if errors.Is(err, memcache.ErrNotStored) {
		// Lost the race; read the winner's value.
		item, err = c.client.Get(genKey)
		if err != nil {
			return "", err
		}
		return string(item.Value), nil
	}
	if err != nil {
		return "", err
	}
	return seed, nil
}

func (c *MemcachedBackend) itemKey(key Key) (string, error) {
	gen, err := c.generation(key.CityID)
	if err != nil {
		return "", err
	}
	return memcachedKey(gen, key), nil
}

// memcachedKey builds the item key, hashing keys that exceed memcached's limit.
func memcachedKey(gen string, key Key) string {
	k := keyPrefix + gen + ":" + key.String()
	if len(k) <= maxKeyLength {
		return k
	}
	sum := sha256.Sum256([]byte(k))
	return keyPrefix + "h:" + hex.EncodeToString(sum[:])
}

func (c *MemcachedBackend) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k, err := c.itemKey(key)
	if err != nil {
		return nil, false, err
	}
	item, err := c.client.Get(k)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var env memcachedEnvelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return nil, false, fmt.Errorf("memcached cache decode %s: %w", key, err)
	}
	if expired(time.UnixMilli(env.ExpiresAt), c.clock.Now()) {
		return nil, false, nil
	}
	return env.Data, true, nil
}

// Set stores data under key. A non-positive ttl deletes the key instead, since an
// already-expired entry is indistinguishable from an absent one.
func (c *MemcachedBackend) Set(ctx context.Context, key Key, data []byte, ttl time.Duration, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return c.Invalidate(ctx, key)
	}
	k, err := c.itemKey(key)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	raw, err := json.Marshal(memcachedEnvelope{
		Data:      data,
		ExpiresAt: now.Add(ttl).UnixMilli(),
		CreatedAt: now.UnixMilli(),
		CityID:    key.CityID,
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        k,
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// expirationSeconds rounds ttl up to whole seconds within memcached's relative range.
func expirationSeconds(ttl time.Duration) int32 {
	sec := int64(math.Ceil(ttl.Seconds()))
	if sec < 1 {
		sec = 1
	}
	if sec > maxRelativeExp {
		sec = maxRelativeExp
	}
	return int32(sec)
}

func (c *MemcachedBackend) Invalidate(ctx context.Context, key Key) error {
	k, err := c.itemKey(key)
	if err != nil {
		return err
	}
	if err := c.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

func (c *MemcachedBackend) InvalidateCity(ctx context.Context, cityID string) error {
	genKey := generationScope + cityID
	if _, err := c.client.Increment(genKey, 1); err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			// No generation yet means nothing was cached for the city.
			return nil
		}
		return err
	}
	return nil
}

// ClearExpired is a no-op; memcached expires items itself.
func (c *MemcachedBackend) ClearExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (c *MemcachedBackend) Ping(ctx context.Context) error {
	return c.client.Ping()
}

func (c *MemcachedBackend) Close() error {
	return c.client.Close()
}
