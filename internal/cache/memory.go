package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// InMemoryBackend keeps entries in a map. It follows the same read/expire/write
// contract as the durable backends and exists to keep tests hermetic.
type InMemoryBackend struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	cityID    string
	data      []byte
	metadata  map[string]string
	createdAt time.Time
	expiresAt time.Time
}

// NewInMemoryBackend creates an empty backend. A nil clock uses the real clock.
func NewInMemoryBackend(clock clockwork.Clock) *InMemoryBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryBackend{clock: clock, entries: make(map[string]memoryEntry)}
}

func (m *InMemoryBackend) Name() string { return "memory" }

// Get returns the entry if present and not expired. Expired entries stay until ClearExpired.
func (m *InMemoryBackend) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.String()]
	if !ok || expired(e.expiresAt, m.clock.Now()) {
		return nil, false, nil
	}
	return append([]byte(nil), e.data...), true, nil
}

func (m *InMemoryBackend) Set(ctx context.Context, key Key, data []byte, ttl time.Duration, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	k := key.String()
	e, ok := m.entries[k]
	if !ok {
		e = memoryEntry{cityID: key.CityID, createdAt: now}
	}
	e.data = append([]byte(nil), data...)
	e.metadata = metadata
	e.expiresAt = now.Add(ttl)
	m.entries[k] = e
	return nil
}

func (m *InMemoryBackend) Invalidate(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key.String())
	return nil
}

func (m *InMemoryBackend) InvalidateCity(ctx context.Context, cityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.cityID == cityID {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *InMemoryBackend) ClearExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for k, e := range m.entries {
		if expired(e.expiresAt, now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *InMemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *InMemoryBackend) Close() error { return nil }

// Len returns the number of stored entries, expired ones included.
func (m *InMemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
