package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBackend fails every operation.
type failingBackend struct{ InMemoryBackend }

var errBackendDown = errors.New("backend down")

func (f *failingBackend) Name() string { return "failing" }
func (f *failingBackend) Get(context.Context, Key) ([]byte, bool, error) {
	return nil, false, errBackendDown
}
func (f *failingBackend) Set(context.Context, Key, []byte, time.Duration, map[string]string) error {
	return errBackendDown
}
func (f *failingBackend) Invalidate(context.Context, Key) error        { return errBackendDown }
func (f *failingBackend) InvalidateCity(context.Context, string) error { return errBackendDown }
func (f *failingBackend) ClearExpired(context.Context) (int, error)    { return 0, errBackendDown }
func (f *failingBackend) Ping(context.Context) error                   { return errBackendDown }

func TestTiered_ReadsFirstHitWritesAll(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	fast, slow := NewInMemoryBackend(clock), NewInMemoryBackend(clock)
	tiered := NewTiered(fast, slow)
	key := WeeklyKey(DomainParkingWeekly, "sanfrancisco", []int{2025})

	require.NoError(t, tiered.Set(ctx, key, []byte(`[1]`), time.Minute, nil))
	assert.Equal(t, 1, fast.Len())
	assert.Equal(t, 1, slow.Len())

	require.NoError(t, fast.Invalidate(ctx, key))
	got, ok, err := tiered.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok, "falls through to the second tier")
	assert.JSONEq(t, `[1]`, string(got))

	require.NoError(t, tiered.InvalidateCity(ctx, "sanfrancisco"))
	assert.Equal(t, 0, slow.Len())
	assert.Equal(t, "tiered(memory+memory)", tiered.Name())
}

func TestTiered_FailingTierIsSkipped(t *testing.T) {
	ctx := context.Background()
	good := NewInMemoryBackend(nil)
	tiered := NewTiered(&failingBackend{}, good)
	key := StatsKey("oakland", 2025, 2024)

	err := tiered.Set(ctx, key, []byte(`{}`), time.Minute, nil)
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, 1, good.Len(), "healthy tier still written")

	_, ok, err := tiered.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = tiered.Get(ctx, StatsKey("oakland", 2020, 2019))
	assert.ErrorIs(t, err, errBackendDown)
	assert.False(t, ok)
}

func TestRouter(t *testing.T) {
	embedded, remote := NewInMemoryBackend(nil), NewInMemoryBackend(nil)
	tiered := NewTiered(embedded, remote)
	r := NewRouter(embedded).Route(DomainParkingWeekly, tiered).Route(DomainWeekly, tiered)

	assert.Same(t, embedded, r.For(DomainStats))
	assert.Same(t, tiered, r.For(DomainParkingWeekly))
	backends := r.Backends()
	require.Len(t, backends, 2)
	assert.Same(t, embedded, backends[0])
	assert.Same(t, tiered, backends[1])
}
