package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/civic-signals-service/internal/models"
)

type mockWeeklyFetcher struct {
	mu      sync.Mutex
	calls   []string
	err     error
	failFor string
}

func (m *mockWeeklyFetcher) record(kind, city string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, kind+":"+city)
	if m.err != nil && (m.failFor == "" || m.failFor == city) {
		return m.err
	}
	return nil
}

func (m *mockWeeklyFetcher) GetWeekly(ctx context.Context, cityID string, years []int) ([]models.WeeklyDatum, error) {
	return nil, m.record("weekly", cityID)
}

func (m *mockWeeklyFetcher) GetParkingWeekly(ctx context.Context, cityID string, years []int) ([]models.WeeklyDatum, error) {
	return nil, m.record("parking", cityID)
}

func (m *mockWeeklyFetcher) Invalidate(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "invalidate:"+key.String())
	return nil
}

func (m *mockWeeklyFetcher) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func TestWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockWeeklyFetcher{}
	warmer := NewWarmer(fetcher, nil, nil)

	err := warmer.Warm(context.Background(), []WarmTarget{
		{CityID: "oakland", Years: []int{2025}},
		{CityID: "sanfrancisco", Years: []int{2025}, Parking: true},
	})
	if err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.calls) != 2 {
		t.Errorf("fetcher calls = %v, want 2", fetcher.calls)
	}
}

func TestWarmer_Warm_EmptyTargets(t *testing.T) {
	warmer := NewWarmer(&mockWeeklyFetcher{}, nil, nil)
	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm(nil) error = %v, want nil", err)
	}
}

func TestWarmer_Warm_PartialFailure(t *testing.T) {
	fetcher := &mockWeeklyFetcher{err: errors.New("api down"), failFor: "losangeles"}
	warmer := NewWarmer(fetcher, nil, nil)

	err := warmer.Warm(context.Background(), []WarmTarget{
		{CityID: "oakland", Years: []int{2025}},
		{CityID: "losangeles", Years: []int{2025}},
	})
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "warm losangeles") || strings.Contains(err.Error(), "warm oakland") {
		t.Errorf("Warm() error = %q, want only losangeles", err)
	}
}

func TestWarmer_WarmPeriodic_StopsOnCancel(t *testing.T) {
	warmer := NewWarmer(&mockWeeklyFetcher{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := warmer.WarmPeriodic(ctx, []WarmTarget{{CityID: "oakland", Years: []int{2025}}}, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WarmPeriodic() = %v, want DeadlineExceeded", err)
	}
}

func TestWarmer_Warm_DoesNotInvalidate(t *testing.T) {
	fetcher := &mockWeeklyFetcher{}
	warmer := NewWarmer(fetcher, nil, nil)

	if err := warmer.Warm(context.Background(), []WarmTarget{{CityID: "oakland", Years: []int{2025}}}); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	for _, c := range fetcher.snapshot() {
		if strings.HasPrefix(c, "invalidate:") {
			t.Errorf("Warm() called %s, want fill-only", c)
		}
	}
}

func TestWarmer_Refresh_InvalidatesBeforeFetch(t *testing.T) {
	fetcher := &mockWeeklyFetcher{}
	warmer := NewWarmer(fetcher, nil, nil)

	err := warmer.Refresh(context.Background(), []WarmTarget{
		{CityID: "sanfrancisco", Years: []int{2025, 2024}, Parking: true},
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	want := []string{
		"invalidate:" + WeeklyKey(DomainParkingWeekly, "sanfrancisco", []int{2024, 2025}).String(),
		"parking:sanfrancisco",
	}
	got := fetcher.snapshot()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestWarmer_WarmPeriodic_RefreshesOnTick(t *testing.T) {
	fetcher := &mockWeeklyFetcher{}
	clock := clockwork.NewFakeClock()
	warmer := NewWarmer(fetcher, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- warmer.WarmPeriodic(ctx, []WarmTarget{{CityID: "oakland", Years: []int{2025}}}, time.Hour)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}
	if got := fetcher.snapshot(); len(got) != 1 || got[0] != "weekly:oakland" {
		t.Fatalf("initial calls = %v, want [weekly:oakland]", got)
	}

	clock.Advance(time.Hour)
	deadline := time.Now().Add(time.Second)
	for len(fetcher.snapshot()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	got := fetcher.snapshot()
	if len(got) != 3 || !strings.HasPrefix(got[1], "invalidate:weekly:oakland") || got[2] != "weekly:oakland" {
		t.Errorf("calls after tick = %v, want invalidate then fetch", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("WarmPeriodic() = %v, want Canceled", err)
	}
}
