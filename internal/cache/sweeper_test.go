package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingExpirer) ClearExpired(context.Context) (int, error) {
	c.calls.Add(1)
	return 2, c.err
}

func TestSweeper_RunTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	target := &countingExpirer{}
	s := NewSweeper(target, time.Minute, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("BlockUntilContext() error = %v", err)
	}
	clock.Advance(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for target.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := target.calls.Load(); got != 1 {
		t.Errorf("ClearExpired calls = %d, want 1", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestSweeper_SweepOnceReportsError(t *testing.T) {
	target := &countingExpirer{err: errors.New("disk full")}
	s := NewSweeper(target, 0, nil, nil)
	n, err := s.SweepOnce(context.Background())
	if err == nil {
		t.Fatal("SweepOnce() error = nil, want error")
	}
	if n != 2 {
		t.Errorf("SweepOnce() = %d, want 2", n)
	}
}
