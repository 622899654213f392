package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := New(Config{FailureThreshold: 3, Timeout: time.Minute, Clock: clock})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("Call() = %v, want errBoom", err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() while open = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn should not run while open")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var transitions []State
	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Clock:            clock,
		Component:        "soda",
		OnStateChange:    func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	clock.Advance(31 * time.Second)

	if err := cb.Call(ctx, succeed); err != nil {
		t.Fatalf("probe Call() = %v", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State() after one probe = %v, want half_open", got)
	}
	if err := cb.Call(ctx, succeed); err != nil {
		t.Fatalf("second probe Call() = %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cb := New(Config{FailureThreshold: 1, Timeout: time.Second, Clock: clock})
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	clock.Advance(2 * time.Second)
	_ = cb.Call(ctx, fail)

	if got := cb.State(); got != StateOpen {
		t.Errorf("State() = %v, want open", got)
	}
}

func TestCircuitBreaker_CanceledContextNotCounted(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, Clock: clockwork.NewFakeClock()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = cb.Call(ctx, func() error { return ctx.Err() })
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
}
