// Package degraded drives recovery from the degraded health state. While the upstream
// error-rate window is breached, a probe runs on a Fibonacci backoff; a passing probe
// clears the window so health reports healthy again.
package degraded

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ProbeFunc checks whether the upstream answers again. Returns nil when recovered.
type ProbeFunc func(ctx context.Context) error

// Options configures a Recovery.
type Options struct {
	Probe ProbeFunc
	// Reset clears the error-rate window after a successful probe.
	Reset func()
	// OnExhausted runs when the last probe of the sequence fails.
	OnExhausted  func()
	Initial      time.Duration
	Max          time.Duration
	ProbeTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// Recovery runs at most one probe sequence at a time.
type Recovery struct {
	opts    Options
	delays  []time.Duration
	notify  chan struct{}
	running atomic.Bool
}

// New creates a Recovery. A sequence with no delays (Initial <= 0 or Max < Initial)
// never probes.
func New(opts Options) *Recovery {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Reset == nil {
		opts.Reset = func() {}
	}
	if opts.OnExhausted == nil {
		opts.OnExhausted = func() {}
	}
	var delays []time.Duration
	if opts.Initial > 0 && opts.Max >= opts.Initial {
		delays = fibDelays(opts.Initial, opts.Max)
	}
	return &Recovery{opts: opts, delays: delays, notify: make(chan struct{}, 1)}
}

// Notify signals that the service is degraded. Non-blocking; safe from handlers.
func (r *Recovery) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Running reports whether a probe sequence is in progress.
func (r *Recovery) Running() bool {
	return r.running.Load()
}

// Start listens for Notify until ctx is done, running one sequence at a time.
func (r *Recovery) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
				if r.running.Swap(true) {
					continue
				}
				go func() {
					defer r.running.Store(false)
					r.Run(ctx)
				}()
			}
		}
	}()
}

// Run probes after each delay of the sequence. It returns true once a probe passes;
// when the last probe fails OnExhausted is called and Run returns false.
func (r *Recovery) Run(ctx context.Context) bool {
	for i, d := range r.delays {
		select {
		case <-ctx.Done():
			return false
		case <-r.opts.Clock.After(d):
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		err := r.opts.Probe(attemptCtx)
		cancel()
		if err == nil {
			r.opts.Logger.Info("upstream recovered", zap.Int("attempt", i+1))
			r.opts.Reset()
			return true
		}
		r.opts.Logger.Warn("recovery probe failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	if len(r.delays) > 0 {
		r.opts.Logger.Error("recovery attempts exhausted", zap.Int("attempts", len(r.delays)))
		r.opts.OnExhausted()
	}
	return false
}

// fibDelays returns initial multiplied by 1, 2, 3, 5, 8, ... up to max.
func fibDelays(initial, max time.Duration) []time.Duration {
	a, b := int64(1), int64(2)
	var out []time.Duration
	for {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}
