//go:build integration
// +build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func memcachedAddr() string {
	if a := os.Getenv("MEMCACHED_ADDRS"); a != "" {
		return a
	}
	return "localhost:11211"
}

// TestMemcachedBackend_Contract_Integration runs the shared backend contract
// against a live memcached server.
func TestMemcachedBackend_Contract_Integration(t *testing.T) {
	probe, _ := NewMemcachedBackend(memcachedAddr(), 500*time.Millisecond, 2, nil)
	if err := probe.Ping(context.Background()); err != nil {
		t.Skipf("memcached not reachable: %v", err)
	}
	_ = probe.Close()

	runBackendContract(t, func(t *testing.T, clock clockwork.Clock) Backend {
		b, err := NewMemcachedBackend(memcachedAddr(), 500*time.Millisecond, 2, clock)
		if err != nil {
			t.Fatalf("NewMemcachedBackend() error = %v", err)
		}
		// Fresh generations per test so earlier runs never leak in.
		for _, city := range []string{"oakland", "sanfrancisco", "losangeles"} {
			_ = b.InvalidateCity(context.Background(), city)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}
