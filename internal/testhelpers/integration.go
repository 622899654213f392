//go:build integration
// +build integration

// Package testhelpers builds live service stacks for integration tests.
package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/civic-signals-service/internal/cache"
	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/client"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
	"github.com/kjstillabower/civic-signals-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	AppToken      string
	BaseURL       string
	RemoteBackend string // "" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless INTEGRATION_SODA=1, since every call hits live open-data portals.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_SODA") != "1" {
		t.Skip("INTEGRATION_SODA not set, skipping live open-data test")
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		AppToken:      os.Getenv("SODA_APP_TOKEN"),
		BaseURL:       os.Getenv("SODA_BASE_URL"),
		RemoteBackend: os.Getenv("INTEGRATION_CACHE_REMOTE"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService creates a facade over the live SODA client and a SQLite
// cache in a temp dir, tiered with memcached when requested and reachable.
// Returns the service, its store and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.Service, *cache.Store, func()) {
	t.Helper()
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	registry := cities.DefaultRegistry()
	soda := client.NewSODAClient(registry, client.Config{
		AppToken: cfg.AppToken,
		BaseURL:  cfg.BaseURL,
		Timeout:  30 * time.Second,
		MaxPages: 5,
	}, logger)

	sqlite, err := cache.NewSQLiteBackend(cache.SQLiteOptions{
		Path:   filepath.Join(t.TempDir(), "cache.db"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	closers := []func() error{sqlite.Close}

	var backend cache.Backend = sqlite
	if cfg.RemoteBackend == "memcached" {
		mc, err := cache.NewMemcachedBackend(cfg.MemcachedAddr, 500*time.Millisecond, 2, nil)
		if err == nil && mc.Ping(context.Background()) == nil {
			backend = cache.NewTiered(sqlite, mc)
			closers = append(closers, mc.Close)
			t.Logf("Using SQLite + memcached at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available, using SQLite only")
		}
	}

	store := cache.NewStore(cache.NewRouter(backend), nil, logger)
	svc := service.New(soda, store, registry, service.Options{CoalesceTimeout: time.Minute, Logger: logger})
	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return svc, store, cleanup
}

// SetupIntegrationClient creates a live SODA client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.SODAClient {
	t.Helper()
	return client.NewSODAClient(cities.DefaultRegistry(), client.Config{
		AppToken: cfg.AppToken,
		BaseURL:  cfg.BaseURL,
		Timeout:  30 * time.Second,
	}, nil)
}
