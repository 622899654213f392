package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/civic-signals-service/internal/cache"
	"github.com/kjstillabower/civic-signals-service/internal/circuitbreaker"
	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/client"
	"github.com/kjstillabower/civic-signals-service/internal/config"
	"github.com/kjstillabower/civic-signals-service/internal/degraded"
	httphandler "github.com/kjstillabower/civic-signals-service/internal/http"
	"github.com/kjstillabower/civic-signals-service/internal/lifecycle"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
	"github.com/kjstillabower/civic-signals-service/internal/service"
	"github.com/kjstillabower/civic-signals-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	registry := cities.NewRegistry(cfg.CityBounds)

	soda := client.NewSODAClient(registry, client.Config{
		AppToken: cfg.SODAAppToken,
		Timeout:  cfg.UpstreamTimeout,
		PageSize: cfg.PageSize,
		MaxPages: cfg.MaxPages,
		MemoSize: cfg.MemoSize,
		MemoTTL:  cfg.MemoTTL,
		BaseURL:  cfg.SODABaseURL,
	}, logger)
	if cfg.SODAAppToken == "" {
		logger.Warn("no SODA app token configured; requests are subject to anonymous throttling")
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitFailures,
			SuccessThreshold: cfg.CircuitSuccesses,
			Timeout:          cfg.CircuitOpenTimeout,
			Component:        "soda",
			Clock:            clock,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		soda.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.WithLabelValues("soda").Set(0)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitFailures),
			zap.Duration("timeout", cfg.CircuitOpenTimeout))
	}

	store, closeCache, err := buildStore(ctx, cfg, clock, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	svc := service.New(soda, store, registry, service.Options{
		CoalesceTimeout: cfg.CoalesceTimeout,
		Clock:           clock,
		Logger:          logger,
	})

	sweeper := cache.NewSweeper(store, cfg.CacheSweepInterval, clock, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("cache sweeper stopped", zap.Error(err))
		}
	}()

	if len(cfg.CacheWarmTargets) > 0 {
		warmer := cache.NewWarmer(svc, clock, logger)
		if cfg.CacheWarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(ctx, cfg.CacheWarmTargets, cfg.CacheWarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		} else {
			go func() {
				if err := warmer.Warm(ctx, cfg.CacheWarmTargets); err != nil {
					logger.Warn("cache warming failed", zap.Error(err))
				}
			}()
		}
	}

	recovery := degraded.New(degraded.Options{
		Probe: func(ctx context.Context) error {
			all := registry.Cities()
			if len(all) == 0 {
				return errors.New("no cities configured")
			}
			return soda.Probe(ctx, all[0].ID)
		},
		Reset: traffic.Reset,
		OnExhausted: func() {
			logger.Error("upstream did not recover; draining")
			lifecycle.Drain(lifecycle.ReasonRecoveryExhausted)
			stop()
		},
		Initial: cfg.DegradedRetryInitial,
		Max:     cfg.DegradedRetryMax,
		Clock:   clock,
		Logger:  logger,
	})
	recovery.Start(ctx)

	handler := httphandler.NewHandler(svc, &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Recovery:         recovery,
		CachePing:        svc.Ping,
	}, logger, clock)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})
	observability.RegisterRateLimitGauges(cfg.RateLimitMetricsWindow)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Int("cities", len(registry.Cities())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.Drain(lifecycle.ReasonSignal)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight), zap.Any("by_route", httphandler.InFlightByRoute()))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheck); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := closeCache(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildStore opens the local SQLite cache and, when configured, the shared remote
// tier for the configured domains. The returned func closes every backend.
func buildStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (*cache.Store, func() error, error) {
	local, err := cache.NewSQLiteBackend(cache.SQLiteOptions{
		Path:          cfg.CacheSQLitePath,
		PruneInterval: cfg.CachePruneInterval,
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: %w", err)
	}
	logger.Info("cache backend: sqlite", zap.String("path", cfg.CacheSQLitePath))

	var remote cache.Backend
	switch cfg.CacheRemoteBackend {
	case config.RemotePostgres:
		pool, err := cache.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = local.Close()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		remote = cache.NewPostgresBackend(pool, clock, logger)
	case config.RemoteMemcached:
		mc, err := cache.NewMemcachedBackend(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, clock)
		if err != nil {
			_ = local.Close()
			return nil, nil, fmt.Errorf("memcached: %w", err)
		}
		remote = mc
	}

	router := cache.NewRouter(local)
	closers := []cache.Backend{local}
	if remote != nil {
		tiered := cache.NewTiered(local, remote)
		for _, d := range cfg.CacheRemoteDomains {
			router.Route(d, tiered)
		}
		closers = append(closers, remote)
		logger.Info("cache remote tier",
			zap.String("backend", remote.Name()),
			zap.Int("domains", len(cfg.CacheRemoteDomains)))
	}

	closeAll := func() error {
		var errs []error
		for _, b := range closers {
			errs = append(errs, b.Close())
		}
		return errors.Join(errs...)
	}
	return cache.NewStore(router, cfg.CacheTTLs, logger), closeAll, nil
}
