package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/civic-signals-service/internal/cache"
	"github.com/kjstillabower/civic-signals-service/internal/geo"
)

// Remote cache backends.
const (
	RemoteNone      = "none"
	RemotePostgres  = "postgres"
	RemoteMemcached = "memcached"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	SODAAppToken    string
	SODABaseURL     string
	UpstreamTimeout time.Duration
	PageSize        int
	MaxPages        int
	MemoSize        int
	MemoTTL         time.Duration

	CircuitBreakerEnabled bool
	CircuitFailures       int
	CircuitSuccesses      int
	CircuitOpenTimeout    time.Duration

	// CityBounds overrides the sanity bounding box of the named cities.
	CityBounds map[string]geo.BoundingBox

	RequestTimeout  time.Duration
	CoalesceTimeout time.Duration

	CacheSQLitePath    string
	CachePruneInterval time.Duration
	CacheRemoteBackend string // "none", "postgres" or "memcached"
	CacheRemoteDomains []cache.Domain
	CacheTTLs          map[cache.Domain]time.Duration
	CacheSweepInterval time.Duration
	CacheWarmTargets   []cache.WarmTarget
	CacheWarmInterval  time.Duration

	DatabaseURL           string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout         time.Duration
	ShutdownInFlightTimeout time.Duration
	ShutdownInFlightCheck   time.Duration

	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration
	RateLimitMetricsWindow time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		BaseURL  string `yaml:"base_url"`
		Timeout  string `yaml:"timeout"`
		PageSize int    `yaml:"page_size"`
		MaxPages int    `yaml:"max_pages"`
		Memo     struct {
			Size *int   `yaml:"size"`
			TTL  string `yaml:"ttl"`
		} `yaml:"memo"`
		CircuitBreaker struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Bounds map[string]struct {
			MinLat float64 `yaml:"min_lat"`
			MaxLat float64 `yaml:"max_lat"`
			MinLon float64 `yaml:"min_lon"`
			MaxLon float64 `yaml:"max_lon"`
		} `yaml:"bounds"`
	} `yaml:"upstream"`

	Request struct {
		Timeout         string `yaml:"timeout"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"request"`

	Cache struct {
		SQLitePath    string            `yaml:"sqlite_path"`
		PruneInterval string            `yaml:"prune_interval"`
		Remote        string            `yaml:"remote"`
		RemoteDomains []string          `yaml:"remote_domains"`
		TTL           map[string]string `yaml:"ttl"`
		SweepInterval string            `yaml:"sweep_interval"`
		Postgres      struct {
			URL string `yaml:"url"`
		} `yaml:"postgres"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warm struct {
			Interval string `yaml:"interval"`
			Targets  []struct {
				City    string `yaml:"city"`
				Years   []int  `yaml:"years"`
				Parking bool   `yaml:"parking"`
			} `yaml:"targets"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial string `yaml:"degraded_retry_initial"`
		DegradedRetryMax     string `yaml:"degraded_retry_max"`
		MetricsWindow        string `yaml:"metrics_window"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	SODAAppToken string `yaml:"soda_app_token"`
	DatabaseURL  string `yaml:"database_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and the optional
// config/secrets.yaml. A .env file in the working directory is loaded first and never
// overrides variables already set. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	cfg, err := fromFile(&fc, &sec)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig, sec *secretsFile) (*Config, error) {
	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(os.Getenv("SERVER_PORT"), fc.Server.Port, "8080")

	// The token is optional: SODA serves anonymous requests at a lower rate limit.
	cfg.SODAAppToken = firstNonEmpty(os.Getenv("SODA_APP_TOKEN"), sec.SODAAppToken)
	cfg.SODABaseURL = strings.TrimRight(strings.TrimSpace(fc.Upstream.BaseURL), "/")
	cfg.UpstreamTimeout = parseDurationOrZero(fc.Upstream.Timeout, 15*time.Second)
	cfg.PageSize = positiveOr(fc.Upstream.PageSize, 1000)
	cfg.MaxPages = positiveOr(fc.Upstream.MaxPages, 100)
	cfg.MemoSize = 256
	if fc.Upstream.Memo.Size != nil {
		cfg.MemoSize = *fc.Upstream.Memo.Size
	}
	cfg.MemoTTL = parseDuration(fc.Upstream.Memo.TTL, 5*time.Minute)

	cb := fc.Upstream.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitFailures = positiveOr(cb.FailureThreshold, 5)
	cfg.CircuitSuccesses = positiveOr(cb.SuccessThreshold, 2)
	cfg.CircuitOpenTimeout = parseDuration(cb.Timeout, 30*time.Second)

	if len(fc.Upstream.Bounds) > 0 {
		cfg.CityBounds = make(map[string]geo.BoundingBox, len(fc.Upstream.Bounds))
		for city, b := range fc.Upstream.Bounds {
			cfg.CityBounds[city] = geo.BoundingBox{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: b.MinLon, MaxLon: b.MaxLon}
		}
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Request.CoalesceTimeout, 60*time.Second)

	cfg.CacheSQLitePath = firstNonEmpty(os.Getenv("CACHE_SQLITE_PATH"), fc.Cache.SQLitePath, "data/cache.db")
	cfg.CachePruneInterval = parseDuration(fc.Cache.PruneInterval, cache.DefaultPruneInterval)
	cfg.CacheRemoteBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_REMOTE_BACKEND"), fc.Cache.Remote, RemoteNone))
	cfg.CacheSweepInterval = parseDuration(fc.Cache.SweepInterval, cache.DefaultPruneInterval)

	remoteDomains := fc.Cache.RemoteDomains
	if remoteDomains == nil {
		remoteDomains = []string{string(cache.DomainParkingWeekly)}
	}
	for _, name := range remoteDomains {
		d, err := cache.ParseDomain(name)
		if err != nil {
			return nil, fmt.Errorf("cache.remote_domains: %w", err)
		}
		cfg.CacheRemoteDomains = append(cfg.CacheRemoteDomains, d)
	}

	cfg.CacheTTLs = make(map[cache.Domain]time.Duration, len(fc.Cache.TTL))
	for name, raw := range fc.Cache.TTL {
		d, err := cache.ParseDomain(name)
		if err != nil {
			return nil, fmt.Errorf("cache.ttl: %w", err)
		}
		cfg.CacheTTLs[d] = parseDuration(raw, d.DefaultTTL())
	}

	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), sec.DatabaseURL, fc.Cache.Postgres.URL)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.CacheWarmInterval = parseDurationOrZero(fc.Cache.Warm.Interval, 0)
	for _, t := range fc.Cache.Warm.Targets {
		cfg.CacheWarmTargets = append(cfg.CacheWarmTargets, cache.WarmTarget{
			CityID:  strings.ToLower(strings.TrimSpace(t.City)),
			Years:   t.Years,
			Parking: t.Parking,
		})
	}

	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheck = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)
	cfg.RateLimitMetricsWindow = parseDuration(fc.Lifecycle.MetricsWindow, 60*time.Second)
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above UpstreamTimeout when needed.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheRemoteBackend {
	case RemoteNone, RemoteMemcached:
	case RemotePostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("cache.remote postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("cache.remote must be none, postgres or memcached, got %q", cfg.CacheRemoteBackend)
	}
	for _, t := range cfg.CacheWarmTargets {
		if t.CityID == "" || len(t.Years) == 0 {
			return fmt.Errorf("cache.warm.targets: city and years are required")
		}
	}
	return nil
}
