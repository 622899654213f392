package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/circuitbreaker"
	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/models"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
)

// Fetcher is the upstream contract consumed by the service layer.
type Fetcher interface {
	FetchRequests(ctx context.Context, cityID string, q Query) ([]models.DumpingRequest, error)
	FetchAllRequests(ctx context.Context, cityID string, year int) ([]models.DumpingRequest, error)
	CountRequests(ctx context.Context, cityID string, year int) (models.CountResult, error)
	FetchParking(ctx context.Context, cityID string, q Query) ([]models.ParkingCitation, error)
	FetchAllParking(ctx context.Context, cityID string, year int) ([]models.ParkingCitation, error)
	CountParking(ctx context.Context, cityID string, year int) (models.CountResult, error)
}

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrCircuitOpen     = circuitbreaker.ErrOpen
)

// UpstreamError is a non-2xx answer from a SODA endpoint after the token-drop retry.
type UpstreamError struct {
	City   string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s returned HTTP %d", ErrUpstreamFailure, e.City, e.Status)
}

// Is lets errors.Is(err, ErrUpstreamFailure) match.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamFailure
}

// Config tunes the SODA client.
type Config struct {
	// AppToken is sent as X-App-Token when set.
	AppToken string
	Timeout  time.Duration
	// PageSize is the $limit used by the paginating fetches.
	PageSize int
	// MaxPages bounds a paginating fetch; 0 means unbounded.
	MaxPages int
	// MemoSize and MemoTTL bound the in-process duplicate-call memo. MemoSize 0 disables it.
	MemoSize int
	MemoTTL  time.Duration
	// BaseURL replaces "https://{domain}" for every dataset. Used by tests and proxies.
	BaseURL string
}

const (
	defaultPageSize = 1000
	defaultMemoSize = 256
	defaultMemoTTL  = 5 * time.Minute
	defaultTimeout  = 15 * time.Second
)

// SODAClient fetches and normalizes rows from Socrata open-data endpoints.
type SODAClient struct {
	cfg      Config
	registry *cities.Registry
	client   *http.Client
	memo     *memo
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewSODAClient creates a client over the given city registry. Zero config values
// take package defaults; a negative MemoSize disables the memo.
func NewSODAClient(registry *cities.Registry, cfg Config, logger *zap.Logger) *SODAClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MemoSize == 0 {
		cfg.MemoSize = defaultMemoSize
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = defaultMemoTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SODAClient{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.Timeout},
		memo:     newMemo(cfg.MemoSize, cfg.MemoTTL),
		logger:   logger,
	}
}

// SetCircuitBreaker wraps every upstream call in cb. Pass nil to disable.
func (c *SODAClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// resourceURL returns the dataset endpoint, honoring BaseURL.
func (c *SODAClient) resourceURL(cfg cities.CityConfig) string {
	if c.cfg.BaseURL != "" {
		return strings.TrimRight(c.cfg.BaseURL, "/") + "/resource/" + cfg.DatasetID + ".json"
	}
	return cfg.ResourceURL()
}

// fetchRows issues one SODA query and returns the raw rows. Identical URLs within
// the memo TTL are served from memory; the token is a header so it never splits keys.
func (c *SODAClient) fetchRows(ctx context.Context, cfg cities.CityConfig, params url.Values) ([]json.RawMessage, error) {
	u := c.resourceURL(cfg) + "?" + params.Encode()
	if rows, ok := c.memo.get(u); ok {
		observability.UpstreamMemoHitsTotal.Inc()
		return rows, nil
	}

	var body []byte
	call := func() error {
		var err error
		body, err = c.get(ctx, cfg.ID, u)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", cfg.ID, err)
	}
	c.memo.add(u, rows)
	return rows, nil
}

// Probe issues a single-row query against cityID's dumping dataset, bypassing the
// memo and the circuit breaker. Used by degraded-state recovery.
func (c *SODAClient) Probe(ctx context.Context, cityID string) error {
	cfg, err := c.registry.City(cityID)
	if err != nil {
		return err
	}
	_, err = c.get(ctx, cfg.ID, c.resourceURL(cfg)+"?$limit=1")
	return err
}

// get performs the GET, retrying exactly once without the app token on 403.
func (c *SODAClient) get(ctx context.Context, city, u string) ([]byte, error) {
	body, status, err := c.callAPI(ctx, u, c.cfg.AppToken)
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden {
		observability.UpstreamTokenRetriesTotal.Inc()
		c.logger.Warn("upstream returned 403, retrying without app token", zap.String("city", city))
		body, status, err = c.callAPI(ctx, u, "")
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, &UpstreamError{City: city, Status: status}
	}
	return body, nil
}

func (c *SODAClient) callAPI(ctx context.Context, u, token string) ([]byte, int, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("X-App-Token", token)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		observability.UpstreamDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, 0, fmt.Errorf("request timeout: %w", err)
		}
		return nil, 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

type correlationIDKey struct{}

// WithCorrelationID returns ctx carrying id, forwarded upstream as X-Correlation-ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func extractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusForbidden:
		return "forbidden"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
