package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/civic-signals-service/internal/cache"
	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/client"
	"github.com/kjstillabower/civic-signals-service/internal/lifecycle"
	"github.com/kjstillabower/civic-signals-service/internal/models"
	"github.com/kjstillabower/civic-signals-service/internal/service"
	"github.com/kjstillabower/civic-signals-service/internal/traffic"
)

var testNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

type stubFetcher struct {
	requests  []models.DumpingRequest
	citations []models.ParkingCitation
	counts    map[int]int
	err       error
	lastQuery client.Query
	calls     atomic.Int32
}

func (f *stubFetcher) FetchRequests(ctx context.Context, cityID string, q client.Query) ([]models.DumpingRequest, error) {
	f.calls.Add(1)
	f.lastQuery = q
	return f.requests, f.err
}

func (f *stubFetcher) FetchAllRequests(ctx context.Context, cityID string, year int) ([]models.DumpingRequest, error) {
	f.calls.Add(1)
	return f.requests, f.err
}

func (f *stubFetcher) CountRequests(ctx context.Context, cityID string, year int) (models.CountResult, error) {
	f.calls.Add(1)
	return models.CountResult{CityID: cityID, Year: year, Count: f.counts[year]}, f.err
}

func (f *stubFetcher) FetchParking(ctx context.Context, cityID string, q client.Query) ([]models.ParkingCitation, error) {
	f.calls.Add(1)
	return f.citations, f.err
}

func (f *stubFetcher) FetchAllParking(ctx context.Context, cityID string, year int) ([]models.ParkingCitation, error) {
	f.calls.Add(1)
	return f.citations, f.err
}

func (f *stubFetcher) CountParking(ctx context.Context, cityID string, year int) (models.CountResult, error) {
	f.calls.Add(1)
	return models.CountResult{CityID: cityID, Year: year, Count: len(f.citations)}, f.err
}

func resetGlobals(t *testing.T) {
	t.Helper()
	traffic.Reset()
	lifecycle.Resume()
	t.Cleanup(func() {
		traffic.Reset()
		lifecycle.Resume()
	})
}

func newTestRouter(t *testing.T, f *stubFetcher, health *HealthConfig, logger *zap.Logger) (*mux.Router, *cache.InMemoryBackend) {
	t.Helper()
	resetGlobals(t)
	clock := clockwork.NewFakeClockAt(testNow)
	mem := cache.NewInMemoryBackend(clock)
	svc := service.New(f, cache.NewStore(cache.NewRouter(mem), nil, nil), cities.DefaultRegistry(), service.Options{Clock: clock})
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewHandler(svc, health, logger, clock)
	return NewRouter(h, RouterConfig{Logger: logger, RequestTimeout: 5 * time.Second, TestingMode: true}), mem
}

func do(router http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body struct {
		Error map[string]string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestListCities(t *testing.T) {
	router, _ := newTestRouter(t, &stubFetcher{}, nil, nil)

	w := do(router, http.MethodGet, "/cities")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Cities        []cityView `json:"cities"`
		ParkingCities []cityView `json:"parkingCities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Cities, 3)
	assert.Len(t, body.ParkingCities, 2)
	assert.Equal(t, cities.LosAngeles, body.Cities[0].ID)
}

func TestGetRequests_Success(t *testing.T) {
	f := &stubFetcher{requests: []models.DumpingRequest{{ID: "r1", Lat: 37.8, Lon: -122.27}}}
	router, mem := newTestRouter(t, f, nil, nil)

	w := do(router, http.MethodGet, "/cities/Oakland/requests?year=2024&limit=10&offset=5&radius=2&lat=37.8&lon=-122.27")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		City   string                  `json:"city"`
		Year   int                     `json:"year"`
		Limit  int                     `json:"limit"`
		Offset int                     `json:"offset"`
		Count  int                     `json:"count"`
		Data   []models.DumpingRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, cities.Oakland, body.City)
	assert.Equal(t, 2024, body.Year)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "r1", body.Data[0].ID)
	require.NotNil(t, f.lastQuery.Radius)
	assert.Equal(t, 2.0, f.lastQuery.Radius.Km)
	assert.Equal(t, 1, mem.Len())

	do(router, http.MethodGet, "/cities/oakland/requests?year=2024&limit=10&offset=5&radius=2&lat=37.8&lon=-122.27")
	assert.EqualValues(t, 1, f.calls.Load(), "second request served from cache")
}

func TestGetRequests_EmptyDataIsArray(t *testing.T) {
	router, _ := newTestRouter(t, &stubFetcher{}, nil, nil)
	w := do(router, http.MethodGet, "/cities/sanfrancisco/requests")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
	assert.Contains(t, w.Body.String(), `"limit":1000`)
}

func TestGetRequests_InvalidParameters(t *testing.T) {
	router, _ := newTestRouter(t, &stubFetcher{}, nil, nil)
	for _, target := range []string{
		"/cities/oakland/requests?year=1999",
		"/cities/oakland/requests?limit=0",
		"/cities/oakland/requests?limit=50001",
		"/cities/oakland/requests?offset=-1",
		"/cities/oakland/requests?radius=5&lat=37.8",
		"/cities/oakland/requests?radius=101&lat=37.8&lon=-122.2",
	} {
		w := do(router, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Equal(t, "INVALID_PARAMETER", decodeError(t, w)["code"], target)
	}
}

func TestGetRequests_UnknownCity(t *testing.T) {
	f := &stubFetcher{}
	router, _ := newTestRouter(t, f, nil, nil)

	w := do(router, http.MethodGet, "/cities/gotham/requests")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_CITY", decodeError(t, w)["code"])
	assert.Zero(t, f.calls.Load())

	errs, _ := traffic.ErrorRate(time.Minute)
	assert.Zero(t, errs, "routing errors do not count toward degraded")
}

func TestGetRequests_UpstreamFailure(t *testing.T) {
	f := &stubFetcher{err: &client.UpstreamError{City: cities.Oakland, Status: 500}}
	router, _ := newTestRouter(t, f, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/cities/oakland/requests", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", e["code"])
	assert.Equal(t, "corr-1", e["requestId"])
	errs, total := traffic.ErrorRate(time.Minute)
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, total)
}

func TestGetParkingCitations(t *testing.T) {
	f := &stubFetcher{citations: []models.ParkingCitation{{ID: "p1", FineAmount: 73}}}
	router, _ := newTestRouter(t, f, nil, nil)

	w := do(router, http.MethodGet, "/cities/losangeles/parking/citations?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"fineAmount":73`)

	w = do(router, http.MethodGet, "/cities/oakland/parking/citations")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	f := &stubFetcher{counts: map[int]int{2024: 104, 2023: 52}}
	router, _ := newTestRouter(t, f, nil, nil)

	w := do(router, http.MethodGet, "/cities/oakland/stats?year=2024")
	require.Equal(t, http.StatusOK, w.Code)

	var snap models.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 2023, snap.CompareYear)
	assert.Equal(t, 104, snap.Total)
	assert.Equal(t, 52, snap.PreviousTotal)
	assert.Equal(t, 100.0, snap.ChangePercent)

	w = do(router, http.MethodGet, "/cities/oakland/stats?compareYear=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStats_DefaultsToCurrentYear(t *testing.T) {
	f := &stubFetcher{counts: map[int]int{}}
	router, _ := newTestRouter(t, f, nil, nil)

	w := do(router, http.MethodGet, "/cities/oakland/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 2025, snap.Year)
	assert.Zero(t, snap.ChangePercent)
}

func TestGetParkingStats(t *testing.T) {
	f := &stubFetcher{citations: []models.ParkingCitation{{ID: "1", FineAmount: 50, ViolationDesc: "METER"}}}
	router, _ := newTestRouter(t, f, nil, nil)

	w := do(router, http.MethodGet, "/cities/sanfrancisco/parking/stats?year=2024")
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.ParkingStatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 50.0, snap.TotalFineAmount)
	assert.Equal(t, 2023, snap.CompareYear)
}

func TestGetWeekly(t *testing.T) {
	f := &stubFetcher{requests: []models.DumpingRequest{{ID: "1", DatetimeInit: "2024-03-05T00:00:00"}}}
	router, _ := newTestRouter(t, f, nil, nil)

	w := do(router, http.MethodGet, "/cities/oakland/weekly?years=2024,2023")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Years []int                `json:"years"`
		Data  []models.WeeklyDatum `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []int{2024, 2023}, body.Years)
	require.Len(t, body.Data, 106)
	assert.Equal(t, 2024, body.Data[0].Year)
	assert.Equal(t, 2023, body.Data[53].Year)

	w = do(router, http.MethodGet, "/cities/oakland/weekly?years=2024,2024")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetParkingWeekly_DefaultYear(t *testing.T) {
	router, _ := newTestRouter(t, &stubFetcher{}, nil, nil)
	w := do(router, http.MethodGet, "/cities/losangeles/parking/weekly")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"years":[2025]`)
}

func TestInvalidateCity(t *testing.T) {
	f := &stubFetcher{counts: map[int]int{2024: 1}}
	router, mem := newTestRouter(t, f, nil, nil)

	require.Equal(t, http.StatusOK, do(router, http.MethodGet, "/cities/oakland/stats?year=2024").Code)
	require.Equal(t, 1, mem.Len())

	w := do(router, http.MethodDelete, "/cities/oakland/cache")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, mem.Len())

	w = do(router, http.MethodDelete, "/cities/gotham/cache")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetHealth_Healthy(t *testing.T) {
	health := &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 5,
		CachePing:        func(context.Context) error { return nil },
	}
	router, _ := newTestRouter(t, &stubFetcher{}, health, nil)

	w := do(router, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "civic-signals-service", body["service"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["cache"])
	assert.Equal(t, "healthy", checks["upstream"])
}

func TestGetHealth_CacheUnhealthyDoesNotDegrade(t *testing.T) {
	health := &HealthConfig{CachePing: func(context.Context) error { return errors.New("down") }}
	router, _ := newTestRouter(t, &stubFetcher{}, health, nil)

	w := do(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cache":"unhealthy"`)
}

func TestGetHealth_DegradedErrorRate(t *testing.T) {
	health := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
	router, _ := newTestRouter(t, &stubFetcher{}, health, nil)
	traffic.RecordSuccess()
	traffic.RecordError()

	w := do(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), `"upstream":"unhealthy"`)
}

func TestGetHealth_ShuttingDownWinsOverDegraded(t *testing.T) {
	health := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 5}
	router, _ := newTestRouter(t, &stubFetcher{}, health, nil)
	traffic.RecordErrorN(10)
	lifecycle.Drain(lifecycle.ReasonSignal)

	w := do(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"shutting-down"`)
}

func TestGetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	health := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
	router, _ := newTestRouter(t, &stubFetcher{}, health, zap.New(core))

	do(router, http.MethodGet, "/health")
	traffic.RecordErrorN(3)
	do(router, http.MethodGet, "/health")

	entries := logs.FilterMessage("health status transition").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "healthy", fields["previous_status"])
	assert.Equal(t, "degraded", fields["current_status"])
}

func TestTestEndpoints(t *testing.T) {
	health := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 5}
	router, _ := newTestRouter(t, &stubFetcher{}, health, nil)

	req := httptest.NewRequest(http.MethodPost, "/test/error", strings.NewReader(`{"count":3}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"degraded"`)

	w = do(router, http.MethodGet, "/test")
	assert.Contains(t, w.Body.String(), `"errors_in_window":3`)

	require.Equal(t, http.StatusOK, do(router, http.MethodPost, "/test/shutdown").Code)
	assert.True(t, lifecycle.IsShuttingDown())

	require.Equal(t, http.StatusOK, do(router, http.MethodPost, "/test/reset").Code)
	assert.False(t, lifecycle.IsShuttingDown())
	errs, _ := traffic.ErrorRate(time.Minute)
	assert.Zero(t, errs)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodPost, "/test/explode").Code)
}
