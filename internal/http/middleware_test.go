package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/civic-signals-service/internal/cache"
	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
	"github.com/kjstillabower/civic-signals-service/internal/service"
	"github.com/kjstillabower/civic-signals-service/internal/traffic"
)

func TestCorrelationIDMiddleware_GeneratesAndPropagates(t *testing.T) {
	var seenID string
	var seenLogger *zap.Logger
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seenID = correlationID(r.Context())
		seenLogger = observability.LoggerFromContext(r.Context(), nil)
	})

	w := do(router, http.MethodGet, "/x")
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, w.Header().Get("X-Correlation-ID"), seenID)
	assert.NotNil(t, seenLogger)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "given-id")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "given-id", w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "given-id", seenID)
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/cities/{city}/stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/cities/{city}/stats", "4xx")
	before := testutil.ToFloat64(counter)
	do(router, http.MethodGet, "/cities/oakland/stats")
	do(router, http.MethodGet, "/cities/losangeles/stats")
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Zero(t, InFlightCount())
}

func TestRouteTemplate_Unmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, "unmatched", routeTemplate(req))
}

func TestStatusCodeString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeString(204))
	assert.Equal(t, "5xx", statusCodeString(503))
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	var ctxErr error
	h := TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			ctxErr = r.Context().Err()
		case <-time.After(time.Second):
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, ctxErr, context.DeadlineExceeded)
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	resetGlobals(t)
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	h := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w)["code"])
	assert.Equal(t, 1, traffic.DenialCount(time.Minute))
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	h := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestNewRouter_RateLimitsDataRoutesOnly(t *testing.T) {
	resetGlobals(t)
	clock := clockwork.NewFakeClockAt(testNow)
	svc := service.New(&stubFetcher{}, cache.NewStore(cache.NewRouter(cache.NewInMemoryBackend(clock)), nil, nil),
		cities.DefaultRegistry(), service.Options{Clock: clock})
	router := NewRouter(NewHandler(svc, nil, nil, clock), RouterConfig{Limiter: rate.NewLimiter(rate.Limit(0.001), 1)})

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/cities").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(router, http.MethodGet, "/cities").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/test").Code, "test routes need testing mode")
}

func TestNewRouter_MethodMismatch(t *testing.T) {
	router, _ := newTestRouter(t, &stubFetcher{}, nil, nil)

	w := do(router, http.MethodPost, "/cities/oakland/stats")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, w)["code"])

	assert.Equal(t, http.StatusMethodNotAllowed, do(router, http.MethodGet, "/cities/oakland/cache").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(router, http.MethodPost, "/health").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/cities/oakland/nothing").Code)
}
