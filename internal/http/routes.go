package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/civic-signals-service/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Logger *zap.Logger
	// Limiter guards the data routes; nil disables rate limiting.
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	// TestingMode exposes /test endpoints for synthetic error injection.
	TestingMode bool
}

// NewRouter wires every route of the service. Data routes are rate limited and
// bounded by RequestTimeout; /health and /metrics are not.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/cities").Subrouter()
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	api.HandleFunc("", h.ListCities).Methods(http.MethodGet)
	api.HandleFunc("/{city}/requests", h.GetRequests).Methods(http.MethodGet)
	api.HandleFunc("/{city}/stats", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/{city}/weekly", h.GetWeekly).Methods(http.MethodGet)
	api.HandleFunc("/{city}/parking/citations", h.GetParkingCitations).Methods(http.MethodGet)
	api.HandleFunc("/{city}/parking/stats", h.GetParkingStats).Methods(http.MethodGet)
	api.HandleFunc("/{city}/parking/weekly", h.GetParkingWeekly).Methods(http.MethodGet)
	api.HandleFunc("/{city}/cache", h.InvalidateCity).Methods(http.MethodDelete)

	if cfg.TestingMode {
		logger.Warn("testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}
	return router
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path)
}
