package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
	"github.com/kjstillabower/civic-signals-service/internal/degraded"
	"github.com/kjstillabower/civic-signals-service/internal/geo"
	"github.com/kjstillabower/civic-signals-service/internal/lifecycle"
	"github.com/kjstillabower/civic-signals-service/internal/models"
	"github.com/kjstillabower/civic-signals-service/internal/observability"
	"github.com/kjstillabower/civic-signals-service/internal/service"
	"github.com/kjstillabower/civic-signals-service/internal/traffic"
	"github.com/kjstillabower/civic-signals-service/internal/validation"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// Recovery, when set, is notified each time health evaluates to degraded.
	Recovery *degraded.Recovery
	// CachePing, when set, reports cache backend reachability under checks.cache.
	CachePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              *service.Service
	healthConfig     *HealthConfig
	logger           *zap.Logger
	clock            clockwork.Clock
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. A nil clock uses the real clock.
func NewHandler(svc *service.Service, healthConfig *HealthConfig, logger *zap.Logger, clock clockwork.Clock) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{svc: svc, healthConfig: healthConfig, logger: logger, clock: clock}
}

type cityView struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Center geo.LatLon `json:"center"`
}

// ListCities handles GET /cities.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	dumping := h.svc.Cities()
	parking := h.svc.ParkingCities()
	resp := struct {
		Cities        []cityView `json:"cities"`
		ParkingCities []cityView `json:"parkingCities"`
	}{
		Cities:        make([]cityView, 0, len(dumping)),
		ParkingCities: make([]cityView, 0, len(parking)),
	}
	for _, c := range dumping {
		resp.Cities = append(resp.Cities, cityView{ID: c.ID, Name: c.Name, Center: c.Center})
	}
	for _, c := range parking {
		resp.ParkingCities = append(resp.ParkingCities, cityView{ID: c.ID, Name: c.Name, Center: c.Center})
	}
	writeJSON(w, http.StatusOK, resp)
}

type pageResponse[T any] struct {
	City   string `json:"city"`
	Year   int    `json:"year,omitempty"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Count  int    `json:"count"`
	Data   []T    `json:"data"`
}

func newPage[T any](p service.RequestsParams, data []T) pageResponse[T] {
	if data == nil {
		data = []T{}
	}
	return pageResponse[T]{City: p.CityID, Year: p.Year, Limit: p.Limit, Offset: p.Offset, Count: len(data), Data: data}
}

// GetRequests handles GET /cities/{city}/requests.
func (h *Handler) GetRequests(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	data, err := h.svc.GetRequests(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, newPage(p, data))
}

// GetParkingCitations handles GET /cities/{city}/parking/citations.
func (h *Handler) GetParkingCitations(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	data, err := h.svc.GetParkingCitations(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, newPage(p, data))
}

// pageParams parses year, limit, offset and the radius filter. On failure the 400 is
// already written.
func (h *Handler) pageParams(w http.ResponseWriter, r *http.Request) (service.RequestsParams, bool) {
	q := r.URL.Query()
	p := service.RequestsParams{CityID: cityVar(r)}
	var err error
	if p.Year, err = validation.ParseYear(q.Get("year"), 0, h.clock.Now()); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return p, false
	}
	if p.Limit, err = validation.ParseLimit(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return p, false
	}
	if p.Offset, err = validation.ParseOffset(q.Get("offset")); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return p, false
	}
	radius, err := validation.ParseRadius(q.Get("radius"), q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return p, false
	}
	if radius != nil {
		p.Radius, p.CenterLat, p.CenterLon = &radius.Km, &radius.Lat, &radius.Lon
	}
	return p, true
}

// GetStats handles GET /cities/{city}/stats?year=&compareYear=.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	q := r.URL.Query()
	year, err := validation.ParseYear(q.Get("year"), now.Year(), now)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	compareYear, err := validation.ParseYear(q.Get("compareYear"), 0, now)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	snap, err := h.svc.GetStats(r.Context(), cityVar(r), year, compareYear)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, snap)
}

// GetParkingStats handles GET /cities/{city}/parking/stats?year=.
func (h *Handler) GetParkingStats(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	year, err := validation.ParseYear(r.URL.Query().Get("year"), now.Year(), now)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	snap, err := h.svc.GetParkingStats(r.Context(), cityVar(r), year)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, snap)
}

// GetWeekly handles GET /cities/{city}/weekly?years=2023,2024.
func (h *Handler) GetWeekly(w http.ResponseWriter, r *http.Request) {
	h.weekly(w, r, h.svc.GetWeekly)
}

// GetParkingWeekly handles GET /cities/{city}/parking/weekly?years=.
func (h *Handler) GetParkingWeekly(w http.ResponseWriter, r *http.Request) {
	h.weekly(w, r, h.svc.GetParkingWeekly)
}

type weeklyFunc func(ctx context.Context, cityID string, years []int) ([]models.WeeklyDatum, error)

func (h *Handler) weekly(w http.ResponseWriter, r *http.Request, get weeklyFunc) {
	now := h.clock.Now()
	years, err := validation.ParseYears(r.URL.Query().Get("years"), []int{now.Year()}, now)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	city := cityVar(r)
	data, err := get(r.Context(), city, years)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]any{
		"city":  city,
		"years": years,
		"data":  data,
	})
}

// InvalidateCity handles DELETE /cities/{city}/cache.
func (h *Handler) InvalidateCity(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.InvalidateCity(r.Context(), cityVar(r)); err != nil {
		if errors.Is(err, cities.ErrUnknownCity) {
			writeError(w, r, http.StatusNotFound, "UNKNOWN_CITY", err.Error())
			return
		}
		observability.LoggerFromContext(r.Context(), h.logger).Warn("cache invalidation failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "CACHE_ERROR", "cache invalidation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func cityVar(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(mux.Vars(r)["city"]))
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"upstream": "healthy"}
	if result.reason == "error_rate_breach" {
		checks["upstream"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing(r.Context()) == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]any{
		"status":    result.status,
		"service":   "civic-signals-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > degraded (upstream error rate) > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if reason := lifecycle.Reason(); reason != "" {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, reason}
	}
	if h.healthConfig != nil && traffic.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		if h.healthConfig.Recovery != nil {
			h.healthConfig.Recovery.Notify()
		}
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationID(r.Context()),
		},
	})
}

// writeServiceError maps a facade error to a response. Only upstream failures count
// toward the degraded error rate.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cities.ErrUnknownCity):
		writeError(w, r, http.StatusNotFound, "UNKNOWN_CITY", err.Error())
	case errors.Is(err, service.ErrNoYears):
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
	default:
		traffic.RecordError()
		observability.LoggerFromContext(r.Context(), h.logger).Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch open data")
	}
}

// GetTestStatus handles GET /test. Returns the current error-rate window.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	pct := 0
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
		pct = h.healthConfig.DegradedErrorPct
	}
	errs, total := traffic.ErrorRate(window)
	writeJSON(w, http.StatusOK, map[string]any{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errs,
		"outcomes_in_window":        total,
		"window_length":             window.String(),
		"degraded_error_pct":        pct,
		"in_flight":                 InFlightCount(),
		"in_flight_by_route":        InFlightByRoute(),
	})
}

// PostTestAction handles POST /test/{action} for error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "error":
		var body struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
			body.Count = 1
		}
		traffic.RecordErrorN(body.Count)
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"action":  action,
			"message": "Recorded " + strconv.Itoa(body.Count) + " errors",
			"state":   h.computeHealthStatus().status,
		})
	case "reset":
		traffic.Reset()
		lifecycle.Resume()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action, "message": "All simulated state cleared"})
	case "shutdown":
		lifecycle.Drain(lifecycle.ReasonManual)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action, "message": "Shutting-down flag set"})
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}
