package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/degraded"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "dev"

// HealthConfig holds thresholds and checks for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StoreBackend names the configured weather store (sqlite, memcached, in_memory).
	StoreBackend string
	// StorePing, when set, is called to check store reachability.
	StorePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   *service.WeatherService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(weatherService *service.WeatherService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	return &Handler{
		weatherService: weatherService,
		healthConfig:   healthConfig,
		logger:         logger,
	}
}

// GetWeather handles GET /weather?country_code=..&city=..&date=..
// Caller mistakes (missing parameters, bad date, unknown city, out of range) are answered with
// 200 and an ErrorInfo body; infrastructure failures with 503.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := validation.NewWeatherQuery(params.Get("city"), params.Get("country_code"), params.Get("date"))
	if err := q.Validate(); err != nil {
		degraded.RecordRejected()
		info, ok := models.ToErrorInfo(err)
		if !ok {
			info = models.NewErrorInfo(err.Error())
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	result, err := h.weatherService.GetWeather(r.Context(), q.City, q.CountryCode, q.Date)
	degraded.RecordOutcome(err)
	if err != nil {
		if info, ok := models.ToErrorInfo(err); ok {
			writeJSON(w, http.StatusOK, info)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, result)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	storeOK    bool
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status && h.logger != nil {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.reason == "error_rate_breach" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		checks["store"] = "healthy"
		if !result.storeOK {
			checks["store"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-lookup-service",
		"version":   Version,
		"checks":    checks,
		"uptime":    lifecycle.Uptime(time.Now()).Truncate(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && h.healthConfig.StoreBackend != "" {
		resp["store"] = h.healthConfig.StoreBackend
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > store unreachable > error rate breach > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", true}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", true}
	}
	if h.healthConfig.StorePing != nil {
		if err := h.healthConfig.StorePing(ctx); err != nil {
			if h.logger != nil {
				h.logger.Warn("store ping failed", zap.Error(err))
			}
			return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable", false}
		}
	}
	if degraded.IsDegraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", true}
	}
	return healthResult{"healthy", http.StatusOK, "", true}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON writes an already-encoded JSON payload unchanged.
func writeRawJSON(w http.ResponseWriter, status int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError writes a 503 for infrastructure failures (upstream, store, timeout).
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Warn("weather lookup failed", zap.Error(err))
	}
}
