package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// NewRouter wires the public routes. requestTimeout applies to /weather only.
func NewRouter(h *Handler, logger *zap.Logger, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	weather := router.PathPrefix("/weather").Subrouter()
	weather.Use(TimeoutMiddleware(requestTimeout))
	weather.HandleFunc("", h.GetWeather).Methods(http.MethodGet)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return router
}
