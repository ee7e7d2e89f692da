package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/config"
	httphandler "github.com/kjstillabower/weather-lookup-service/internal/http"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/resolver"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
)

// inFlightCheckInterval is how often shutdown re-checks the in-flight request count.
const inFlightCheckInterval = 50 * time.Millisecond

func main() {
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	store, err := newStore(context.Background(), cfg)
	if err != nil {
		logger.Fatal("weather store", zap.Error(err), zap.String("backend", cfg.StoreBackend))
	}
	logger.Info("store backend ready", zap.String("backend", cfg.StoreBackend))

	// A rejected key is reported but not fatal; lookups will surface the same failure.
	validateCtx, validateCancel := context.WithTimeout(context.Background(), cfg.WeatherAPITimeout)
	if err := weatherClient.ValidateAPIKey(validateCtx); err != nil {
		logger.Warn("weather api key validation failed", zap.Error(err))
	}
	validateCancel()

	weatherService := service.NewWeatherService(
		resolver.New(cfg.Location),
		weatherClient,
		store.cache,
		service.Options{CoalesceEnabled: cfg.CoalesceEnabled, CoalesceTimeout: cfg.CoalesceTimeout},
	)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StoreBackend:     cfg.StoreBackend,
	}
	if store.pinger != nil {
		healthConfig.StorePing = store.pinger.Ping
	}
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	handler := httphandler.NewHandler(weatherService, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("time_zone", cfg.TimeZone),
			zap.Bool("coalesce_enabled", cfg.CoalesceEnabled))
		lifecycle.MarkStarted(time.Now())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if store.closer != nil {
		if err := store.closer.Close(); err != nil {
			logger.Error("store close", zap.Error(err), zap.String("backend", cfg.StoreBackend))
		}
	}
	logger.Info("shutdown complete")
	if err := observability.FlushTelemetry(logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
}

// newLogger loads .env first so LOG_LEVEL and LOG_FILE from it take effect.
func newLogger() (*zap.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return observability.NewLogger()
}

// weatherStore bundles the configured backend with its optional health check and closer.
type weatherStore struct {
	cache  cache.Cache
	pinger cache.Pinger
	closer io.Closer
}

// newStore opens the backend named by cfg.StoreBackend.
func newStore(ctx context.Context, cfg *config.Config) (weatherStore, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		s, err := cache.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return weatherStore{}, err
		}
		return weatherStore{cache: s, pinger: s, closer: s}, nil
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return weatherStore{}, err
		}
		return weatherStore{cache: mc, pinger: mc, closer: mc}, nil
	case config.BackendInMemory:
		return weatherStore{cache: cache.NewInMemoryCache()}, nil
	default:
		return weatherStore{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
