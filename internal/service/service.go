package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/resolver"
)

// WeatherService orchestrates weather lookups: resolve the request, serve from the cache when a
// record exists, otherwise fetch upstream and write the result back.
type WeatherService struct {
	resolver        *resolver.Resolver
	client          client.WeatherClient
	cache           cache.Cache
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil when coalescing is disabled
}

// Options configures optional WeatherService behavior.
type Options struct {
	// CoalesceEnabled shares one upstream fetch among concurrent requests for the same key.
	CoalesceEnabled bool
	// CoalesceTimeout bounds a coalesced fetch and every wait on it. Coalescing is disabled if 0.
	CoalesceTimeout time.Duration
}

// NewWeatherService creates a new WeatherService with the provided dependencies.
func NewWeatherService(r *resolver.Resolver, client client.WeatherClient, cache cache.Cache, opts Options) *WeatherService {
	var coalescer *requestCoalescer
	if opts.CoalesceEnabled && opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &WeatherService{
		resolver:        r,
		client:          client,
		cache:           cache,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetWeather returns the weather payload for city, countryCode and rawDate (dd.mm.yyyyThh:mm).
// Forecast payloads are the day's 3-hour entries; historical payloads are the provider's
// "current" object. Domain failures are *models.WeatherError values; anything else is an
// infrastructure failure.
func (s *WeatherService) GetWeather(ctx context.Context, city, countryCode, rawDate string) (json.RawMessage, error) {
	start := time.Now()
	logger := loggerFromContext(ctx)

	req, err := s.resolver.Resolve(city, countryCode, rawDate)
	if err != nil {
		observability.WeatherErrorsTotal.WithLabelValues(string(client.CategorizeError(err))).Inc()
		return nil, err
	}
	observability.RecordWeatherQuery(req.City, req.Mode())
	key := req.Key()
	if logger != nil {
		logger = logger.With(zap.String("city", req.City), zap.String("country_code", req.CountryCode), zap.String("date", key.Date), zap.String("mode", req.Mode()))
		ctx = context.WithValue(ctx, "logger", logger)
	}

	if cached, ok := s.lookup(ctx, key); ok {
		observability.CacheHitsTotal.WithLabelValues(req.Mode()).Inc()
		if logger != nil {
			logger.Info("got data from database")
			logger.Debug("weather served", zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		}
		return cached, nil
	}
	observability.CacheMissesTotal.WithLabelValues(req.Mode()).Inc()

	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.RecordDone(key)
	locLabel := observability.MetricLocationLabel(req.City)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrentMisses))
	}

	if logger != nil {
		logger.Debug("cache miss, fetching upstream")
	}

	var data json.RawMessage
	var upstreamErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		var shared bool
		data, shared, upstreamErr = s.coalescer.GetOrDo(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
			return s.fetchAndStore(ctx, req)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(locLabel).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(coalesceStart).Seconds())
		}
	} else {
		data, upstreamErr = s.fetchAndStore(ctx, req)
	}
	if upstreamErr != nil {
		observability.WeatherErrorsTotal.WithLabelValues(string(client.CategorizeError(upstreamErr))).Inc()
		if _, domain := models.ToErrorInfo(upstreamErr); domain {
			return nil, upstreamErr
		}
		return nil, fmt.Errorf("fetch weather for %s: %w", key, upstreamErr)
	}

	if logger != nil {
		logger.Debug("weather served", zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return data, nil
}

// lookup reads the cache. A failing store is logged and treated as a miss so that lookups keep
// working from upstream.
func (s *WeatherService) lookup(ctx context.Context, key models.CacheKey) (json.RawMessage, bool) {
	getStart := time.Now()
	cached, ok, err := s.cache.Lookup(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("lookup", string(client.CategorizeError(err))).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("lookup", "error").Observe(getDuration)
		if logger := loggerFromContext(ctx); logger != nil {
			logger.Warn("cache lookup failed", zap.Error(err))
		}
		return nil, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("lookup", "success").Observe(getDuration)
	return cached, ok
}

// fetchAndStore fetches upstream and stores a non-empty payload. A failed store is logged and
// the fetched payload is still returned.
func (s *WeatherService) fetchAndStore(ctx context.Context, req models.WeatherRequest) (json.RawMessage, error) {
	data, err := s.client.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if models.IsEmptyPayload(data) {
		return data, nil
	}

	logger := loggerFromContext(ctx)
	setStart := time.Now()
	if setErr := s.cache.Store(ctx, req.Key(), data); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("store", string(client.CategorizeError(setErr))).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("store", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("cache store failed", zap.Error(setErr))
		}
		return data, nil
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("store", "success").Observe(time.Since(setStart).Seconds())
	if logger != nil {
		logger.Info("data is saved to database")
	}
	return data, nil
}
