package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// WeatherClient fetches the weather payload for a resolved request.
type WeatherClient interface {
	Fetch(ctx context.Context, req models.WeatherRequest) (json.RawMessage, error)
	ValidateAPIKey(ctx context.Context) error
}

// ErrTransport wraps every non-domain upstream failure: network errors, auth and quota
// rejections, 5xx responses and bodies that cannot be decoded.
var ErrTransport = errors.New("upstream transport error")

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

const (
	DefaultBaseURL = "https://api.openweathermap.org"

	geocodePath     = "/geo/1.0/direct"
	forecastPath    = "/data/2.5/forecast"
	timemachinePath = "/data/2.5/onecall/timemachine"

	// forecastEntryLayout is the format of dt_txt in forecast list entries.
	forecastEntryLayout = "2006-01-02 15:04:05"

	userAgent = "weather-lookup-service/1.0"
)

// Endpoint labels for logs and metrics.
const (
	EndpointGeocode     = "geocode"
	EndpointForecast    = "forecast"
	EndpointTimemachine = "timemachine"
)

type OpenWeatherClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenWeatherClient returns a client for the provider rooted at baseURL (scheme and host,
// e.g. DefaultBaseURL). timeout bounds each outbound call; zero disables the client-side timeout.
func NewOpenWeatherClient(apiKey, baseURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	return &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type forecastResponse struct {
	List json.RawMessage `json:"list"`
}

type forecastEntry struct {
	DtTxt string `json:"dt_txt"`
}

// Fetch geocodes the request's city, then fetches the 3-hour forecast filtered to the
// request's calendar date (forecast mode) or the timemachine "current" object (historical mode).
func (c *OpenWeatherClient) Fetch(ctx context.Context, req models.WeatherRequest) (json.RawMessage, error) {
	coords, err := c.Geocode(ctx, req.City, req.CountryCode)
	if err != nil {
		return nil, err
	}
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Info("got coordinates", zap.Float64("lon", coords.Lon), zap.Float64("lat", coords.Lat))
	}

	if req.IsForecast {
		return c.forecast(ctx, coords, req.Timestamp)
	}
	return c.historical(ctx, coords, req.Timestamp)
}

// Geocode resolves city and country code to coordinates using the first candidate match.
// Returns models.ErrCityNotFound when the provider has no match.
func (c *OpenWeatherClient) Geocode(ctx context.Context, city, countryCode string) (models.Coordinates, error) {
	params := url.Values{}
	params.Set("q", city+","+countryCode)

	body, status, err := c.callAPI(ctx, EndpointGeocode, geocodePath, params)
	if err != nil {
		return models.Coordinates{}, err
	}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		return models.Coordinates{}, models.ErrCityNotFound
	}

	var candidates []models.Coordinates
	if err := json.Unmarshal(body, &candidates); err != nil {
		return models.Coordinates{}, fmt.Errorf("%w: %w: geocode: %v", ErrTransport, ErrMalformedResponse, err)
	}
	if len(candidates) == 0 {
		return models.Coordinates{}, models.ErrCityNotFound
	}
	return candidates[0], nil
}

func (c *OpenWeatherClient) forecast(ctx context.Context, coords models.Coordinates, day time.Time) (json.RawMessage, error) {
	body, _, err := c.callAPI(ctx, EndpointForecast, forecastPath, coordParams(coords))
	if err != nil {
		return nil, err
	}
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Info("got forecasted weather data", zap.Time("date", day))
	}

	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w: forecast: %v", ErrTransport, ErrMalformedResponse, err)
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("%w: %w: forecast: missing list", ErrTransport, ErrMalformedResponse)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(resp.List, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w: forecast list: %v", ErrTransport, ErrMalformedResponse, err)
	}

	filtered, err := FilterByDate(entries, day)
	if err != nil {
		return nil, err
	}
	if len(filtered) == 0 {
		return nil, models.ErrDateOutOfRange
	}
	payload, err := json.Marshal(filtered)
	if err != nil {
		return nil, fmt.Errorf("encode forecast: %w", err)
	}
	return payload, nil
}

func (c *OpenWeatherClient) historical(ctx context.Context, coords models.Coordinates, ts time.Time) (json.RawMessage, error) {
	params := coordParams(coords)
	params.Set("dt", strconv.FormatInt(ts.Unix(), 10))

	body, _, err := c.callAPI(ctx, EndpointTimemachine, timemachinePath, params)
	if err != nil {
		return nil, err
	}
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Info("got historical weather data", zap.Time("date", ts))
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w: timemachine: %v", ErrTransport, ErrMalformedResponse, err)
	}
	current, ok := resp["current"]
	if !ok {
		return nil, models.ErrDateOutOfRange
	}
	return current, nil
}

// FilterByDate keeps the forecast entries whose dt_txt falls on day's calendar date (in day's
// zone), preserving order. An entry without a parseable dt_txt fails the whole response.
func FilterByDate(entries []json.RawMessage, day time.Time) ([]json.RawMessage, error) {
	y, m, d := day.Date()
	filtered := make([]json.RawMessage, 0, len(entries))
	for i, raw := range entries {
		var e forecastEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: %w: forecast entry %d: %v", ErrTransport, ErrMalformedResponse, i, err)
		}
		at, err := time.Parse(forecastEntryLayout, e.DtTxt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: forecast entry %d dt_txt %q", ErrTransport, ErrMalformedResponse, i, e.DtTxt)
		}
		ey, em, ed := at.Date()
		if ey == y && em == m && ed == d {
			filtered = append(filtered, raw)
		}
	}
	return filtered, nil
}

func coordParams(coords models.Coordinates) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(coords.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(coords.Lon, 'f', -1, 64))
	return params
}

// callAPI performs one GET and returns the body with the status code. Auth, quota and 5xx
// responses are returned as errors; other statuses are left to the caller because the provider
// reports domain failures (e.g. out-of-range dates) as 4xx bodies.
func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint, path string, params url.Values) ([]byte, int, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, path, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	if logger := loggerFromContext(ctx); logger != nil {
		logger.Debug("upstream request", zap.String("endpoint", endpoint), zap.String("path", path))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, 0, fmt.Errorf("%w: request timeout: %w", ErrTransport, err)
		}
		return nil, 0, fmt.Errorf("%w: http request failed: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: %w", ErrTransport, endpoint, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response body: %w", ErrTransport, err)
	}
	return body, resp.StatusCode, nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params.Set("appid", c.apiKey)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues a single geocoding call and reports whether the provider accepts the key.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	params.Set("limit", "1")
	req, err := c.buildRequest(ctx, geocodePath, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
