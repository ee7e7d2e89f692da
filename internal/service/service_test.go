package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/resolver"
)

type mockWeatherClient struct {
	payload json.RawMessage
	err     error
	delay   time.Duration
	calls   atomic.Int32

	mu       sync.Mutex
	requests []models.WeatherRequest
}

func (m *mockWeatherClient) Fetch(ctx context.Context, req models.WeatherRequest) (json.RawMessage, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.payload, m.err
}

func (m *mockWeatherClient) ValidateAPIKey(ctx context.Context) error {
	return nil
}

type mockCache struct {
	mu        sync.Mutex
	data      map[models.CacheKey]json.RawMessage
	lookupErr error
	storeErr  error
	stores    int
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[models.CacheKey]json.RawMessage)}
}

func (m *mockCache) Lookup(ctx context.Context, key models.CacheKey) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, false, m.lookupErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Store(ctx context.Context, key models.CacheKey, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	if m.storeErr != nil {
		return m.storeErr
	}
	if _, exists := m.data[key]; !exists {
		m.data[key] = payload
	}
	return nil
}

func (m *mockCache) storeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores
}

var fixedNow = time.Date(2022, 2, 8, 9, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T, zone string) *resolver.Resolver {
	t.Helper()
	loc, err := time.LoadLocation(zone)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", zone, err)
	}
	return resolver.NewWithClock(loc, func() time.Time { return fixedNow })
}

// TestWeatherService_GetWeather_MissThenHit verifies that the first historical lookup fetches
// upstream and stores the payload, and the repeat lookup is served from the cache.
func TestWeatherService_GetWeather_MissThenHit(t *testing.T) {
	mc := &mockWeatherClient{payload: json.RawMessage(`{"temp":270.5}`)}
	cache := newMockCache()
	svc := NewWeatherService(newTestResolver(t, "Europe/Moscow"), mc, cache, Options{})

	got, err := svc.GetWeather(context.Background(), " Moscow ", "RU", "08.02.2022T12:00")
	if err != nil {
		t.Fatalf("first GetWeather error = %v, want nil", err)
	}
	if string(got) != `{"temp":270.5}` {
		t.Fatalf("payload = %s, want {\"temp\":270.5}", got)
	}

	key := models.CacheKey{City: "moscow", CountryCode: "ru", Date: "2022-02-08 12:00:00+03:00"}
	if _, ok := cache.data[key]; !ok {
		t.Fatalf("record %v not stored; have %v", key, cache.data)
	}

	got, err = svc.GetWeather(context.Background(), "moscow", "ru", "08.02.2022T12:00")
	if err != nil {
		t.Fatalf("second GetWeather error = %v, want nil", err)
	}
	if string(got) != `{"temp":270.5}` {
		t.Fatalf("second payload = %s", got)
	}
	if n := mc.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
	if mc.requests[0].IsForecast {
		t.Error("12:00 Moscow (09:00 UTC) is not after now; want historical")
	}
}

func TestWeatherService_GetWeather_ForecastKey(t *testing.T) {
	mc := &mockWeatherClient{payload: json.RawMessage(`[{"dt_txt":"2022-02-10 12:00:00"}]`)}
	cache := newMockCache()
	svc := NewWeatherService(newTestResolver(t, "UTC"), mc, cache, Options{})

	if _, err := svc.GetWeather(context.Background(), "London", "GB", "10.02.2022T12:00"); err != nil {
		t.Fatalf("GetWeather error = %v", err)
	}
	key := models.CacheKey{City: "london", CountryCode: "gb", Date: "2022-02-10"}
	if _, ok := cache.data[key]; !ok {
		t.Fatalf("forecast record %v not stored", key)
	}
	if !mc.requests[0].IsForecast {
		t.Error("request after now should be a forecast")
	}
}

func TestWeatherService_GetWeather_InvalidDate(t *testing.T) {
	mc := &mockWeatherClient{payload: json.RawMessage(`{}`)}
	svc := NewWeatherService(newTestResolver(t, "UTC"), mc, newMockCache(), Options{})

	_, err := svc.GetWeather(context.Background(), "London", "GB", "2022-02-08 12:00")
	if !errors.Is(err, models.ErrInvalidDate) {
		t.Fatalf("error = %v, want ErrInvalidDate", err)
	}
	if mc.calls.Load() != 0 {
		t.Error("invalid date must not reach upstream")
	}
}

func TestWeatherService_GetWeather_DomainErrorsPassThrough(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "city not found", err: models.ErrCityNotFound},
		{name: "date out of range", err: models.ErrDateOutOfRange},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cache := newMockCache()
			svc := NewWeatherService(newTestResolver(t, "UTC"), &mockWeatherClient{err: tc.err}, cache, Options{})
			_, err := svc.GetWeather(context.Background(), "Nowhere", "XX", "08.02.2022T08:00")
			if !errors.Is(err, tc.err) {
				t.Fatalf("error = %v, want %v", err, tc.err)
			}
			info, ok := models.ToErrorInfo(err)
			if !ok || info.Message != tc.err.Error() {
				t.Errorf("ToErrorInfo = %+v, %v", info, ok)
			}
			if cache.storeCount() != 0 {
				t.Error("failed fetch must not be stored")
			}
		})
	}
}

func TestWeatherService_GetWeather_TransportError(t *testing.T) {
	upstream := errors.Join(client.ErrTransport, client.ErrUpstreamFailure)
	svc := NewWeatherService(newTestResolver(t, "UTC"), &mockWeatherClient{err: upstream}, newMockCache(), Options{})

	_, err := svc.GetWeather(context.Background(), "London", "GB", "08.02.2022T08:00")
	if !errors.Is(err, client.ErrTransport) {
		t.Fatalf("error = %v, want wrapping ErrTransport", err)
	}
	if _, ok := models.ToErrorInfo(err); ok {
		t.Error("transport error must not map to a domain ErrorInfo")
	}
}

func TestWeatherService_GetWeather_EmptyPayloadNotStored(t *testing.T) {
	for _, payload := range []string{`{}`, `[]`, `null`} {
		t.Run(payload, func(t *testing.T) {
			cache := newMockCache()
			svc := NewWeatherService(newTestResolver(t, "UTC"), &mockWeatherClient{payload: json.RawMessage(payload)}, cache, Options{})
			got, err := svc.GetWeather(context.Background(), "London", "GB", "08.02.2022T08:00")
			if err != nil {
				t.Fatalf("GetWeather error = %v", err)
			}
			if string(got) != payload {
				t.Errorf("payload = %s, want %s", got, payload)
			}
			if cache.storeCount() != 0 {
				t.Errorf("empty payload %s was stored", payload)
			}
		})
	}
}

// TestWeatherService_GetWeather_LookupErrorFallsThrough verifies that a failing store is
// treated as a miss and the upstream payload is still returned.
func TestWeatherService_GetWeather_LookupErrorFallsThrough(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx := context.WithValue(context.Background(), "logger", zap.New(core))

	cache := newMockCache()
	cache.lookupErr = errors.New("database is locked")
	mc := &mockWeatherClient{payload: json.RawMessage(`{"temp":1}`)}
	svc := NewWeatherService(newTestResolver(t, "UTC"), mc, cache, Options{})

	got, err := svc.GetWeather(ctx, "London", "GB", "08.02.2022T08:00")
	if err != nil {
		t.Fatalf("GetWeather error = %v, want nil", err)
	}
	if string(got) != `{"temp":1}` {
		t.Errorf("payload = %s", got)
	}
	if logs.FilterMessage("cache lookup failed").Len() != 1 {
		t.Errorf("expected one lookup warning, got %v", logs.All())
	}
}

func TestWeatherService_GetWeather_StoreErrorNotReturned(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx := context.WithValue(context.Background(), "logger", zap.New(core))

	cache := newMockCache()
	cache.storeErr = errors.New("disk full")
	svc := NewWeatherService(newTestResolver(t, "UTC"), &mockWeatherClient{payload: json.RawMessage(`{"temp":1}`)}, cache, Options{})

	if _, err := svc.GetWeather(ctx, "London", "GB", "08.02.2022T08:00"); err != nil {
		t.Fatalf("GetWeather error = %v, want nil", err)
	}
	entries := logs.FilterMessage("cache store failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one store warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["city"] != "london" {
		t.Errorf("warning fields = %v, want city=london", entries[0].ContextMap())
	}
}

// TestWeatherService_GetWeather_Coalesced verifies that concurrent identical requests share
// one upstream fetch and one store.
func TestWeatherService_GetWeather_Coalesced(t *testing.T) {
	mc := &mockWeatherClient{payload: json.RawMessage(`{"temp":2}`), delay: 100 * time.Millisecond}
	cache := newMockCache()
	svc := NewWeatherService(newTestResolver(t, "UTC"), mc, cache, Options{CoalesceEnabled: true, CoalesceTimeout: 5 * time.Second})

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	results := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = svc.GetWeather(context.Background(), "London", "GB", "08.02.2022T08:00")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
		}
		if string(results[i]) != `{"temp":2}` {
			t.Errorf("request %d payload = %s", i, results[i])
		}
	}
	if got := mc.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if got := cache.storeCount(); got != 1 {
		t.Errorf("stores = %d, want 1", got)
	}
}

func TestNewWeatherService_CoalesceNeedsTimeout(t *testing.T) {
	svc := NewWeatherService(newTestResolver(t, "UTC"), &mockWeatherClient{}, newMockCache(), Options{CoalesceEnabled: true})
	if svc.coalescer != nil {
		t.Error("coalescer should be nil when CoalesceTimeout is 0")
	}
}

// TestWeatherService_GetWeather_OpenWeatherAndSQLite runs a lookup through the real client and
// SQLite store: one geocode and one timemachine call upstream, then the repeat is a store hit.
func TestWeatherService_GetWeather_OpenWeatherAndSQLite(t *testing.T) {
	var hits atomic.Int32
	var gotQuery, gotDT atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/geo/1.0/direct":
			gotQuery.Store(r.URL.Query().Get("q"))
			_, _ = w.Write([]byte(`[{"lat":55.75,"lon":37.61}]`))
		case "/data/2.5/onecall/timemachine":
			gotDT.Store(r.URL.Query().Get("dt"))
			_, _ = w.Write([]byte(`{"lat":55.75,"lon":37.61,"current":{"temp":1}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	owc, err := client.NewOpenWeatherClient("test-key-1234567890", srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient: %v", err)
	}
	ctx := context.Background()
	store, err := cache.NewSQLiteStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	svc := NewWeatherService(newTestResolver(t, "Europe/Moscow"), owc, store, Options{})

	for i := 0; i < 2; i++ {
		got, err := svc.GetWeather(ctx, "Moscow", "RU", "08.02.2022T12:00")
		if err != nil {
			t.Fatalf("GetWeather #%d error = %v", i+1, err)
		}
		if string(got) != `{"temp":1}` {
			t.Fatalf("GetWeather #%d payload = %s, want {\"temp\":1}", i+1, got)
		}
		if n := hits.Load(); n != 2 {
			t.Fatalf("after GetWeather #%d upstream hits = %d, want 2", i+1, n)
		}
	}
	if q, _ := gotQuery.Load().(string); q != "moscow,ru" {
		t.Errorf("geocode q = %q, want %q", q, "moscow,ru")
	}
	if dt, _ := gotDT.Load().(string); dt != "1644310800" {
		t.Errorf("timemachine dt = %q, want %q", dt, "1644310800")
	}
}

// TestWeatherService_GetWeather_OpenWeatherUnknownCity verifies that an empty geocode result
// surfaces as the wrong city domain error and nothing is stored.
func TestWeatherService_GetWeather_OpenWeatherUnknownCity(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	owc, err := client.NewOpenWeatherClient("test-key-1234567890", srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient: %v", err)
	}
	store := newMockCache()
	svc := NewWeatherService(newTestResolver(t, "UTC"), owc, store, Options{})

	_, err = svc.GetWeather(context.Background(), "Atlantis", "XX", "08.02.2022T08:00")
	if !errors.Is(err, models.ErrCityNotFound) {
		t.Fatalf("error = %v, want ErrCityNotFound", err)
	}
	if info, ok := models.ToErrorInfo(err); !ok || info.Message != "wrong city" {
		t.Errorf("ToErrorInfo() = %+v, %v; want wrong city", info, ok)
	}
	if hits.Load() != 1 || store.storeCount() != 0 {
		t.Errorf("hits = %d stores = %d, want 1 and 0", hits.Load(), store.storeCount())
	}
}
