package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// inFlightRequest tracks a single upstream fetch that multiple callers may wait for.
type inFlightRequest struct {
	done   chan struct{} // closed when result and err are set
	result json.RawMessage
	err    error
}

// requestCoalescer prevents duplicate upstream fetches (and duplicate writes) by sharing one
// in-flight fetch among concurrent requests for the same cache key.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[models.CacheKey]*inFlightRequest
	timeout  time.Duration
}

// newRequestCoalescer creates a new requestCoalescer. timeout bounds how long any caller waits.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[models.CacheKey]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo runs fn for key unless a fetch for key is already in flight, in which case it waits
// for that fetch's result. shared reports whether the result came from another caller's fetch.
// fn runs detached from the caller so a canceled first caller does not fail the waiters; the
// wait itself respects ctx and the coalescer timeout.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key models.CacheKey, fn func(ctx context.Context) (json.RawMessage, error)) (result json.RawMessage, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
	}
	rc.mu.Unlock()

	if !exists {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		go func() {
			defer cancel()
			res, err := fn(fetchCtx)

			rc.mu.Lock()
			req.result, req.err = res, err
			delete(rc.inFlight, key)
			rc.mu.Unlock()
			close(req.done)
		}()
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return nil, exists, waitCtx.Err()
	}
}

// pending returns the number of keys with a fetch in flight.
func (rc *requestCoalescer) pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
