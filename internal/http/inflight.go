package http

import (
	"context"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests currently being served so shutdown can drain them.
type InFlightTracker struct {
	count atomic.Int64
}

func (t *InFlightTracker) Increment() { t.count.Add(1) }

func (t *InFlightTracker) Decrement() { t.count.Add(-1) }

func (t *InFlightTracker) Count() int64 { return t.count.Load() }

// WaitForZero polls every checkInterval until the count reaches zero or ctx is done.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// globalInFlightTracker is fed by MetricsMiddleware.
var globalInFlightTracker = &InFlightTracker{}

// InFlightCount returns the current number of in-flight requests.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
