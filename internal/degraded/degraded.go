// Package degraded decides whether the upstream error rate warrants a degraded health report.
package degraded

import (
	"errors"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

// RecordOutcome classifies err and records it: nil is a success, a domain failure is a
// rejection, anything else is an error.
func RecordOutcome(err error) {
	var we *models.WeatherError
	switch {
	case err == nil:
		traffic.RecordSuccess()
	case errors.As(err, &we):
		traffic.RecordRejected()
	default:
		traffic.RecordError()
	}
}

// RecordRejected records a request refused before lookup (missing or malformed parameters).
func RecordRejected() {
	traffic.RecordRejected()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// IsDegraded reports whether the error share within window is at least thresholdPct.
// Disabled when window or thresholdPct is not positive; no traffic is never degraded.
func IsDegraded(window time.Duration, thresholdPct int) bool {
	if window <= 0 || thresholdPct <= 0 {
		return false
	}
	errCount, total := traffic.ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errCount)*100/float64(total) >= float64(thresholdPct)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
