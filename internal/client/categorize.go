package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (weatherErrorsTotal, cacheErrorsTotal).
const (
	ErrorCategoryInvalidDate    ErrorCategory = "invalid_date"
	ErrorCategoryCityNotFound   ErrorCategory = "city_not_found"
	ErrorCategoryDateOutOfRange ErrorCategory = "date_out_of_range"
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryNetwork        ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey  ErrorCategory = "invalid_api_key"
	ErrorCategoryRateLimited    ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx    ErrorCategory = "upstream_5xx"
	ErrorCategoryParsing        ErrorCategory = "parsing"
	ErrorCategoryStore          ErrorCategory = "store"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
// Domain failures map by kind; transport failures by sentinel, then by message.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var we *models.WeatherError
	if errors.As(err, &we) {
		switch we.Kind {
		case models.KindInvalidDate:
			return ErrorCategoryInvalidDate
		case models.KindCityNotFound:
			return ErrorCategoryCityNotFound
		case models.KindDateOutOfRange:
			return ErrorCategoryDateOutOfRange
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	if errors.Is(err, ErrInvalidAPIKey) {
		return ErrorCategoryInvalidAPIKey
	}

	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}

	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream5xx
	}

	if errors.Is(err, ErrMalformedResponse) {
		return ErrorCategoryParsing
	}

	errStr := err.Error()
	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return ErrorCategoryTimeout
	}

	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}

	if strings.Contains(errStr, "store") || strings.Contains(errStr, "sqlite") || strings.Contains(errStr, "memcache") {
		return ErrorCategoryStore
	}

	return ErrorCategoryUnknown
}
