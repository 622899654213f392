package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels.
const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryForbidden   ErrorCategory = "forbidden"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUpstream4xx ErrorCategory = "upstream_4xx"
	ErrorCategoryUpstream5xx ErrorCategory = "upstream_5xx"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryUnknownCity ErrorCategory = "unknown_city"
	ErrorCategoryParsing     ErrorCategory = "parsing"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, cities.ErrUnknownCity) {
		return ErrorCategoryUnknownCity
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorCategoryCircuitOpen
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		switch {
		case upErr.Status == 403:
			return ErrorCategoryForbidden
		case upErr.Status == 429:
			return ErrorCategoryRateLimited
		case upErr.Status >= 500:
			return ErrorCategoryUpstream5xx
		default:
			return ErrorCategoryUpstream4xx
		}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "http request failed") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}
