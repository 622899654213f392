package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kjstillabower/civic-signals-service/internal/cities"
)

// TestCategorizeError verifies that CategorizeError maps errors to the correct ErrorCategory
// for metrics labeling, including sentinel errors, wrapped errors, and message-based heuristics.
func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"timeout context", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryTimeout},
		{"unknown city", fmt.Errorf("lookup: %w", cities.ErrUnknownCity), ErrorCategoryUnknownCity},
		{"circuit open", ErrCircuitOpen, ErrorCategoryCircuitOpen},
		{"forbidden", &UpstreamError{City: "oakland", Status: 403}, ErrorCategoryForbidden},
		{"rate limited", &UpstreamError{City: "oakland", Status: 429}, ErrorCategoryRateLimited},
		{"bad query", &UpstreamError{City: "oakland", Status: 400}, ErrorCategoryUpstream4xx},
		{"wrapped 5xx", fmt.Errorf("fetch: %w", &UpstreamError{City: "oakland", Status: 502}), ErrorCategoryUpstream5xx},
		{"timeout in message", errors.New("request timeout: boom"), ErrorCategoryTimeout},
		{"network in message", errors.New("connection refused"), ErrorCategoryNetwork},
		{"parse in message", errors.New("parse oakland response: invalid json"), ErrorCategoryParsing},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CategorizeError(tt.err)
			if got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpstreamError_IsUpstreamFailure(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &UpstreamError{City: "losangeles", Status: 500})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Error("errors.Is(UpstreamError, ErrUpstreamFailure) = false, want true")
	}
}
