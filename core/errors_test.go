package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "ErrTimeout is retryable",
			err:      ErrTimeout,
			expected: true,
		},
		{
			name:     "ErrConnectionFailed is retryable",
			err:      ErrConnectionFailed,
			expected: true,
		},
		{
			name:     "wrapped retryable error is retryable",
			err:      fmt.Errorf("query failed: %w", ErrTimeout),
			expected: true,
		},
		{
			name:     "retryable tool error",
			err:      &ToolError{Code: "HTTP_503", Category: CategoryServiceError, Retryable: true},
			expected: true,
		},
		{
			name:     "non-retryable tool error wins over category",
			err:      &ToolError{Code: "HTTP_503", Category: CategoryServiceError},
			expected: false,
		},
		{
			name:     "ErrNotFound is not retryable",
			err:      ErrNotFound,
			expected: false,
		},
		{
			name:     "nil is not retryable",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestFrameworkError(t *testing.T) {
	err := &FrameworkError{
		Op:   "asset.Publish",
		Kind: "asset",
		ID:   "policy:default",
		Err:  ErrAssetImmutable,
	}

	if got := err.Error(); got != "asset.Publish [policy:default]: published asset is immutable" {
		t.Errorf("unexpected message: %q", got)
	}
	if !errors.Is(err, ErrAssetImmutable) {
		t.Error("expected errors.Is to see the wrapped sentinel")
	}

	msgOnly := &FrameworkError{Kind: "config", Message: "bad value"}
	if msgOnly.Error() != "bad value" {
		t.Errorf("unexpected message: %q", msgOnly.Error())
	}
	if (&FrameworkError{Kind: "binding"}).Error() != "binding error" {
		t.Error("expected kind fallback")
	}
}

func TestIsConfigurationError(t *testing.T) {
	binding := NewFrameworkError("AssetBinder.Load", "binding", ErrBindingViolation)
	if !IsConfigurationError(binding) {
		t.Error("binding violations are configuration errors")
	}
	if IsConfigurationError(ErrTimeout) {
		t.Error("timeouts are not configuration errors")
	}
	if !IsNotFound(fmt.Errorf("asset lookup: %w", ErrNotFound)) {
		t.Error("wrapped ErrNotFound should be detected")
	}
}
