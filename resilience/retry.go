package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/itsneelabh/opsquery/core"
)

// RetryConfig configures retry behavior. MaxRetries counts retries after the
// first attempt, so MaxRetries=2 means at most three calls.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// ShouldRetry classifies an error; nil means core.IsRetryable
	ShouldRetry func(error) bool

	// Sleep waits for d or until ctx is done; nil uses a timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    2,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Backoff returns the wait before retry number attempt (0-based):
// InitialDelay * factor^attempt, capped at MaxDelay, with +/-20% jitter.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.JitterEnabled && delay > 0 {
		// Spread synchronized retries from concurrent runs
		jitter := (rand.Float64()*0.4 - 0.2) * float64(delay)
		delay += time.Duration(jitter)
	}
	return delay
}

// RetryError is returned when retries stop. Attempts is the number of calls made.
type RetryError struct {
	Attempts  int
	Retryable bool
	Err       error
}

func (e *RetryError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("max retry attempts (%d) exceeded: %v", e.Attempts, e.Err)
	}
	return e.Err.Error()
}

func (e *RetryError) Unwrap() []error {
	if e.Retryable {
		return []error{e.Err, core.ErrMaxRetriesExceeded}
	}
	return []error{e.Err}
}

// Retry calls fn until it succeeds, returns a non-retryable error, retries
// are exhausted, or ctx is done. fn receives the 0-based attempt number.
// It returns the number of calls made alongside the final error.
func Retry(ctx context.Context, config *RetryConfig, fn func(attempt int) error) (int, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = core.IsRetryable
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempts := 0
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := fn(attempt)
		if err == nil {
			return attempts, nil
		}

		if !shouldRetry(err) {
			return attempts, &RetryError{Attempts: attempts, Err: err}
		}
		if attempt >= config.MaxRetries {
			return attempts, &RetryError{Attempts: attempts, Retryable: true, Err: err}
		}

		if err := sleep(ctx, config.Backoff(attempt)); err != nil {
			return attempts, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
