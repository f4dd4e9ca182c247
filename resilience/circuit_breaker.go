package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/opsquery/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the open timeout elapses
	StateOpen
	// StateHalfOpen allows a single probing request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not user errors
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Configuration and lookup errors are caller mistakes
	if core.IsConfigurationError(err) || core.IsNotFound(err) {
		return false
	}

	// The run was cancelled, the backend did nothing wrong
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}

	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (usually the tool id)
	Name string

	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before allowing a probe
	OpenTimeout time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector

	// Now is the clock, replaceable in tests
	Now func() time.Time
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
		Now:              time.Now,
	}
}

// Validate checks the configuration values
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name is required: %w", core.ErrMissingConfiguration)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d: %w", c.FailureThreshold, core.ErrInvalidConfiguration)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d: %w", c.SuccessThreshold, core.ErrInvalidConfiguration)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open timeout must be positive, got %s: %w", c.OpenTimeout, core.ErrInvalidConfiguration)
	}
	return nil
}

// ExecutionToken is handed out by Allow and returned to Done. Tokens from an
// earlier generation are ignored so a slow call cannot flip a newer state.
type ExecutionToken struct {
	generation uint64
	probe      bool
}

// BreakerSnapshot is a point-in-time view of a breaker's state
type BreakerSnapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	Rejected             uint64    `json:"rejected"`
	Total                uint64    `json:"total"`
}

// CircuitBreaker is a consecutive-failure breaker with a single-probe half-open state.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	// state is read lock-free on the hot path, written under mu
	state         atomic.Int32
	probeInFlight atomic.Bool

	mu                   sync.Mutex
	generation           uint64
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	forcedOpen           bool

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker creates a circuit breaker, filling unset optional fields
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		if config.Logger != nil {
			config.Logger.Error("Circuit breaker configuration validation failed", map[string]interface{}{
				"operation": "circuit_breaker_validation_failed",
				"name":      config.Name,
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	cb := &CircuitBreaker{config: config}
	cb.state.Store(int32(StateClosed))

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"success_threshold": config.SuccessThreshold,
		"open_timeout_ms":   config.OpenTimeout.Milliseconds(),
	})

	return cb, nil
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// GetState returns the current state as a string, applying the
// open -> half_open transition when the open timeout has elapsed.
func (cb *CircuitBreaker) GetState() string {
	return cb.State().String()
}

// State returns the current state, applying the open -> half_open
// transition when the open timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	if CircuitState(cb.state.Load()) == StateOpen {
		cb.mu.Lock()
		cb.maybeHalfOpenLocked()
		cb.mu.Unlock()
	}
	return CircuitState(cb.state.Load())
}

// Allow asks for permission to make one call. A rejected call changes no counters.
func (cb *CircuitBreaker) Allow() (ExecutionToken, bool) {
	cb.totalExecutions.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		// Re-check under the lock; the breaker may have opened meanwhile
		if CircuitState(cb.state.Load()) == StateClosed {
			return ExecutionToken{generation: cb.generation}, true
		}
		return cb.allowLocked()
	default:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.allowLocked()
	}
}

func (cb *CircuitBreaker) allowLocked() (ExecutionToken, bool) {
	cb.maybeHalfOpenLocked()

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		return ExecutionToken{generation: cb.generation}, true
	case StateHalfOpen:
		if cb.probeInFlight.CompareAndSwap(false, true) {
			return ExecutionToken{generation: cb.generation, probe: true}, true
		}
	}

	cb.rejectedExecutions.Add(1)
	cb.config.Metrics.RecordRejection(cb.config.Name)
	cb.config.Logger.Debug("Circuit breaker rejected execution", map[string]interface{}{
		"operation":     "circuit_breaker_reject",
		"name":          cb.config.Name,
		"current_state": CircuitState(cb.state.Load()).String(),
	})
	return ExecutionToken{}, false
}

// Done reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Done(token ExecutionToken, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if token.probe {
		defer cb.probeInFlight.Store(false)
	}

	if token.generation != cb.generation {
		return
	}

	if err != nil && !cb.config.ErrorClassifier(err) {
		// Neutral outcome: neither success nor failure
		return
	}

	state := CircuitState(cb.state.Load())

	if err == nil {
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		cb.consecutiveFailures = 0
		if state == StateHalfOpen {
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
				cb.transitionToUnlocked(StateClosed)
			}
		}
		return
	}

	cb.config.Metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))
	cb.consecutiveSuccesses = 0

	switch state {
	case StateHalfOpen:
		// A failed probe reopens immediately
		cb.transitionToUnlocked(StateOpen)
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionToUnlocked(StateOpen)
		}
	}
}

// Execute runs fn under breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn with breaker protection and an optional timeout.
// A panic in fn is recovered and reported as a failure.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	token, allowed := cb.Allow()
	if !allowed {
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
					"name":  cb.config.Name,
					"panic": fmt.Sprintf("%v", r),
					"type":  fmt.Sprintf("%T", r),
				})
				done <- fmt.Errorf("panic in circuit breaker: %v\nStack:\n%s", r, debug.Stack())
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		cb.Done(token, err)
		return err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out: %w", cb.config.Name, core.ErrTimeout)
		}
		// The function may still be running; settle the token when it returns
		go func() {
			<-done
			cb.Done(token, err)
		}()
		return err
	}
}

// ForceOpen opens the breaker until Reset is called
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = true
	if CircuitState(cb.state.Load()) != StateOpen {
		cb.transitionToUnlocked(StateOpen)
	}
}

// Reset closes the breaker and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = false
	if CircuitState(cb.state.Load()) != StateClosed {
		cb.transitionToUnlocked(StateClosed)
	}
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

// Snapshot returns the breaker state for inspection
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := BreakerSnapshot{
		Name:                 cb.config.Name,
		State:                state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		Rejected:             cb.rejectedExecutions.Load(),
		Total:                cb.totalExecutions.Load(),
	}
	if state != StateClosed {
		snap.OpenedAt = cb.openedAt
	}
	return snap
}

// maybeHalfOpenLocked moves an open breaker to half_open once the timeout elapsed.
func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if CircuitState(cb.state.Load()) != StateOpen || cb.forcedOpen {
		return
	}
	if cb.config.Now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
		cb.transitionToUnlocked(StateHalfOpen)
	}
}

// transitionToUnlocked changes state; the caller must hold cb.mu.
func (cb *CircuitBreaker) transitionToUnlocked(to CircuitState) {
	from := CircuitState(cb.state.Load())
	if from == to {
		return
	}

	cb.generation++
	cb.state.Store(int32(to))

	switch to {
	case StateOpen:
		cb.openedAt = cb.config.Now()
		cb.consecutiveSuccesses = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
		cb.probeInFlight.Store(false)
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
		cb.openedAt = time.Time{}
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":  "circuit_breaker_transition",
		"name":       cb.config.Name,
		"from_state": from.String(),
		"to_state":   to.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())

}
