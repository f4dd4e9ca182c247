package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/resilience"
	"github.com/itsneelabh/opsquery/safety"
	"github.com/itsneelabh/opsquery/telemetry"
)

// ExecPolicy is the per-call policy derived from the validated plan
type ExecPolicy struct {
	// Timeout bounds each attempt; zero uses the executor default
	Timeout time.Duration
	// MaxRows caps returned rows; zero means uncapped
	MaxRows int
	Safety  safety.Policy
	// RowEstimate feeds the safety row check when the statement has no LIMIT
	RowEstimate int
}

// Executor runs registered tools under safety, breaker, timeout and retry
// policy. Execute never returns an error: every failure is encoded in the
// Result.
type Executor struct {
	registry  *Registry
	breakers  *resilience.BreakerSet
	retry     resilience.RetryConfig
	timeout   time.Duration
	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithLogger sets the logger
func WithLogger(logger core.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = core.ComponentLogger(logger, "tool-executor")
	}
}

// WithTelemetry sets the span and metric sink
func WithTelemetry(t core.Telemetry) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// WithRetry sets the retry policy
func WithRetry(cfg *resilience.RetryConfig) ExecutorOption {
	return func(e *Executor) {
		if cfg != nil {
			e.retry = *cfg
		}
	}
}

// WithDefaultTimeout sets the per-attempt timeout used when the policy has none
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithExecutorClock sets the clock used for durations
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an executor over registry. breakers is shared by every
// run in the process.
func NewExecutor(registry *Registry, breakers *resilience.BreakerSet, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:  registry,
		breakers:  breakers,
		retry:     *resilience.DefaultRetryConfig(),
		timeout:   10 * time.Second,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry.ShouldRetry = func(err error) bool {
		return classify(err) == FailureRetryable
	}
	return e
}

// Registry returns the registry the executor resolves tools from
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Breakers returns the shared breaker table
func (e *Executor) Breakers() *resilience.BreakerSet {
	return e.breakers
}

// Execute runs one tool call
func (e *Executor) Execute(ctx context.Context, toolID string, call CallContext, params map[string]interface{}, policy ExecPolicy) *Result {
	start := e.now()
	ctx, span := e.telemetry.StartSpan(ctx, "tool.execute")
	defer span.End()
	span.SetAttribute("tool_id", toolID)
	span.SetAttribute("request_id", call.RequestID)

	result := e.execute(ctx, toolID, call, params, policy)
	result.Duration = e.now().Sub(start)

	span.SetAttribute("status", string(result.Status))
	span.SetAttribute("attempts", result.Attempts)
	if result.Status == StatusError {
		span.RecordError(errors.New(firstOr(result.Diagnostics.Errors, string(result.Failure))))
	}
	e.telemetry.RecordMetric(telemetry.MetricToolCalls, 1, map[string]string{
		"tool_id": toolID,
		"status":  string(result.Status),
		"failure": string(result.Failure),
	})
	e.telemetry.RecordMetric(telemetry.MetricToolDuration, float64(result.Duration.Milliseconds()), map[string]string{
		"tool_id": toolID,
		"status":  string(result.Status),
	})

	fields := telemetry.LogFields(ctx, map[string]interface{}{
		"operation":   "tool_execute",
		"tool_id":     toolID,
		"request_id":  call.RequestID,
		"tenant":      call.Tenant,
		"status":      string(result.Status),
		"failure":     string(result.Failure),
		"attempts":    result.Attempts,
		"rows":        len(result.Rows),
		"duration_ms": result.Duration.Milliseconds(),
	})
	if result.Status == StatusError {
		fields["errors"] = result.Diagnostics.Errors
		e.logger.Warn("Tool call failed", fields)
	} else {
		e.logger.Debug("Tool call completed", fields)
	}
	return result
}

func (e *Executor) execute(ctx context.Context, toolID string, call CallContext, params map[string]interface{}, policy ExecPolicy) *Result {
	h, err := e.registry.Resolve(toolID)
	if err != nil {
		return Failed(call.RequestID, toolID, FailureRejected, fmt.Sprintf("unknown tool %q", toolID))
	}
	desc := h.Descriptor

	if err := h.ValidateParams(params); err != nil {
		var pe *ParamError
		if errors.As(err, &pe) {
			return Failed(call.RequestID, toolID, FailureRejected, pe.Problems...)
		}
		return Failed(call.RequestID, toolID, FailureRejected, err.Error())
	}

	if desc.TenantScoped {
		if call.Tenant == "" {
			return Failed(call.RequestID, toolID, FailureRejected, safety.ReasonTenantMissing)
		}
		if call.RequestTenant != "" && call.RequestTenant != call.Tenant {
			return Failed(call.RequestID, toolID, FailureRejected, safety.ReasonTenantMismatch)
		}
	}

	// Safety runs before the breaker, so a denied statement never opens a connection
	if desc.Class == ClassDataAccess {
		statement, _ := params[desc.StatementParam].(string)
		sp := policy.Safety
		if sp.MaxRows == 0 {
			sp.MaxRows = policy.MaxRows
		}
		tenantColumn := ""
		if desc.TenantScoped {
			tenantColumn = desc.TenantColumn
		}
		verdict := safety.Validate(safety.Request{
			Statement:     statement,
			CallerTenant:  call.Tenant,
			RequestTenant: call.RequestTenant,
			TenantColumn:  tenantColumn,
			RowEstimate:   policy.RowEstimate,
		}, sp)
		if !verdict.Allowed {
			return Failed(call.RequestID, toolID, FailureRejected, verdict.Reasons...)
		}
	}

	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	if call.MaxRows == 0 {
		call.MaxRows = policy.MaxRows
	}

	cb := e.breakers.For(toolID, call.Tenant)
	invocations := 0
	var raw *RawResult

	_, err = resilience.Retry(ctx, &e.retry, func(attempt int) error {
		var attemptRaw *RawResult
		err := cb.ExecuteWithTimeout(ctx, timeout, func(ctx context.Context) error {
			r, err := h.impl.Invoke(ctx, CloneParams(params), call)
			if err != nil {
				return err
			}
			attemptRaw = r
			return nil
		})
		if !errors.Is(err, core.ErrCircuitBreakerOpen) {
			invocations++
		}
		if err == nil {
			raw = attemptRaw
			if raw == nil {
				raw = &RawResult{}
			}
		} else if attempt < e.retry.MaxRetries && classify(err) == FailureRetryable {
			e.logger.Debug("Tool call failed, retrying", map[string]interface{}{
				"operation": "tool_retry",
				"tool_id":   toolID,
				"attempt":   attempt + 1,
				"error":     err.Error(),
			})
		}
		return err
	})

	if err != nil {
		r := Failed(call.RequestID, toolID, classify(err), err.Error())
		r.Attempts = invocations
		r.Diagnostics.Counts["attempts"] = invocations
		return r
	}

	r := normalize(call, desc, policy, raw)
	r.Attempts = invocations
	r.Diagnostics.Counts["attempts"] = invocations
	return r
}

// normalize turns a raw response into a Result: tenant filtering first,
// then the row cap, then the empty check.
func normalize(call CallContext, desc Descriptor, policy ExecPolicy, raw *RawResult) *Result {
	r := newResult(call.RequestID, desc.ID)
	r.Diagnostics.Warnings = append(r.Diagnostics.Warnings, raw.Warnings...)
	if raw.References != nil {
		r.References = append(r.References, raw.References...)
	}

	rows := raw.Rows
	if desc.TenantScoped {
		kept := make([]Row, 0, len(rows))
		dropped := 0
		for _, row := range rows {
			if v, ok := row[desc.TenantColumn]; ok && fmt.Sprint(v) == call.Tenant {
				kept = append(kept, row)
			} else {
				dropped++
			}
		}
		rows = kept
		r.Diagnostics.Counts["cross_tenant_dropped"] = dropped
		if dropped > 0 {
			r.Diagnostics.Warnings = append(r.Diagnostics.Warnings, fmt.Sprintf("%d rows outside tenant scope dropped", dropped))
		}
	}

	if policy.MaxRows > 0 && len(rows) > policy.MaxRows {
		r.Diagnostics.Counts["rows_truncated"] = len(rows) - policy.MaxRows
		rows = rows[:policy.MaxRows]
		r.Truncated = true
		r.Diagnostics.Warnings = append(r.Diagnostics.Warnings, "truncated to "+strconv.Itoa(policy.MaxRows)+" rows")
	}

	r.Rows = append(r.Rows, rows...)
	if len(r.Rows) == 0 {
		r.Status = StatusEmpty
		r.Diagnostics.Warnings = append(r.Diagnostics.Warnings, WarningNoRows)
	}
	r.Diagnostics.Counts["rows"] = len(r.Rows)
	r.Diagnostics.Counts["references"] = len(r.References)
	return r
}

// classify maps an error onto the failure taxonomy
func classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, core.ErrCircuitBreakerOpen):
		return FailureCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, core.ErrContextCanceled):
		return FailureCanceled
	case isTransient(err):
		return FailureRetryable
	default:
		return FailureFatal
	}
}

func isTransient(err error) bool {
	var te *core.ToolError
	if errors.As(err, &te) {
		return te.Retryable
	}
	if core.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
