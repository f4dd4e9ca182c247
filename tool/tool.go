package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/itsneelabh/opsquery/core"
)

// ErrTransient marks a failure worth retrying. Tools wrap it, or return a
// retryable *core.ToolError.
var ErrTransient = fmt.Errorf("transient tool failure: %w", core.ErrConnectionFailed)

// CallContext carries per-run facts into a tool call
type CallContext struct {
	Tenant string `json:"tenant"`
	// RequestTenant is the tenant the plan put on the request; it must match Tenant
	RequestTenant string `json:"request_tenant,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`

	// MaxRows lets tools push the row cap down to the source
	MaxRows int `json:"max_rows,omitempty"`
}

// Row is one result record
type Row = map[string]interface{}

// Reference points at evidence behind an answer
type Reference struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	URL   string `json:"url,omitempty"`
}

// RawResult is what a tool implementation returns before normalization
type RawResult struct {
	Rows       []Row
	References []Reference
	Warnings   []string
}

// Tool is a callable data tool
type Tool interface {
	Invoke(ctx context.Context, params map[string]interface{}, call CallContext) (*RawResult, error)
}

// Func adapts a function to Tool
type Func func(ctx context.Context, params map[string]interface{}, call CallContext) (*RawResult, error)

// Invoke implements Tool
func (f Func) Invoke(ctx context.Context, params map[string]interface{}, call CallContext) (*RawResult, error) {
	return f(ctx, params, call)
}

// Fatal wraps err so the executor never retries it
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var te *core.ToolError
	if errors.As(err, &te) {
		return err
	}
	return &core.ToolError{Code: "TOOL_FAILED", Message: err.Error(), Category: core.CategoryInputError}
}
