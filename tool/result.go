package tool

import "time"

// Status is the coarse outcome of a tool call
type Status string

const (
	StatusOK    Status = "ok"
	StatusEmpty Status = "empty"
	StatusError Status = "error"
)

// FailureClass tells the control loop what kind of failure happened
type FailureClass string

const (
	FailureNone        FailureClass = "none"
	FailureRetryable   FailureClass = "retryable"
	FailureFatal       FailureClass = "fatal"
	FailureCircuitOpen FailureClass = "circuit_open"
	// FailureRejected means the call was refused before reaching the tool
	FailureRejected FailureClass = "rejected"
	FailureCanceled FailureClass = "canceled"
)

// WarningNoRows is attached to every empty result
const WarningNoRows = "no rows returned"

// Diagnostics explain a result
type Diagnostics struct {
	Warnings []string       `json:"warnings"`
	Errors   []string       `json:"errors"`
	Counts   map[string]int `json:"counts"`
}

// Result is the normalized outcome of one tool call. References, the
// diagnostic lists and Counts are never nil.
type Result struct {
	RequestID   string        `json:"request_id"`
	ToolID      string        `json:"tool_id"`
	Status      Status        `json:"status"`
	Rows        []Row         `json:"rows"`
	References  []Reference   `json:"references"`
	Diagnostics Diagnostics   `json:"diagnostics"`
	Failure     FailureClass  `json:"failure"`
	Attempts    int           `json:"attempts"`
	Truncated   bool          `json:"truncated,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

func newResult(requestID, toolID string) *Result {
	return &Result{
		RequestID:  requestID,
		ToolID:     toolID,
		Status:     StatusOK,
		Rows:       []Row{},
		References: []Reference{},
		Diagnostics: Diagnostics{
			Warnings: []string{},
			Errors:   []string{},
			Counts:   map[string]int{},
		},
		Failure: FailureNone,
	}
}

// Failed builds an error result without calling anything
func Failed(requestID, toolID string, failure FailureClass, reasons ...string) *Result {
	r := newResult(requestID, toolID)
	r.Status = StatusError
	r.Failure = failure
	r.Diagnostics.Errors = append(r.Diagnostics.Errors, reasons...)
	r.Diagnostics.Counts["rows"] = 0
	r.Diagnostics.Counts["references"] = 0
	return r
}

// OK reports a successful call
func (r *Result) OK() bool {
	return r.Status != StatusError
}

// Skipped builds the result of a call that was not made because its inputs
// were unavailable. It reads as empty and carries a "skipped" count.
func Skipped(requestID, toolID, reason string) *Result {
	r := newResult(requestID, toolID)
	r.Status = StatusEmpty
	r.Diagnostics.Warnings = append(r.Diagnostics.Warnings, reason)
	r.Diagnostics.Counts["rows"] = 0
	r.Diagnostics.Counts["references"] = 0
	r.Diagnostics.Counts["skipped"] = 1
	return r
}

// WasSkipped reports whether the result came from Skipped
func (r *Result) WasSkipped() bool {
	return r.Diagnostics.Counts["skipped"] > 0
}
