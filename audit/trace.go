// Package audit records execution traces: every stage input and output,
// the asset versions behind them and every replan decision. Records are
// appended as they happen so an interrupted run stays queryable.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Status is the terminal status of a trace
type Status string

const (
	// StatusIncomplete marks a run that never finalized
	StatusIncomplete Status = "incomplete"
	StatusDone       Status = "done"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// RecordKind discriminates Entry
type RecordKind string

const (
	KindStageInput  RecordKind = "stage_input"
	KindStageOutput RecordKind = "stage_output"
	KindReplan      RecordKind = "replan"
)

// StageRecord is one stage input or output
type StageRecord struct {
	Seq   int    `json:"seq"`
	Stage string `json:"stage"`
	// Attempt is the replan index the stage ran under, 0 for the first pass
	Attempt     int             `json:"attempt"`
	Skipped     bool            `json:"skipped,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Diagnostics []string        `json:"diagnostics,omitempty"`
	// Assets maps "type:name" to the version used
	Assets     map[string]int `json:"assets,omitempty"`
	At         time.Time      `json:"at"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// Change is one field edit of a patch
type Change struct {
	RequestID string      `json:"request_id,omitempty"`
	Field     string      `json:"field"`
	Before    interface{} `json:"before"`
	After     interface{} `json:"after"`
}

// Patch is a structural diff against the current plan
type Patch struct {
	Kind    string   `json:"kind"`
	Changes []Change `json:"changes"`
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return len(p.Changes) == 0
}

// ReplanDecision records why a replan was allowed
type ReplanDecision struct {
	Allowed     bool   `json:"allowed"`
	ReplanIndex int    `json:"replan_index"`
	Reason      string `json:"reason,omitempty"`
}

// ReplanEvent is appended whenever the control loop acts
type ReplanEvent struct {
	Seq      int            `json:"seq"`
	Trigger  string         `json:"trigger"`
	Stage    string         `json:"stage"`
	Reason   string         `json:"reason"`
	Severity string         `json:"severity"`
	Patch    Patch          `json:"patch"`
	Decision ReplanDecision `json:"decision"`
	At       time.Time      `json:"at"`
}

// Override pins an asset version for a single run. Stage, when set, names
// the stage the override is meant for and must be bound to Type.
type Override struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Stage   string `json:"stage,omitempty"`
}

// Header is the mutable part of a trace
type Header struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	Question      string         `json:"question"`
	Mode          string         `json:"mode"`
	Route         string         `json:"route,omitempty"`
	Status        Status         `json:"status"`
	AppliedAssets map[string]int `json:"applied_assets"`
	Overrides     []Override     `json:"overrides,omitempty"`
	ReplayOf      string         `json:"replay_of,omitempty"`
	ReplanCount   int            `json:"replan_count"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
}

// Entry is one appended record
type Entry struct {
	Seq    int          `json:"seq"`
	Kind   RecordKind   `json:"kind"`
	Stage  *StageRecord `json:"stage,omitempty"`
	Replan *ReplanEvent `json:"replan,omitempty"`
}

// ExecutionTrace is the full audit record of one run
type ExecutionTrace struct {
	Header
	StageInputs  []StageRecord `json:"stage_inputs"`
	StageOutputs []StageRecord `json:"stage_outputs"`
	ReplanEvents []ReplanEvent `json:"replan_events"`
}

// Summary is a trace listing row
type Summary struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	Question    string    `json:"question"`
	Route       string    `json:"route,omitempty"`
	Status      Status    `json:"status"`
	ReplanCount int       `json:"replan_count"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Filter selects traces for List. Zero fields match everything.
type Filter struct {
	Route  string
	Status Status
	Tenant string
	From   time.Time
	To     time.Time
	Limit  int
}

// Match reports whether h passes the filter
func (f Filter) Match(h Header) bool {
	if f.Route != "" && h.Route != f.Route {
		return false
	}
	if f.Status != "" && h.Status != f.Status {
		return false
	}
	if f.Tenant != "" && h.Tenant != f.Tenant {
		return false
	}
	if !f.From.IsZero() && h.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && h.StartedAt.After(f.To) {
		return false
	}
	return true
}

// Store persists traces
type Store interface {
	Create(ctx context.Context, h Header) error
	Append(ctx context.Context, id string, e Entry) error
	UpdateHeader(ctx context.Context, h Header) error
	Load(ctx context.Context, id string) (*ExecutionTrace, error)
	List(ctx context.Context, f Filter) ([]Summary, error)
}

// Assemble builds a trace from a header and its entries. Applied assets
// are merged from the stage records so a crashed run still reports them.
func Assemble(h Header, entries []Entry) *ExecutionTrace {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	t := &ExecutionTrace{
		Header:       h,
		StageInputs:  []StageRecord{},
		StageOutputs: []StageRecord{},
		ReplanEvents: []ReplanEvent{},
	}
	applied := make(map[string]int, len(h.AppliedAssets))
	for k, v := range h.AppliedAssets {
		applied[k] = v
	}
	for _, e := range sorted {
		switch e.Kind {
		case KindStageInput:
			if e.Stage != nil {
				t.StageInputs = append(t.StageInputs, *e.Stage)
				mergeAssets(applied, e.Stage.Assets)
			}
		case KindStageOutput:
			if e.Stage != nil {
				t.StageOutputs = append(t.StageOutputs, *e.Stage)
				mergeAssets(applied, e.Stage.Assets)
			}
		case KindReplan:
			if e.Replan != nil {
				t.ReplanEvents = append(t.ReplanEvents, *e.Replan)
			}
		}
	}
	t.AppliedAssets = applied
	t.ReplanCount = len(t.ReplanEvents)
	return t
}

func mergeAssets(dst, src map[string]int) {
	for k, v := range src {
		dst[k] = v
	}
}

func summarize(h Header) Summary {
	return Summary{
		ID:          h.ID,
		Tenant:      h.Tenant,
		Question:    h.Question,
		Route:       h.Route,
		Status:      h.Status,
		ReplanCount: h.ReplanCount,
		StartedAt:   h.StartedAt,
		FinishedAt:  h.FinishedAt,
	}
}

func cloneHeader(h Header) Header {
	c := h
	c.AppliedAssets = make(map[string]int, len(h.AppliedAssets))
	for k, v := range h.AppliedAssets {
		c.AppliedAssets[k] = v
	}
	c.Overrides = append([]Override(nil), h.Overrides...)
	return c
}
