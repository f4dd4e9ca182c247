package orchestration

import (
	"fmt"
	"sort"
	"time"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/plan"
)

// Trigger is a replan cause
type Trigger string

const (
	TriggerPlanRejected         Trigger = "PlanRejected"
	TriggerSlotMissing          Trigger = "SlotMissing"
	TriggerPolicyBlocked        Trigger = "PolicyBlocked"
	TriggerEmptyResult          Trigger = "EmptyResult"
	TriggerToolErrorRetryable   Trigger = "ToolErrorRetryable"
	TriggerToolErrorFatal       Trigger = "ToolErrorFatal"
	TriggerCircuitOpen          Trigger = "CircuitOpen"
	TriggerLowEvidence          Trigger = "LowEvidence"
	TriggerPresentLimitExceeded Trigger = "PresentLimitExceeded"
)

// TriggerSpec is one row of the trigger taxonomy
type TriggerSpec struct {
	DetectedAt plan.Stage
	// Candidate is the stage re-run on an allowed replan; empty when the
	// trigger is not replannable
	Candidate plan.Stage
	Severity  plan.Severity
}

// Replannable reports whether the control loop may act on the trigger
func (s TriggerSpec) Replannable() bool {
	return s.Candidate != ""
}

var triggerTable = map[Trigger]TriggerSpec{
	TriggerPlanRejected:         {DetectedAt: plan.StageRoutePlan, Severity: plan.SeverityCritical},
	TriggerSlotMissing:          {DetectedAt: plan.StageRoutePlan, Candidate: plan.StageRoutePlan, Severity: plan.SeverityHigh},
	TriggerPolicyBlocked:        {DetectedAt: plan.StageValidate, Candidate: plan.StageValidate, Severity: plan.SeverityHigh},
	TriggerEmptyResult:          {DetectedAt: plan.StageExecute, Candidate: plan.StageExecute, Severity: plan.SeverityMedium},
	TriggerToolErrorRetryable:   {DetectedAt: plan.StageExecute, Candidate: plan.StageExecute, Severity: plan.SeverityMedium},
	TriggerToolErrorFatal:       {DetectedAt: plan.StageExecute, Severity: plan.SeverityCritical},
	TriggerCircuitOpen:          {DetectedAt: plan.StageExecute, Candidate: plan.StageExecute, Severity: plan.SeverityMedium},
	TriggerLowEvidence:          {DetectedAt: plan.StageCompose, Candidate: plan.StageExecute, Severity: plan.SeverityLow},
	TriggerPresentLimitExceeded: {DetectedAt: plan.StagePresent, Severity: plan.SeverityLow},
}

// Triggers lists every trigger in a stable order
var Triggers = []Trigger{
	TriggerPlanRejected, TriggerSlotMissing, TriggerPolicyBlocked, TriggerEmptyResult,
	TriggerToolErrorRetryable, TriggerToolErrorFatal, TriggerCircuitOpen, TriggerLowEvidence,
	TriggerPresentLimitExceeded,
}

// Spec returns the taxonomy row of t
func (t Trigger) Spec() (TriggerSpec, bool) {
	s, ok := triggerTable[t]
	return s, ok
}

// Degrades reports whether a refused replan of t still lets the run finish
// with what it has, rather than failing
func (t Trigger) Degrades() bool {
	return t == TriggerEmptyResult || t == TriggerLowEvidence || t == TriggerPresentLimitExceeded
}

// Signal is one observation a stage hands to the control loop
type Signal struct {
	Trigger   Trigger `json:"trigger"`
	Reason    string  `json:"reason"`
	RequestID string  `json:"request_id,omitempty"`
	ToolID    string  `json:"tool_id,omitempty"`
	// Missing names unfilled parameters of RequestID
	Missing []string `json:"missing,omitempty"`
	// Patchable is false when no edit can clear the signal
	Patchable bool `json:"patchable"`
}

// ReplanLimits bound how often the control loop may act in one run
type ReplanLimits struct {
	MaxReplans int
	// AllowedTriggers empty means every replannable trigger
	AllowedTriggers []Trigger
	MinInterval     time.Duration
	CoolingPeriod   time.Duration
}

// ResolveReplanLimits overlays the replan section of a policy asset on the
// service defaults
func ResolveReplanLimits(defaults ReplanLimits, p asset.ReplanPolicy) ReplanLimits {
	out := defaults
	if p.MaxReplans != nil {
		out.MaxReplans = *p.MaxReplans
	}
	if len(p.AllowedTriggers) > 0 {
		out.AllowedTriggers = make([]Trigger, len(p.AllowedTriggers))
		for i, t := range p.AllowedTriggers {
			out.AllowedTriggers[i] = Trigger(t)
		}
	}
	if p.MinIntervalMS > 0 {
		out.MinInterval = time.Duration(p.MinIntervalMS) * time.Millisecond
	}
	if p.CoolingPeriodMS > 0 {
		out.CoolingPeriod = time.Duration(p.CoolingPeriodMS) * time.Millisecond
	}
	return out
}

// EvalInput is everything one evaluation may consult
type EvalInput struct {
	Stage   plan.Stage
	Signals []Signal
	Limits  ReplanLimits
	// History holds the replans already applied in this run, oldest first
	History []audit.ReplanEvent
	Now     time.Time

	Plan      *plan.Plan
	Policy    asset.PolicyContent
	Resolvers []asset.ResolverContent
	// Sources maps tool id to its source asset
	Sources map[string]asset.SourceContent
}

// Decision is the control loop verdict
type Decision struct {
	Replan    bool          `json:"replan"`
	Trigger   Trigger       `json:"trigger,omitempty"`
	Signal    Signal        `json:"signal"`
	Candidate plan.Stage    `json:"candidate,omitempty"`
	Severity  plan.Severity `json:"severity,omitempty"`
	Patch     audit.Patch   `json:"patch"`
	Reason    string        `json:"reason"`
	// ReplanIndex is the 1-based number of this replan within the run
	ReplanIndex int `json:"replan_index,omitempty"`
}

// Event returns the replan event recorded for an allowed decision
func (d Decision) Event(stage plan.Stage, at time.Time) audit.ReplanEvent {
	return audit.ReplanEvent{
		Trigger:  string(d.Trigger),
		Stage:    string(stage),
		Reason:   d.Signal.Reason,
		Severity: string(d.Severity),
		Patch:    d.Patch,
		Decision: audit.ReplanDecision{Allowed: d.Replan, ReplanIndex: d.ReplanIndex, Reason: d.Reason},
		At:       at,
	}
}

// Refusal reasons
const (
	ReasonReplanLimit    = "replan limit exceeded"
	ReasonNotAllowed     = "trigger not allowed by policy"
	ReasonMinInterval    = "min interval not elapsed"
	ReasonCoolingPeriod  = "cooling period not elapsed"
	ReasonNoPatch        = "no patch available"
	ReasonNotReplannable = "trigger is not replannable"
	ReasonNoSignal       = "nothing to do"
)

// ControlLoop decides whether a detected failure warrants re-running an
// earlier stage with a patched plan. Evaluate is a pure function of its
// input.
type ControlLoop struct{}

// Evaluate picks the most severe signal and applies the replan rules in
// order: max_replans, allowed_triggers, min_interval, cooling_period, then
// patch computation.
func (ControlLoop) Evaluate(in EvalInput) Decision {
	sig, ok := primarySignal(in.Signals)
	if !ok {
		return Decision{Reason: ReasonNoSignal}
	}
	spec, known := sig.Trigger.Spec()
	d := Decision{Trigger: sig.Trigger, Signal: sig, Severity: spec.Severity}
	if !known || !spec.Replannable() {
		d.Reason = ReasonNotReplannable
		return d
	}
	critical := spec.Severity == plan.SeverityCritical

	if len(in.History) >= in.Limits.MaxReplans {
		d.Reason = ReasonReplanLimit
		return d
	}
	if !triggerAllowed(in.Limits.AllowedTriggers, sig.Trigger) {
		d.Reason = ReasonNotAllowed
		return d
	}
	if n := len(in.History); n > 0 && !critical {
		if in.Limits.MinInterval > 0 && in.Now.Sub(in.History[n-1].At) < in.Limits.MinInterval {
			d.Reason = ReasonMinInterval
			return d
		}
		if in.Limits.CoolingPeriod > 0 && in.Now.Sub(in.History[0].At) < in.Limits.CoolingPeriod {
			d.Reason = ReasonCoolingPeriod
			return d
		}
	}

	patch, ok := computePatch(sig, in)
	if !ok {
		d.Reason = ReasonNoPatch
		return d
	}
	d.Replan = true
	d.Candidate = spec.Candidate
	d.Patch = patch
	d.ReplanIndex = len(in.History) + 1
	d.Reason = fmt.Sprintf("%s patch for %s", patch.Kind, sig.Trigger)
	return d
}

// primarySignal orders by severity, then by the stage the trigger belongs
// to, then by request id
func primarySignal(signals []Signal) (Signal, bool) {
	if len(signals) == 0 {
		return Signal{}, false
	}
	sorted := append([]Signal(nil), signals...)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := triggerTable[sorted[i].Trigger], triggerTable[sorted[j].Trigger]
		if ri, rj := severityRank(si.Severity), severityRank(sj.Severity); ri != rj {
			return ri > rj
		}
		return sorted[i].RequestID < sorted[j].RequestID
	})
	return sorted[0], true
}

func severityRank(s plan.Severity) int {
	switch s {
	case plan.SeverityCritical:
		return 4
	case plan.SeverityHigh:
		return 3
	case plan.SeverityMedium:
		return 2
	case plan.SeverityLow:
		return 1
	}
	return 0
}

func triggerAllowed(allowed []Trigger, t Trigger) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}
