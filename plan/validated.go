package plan

import "time"

// Limits are the resolved execution limits of a validated plan
type Limits struct {
	MaxRows   int   `json:"max_rows"`
	MaxDepth  int   `json:"max_depth"`
	TimeoutMS int64 `json:"timeout_ms"`
	// RateLimit caps tool requests per run
	RateLimit int `json:"rate_limit"`
}

// Timeout returns TimeoutMS as a duration
func (l Limits) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

// PolicyDecision is stored verbatim in the trace
type PolicyDecision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

// ValidatedPlan is a plan with policy applied. Execute only accepts one
// whose Decision.Allowed is true.
type ValidatedPlan struct {
	Plan     Plan           `json:"plan"`
	Limits   Limits         `json:"limits_applied"`
	Decision PolicyDecision `json:"policy_decision"`
}

// Clone returns a deep copy
func (v *ValidatedPlan) Clone() *ValidatedPlan {
	if v == nil {
		return nil
	}
	c := *v
	c.Plan = v.Plan.Clone()
	c.Decision.Reasons = append([]string(nil), v.Decision.Reasons...)
	return &c
}
