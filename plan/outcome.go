// Package plan holds the planner boundary: the planner outcome union, the
// validated plan the executor consumes and the answer blocks a run returns.
package plan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/tool"
)

// Kind discriminates Outcome
type Kind string

const (
	KindDirect Kind = "direct"
	KindPlan   Kind = "plan"
	KindReject Kind = "reject"
)

// Direct is an answer that needs no tool calls
type Direct struct {
	Text string `json:"text"`
}

// Reject is a planner refusal
type Reject struct {
	Reason string `json:"reason"`
}

// Plan is a structured intent with the tool calls that answer it
type Plan struct {
	Intent string `json:"intent"`
	// View names the mapping asset used to compose the answer
	View  string   `json:"view,omitempty"`
	Scope []string `json:"scope,omitempty"`

	ToolRequests []tool.Request         `json:"tool_requests"`
	Filters      map[string]interface{} `json:"filters,omitempty"`

	// MissingSlots names parameters the planner could not fill
	MissingSlots []string `json:"missing_slots,omitempty"`
}

// Outcome is exactly one of Direct, Plan or Reject
type Outcome struct {
	Kind   Kind    `json:"kind"`
	Direct *Direct `json:"direct,omitempty"`
	Plan   *Plan   `json:"plan,omitempty"`
	Reject *Reject `json:"reject,omitempty"`
}

// NewDirect builds a direct answer outcome
func NewDirect(text string) *Outcome {
	return &Outcome{Kind: KindDirect, Direct: &Direct{Text: text}}
}

// NewPlan builds a plan outcome
func NewPlan(p Plan) *Outcome {
	return &Outcome{Kind: KindPlan, Plan: &p}
}

// NewReject builds a rejection outcome
func NewReject(reason string) *Outcome {
	return &Outcome{Kind: KindReject, Reject: &Reject{Reason: reason}}
}

// Check verifies exactly the variant named by Kind is set. Planner output is
// untrusted, so the orchestrator calls this before anything else.
func (o *Outcome) Check() error {
	if o == nil {
		return fmt.Errorf("planner returned no outcome")
	}
	set := 0
	if o.Direct != nil {
		set++
	}
	if o.Plan != nil {
		set++
	}
	if o.Reject != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("outcome must carry exactly one variant, got %d", set)
	}
	switch {
	case o.Kind == KindDirect && o.Direct != nil:
	case o.Kind == KindPlan && o.Plan != nil:
	case o.Kind == KindReject && o.Reject != nil:
	default:
		return fmt.Errorf("outcome kind %q does not match its payload", o.Kind)
	}
	if o.Plan != nil {
		seen := make(map[string]bool, len(o.Plan.ToolRequests))
		for _, r := range o.Plan.ToolRequests {
			if r.ID == "" {
				return fmt.Errorf("tool request without id")
			}
			if seen[r.ID] {
				return fmt.Errorf("duplicate tool request id %q", r.ID)
			}
			seen[r.ID] = true
		}
	}
	return nil
}

// Clone returns a deep copy. Patches are always applied to a clone.
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	c := &Outcome{Kind: o.Kind}
	if o.Direct != nil {
		d := *o.Direct
		c.Direct = &d
	}
	if o.Reject != nil {
		r := *o.Reject
		c.Reject = &r
	}
	if o.Plan != nil {
		p := o.Plan.Clone()
		c.Plan = &p
	}
	return c
}

// Clone returns a deep copy of the plan
func (p Plan) Clone() Plan {
	c := p
	if p.Scope != nil {
		c.Scope = append([]string(nil), p.Scope...)
	}
	if p.MissingSlots != nil {
		c.MissingSlots = append([]string(nil), p.MissingSlots...)
	}
	c.Filters = tool.CloneParams(p.Filters)
	if p.ToolRequests != nil {
		c.ToolRequests = make([]tool.Request, len(p.ToolRequests))
		for i, r := range p.ToolRequests {
			c.ToolRequests[i] = r.Clone()
		}
	}
	return c
}

// Request returns the tool request with id
func (p *Plan) Request(id string) (*tool.Request, bool) {
	for i := range p.ToolRequests {
		if p.ToolRequests[i].ID == id {
			return &p.ToolRequests[i], true
		}
	}
	return nil, false
}

// ToolIDs returns the distinct tool ids in request order
func (p *Plan) ToolIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range p.ToolRequests {
		if !seen[r.ToolID] {
			seen[r.ToolID] = true
			ids = append(ids, r.ToolID)
		}
	}
	return ids
}

// HistoryEntry is a prior replan the planner may take into account
type HistoryEntry struct {
	Trigger string                 `json:"trigger"`
	Reason  string                 `json:"reason"`
	Filled  map[string]interface{} `json:"filled,omitempty"`
}

// Context is what a planner may consult. Everything in it comes from
// published assets or the request itself.
type Context struct {
	Tenant       string                      `json:"tenant"`
	Schema       *asset.SchemaCatalogContent `json:"schema,omitempty"`
	Resolvers    []asset.ResolverContent     `json:"resolvers,omitempty"`
	Prompt       *asset.PromptContent        `json:"prompt,omitempty"`
	Tools        []tool.Descriptor           `json:"tools,omitempty"`
	PriorHistory []HistoryEntry              `json:"prior_history,omitempty"`
	ForcedIntent string                      `json:"forced_intent,omitempty"`
	Requested    []tool.Request              `json:"requested,omitempty"`
	Scope        []string                    `json:"scope,omitempty"`
}

// Planner turns a question into an Outcome. Implementations are untrusted:
// their output goes through the same validation as any other plan.
type Planner interface {
	Plan(ctx context.Context, question string, pc Context) (*Outcome, error)
}

// PlannerFunc adapts a function to Planner
type PlannerFunc func(ctx context.Context, question string, pc Context) (*Outcome, error)

// Plan implements Planner
func (f PlannerFunc) Plan(ctx context.Context, question string, pc Context) (*Outcome, error) {
	return f(ctx, question, pc)
}

// DecodeOutcome strictly decodes a JSON outcome
func DecodeOutcome(data []byte) (*Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	if err := o.Check(); err != nil {
		return nil, err
	}
	return &o, nil
}
