package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/tool"
)

// QueryRefParam names the request parameter that references a query asset.
// It is replaced by the asset's statement at EXECUTE.
const QueryRefParam = "query"

// Numeric parameters the validator holds against policy caps
const (
	ParamLimit       = "limit"
	ParamDepth       = "depth"
	ParamWindowHours = "window_hours"
)

// DefaultMaxRows applies when the policy sets no row cap
const DefaultMaxRows = 1000

// ValidationFailure explains why a plan was blocked
type ValidationFailure struct {
	Reasons []string `json:"reasons"`
	// Patchable is true when every reason is a cap overrun the control loop
	// can narrow
	Patchable bool `json:"patchable"`
}

func (f *ValidationFailure) Error() string {
	return "plan blocked by policy: " + strings.Join(f.Reasons, "; ")
}

// Decision returns the policy decision recorded for the failure
func (f *ValidationFailure) Decision() plan.PolicyDecision {
	return plan.PolicyDecision{Allowed: false, Reasons: append([]string(nil), f.Reasons...)}
}

// Validator applies a policy asset to a plan. It never edits the plan it
// is given; the validated plan is a copy.
type Validator struct {
	registry       *tool.Registry
	defaultMaxRows int
}

// NewValidator creates a validator resolving tools from registry
func NewValidator(registry *tool.Registry, defaultMaxRows int) *Validator {
	if defaultMaxRows <= 0 {
		defaultMaxRows = DefaultMaxRows
	}
	return &Validator{registry: registry, defaultMaxRows: defaultMaxRows}
}

type findings struct {
	fatal     []string
	patchable []string
}

func (f *findings) fail(format string, args ...interface{}) {
	f.fatal = append(f.fatal, fmt.Sprintf(format, args...))
}

func (f *findings) overrun(format string, args ...interface{}) {
	f.patchable = append(f.patchable, fmt.Sprintf(format, args...))
}

// Validate checks p against policy for a run of tenant
func (v *Validator) Validate(p plan.Plan, policy asset.PolicyContent, tenant string) (*plan.ValidatedPlan, *ValidationFailure) {
	var f findings
	vp := &plan.ValidatedPlan{Plan: p.Clone()}

	if len(p.ToolRequests) == 0 {
		f.fail("plan has no tool requests")
	}
	if len(policy.AllowedIntents) > 0 && !containsString(policy.AllowedIntents, p.Intent) {
		f.fail("intent %q not allowed", p.Intent)
	}
	if policy.RateLimit > 0 && len(p.ToolRequests) > policy.RateLimit {
		f.fail("%d tool requests exceed rate limit %d", len(p.ToolRequests), policy.RateLimit)
	}

	for i := range vp.Plan.ToolRequests {
		v.checkRequest(&vp.Plan.ToolRequests[i], policy, tenant, &f)
	}

	if _, err := buildRequestDAG(p.ToolRequests); err != nil {
		f.fail("%v", err)
	}

	if len(f.fatal)+len(f.patchable) > 0 {
		reasons := append(append([]string(nil), f.fatal...), f.patchable...)
		return nil, &ValidationFailure{Reasons: reasons, Patchable: len(f.fatal) == 0}
	}

	vp.Limits = v.limits(p, policy)
	vp.Decision = plan.PolicyDecision{Allowed: true, Reasons: []string{}}
	return vp, nil
}

// ValidateDirect checks a direct answer against policy. A policy listing
// allowed intents must list "direct", and the text may not mention a
// restricted resource.
func (v *Validator) ValidateDirect(d plan.Direct, policy asset.PolicyContent) (plan.PolicyDecision, *ValidationFailure) {
	var f findings
	if len(policy.AllowedIntents) > 0 && !containsString(policy.AllowedIntents, string(plan.KindDirect)) {
		f.fail("intent %q not allowed", plan.KindDirect)
	}
	for _, res := range policy.RestrictedResources {
		if containsWord(d.Text, res) {
			f.fail("direct answer mentions restricted resource %q", res)
		}
	}
	if len(f.fatal) > 0 {
		return plan.PolicyDecision{}, &ValidationFailure{Reasons: f.fatal}
	}
	return plan.PolicyDecision{Allowed: true, Reasons: []string{}}, nil
}

func (v *Validator) checkRequest(r *tool.Request, policy asset.PolicyContent, tenant string, f *findings) {
	h, err := v.registry.Resolve(r.ToolID)
	if err != nil {
		f.fail("request %s: unknown tool %q", r.ID, r.ToolID)
		return
	}
	desc := h.Descriptor

	if desc.SideEffects && !policy.Safety.AllowWrites {
		f.fail("request %s: tool %s has side effects", r.ID, r.ToolID)
	}

	if r.Tenant != "" && r.Tenant != tenant {
		f.fail("request %s: tenant %q does not match run tenant", r.ID, r.Tenant)
	}
	if desc.TenantScoped && r.Tenant == "" {
		r.Tenant = tenant
	}

	for _, res := range policy.RestrictedResources {
		if strings.EqualFold(res, r.ToolID) || paramsMention(r.Params, res) {
			f.fail("request %s: resource %q is restricted", r.ID, res)
		}
	}

	params := tool.CloneParams(r.Params)
	if params == nil {
		params = map[string]interface{}{}
	}
	if ref, ok := params[QueryRefParam]; ok {
		if _, isString := ref.(string); !isString || desc.StatementParam == "" {
			f.fail("request %s: %s must name a query asset of a data access tool", r.ID, QueryRefParam)
		}
		delete(params, QueryRefParam)
		if desc.StatementParam != "" {
			// the statement comes from the query asset at execute time
			params[desc.StatementParam] = "query asset"
		}
	}
	for param := range r.InputFrom {
		if _, set := params[param]; !set {
			params[param] = inputPlaceholder(desc, param)
		}
	}
	if err := h.ValidateParams(params); err != nil {
		var pe *tool.ParamError
		if errors.As(err, &pe) {
			for _, problem := range pe.Problems {
				f.fail("request %s: %s", r.ID, problem)
			}
		} else {
			f.fail("request %s: %v", r.ID, err)
		}
	}

	checkCap := func(param string, limit int) {
		if limit <= 0 {
			return
		}
		if n, ok := intParam(r.Params, param); ok && n > limit {
			f.overrun("request %s: %s %d exceeds %d", r.ID, param, n, limit)
		}
	}
	checkCap(ParamLimit, policy.MaxRowCount)
	checkCap(ParamDepth, policy.MaxQueryDepth)
	checkCap(ParamWindowHours, policy.MaxWindowHours)
}

func (v *Validator) limits(p plan.Plan, policy asset.PolicyContent) plan.Limits {
	maxRows := policy.MaxRowCount
	if maxRows <= 0 {
		maxRows = v.defaultMaxRows
	}
	if n, ok := intParam(p.Filters, "max_rows"); ok && n > 0 && n < maxRows {
		maxRows = n
	}
	return plan.Limits{
		MaxRows:   maxRows,
		MaxDepth:  policy.MaxQueryDepth,
		TimeoutMS: int64(policy.QueryTimeoutMS),
		RateLimit: policy.RateLimit,
	}
}

// inputPlaceholder satisfies the declared type of a parameter that a
// dependency fills at execute time
func inputPlaceholder(desc tool.Descriptor, param string) interface{} {
	spec, ok := desc.Param(param)
	if !ok {
		return "input"
	}
	switch spec.Type {
	case tool.ParamInt, tool.ParamNumber:
		return 0
	case tool.ParamBool:
		return false
	case tool.ParamList:
		return []interface{}{}
	default:
		return "input"
	}
}

// intParam reads a whole-number parameter of any numeric representation
func intParam(params map[string]interface{}, name string) (int, bool) {
	v, ok := params[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// paramsMention reports whether any string parameter contains word as a
// whole identifier, case-insensitively
func paramsMention(params map[string]interface{}, word string) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if valueMentions(params[k], word) {
			return true
		}
	}
	return false
}

func valueMentions(v interface{}, word string) bool {
	switch t := v.(type) {
	case string:
		return containsWord(t, word)
	case []interface{}:
		for _, e := range t {
			if valueMentions(e, word) {
				return true
			}
		}
	case []string:
		for _, e := range t {
			if containsWord(e, word) {
				return true
			}
		}
	}
	return false
}

func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	lt, lw := strings.ToLower(text), strings.ToLower(word)
	for start := 0; ; {
		i := strings.Index(lt[start:], lw)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(lw)
		if (i == 0 || !isIdentByte(lt[i-1])) && (end == len(lt) || !isIdentByte(lt[end])) {
			return true
		}
		start = i + 1
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z')
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
