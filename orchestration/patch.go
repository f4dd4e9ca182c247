package orchestration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/tool"
)

// Patch kinds
const (
	PatchFillSlots    = "fill_slots"
	PatchNarrow       = "narrow_to_policy"
	PatchResolveAlias = "resolve_alias"
	PatchWidenWindow  = "widen_window"
	PatchFallbackTool = "fallback_tool"
	PatchRerun        = "rerun"
)

const (
	fieldParams  = "params."
	fieldFilters = "filters."
)

// computePatch returns the edit that addresses sig, or false when none can
func computePatch(sig Signal, in EvalInput) (audit.Patch, bool) {
	if !sig.Patchable || in.Plan == nil {
		return audit.Patch{}, false
	}
	targets := targetRequests(in.Plan, sig.RequestID)

	first := func(strategies ...func() audit.Patch) (audit.Patch, bool) {
		for _, s := range strategies {
			if p := s(); !p.Empty() {
				return p, true
			}
		}
		return audit.Patch{}, false
	}

	switch sig.Trigger {
	case TriggerSlotMissing:
		return fillSlots(sig, in.Plan, in.Resolvers)
	case TriggerPolicyBlocked:
		return first(func() audit.Patch { return narrowToPolicy(in.Plan.ToolRequests, in.Policy) })
	case TriggerEmptyResult:
		return first(
			func() audit.Patch { return resolveAliases(targets, in.Resolvers) },
			func() audit.Patch { return widenWindow(targets, in.Policy) },
		)
	case TriggerLowEvidence:
		return first(
			func() audit.Patch { return widenWindow(targets, in.Policy) },
			func() audit.Patch { return resolveAliases(targets, in.Resolvers) },
		)
	case TriggerCircuitOpen:
		return first(func() audit.Patch { return fallbackTool(targets, in.Sources) })
	case TriggerToolErrorRetryable:
		if p, ok := first(func() audit.Patch { return fallbackTool(targets, in.Sources) }); ok {
			return p, true
		}
		return audit.Patch{Kind: PatchRerun, Changes: []audit.Change{}}, true
	}
	return audit.Patch{}, false
}

func targetRequests(p *plan.Plan, requestID string) []tool.Request {
	if requestID == "" {
		return p.ToolRequests
	}
	if r, ok := p.Request(requestID); ok {
		return []tool.Request{*r}
	}
	return nil
}

// fillSlots fills every missing slot from resolver defaults. It only
// patches when every slot can be filled.
func fillSlots(sig Signal, p *plan.Plan, resolvers []asset.ResolverContent) (audit.Patch, bool) {
	if len(sig.Missing) == 0 {
		return audit.Patch{}, false
	}
	patch := audit.Patch{Kind: PatchFillSlots}
	for _, slot := range sig.Missing {
		value, ok := slotDefault(resolvers, slot)
		if !ok {
			return audit.Patch{}, false
		}
		if sig.RequestID != "" {
			patch.Changes = append(patch.Changes, audit.Change{RequestID: sig.RequestID, Field: fieldParams + slot, After: value})
		} else {
			patch.Changes = append(patch.Changes, audit.Change{Field: fieldFilters + slot, Before: p.Filters[slot], After: value})
		}
	}
	return patch, true
}

func slotDefault(resolvers []asset.ResolverContent, slot string) (interface{}, bool) {
	for _, r := range resolvers {
		if v, ok := r.Defaults[slot]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func narrowToPolicy(requests []tool.Request, policy asset.PolicyContent) audit.Patch {
	patch := audit.Patch{Kind: PatchNarrow}
	caps := []struct {
		param string
		limit int
	}{
		{ParamLimit, policy.MaxRowCount},
		{ParamDepth, policy.MaxQueryDepth},
		{ParamWindowHours, policy.MaxWindowHours},
	}
	for _, r := range requests {
		for _, c := range caps {
			if c.limit <= 0 {
				continue
			}
			if n, ok := intParam(r.Params, c.param); ok && n > c.limit {
				patch.Changes = append(patch.Changes, audit.Change{
					RequestID: r.ID, Field: fieldParams + c.param, Before: n, After: c.limit,
				})
			}
		}
	}
	return patch
}

// resolveAliases swaps user spellings for canonical ids, first resolver wins
func resolveAliases(requests []tool.Request, resolvers []asset.ResolverContent) audit.Patch {
	patch := audit.Patch{Kind: PatchResolveAlias}
	if len(resolvers) == 0 {
		return patch
	}
	for _, r := range requests {
		for _, name := range sortedKeys(r.Params) {
			before := r.Params[name]
			after, changed := resolveValue(before, name, resolvers)
			if changed {
				patch.Changes = append(patch.Changes, audit.Change{
					RequestID: r.ID, Field: fieldParams + name, Before: before, After: after,
				})
			}
		}
	}
	return patch
}

func resolveValue(v interface{}, param string, resolvers []asset.ResolverContent) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		for i := range resolvers {
			r := &resolvers[i]
			if len(r.Params) > 0 && !containsString(r.Params, param) {
				continue
			}
			if canonical, ok := r.Resolve(t); ok && canonical != t {
				return canonical, true
			}
		}
	case []interface{}:
		out := make([]interface{}, len(t))
		changed := false
		for i, e := range t {
			ne, c := resolveValue(e, param, resolvers)
			out[i] = ne
			changed = changed || c
		}
		if changed {
			return out, true
		}
	case []string:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = e
		}
		return resolveValue(out, param, resolvers)
	}
	return v, false
}

// widenWindow doubles the time window, bounded by the policy maximum
func widenWindow(requests []tool.Request, policy asset.PolicyContent) audit.Patch {
	patch := audit.Patch{Kind: PatchWidenWindow}
	for _, r := range requests {
		n, ok := intParam(r.Params, ParamWindowHours)
		if !ok || n <= 0 {
			continue
		}
		next := n * 2
		if policy.MaxWindowHours > 0 && next > policy.MaxWindowHours {
			next = policy.MaxWindowHours
		}
		if next > n {
			patch.Changes = append(patch.Changes, audit.Change{
				RequestID: r.ID, Field: fieldParams + ParamWindowHours, Before: n, After: next,
			})
		}
	}
	return patch
}

func fallbackTool(requests []tool.Request, sources map[string]asset.SourceContent) audit.Patch {
	patch := audit.Patch{Kind: PatchFallbackTool}
	for _, r := range requests {
		src, ok := sources[r.ToolID]
		if !ok || src.FallbackTool == "" || src.FallbackTool == r.ToolID {
			continue
		}
		patch.Changes = append(patch.Changes, audit.Change{
			RequestID: r.ID, Field: "tool_id", Before: r.ToolID, After: src.FallbackTool,
		})
	}
	return patch
}

// ApplyPatch returns a copy of o with every change applied. o is not
// modified.
func ApplyPatch(o *plan.Outcome, p audit.Patch) (*plan.Outcome, error) {
	out := o.Clone()
	if len(p.Changes) == 0 {
		return out, nil
	}
	if out.Kind != plan.KindPlan || out.Plan == nil {
		return nil, fmt.Errorf("cannot patch a %s outcome", o.Kind)
	}
	pl := out.Plan

	for _, c := range p.Changes {
		if c.RequestID == "" {
			if err := applyPlanChange(pl, c); err != nil {
				return nil, err
			}
			continue
		}
		r, ok := pl.Request(c.RequestID)
		if !ok {
			return nil, fmt.Errorf("patch targets unknown request %s", c.RequestID)
		}
		switch {
		case c.Field == "tool_id":
			id, ok := c.After.(string)
			if !ok || id == "" {
				return nil, fmt.Errorf("patch sets tool_id of %s to %v", c.RequestID, c.After)
			}
			r.ToolID = id
		case c.Field == "tenant":
			r.Tenant = fmt.Sprint(c.After)
		case strings.HasPrefix(c.Field, fieldParams):
			name := strings.TrimPrefix(c.Field, fieldParams)
			if r.Params == nil {
				r.Params = map[string]interface{}{}
			}
			r.Params[name] = c.After
			pl.MissingSlots = removeString(pl.MissingSlots, name)
		default:
			return nil, fmt.Errorf("patch field %q is not editable", c.Field)
		}
	}
	return out, nil
}

func applyPlanChange(pl *plan.Plan, c audit.Change) error {
	switch {
	case c.Field == "intent":
		pl.Intent = fmt.Sprint(c.After)
	case c.Field == "view":
		pl.View = fmt.Sprint(c.After)
	case strings.HasPrefix(c.Field, fieldFilters):
		name := strings.TrimPrefix(c.Field, fieldFilters)
		if pl.Filters == nil {
			pl.Filters = map[string]interface{}{}
		}
		pl.Filters[name] = c.After
		pl.MissingSlots = removeString(pl.MissingSlots, name)
	default:
		return fmt.Errorf("patch field %q is not editable", c.Field)
	}
	return nil
}

func removeString(list []string, s string) []string {
	if len(list) == 0 {
		return list
	}
	out := list[:0:0]
	for _, e := range list {
		if e != s {
			out = append(out, e)
		}
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
