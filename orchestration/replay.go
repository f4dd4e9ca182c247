package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/planner"
)

// ReplayResult pairs a trace with its re-run
type ReplayResult struct {
	Original    *audit.ExecutionTrace `json:"original"`
	Replay      *audit.ExecutionTrace `json:"replay"`
	Response    *Response             `json:"response"`
	Differences []audit.Difference    `json:"differences"`
}

// Replayer re-runs recorded traces against the current tools with the
// original plan and the original asset versions pinned
type Replayer struct {
	orch *Orchestrator
}

// NewReplayer creates a replayer running through o
func NewReplayer(o *Orchestrator) *Replayer {
	return &Replayer{orch: o}
}

// Replay re-runs trace id and diffs the stage outputs
func (rp *Replayer) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	rec := rp.orch.Recorder()
	original, err := rec.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req, err := ReplayRequest(original)
	if err != nil {
		return nil, err
	}

	resp := rp.orch.Run(ctx, req)
	if resp.TraceID == "" {
		return nil, fmt.Errorf("replay of %s could not open a trace", id)
	}
	replayed, err := rec.Get(ctx, resp.TraceID)
	if err != nil {
		return nil, err
	}

	diffs := audit.Compare(original, replayed)
	if diffs == nil {
		diffs = []audit.Difference{}
	}
	return &ReplayResult{
		Original:    original,
		Replay:      replayed,
		Response:    resp,
		Differences: diffs,
	}, nil
}

// ReplayRequest rebuilds the run request of a trace: same question,
// tenant and mode, the recorded planner outcomes, and every applied asset
// pinned to the version the trace used
func ReplayRequest(t *audit.ExecutionTrace) (Request, error) {
	req := Request{
		Question:  t.Question,
		Tenant:    t.Tenant,
		Mode:      t.Mode,
		ReplayOf:  t.ID,
		Overrides: PinnedOverrides(t),
	}

	for _, in := range t.StageInputs {
		if in.Stage != string(plan.StageRoutePlan) {
			continue
		}
		var ri routeInput
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &ri); err != nil {
				return Request{}, fmt.Errorf("trace %s: decode route input: %w", t.ID, err)
			}
		}
		req.Intent = ri.Intent
		req.Scope = ri.Scope
		req.ToolRequests = ri.Requested
		break
	}

	if len(req.ToolRequests) == 0 {
		recorded, err := planner.RecordedFromTrace(t)
		if err != nil {
			return Request{}, err
		}
		req.Planner = recorded
	}
	return req, nil
}

// PinnedOverrides turns the applied assets of a trace into overrides.
// Stage hints of the original overrides are kept.
func PinnedOverrides(t *audit.ExecutionTrace) []audit.Override {
	stages := map[string]string{}
	for _, o := range t.Overrides {
		stages[o.Type+":"+o.Name] = o.Stage
	}
	keys := make([]string, 0, len(t.AppliedAssets))
	for k := range t.AppliedAssets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]audit.Override, 0, len(keys))
	for _, k := range keys {
		typ, name, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		out = append(out, audit.Override{Type: typ, Name: name, Version: t.AppliedAssets[k], Stage: stages[k]})
	}
	return out
}
