package audit

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// volatileKeys never take part in a comparison
var volatileKeys = map[string]bool{
	"duration_ns": true,
	"duration_ms": true,
	"at":          true,
	"started_at":  true,
	"finished_at": true,
	"trace_id":    true,
}

// Difference is one stage output that changed between two traces
type Difference struct {
	Stage      string `json:"stage"`
	Occurrence int    `json:"occurrence"`
	Diff       string `json:"diff"`
}

// Compare pairs stage outputs by stage name and occurrence and returns
// the ones whose payloads differ. Durations and timestamps are ignored.
func Compare(want, got *ExecutionTrace) []Difference {
	wantOut := groupByStage(want.StageOutputs)
	gotOut := groupByStage(got.StageOutputs)

	var diffs []Difference
	for _, stage := range stageOrder(want.StageOutputs, got.StageOutputs) {
		w, g := wantOut[stage], gotOut[stage]
		n := len(w)
		if len(g) > n {
			n = len(g)
		}
		for i := 0; i < n; i++ {
			var wv, gv interface{}
			if i < len(w) {
				wv = decodePayload(w[i])
			}
			if i < len(g) {
				gv = decodePayload(g[i])
			}
			if d := cmp.Diff(wv, gv, payloadOptions()...); d != "" {
				diffs = append(diffs, Difference{Stage: stage, Occurrence: i, Diff: d})
			}
		}
	}

	if d := cmp.Diff(want.ReplanEvents, got.ReplanEvents,
		cmpopts.IgnoreFields(ReplanEvent{}, "Seq", "At"),
		cmpopts.EquateEmpty(),
	); d != "" {
		diffs = append(diffs, Difference{Stage: "replan_events", Diff: d})
	}
	return diffs
}

func payloadOptions() []cmp.Option {
	return []cmp.Option{
		cmpopts.IgnoreMapEntries(func(k string, _ interface{}) bool { return volatileKeys[k] }),
		cmpopts.EquateEmpty(),
	}
}

type stageOutput struct {
	payload json.RawMessage
	skipped bool
	diags   []string
}

func groupByStage(records []StageRecord) map[string][]stageOutput {
	out := make(map[string][]stageOutput)
	for _, r := range records {
		out[r.Stage] = append(out[r.Stage], stageOutput{payload: r.Payload, skipped: r.Skipped, diags: r.Diagnostics})
	}
	return out
}

func stageOrder(a, b []StageRecord) []string {
	seen := make(map[string]bool)
	var order []string
	for _, list := range [][]StageRecord{a, b} {
		for _, r := range list {
			if !seen[r.Stage] {
				seen[r.Stage] = true
				order = append(order, r.Stage)
			}
		}
	}
	return order
}

func decodePayload(o stageOutput) interface{} {
	var v interface{}
	if len(o.payload) > 0 {
		if err := json.Unmarshal(o.payload, &v); err != nil {
			v = fmt.Sprintf("undecodable payload: %v", err)
		}
	}
	return map[string]interface{}{
		"payload":     v,
		"skipped":     o.skipped,
		"diagnostics": o.diags,
	}
}
