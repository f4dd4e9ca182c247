package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/tool"
)

func TestOutcomeCheck(t *testing.T) {
	tests := []struct {
		name    string
		outcome *Outcome
		wantErr bool
	}{
		{"direct", NewDirect("hi"), false},
		{"reject", NewReject("out of scope"), false},
		{"plan", NewPlan(Plan{Intent: "config", ToolRequests: []tool.Request{{ID: "r1", ToolID: "config_db"}}}), false},
		{"nil", nil, true},
		{"two variants", &Outcome{Kind: KindDirect, Direct: &Direct{}, Reject: &Reject{}}, true},
		{"kind mismatch", &Outcome{Kind: KindPlan, Direct: &Direct{}}, true},
		{"duplicate request ids", NewPlan(Plan{ToolRequests: []tool.Request{{ID: "r1"}, {ID: "r1"}}}), true},
		{"missing request id", NewPlan(Plan{ToolRequests: []tool.Request{{ToolID: "x"}}}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.outcome.Check()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := NewPlan(Plan{
		Intent:       "config",
		Scope:        []string{"GT-01"},
		Filters:      map[string]interface{}{"site": "ulsan"},
		ToolRequests: []tool.Request{{ID: "r1", ToolID: "config_db", Params: map[string]interface{}{"unit": "GT-01"}}},
	})
	c := orig.Clone()
	c.Plan.Scope[0] = "gas_turbine_unit_1"
	c.Plan.Filters["site"] = "x"
	c.Plan.ToolRequests[0].Params["unit"] = "gas_turbine_unit_1"

	assert.Equal(t, "GT-01", orig.Plan.Scope[0])
	assert.Equal(t, "ulsan", orig.Plan.Filters["site"])
	assert.Equal(t, "GT-01", orig.Plan.ToolRequests[0].Params["unit"])
}

func TestDecodeOutcome(t *testing.T) {
	o, err := DecodeOutcome([]byte(`{"kind":"plan","plan":{"intent":"metrics","tool_requests":[{"id":"r1","tool_id":"metrics_db","params":{"window_hours":6}}]}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"metrics_db"}, o.Plan.ToolIDs())

	_, err = DecodeOutcome([]byte(`{"kind":"direct"}`))
	assert.Error(t, err)
}

func TestStageOrder(t *testing.T) {
	assert.Equal(t, 2, StageExecute.Index())
	assert.Equal(t, -1, StageDone.Index())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StagePresent.Terminal())
}
