package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func raw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestCompareIgnoresVolatileFields(t *testing.T) {
	base := &ExecutionTrace{
		StageOutputs: []StageRecord{
			{Seq: 2, Stage: "EXECUTE", Payload: raw(map[string]interface{}{"rows": 1, "duration_ns": 120, "at": "t1"}), At: time.Unix(1, 0)},
			{Seq: 4, Stage: "COMPOSE", Payload: raw([]string{"text", "table"})},
		},
		ReplanEvents: []ReplanEvent{{Seq: 3, Trigger: "EmptyResult", At: time.Unix(1, 0)}},
	}
	replay := &ExecutionTrace{
		StageOutputs: []StageRecord{
			{Seq: 7, Stage: "EXECUTE", Payload: raw(map[string]interface{}{"rows": 1, "duration_ns": 999, "at": "t2"}), At: time.Unix(9, 0)},
			{Seq: 9, Stage: "COMPOSE", Payload: raw([]string{"text", "table"})},
		},
		ReplanEvents: []ReplanEvent{{Seq: 8, Trigger: "EmptyResult", At: time.Unix(9, 0)}},
	}
	assert.Empty(t, Compare(base, replay))

	replay.StageOutputs[1].Payload = raw([]string{"text"})
	diffs := Compare(base, replay)
	if assert.Len(t, diffs, 1) {
		assert.Equal(t, "COMPOSE", diffs[0].Stage)
	}
}

func TestCompareExtraStageOutput(t *testing.T) {
	a := &ExecutionTrace{StageOutputs: []StageRecord{{Stage: "EXECUTE", Payload: raw(1)}}}
	b := &ExecutionTrace{StageOutputs: []StageRecord{{Stage: "EXECUTE", Payload: raw(1)}, {Stage: "EXECUTE", Payload: raw(2)}}}

	diffs := Compare(a, b)
	if assert.Len(t, diffs, 1) {
		assert.Equal(t, 1, diffs[0].Occurrence)
	}
}
