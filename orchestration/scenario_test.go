package orchestration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/planner"
	"github.com/itsneelabh/opsquery/safety"
	"github.com/itsneelabh/opsquery/tool"
	"github.com/itsneelabh/opsquery/tool/sqltool"
)

const unitByID = "SELECT unit_id, kind, capacity_mw, commissioned, tenant_id FROM units WHERE tenant_id = :tenant AND unit_id = :unit"

const unitRules = `
rules:
  - name: what_is_unit
    pattern: '(?P<unit>[A-Za-z]+-\d+)\s*이\s*뭐야'
    intent: config
    requests:
      - id: r1
        tool_id: units_db
        params:
          query: unit_by_id
          unit: '${unit}'
`

// configFixture is a units database behind the sql tool plus the assets
// that answer "what is <unit>" questions
func configFixture(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
CREATE TABLE units (tenant_id TEXT, unit_id TEXT, kind TEXT, capacity_mw REAL, commissioned TEXT);
INSERT INTO units VALUES
  ('plant-a', 'gas_turbine_unit_1', 'gas_turbine', 180.5, '2011-06-01'),
  ('plant-b', 'gas_turbine_unit_1', 'gas_turbine', 99.0, '2015-01-01');`)
	require.NoError(t, err)

	st := sqltool.New("units_db", db, sqltool.WithTenantColumn("tenant_id"), sqltool.WithParams("unit"))
	require.NoError(t, h.registry.Register(st.Descriptor("unit configuration"), st))

	h.policy(asset.PolicyContent{
		MaxRowCount:    100,
		QueryTimeoutMS: 2000,
		AllowedIntents: []string{"config"},
		Safety:         asset.SafetyPolicy{RequireTenant: true},
	})
	h.publish(asset.TypeQuery, asset.DefaultScope, "unit_by_id", asset.QueryContent{
		ToolID: "units_db", Statement: unitByID, RowEstimate: 1,
	})
	h.publish(asset.TypeResolver, asset.DefaultScope, "units", asset.ResolverContent{
		Aliases: map[string]string{"GT-01": "gas_turbine_unit_1"},
		Params:  []string{"unit"},
	})
	h.publish(asset.TypeMapping, asset.DefaultScope, "config", asset.MappingContent{
		Blocks: []asset.BlockMapping{
			{Type: "text", Template: "{{.Row.unit_id}} is a {{.Row.kind}} unit rated {{.Row.capacity_mw}} MW."},
			{Type: "table", Title: "Configuration", Source: "r1", Pivot: true,
				Columns: []string{"unit_id", "kind", "capacity_mw", "commissioned"}},
		},
	})
	return h
}

func unitPlanner(t *testing.T) plan.Planner {
	t.Helper()
	p, err := planner.ParseRules([]byte(unitRules), nil)
	require.NoError(t, err)
	return p
}

func TestScenarioAliasResolvedAfterEmptyResult(t *testing.T) {
	h := configFixture(t)
	o := h.orchestrator(unitPlanner(t))

	resp := o.Run(context.Background(), Request{Question: "GT-01이 뭐야?", Tenant: "plant-a"})

	require.Equal(t, "done", resp.Meta.Status, "%+v", resp.AnswerBlocks)
	assert.Equal(t, "config", resp.Meta.Route)
	assert.Equal(t, 1, resp.Meta.ReplanCount)
	assert.Equal(t, DataQualityPrimary, resp.Meta.DataQuality)
	assert.Equal(t, []string{"units_db"}, resp.Meta.ToolsUsed)

	require.Len(t, resp.AnswerBlocks, 2)
	text := blocksOfType(resp.AnswerBlocks, plan.BlockText)
	require.Len(t, text, 1)
	assert.Equal(t, "gas_turbine_unit_1 is a gas_turbine unit rated 180.5 MW.", text[0].Text)

	tables := blocksOfType(resp.AnswerBlocks, plan.BlockTable)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"field", "value"}, tables[0].Columns)
	require.Len(t, tables[0].Rows, 4)
	assert.Equal(t, []interface{}{"unit_id", "gas_turbine_unit_1"}, tables[0].Rows[0])

	tr := h.trace(resp.TraceID)
	assert.Equal(t, audit.StatusDone, tr.Status)
	require.Len(t, tr.ReplanEvents, 1)
	ev := tr.ReplanEvents[0]
	assert.Equal(t, "EmptyResult", ev.Trigger)
	assert.Equal(t, PatchResolveAlias, ev.Patch.Kind)
	require.Len(t, ev.Patch.Changes, 1)
	assert.Equal(t, "params.unit", ev.Patch.Changes[0].Field)
	assert.Equal(t, "gas_turbine_unit_1", ev.Patch.Changes[0].After)

	assert.Len(t, stageOutputs(tr, plan.StageExecute), 2)
	// the patched plan is validated again before it runs
	assert.Len(t, stageOutputs(tr, plan.StageValidate), 2)

	assert.Equal(t, 1, tr.AppliedAssets["policy:default"])
	assert.Equal(t, 1, tr.AppliedAssets["query:unit_by_id"])
	assert.Equal(t, 1, tr.AppliedAssets["resolver:units"])
	assert.Equal(t, 1, tr.AppliedAssets["mapping:config"])
}

func TestScenarioDDLRejectedBeforeConnection(t *testing.T) {
	h := newHarness(t)
	db := &countingTool{fn: func(map[string]interface{}, tool.CallContext) (*tool.RawResult, error) {
		return rowsResult(), nil
	}}
	require.NoError(t, h.registry.Register(tool.Descriptor{
		ID:             "units_db",
		Class:          tool.ClassDataAccess,
		Params:         []tool.ParamSpec{{Name: "statement", Type: tool.ParamString, Required: true}},
		TenantScoped:   true,
		TenantColumn:   "tenant_id",
		StatementParam: "statement",
	}, db))
	h.policy(asset.PolicyContent{Safety: asset.SafetyPolicy{RequireTenant: true}})

	o := h.orchestrator(nil)
	resp := o.Run(context.Background(), Request{
		Question: "drop it",
		Tenant:   "plant-a",
		Mode:     ModeDirect,
		ToolRequests: []tool.Request{{
			ID: "r1", ToolID: "units_db", Params: map[string]interface{}{"statement": "DROP TABLE units"},
		}},
	})

	assert.Equal(t, "failed", resp.Meta.Status)
	assert.Equal(t, 0, db.Calls())
	assert.Empty(t, resp.Meta.ToolsUsed)

	diags := blocksOfType(resp.AnswerBlocks, plan.BlockDiagnostic)
	require.NotEmpty(t, diags)
	assert.Equal(t, "tool_error_fatal", diags[0].Diagnostic.Code)
	assert.Contains(t, strings.Join(diags[0].Diagnostic.Details, " "), safety.ReasonDDL)

	tr := h.trace(resp.TraceID)
	assert.Equal(t, audit.StatusFailed, tr.Status)
	exec := stageOutputs(tr, plan.StageExecute)
	require.Len(t, exec, 1)
	assert.Contains(t, exec[0].Diagnostics, "r1: "+safety.ReasonDDL)
	assert.Empty(t, tr.ReplanEvents)
}

func TestScenarioBreakerOpensThenFallback(t *testing.T) {
	h := newHarness(t)
	primary := &countingTool{fn: func(map[string]interface{}, tool.CallContext) (*tool.RawResult, error) {
		return nil, fmt.Errorf("upstream reset: %w", tool.ErrTransient)
	}}
	cache := &countingTool{fn: func(map[string]interface{}, tool.CallContext) (*tool.RawResult, error) {
		return rowsResult(tool.Row{"metric": "load_mw", "value": 170.0}), nil
	}}
	for id, impl := range map[string]tool.Tool{"telemetry_api": primary, "telemetry_cache": cache} {
		require.NoError(t, h.registry.Register(tool.Descriptor{
			ID:     id,
			Class:  tool.ClassHTTP,
			Params: []tool.ParamSpec{{Name: "window_hours", Type: tool.ParamInt}},
		}, impl))
	}
	h.policy(asset.PolicyContent{Replan: asset.ReplanPolicy{AllowedTriggers: []string{"CircuitOpen"}}})
	h.publish(asset.TypeSource, asset.DefaultScope, "telemetry_api", asset.SourceContent{
		ToolID: "telemetry_api", FallbackTool: "telemetry_cache",
	})

	o := h.orchestrator(fixedPlanner(plan.NewPlan(plan.Plan{
		Intent: "telemetry",
		ToolRequests: []tool.Request{{
			ID: "r1", ToolID: "telemetry_api", Params: map[string]interface{}{"window_hours": 6},
		}},
	})))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		resp := o.Run(ctx, Request{Question: "current load", Tenant: "plant-a"})
		require.Equal(t, "failed", resp.Meta.Status, "run %d", i+1)
		assert.Equal(t, 0, resp.Meta.ReplanCount)
	}
	assert.Equal(t, 5, primary.Calls())

	resp := o.Run(ctx, Request{Question: "current load", Tenant: "plant-a"})
	assert.Equal(t, 5, primary.Calls(), "open breaker must not reach the tool")
	assert.Equal(t, 1, cache.Calls())

	assert.Equal(t, "done", resp.Meta.Status)
	assert.Equal(t, DataQualityFallback, resp.Meta.DataQuality)
	assert.Equal(t, 1, resp.Meta.ReplanCount)
	assert.Equal(t, []string{"telemetry_cache"}, resp.Meta.ToolsUsed)

	tr := h.trace(resp.TraceID)
	require.Len(t, tr.ReplanEvents, 1)
	assert.Equal(t, "CircuitOpen", tr.ReplanEvents[0].Trigger)
	assert.Equal(t, PatchFallbackTool, tr.ReplanEvents[0].Patch.Kind)
}

func TestScenarioReplanLimit(t *testing.T) {
	h := newHarness(t)
	alarms := &countingTool{fn: func(map[string]interface{}, tool.CallContext) (*tool.RawResult, error) {
		return rowsResult(), nil
	}}
	require.NoError(t, h.registry.Register(tool.Descriptor{
		ID:     "alarms_api",
		Class:  tool.ClassHTTP,
		Params: []tool.ParamSpec{{Name: "window_hours", Type: tool.ParamInt, Required: true}},
	}, alarms))
	h.policy(asset.PolicyContent{
		MaxWindowHours: 168,
		Replan:         asset.ReplanPolicy{MaxReplans: intPtr(2)},
	})

	o := h.orchestrator(fixedPlanner(plan.NewPlan(plan.Plan{
		Intent: "alarms",
		ToolRequests: []tool.Request{{
			ID: "r1", ToolID: "alarms_api", Params: map[string]interface{}{"window_hours": 6},
		}},
	})))

	resp := o.Run(context.Background(), Request{Question: "recent alarms", Tenant: "plant-a"})

	assert.Equal(t, "done", resp.Meta.Status)
	assert.Equal(t, 2, resp.Meta.ReplanCount)
	require.Equal(t, 3, alarms.Calls())
	assert.Equal(t, 6, alarms.Param(0, "window_hours"))
	assert.Equal(t, 12, alarms.Param(1, "window_hours"))
	assert.Equal(t, 24, alarms.Param(2, "window_hours"))

	tr := h.trace(resp.TraceID)
	require.Len(t, tr.ReplanEvents, 2)
	for _, ev := range tr.ReplanEvents {
		assert.Equal(t, "EmptyResult", ev.Trigger)
		assert.Equal(t, PatchWidenWindow, ev.Patch.Kind)
	}

	diags := blocksOfType(resp.AnswerBlocks, plan.BlockDiagnostic)
	require.Len(t, diags, 1)
	assert.Equal(t, ReasonReplanLimit, diags[0].Diagnostic.Message)
	assert.Equal(t, "empty_result", diags[0].Diagnostic.Code)

	text := blocksOfType(resp.AnswerBlocks, plan.BlockText)
	require.Len(t, text, 1)
	assert.Equal(t, NoDataText, text[0].Text)
}
