package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/tool"
)

func okResult(id string, refs []tool.Reference, rows ...tool.Row) *tool.Result {
	r := &tool.Result{
		RequestID:   id,
		ToolID:      "t",
		Status:      tool.StatusOK,
		Rows:        rows,
		References:  refs,
		Diagnostics: tool.Diagnostics{Warnings: []string{}, Errors: []string{}, Counts: map[string]int{}},
		Failure:     tool.FailureNone,
	}
	if len(rows) == 0 {
		r.Status = tool.StatusEmpty
	}
	return r
}

func TestComposeDefaultBlocks(t *testing.T) {
	out, err := NewComposer(nil).Compose(ComposeInput{
		Results: []*tool.Result{
			okResult("r1", []tool.Reference{{Kind: "table", ID: "alarms"}}, tool.Row{"b": 2, "a": 1}),
			okResult("r2", []tool.Reference{{Kind: "table", ID: "alarms"}}),
			tool.Failed("r3", "t", tool.FailureFatal, "boom"),
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Blocks, 2)
	assert.Equal(t, plan.BlockTable, out.Blocks[0].Type)
	assert.Equal(t, []string{"a", "b"}, out.Blocks[0].Columns)
	assert.Equal(t, [][]interface{}{{1, 2}}, out.Blocks[0].Rows)
	assert.Equal(t, plan.BlockReferenceList, out.Blocks[1].Type)
	assert.Equal(t, 1, out.Evidence)
}

func TestComposeNoData(t *testing.T) {
	out, err := NewComposer(nil).Compose(ComposeInput{Results: []*tool.Result{okResult("r1", nil)}})
	require.NoError(t, err)
	require.Len(t, out.Blocks, 1)
	assert.Equal(t, NoDataText, out.Blocks[0].Text)
	assert.Zero(t, out.Evidence)
}

func TestComposeMapping(t *testing.T) {
	results := []*tool.Result{
		okResult("units", []tool.Reference{{Kind: "table", ID: "units"}},
			tool.Row{"unit_id": "gt1", "feeds": "bus_a", "load": 120.0, "hour": 1},
			tool.Row{"unit_id": "gt2", "feeds": "bus_a", "load": 95.0, "hour": 2},
		),
		okResult("alarms", nil),
	}
	mapping := &asset.MappingContent{Blocks: []asset.BlockMapping{
		{Type: "text", Template: "{{.Count}} units for {{.Tenant}}, first {{.Row.unit_id}} ({{.Intent}})", Source: "units"},
		{Type: "text", Prompt: "summary"},
		{Type: "table", Source: "units", Columns: []string{"unit_id", "load"}},
		{Type: "chart", Source: "units", X: "hour", Y: "load"},
		{Type: "graph", Source: "units", From: "unit_id", To: "feeds"},
		{Type: "reference_list"},
		{Type: "table", Source: "alarms", SkipEmpty: true},
	}}

	out, err := NewComposer(nil).Compose(ComposeInput{
		Question: "units?",
		Tenant:   "plant-a",
		Plan:     &plan.Plan{Intent: "units"},
		Results:  results,
		Mapping:  mapping,
		Prompts:  map[string]asset.PromptContent{"summary": {Template: "Q: {{.Question}}"}},
	})
	require.NoError(t, err)
	require.Len(t, out.Blocks, 6)

	assert.Equal(t, "2 units for plant-a, first gt1 (units)", out.Blocks[0].Text)
	assert.Equal(t, "Q: units?", out.Blocks[1].Text)
	assert.Equal(t, [][]interface{}{{"gt1", 120.0}, {"gt2", 95.0}}, out.Blocks[2].Rows)
	require.NotNil(t, out.Blocks[3].Chart)
	assert.Len(t, out.Blocks[3].Chart.Points, 2)
	require.NotNil(t, out.Blocks[4].Graph)
	assert.Equal(t, []string{"bus_a", "gt1", "gt2"}, out.Blocks[4].Graph.Nodes)
	assert.Len(t, out.Blocks[4].Graph.Edges, 2)
	assert.Equal(t, []tool.Reference{{Kind: "table", ID: "units"}}, out.Blocks[5].References)
}

func TestComposeMappingErrors(t *testing.T) {
	tests := map[string]asset.BlockMapping{
		"unknown type":   {Type: "video"},
		"chart without":  {Type: "chart"},
		"graph without":  {Type: "graph", From: "a"},
		"missing prompt": {Type: "text", Prompt: "nope"},
		"bad template":   {Type: "text", Template: "{{.Row"},
	}
	for name, m := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewComposer(nil).Compose(ComposeInput{
				Results: []*tool.Result{okResult("r1", nil, tool.Row{"a": 1})},
				Mapping: &asset.MappingContent{Blocks: []asset.BlockMapping{m}},
			})
			assert.Error(t, err)
		})
	}
}

func TestPresent(t *testing.T) {
	blocks := []plan.AnswerBlock{
		{Type: plan.BlockTable, Rows: [][]interface{}{{1}, {2}, {3}}},
		plan.TextBlock("", "summary"),
		plan.DiagnosticBlock("empty_result", plan.SeverityMedium, "no rows"),
		{Type: plan.BlockChart},
		{Type: plan.BlockGraph},
	}

	t.Run("no screen", func(t *testing.T) {
		out, report := Present(blocks, nil)
		assert.Equal(t, blocks, out)
		assert.False(t, report.Truncated)
	})

	t.Run("order, limits and allowed types", func(t *testing.T) {
		out, report := Present(blocks, &asset.ScreenContent{
			MaxBlocks:    2,
			BlockOrder:   []string{"text", "table"},
			AllowedTypes: []string{"text", "table", "chart"},
			MaxTableRows: 2,
		})
		require.Len(t, out, 3)
		assert.Equal(t, plan.BlockText, out[0].Type)
		assert.Equal(t, plan.BlockTable, out[1].Type)
		assert.Len(t, out[1].Rows, 2)
		assert.Equal(t, plan.BlockDiagnostic, out[2].Type, "diagnostics always survive")

		assert.True(t, report.Truncated)
		assert.True(t, report.LimitExceeded)
		assert.Equal(t, 2, report.Dropped)
		assert.Equal(t, 1, report.TrimmedRows)
		assert.Len(t, blocks[0].Rows, 3, "input blocks are not modified")
	})

	t.Run("row trimming alone is not a limit overrun", func(t *testing.T) {
		_, report := Present(blocks[:1], &asset.ScreenContent{MaxTableRows: 1})
		assert.True(t, report.Truncated)
		assert.False(t, report.LimitExceeded)
	})
}
