package orchestration

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/tool"
)

// NoDataText is the answer when nothing could be composed
const NoDataText = "No matching data was found."

// ComposeInput is what the compose stage works from
type ComposeInput struct {
	Question string
	Tenant   string
	Plan     *plan.Plan
	Results  []*tool.Result
	// Mapping nil means the default composition: one table per result
	Mapping *asset.MappingContent
	// Prompts holds the prompt assets named by text block mappings
	Prompts map[string]asset.PromptContent
}

// ComposeOutput is the composed answer before presentation
type ComposeOutput struct {
	Blocks []plan.AnswerBlock `json:"blocks"`
	// Evidence counts distinct references behind non-empty results
	Evidence int `json:"evidence"`
}

// TemplateData is what text block templates see.
//
// Templates come from published mapping and prompt assets only, never from
// the question.
type TemplateData struct {
	Question string
	Tenant   string
	Intent   string
	Filters  map[string]interface{}
	// Rows are the rows of the block's source; Row is the first of them
	Rows  []tool.Row
	Row   tool.Row
	Count int
	// Results maps every request id to its rows
	Results map[string][]tool.Row
}

// Composer turns tool results into answer blocks as directed by a mapping
// asset
type Composer struct {
	logger core.Logger
}

// NewComposer creates a composer
func NewComposer(logger core.Logger) *Composer {
	return &Composer{logger: core.ComponentLogger(logger, "composer")}
}

// Compose builds answer blocks. Only results that did not fail contribute.
func (c *Composer) Compose(in ComposeInput) (*ComposeOutput, error) {
	usable := make([]*tool.Result, 0, len(in.Results))
	byRequest := make(map[string]*tool.Result, len(in.Results))
	allRows := make(map[string][]tool.Row, len(in.Results))
	for _, r := range in.Results {
		if r == nil || !r.OK() {
			continue
		}
		usable = append(usable, r)
		byRequest[r.RequestID] = r
		allRows[r.RequestID] = r.Rows
	}

	out := &ComposeOutput{Blocks: []plan.AnswerBlock{}, Evidence: countEvidence(usable)}

	if in.Mapping == nil || len(in.Mapping.Blocks) == 0 {
		out.Blocks = defaultBlocks(usable)
	} else {
		for i, m := range in.Mapping.Blocks {
			sources := usable
			if m.Source != "" {
				sources = nil
				if r, ok := byRequest[m.Source]; ok {
					sources = []*tool.Result{r}
				}
			}
			rows := collectRows(sources)
			if m.SkipEmpty && len(rows) == 0 {
				continue
			}
			block, err := c.buildBlock(m, in, rows, sources, allRows)
			if err != nil {
				return nil, fmt.Errorf("mapping block %d (%s): %w", i, m.Type, err)
			}
			out.Blocks = append(out.Blocks, block)
		}
	}

	if len(out.Blocks) == 0 {
		out.Blocks = append(out.Blocks, plan.TextBlock("", NoDataText))
	}
	c.logger.Debug("Composed answer", map[string]interface{}{
		"operation": "compose",
		"blocks":    len(out.Blocks),
		"evidence":  out.Evidence,
	})
	return out, nil
}

func (c *Composer) buildBlock(m asset.BlockMapping, in ComposeInput, rows []tool.Row, sources []*tool.Result, allRows map[string][]tool.Row) (plan.AnswerBlock, error) {
	block := plan.AnswerBlock{Type: plan.BlockType(m.Type), Title: m.Title, Source: m.Source}

	switch block.Type {
	case plan.BlockText:
		text := m.Template
		if m.Prompt != "" {
			p, ok := in.Prompts[m.Prompt]
			if !ok {
				return block, fmt.Errorf("prompt asset %q not loaded", m.Prompt)
			}
			text = p.Template
		}
		data := TemplateData{
			Question: in.Question,
			Tenant:   in.Tenant,
			Rows:     rows,
			Count:    len(rows),
			Results:  allRows,
		}
		if in.Plan != nil {
			data.Intent = in.Plan.Intent
			data.Filters = in.Plan.Filters
		}
		if len(rows) > 0 {
			data.Row = rows[0]
		}
		rendered, err := render(text, data)
		if err != nil {
			return block, err
		}
		block.Text = rendered

	case plan.BlockTable:
		columns := m.Columns
		if len(columns) == 0 {
			columns = columnsOf(rows)
		}
		if m.Pivot && len(rows) == 1 {
			block.Columns = []string{"field", "value"}
			block.Rows = make([][]interface{}, 0, len(columns))
			for _, col := range columns {
				block.Rows = append(block.Rows, []interface{}{col, rows[0][col]})
			}
		} else {
			block.Columns = append([]string(nil), columns...)
			block.Rows = tableRows(rows, columns)
		}

	case plan.BlockChart:
		if m.X == "" || m.Y == "" {
			return block, fmt.Errorf("chart needs x and y columns")
		}
		chart := &plan.Chart{Kind: "line", X: m.X, Y: m.Y, Points: []plan.ChartPoint{}}
		for _, row := range rows {
			x, okX := row[m.X]
			y, okY := row[m.Y]
			if okX && okY {
				chart.Points = append(chart.Points, plan.ChartPoint{X: x, Y: y})
			}
		}
		block.Chart = chart

	case plan.BlockGraph:
		if m.From == "" || m.To == "" {
			return block, fmt.Errorf("graph needs from and to columns")
		}
		block.Graph = buildGraph(rows, m.From, m.To)

	case plan.BlockReferenceList:
		block.References = collectReferences(sources)

	case plan.BlockDiagnostic:
		var details []string
		for _, r := range sources {
			details = append(details, r.Diagnostics.Warnings...)
		}
		block.Diagnostic = &plan.Diagnostic{
			Code:     "result_warnings",
			Severity: plan.SeverityLow,
			Message:  fmt.Sprintf("%d warnings", len(details)),
			Details:  details,
		}

	default:
		return block, fmt.Errorf("unknown block type %q", m.Type)
	}
	return block, nil
}

func render(text string, data TemplateData) (string, error) {
	tmpl, err := template.New("block").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// defaultBlocks renders a table per non-empty result and one reference list
func defaultBlocks(results []*tool.Result) []plan.AnswerBlock {
	var blocks []plan.AnswerBlock
	for _, r := range results {
		if len(r.Rows) == 0 {
			continue
		}
		columns := columnsOf(r.Rows)
		blocks = append(blocks, plan.AnswerBlock{
			Type:    plan.BlockTable,
			Title:   r.RequestID,
			Columns: columns,
			Rows:    tableRows(r.Rows, columns),
			Source:  r.RequestID,
		})
	}
	if refs := collectReferences(results); len(refs) > 0 && len(blocks) > 0 {
		blocks = append(blocks, plan.AnswerBlock{Type: plan.BlockReferenceList, Title: "Sources", References: refs})
	}
	return blocks
}

func collectRows(results []*tool.Result) []tool.Row {
	var rows []tool.Row
	for _, r := range results {
		rows = append(rows, r.Rows...)
	}
	return rows
}

// columnsOf returns the union of row keys, sorted
func columnsOf(rows []tool.Row) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func tableRows(rows []tool.Row, columns []string) [][]interface{} {
	out := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		values := make([]interface{}, len(columns))
		for i, col := range columns {
			values[i] = row[col]
		}
		out = append(out, values)
	}
	return out
}

func buildGraph(rows []tool.Row, from, to string) *plan.Graph {
	g := &plan.Graph{Nodes: []string{}, Edges: []plan.GraphEdge{}}
	nodes := make(map[string]bool)
	for _, row := range rows {
		f, okF := row[from]
		t, okT := row[to]
		if !okF || !okT || f == nil || t == nil {
			continue
		}
		fs, ts := fmt.Sprint(f), fmt.Sprint(t)
		nodes[fs], nodes[ts] = true, true
		g.Edges = append(g.Edges, plan.GraphEdge{From: fs, To: ts})
	}
	for n := range nodes {
		g.Nodes = append(g.Nodes, n)
	}
	sort.Strings(g.Nodes)
	return g
}

func collectReferences(results []*tool.Result) []tool.Reference {
	seen := make(map[string]bool)
	refs := []tool.Reference{}
	for _, r := range results {
		for _, ref := range r.References {
			key := ref.Kind + "\x00" + ref.ID
			if !seen[key] {
				seen[key] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// countEvidence counts distinct references of results that returned rows
func countEvidence(results []*tool.Result) int {
	var withRows []*tool.Result
	for _, r := range results {
		if len(r.Rows) > 0 {
			withRows = append(withRows, r)
		}
	}
	return len(collectReferences(withRows))
}
