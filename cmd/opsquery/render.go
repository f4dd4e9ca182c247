package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/itsneelabh/opsquery/api"
	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/orchestration"
	"github.com/itsneelabh/opsquery/plan"
)

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) newTable(title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(c.out)
	tw.SetStyle(table.StyleLight)
	if title != "" {
		tw.SetTitle(title)
	}
	return tw
}

func (c *cli) renderResponse(resp *orchestration.Response) {
	for _, b := range resp.AnswerBlocks {
		c.renderBlock(b)
		fmt.Fprintln(c.out)
	}
	m := resp.Meta
	fmt.Fprintf(c.out, "status=%s route=%s tools=%s replans=%d data=%s duration=%dms",
		m.Status, orDash(m.Route), orDash(strings.Join(m.ToolsUsed, ",")), m.ReplanCount, orDash(m.DataQuality), m.DurationMS)
	if m.Truncated {
		fmt.Fprint(c.out, " truncated")
	}
	fmt.Fprintf(c.out, "\ntrace %s\n", orDash(resp.TraceID))
}

func (c *cli) renderBlock(b plan.AnswerBlock) {
	switch b.Type {
	case plan.BlockText:
		if b.Title != "" {
			fmt.Fprintf(c.out, "%s\n", b.Title)
		}
		fmt.Fprintln(c.out, b.Text)
	case plan.BlockTable:
		tw := c.newTable(b.Title)
		header := make(table.Row, len(b.Columns))
		for i, col := range b.Columns {
			header[i] = col
		}
		tw.AppendHeader(header)
		for _, row := range b.Rows {
			tw.AppendRow(table.Row(row))
		}
		tw.Render()
	case plan.BlockChart:
		if b.Chart == nil {
			return
		}
		tw := c.newTable(fmt.Sprintf("%s (%s)", b.Title, b.Chart.Kind))
		tw.AppendHeader(table.Row{b.Chart.X, b.Chart.Y})
		for _, p := range b.Chart.Points {
			tw.AppendRow(table.Row{p.X, p.Y})
		}
		tw.Render()
	case plan.BlockGraph:
		if b.Graph == nil {
			return
		}
		tw := c.newTable(b.Title)
		tw.AppendHeader(table.Row{"From", "To"})
		for _, e := range b.Graph.Edges {
			tw.AppendRow(table.Row{e.From, e.To})
		}
		tw.Render()
	case plan.BlockReferenceList:
		tw := c.newTable(b.Title)
		tw.AppendHeader(table.Row{"Kind", "ID", "Label", "URL"})
		for _, r := range b.References {
			tw.AppendRow(table.Row{r.Kind, r.ID, r.Label, r.URL})
		}
		tw.Render()
	case plan.BlockDiagnostic:
		if b.Diagnostic == nil {
			return
		}
		d := b.Diagnostic
		fmt.Fprintf(c.out, "[%s] %s: %s\n", d.Severity, d.Code, d.Message)
		for _, line := range d.Details {
			fmt.Fprintf(c.out, "  - %s\n", line)
		}
	}
}

func (c *cli) renderImport(results []asset.ImportResult) {
	tw := c.newTable("")
	tw.AppendHeader(table.Row{"Type", "Scope", "Name", "Version", "Status", "Changed"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.Type, r.Scope, r.Name, r.Version, r.Status, !r.Unchanged})
	}
	tw.Render()
}

func (c *cli) renderAssets(items []*asset.Asset) {
	tw := c.newTable("")
	tw.AppendHeader(table.Row{"Type", "Scope", "Name", "Version", "Status", "Created"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.Type, a.Scope, a.Name, a.Version, a.Status, formatTime(a.CreatedAt)})
	}
	tw.Render()
}

func (c *cli) renderTraceList(items []audit.Summary) {
	tw := c.newTable("")
	tw.AppendHeader(table.Row{"ID", "Tenant", "Route", "Status", "Replans", "Started", "Question"})
	for _, s := range items {
		tw.AppendRow(table.Row{s.ID, s.Tenant, orDash(s.Route), s.Status, s.ReplanCount, formatTime(s.StartedAt), s.Question})
	}
	tw.Render()
}

func (c *cli) renderTrace(t *audit.ExecutionTrace) {
	fmt.Fprintf(c.out, "trace    %s\n", t.ID)
	fmt.Fprintf(c.out, "question %s\n", t.Question)
	fmt.Fprintf(c.out, "tenant   %s  mode %s  route %s\n", t.Tenant, t.Mode, orDash(t.Route))
	fmt.Fprintf(c.out, "status   %s  replans %d  started %s\n", t.Status, t.ReplanCount, formatTime(t.StartedAt))
	if t.ReplayOf != "" {
		fmt.Fprintf(c.out, "replay of %s\n", t.ReplayOf)
	}

	if len(t.AppliedAssets) > 0 {
		keys := make([]string, 0, len(t.AppliedAssets))
		for k := range t.AppliedAssets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tw := c.newTable("Applied assets")
		tw.AppendHeader(table.Row{"Asset", "Version"})
		for _, k := range keys {
			tw.AppendRow(table.Row{k, t.AppliedAssets[k]})
		}
		tw.Render()
	}

	tw := c.newTable("Stages")
	tw.AppendHeader(table.Row{"Seq", "Stage", "Attempt", "Duration", "Notes"})
	for _, s := range t.StageOutputs {
		notes := s.Diagnostics
		if s.Skipped {
			notes = append([]string{"skipped"}, notes...)
		}
		tw.AppendRow(table.Row{s.Seq, s.Stage, s.Attempt, fmt.Sprintf("%dms", s.DurationMS), strings.Join(notes, "; ")})
	}
	tw.Render()

	if len(t.ReplanEvents) == 0 {
		return
	}
	rt := c.newTable("Replan events")
	rt.AppendHeader(table.Row{"Seq", "Trigger", "Stage", "Severity", "Allowed", "Patch", "Reason"})
	for _, ev := range t.ReplanEvents {
		rt.AppendRow(table.Row{ev.Seq, ev.Trigger, ev.Stage, ev.Severity, ev.Decision.Allowed,
			fmt.Sprintf("%s (%d)", orDash(ev.Patch.Kind), len(ev.Patch.Changes)), ev.Reason})
	}
	rt.Render()
}

func (c *cli) renderReplay(res *orchestration.ReplayResult) {
	if res.Original != nil && res.Replay != nil {
		fmt.Fprintf(c.out, "replayed %s as %s: %s -> %s\n", res.Original.ID, res.Replay.ID, res.Original.Status, res.Replay.Status)
	}
	if len(res.Differences) == 0 {
		fmt.Fprintln(c.out, "no differences")
		return
	}
	tw := c.newTable("Differences")
	tw.AppendHeader(table.Row{"Stage", "Occurrence", "Diff"})
	for _, d := range res.Differences {
		tw.AppendRow(table.Row{d.Stage, d.Occurrence, d.Diff})
	}
	tw.Render()
}

func (c *cli) renderBreakers(list *api.BreakerList) {
	tw := c.newTable(fmt.Sprintf("Breakers (%s scope)", list.Scope))
	tw.AppendHeader(table.Row{"Name", "State", "Failures", "Rejected", "Total", "Opened"})
	for _, b := range list.Breakers {
		tw.AppendRow(table.Row{b.Name, b.State, b.ConsecutiveFailures, b.Rejected, b.Total, formatTime(b.OpenedAt)})
	}
	tw.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
