package orchestration

import (
	"sort"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/plan"
)

// PresentReport says what the presenter had to cut
type PresentReport struct {
	Truncated bool `json:"truncated"`
	// LimitExceeded is set when blocks beyond max_blocks were dropped
	LimitExceeded bool `json:"limit_exceeded"`
	Dropped       int  `json:"dropped"`
	TrimmedRows   int  `json:"trimmed_rows"`
}

// Present applies a screen asset to composed blocks. Diagnostic blocks are
// never dropped or counted against max_blocks. The input is not modified.
func Present(blocks []plan.AnswerBlock, screen *asset.ScreenContent) ([]plan.AnswerBlock, PresentReport) {
	var report PresentReport
	if screen == nil {
		return append([]plan.AnswerBlock(nil), blocks...), report
	}

	var content, diagnostics []plan.AnswerBlock
	for _, b := range blocks {
		switch {
		case b.Type == plan.BlockDiagnostic:
			diagnostics = append(diagnostics, b)
		case len(screen.AllowedTypes) > 0 && !containsString(screen.AllowedTypes, string(b.Type)):
			report.Dropped++
			report.Truncated = true
		default:
			content = append(content, b)
		}
	}

	if len(screen.BlockOrder) > 0 {
		rank := func(t plan.BlockType) int {
			for i, name := range screen.BlockOrder {
				if name == string(t) {
					return i
				}
			}
			return len(screen.BlockOrder)
		}
		sort.SliceStable(content, func(i, j int) bool {
			return rank(content[i].Type) < rank(content[j].Type)
		})
	}

	if screen.MaxBlocks > 0 && len(content) > screen.MaxBlocks {
		report.Dropped += len(content) - screen.MaxBlocks
		report.LimitExceeded = true
		report.Truncated = true
		content = content[:screen.MaxBlocks]
	}

	if screen.MaxTableRows > 0 {
		for i := range content {
			b := content[i]
			if b.Type == plan.BlockTable && len(b.Rows) > screen.MaxTableRows {
				report.TrimmedRows += len(b.Rows) - screen.MaxTableRows
				report.Truncated = true
				// new slice header so the composed block stays intact
				b.Rows = append([][]interface{}(nil), b.Rows[:screen.MaxTableRows]...)
				content[i] = b
			}
		}
	}

	return append(content, diagnostics...), report
}
