package plan

import "github.com/itsneelabh/opsquery/tool"

// BlockType discriminates AnswerBlock
type BlockType string

const (
	BlockText          BlockType = "text"
	BlockTable         BlockType = "table"
	BlockChart         BlockType = "chart"
	BlockGraph         BlockType = "graph"
	BlockReferenceList BlockType = "reference_list"
	BlockDiagnostic    BlockType = "diagnostic"
)

// AnswerBlock is one typed piece of an answer. Only the fields of its Type
// are set.
type AnswerBlock struct {
	Type  BlockType `json:"type"`
	Title string    `json:"title,omitempty"`

	// text
	Text string `json:"text,omitempty"`

	// table
	Columns []string        `json:"columns,omitempty"`
	Rows    [][]interface{} `json:"rows,omitempty"`

	Chart      *Chart           `json:"chart,omitempty"`
	Graph      *Graph           `json:"graph,omitempty"`
	References []tool.Reference `json:"references,omitempty"`
	Diagnostic *Diagnostic      `json:"diagnostic,omitempty"`

	// Source is the tool request the block was built from
	Source string `json:"source,omitempty"`
}

// Chart is a single-series chart
type Chart struct {
	Kind   string       `json:"kind"`
	X      string       `json:"x"`
	Y      string       `json:"y"`
	Points []ChartPoint `json:"points"`
}

// ChartPoint is one (x, y) pair
type ChartPoint struct {
	X interface{} `json:"x"`
	Y interface{} `json:"y"`
}

// Graph is a node/edge view
type Graph struct {
	Nodes []string    `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphEdge links two nodes
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Severity of a diagnostic or trigger
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Diagnostic explains a degraded answer
type Diagnostic struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Details  []string `json:"details,omitempty"`
}

// TextBlock builds a text block
func TextBlock(title, text string) AnswerBlock {
	return AnswerBlock{Type: BlockText, Title: title, Text: text}
}

// DiagnosticBlock builds a diagnostic block
func DiagnosticBlock(code string, severity Severity, message string, details ...string) AnswerBlock {
	return AnswerBlock{
		Type:       BlockDiagnostic,
		Title:      "Diagnostics",
		Diagnostic: &Diagnostic{Code: code, Severity: severity, Message: message, Details: details},
	}
}

// CountBlocks returns how many blocks of type t are in blocks
func CountBlocks(blocks []AnswerBlock, t BlockType) int {
	n := 0
	for _, b := range blocks {
		if b.Type == t {
			n++
		}
	}
	return n
}
