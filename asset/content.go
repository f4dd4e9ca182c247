package asset

import (
	"sort"
	"strings"
)

// PolicyContent is the content of a policy asset. Zero limits mean unlimited.
type PolicyContent struct {
	MaxRowCount         int          `json:"max_row_count"`
	MaxQueryDepth       int          `json:"max_query_depth"`
	QueryTimeoutMS      int          `json:"query_timeout_ms"`
	RateLimit           int          `json:"rate_limit"`
	AllowedIntents      []string     `json:"allowed_intents,omitempty"`
	RestrictedResources []string     `json:"restricted_resources,omitempty"`
	MaxWindowHours      int          `json:"max_window_hours,omitempty"`
	MinEvidence         int          `json:"min_evidence,omitempty"`
	Replan              ReplanPolicy `json:"replan"`
	Safety              SafetyPolicy `json:"safety"`
}

// ReplanPolicy bounds the control loop. Nil MaxReplans falls back to service config.
type ReplanPolicy struct {
	MaxReplans      *int     `json:"max_replans,omitempty"`
	AllowedTriggers []string `json:"allowed_triggers,omitempty"`
	MinIntervalMS   int      `json:"min_interval_ms,omitempty"`
	CoolingPeriodMS int      `json:"cooling_period_ms,omitempty"`
}

// SafetyPolicy configures the query safety classifier
type SafetyPolicy struct {
	AllowWrites   bool `json:"allow_writes,omitempty"`
	RequireTenant bool `json:"require_tenant"`
}

// ResolverContent normalizes user-typed names into canonical entity ids
type ResolverContent struct {
	// Aliases maps a spelling found in params to the canonical value
	Aliases map[string]string `json:"aliases"`
	// Defaults fills parameters the planner left out
	Defaults map[string]interface{} `json:"defaults,omitempty"`
	// Params limits alias substitution to these parameter names; empty means all
	Params []string `json:"params,omitempty"`
}

// Resolve returns the canonical value for alias. Lookup is exact first,
// then case-insensitive, where the first matching alias in sorted order wins.
func (r *ResolverContent) Resolve(alias string) (string, bool) {
	if v, ok := r.Aliases[alias]; ok {
		return v, true
	}
	keys := make([]string, 0, len(r.Aliases))
	for k := range r.Aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, alias) {
			return r.Aliases[k], true
		}
	}
	return "", false
}

// SourceContent describes a data source behind a tool
type SourceContent struct {
	ToolID       string `json:"tool_id"`
	FallbackTool string `json:"fallback_tool,omitempty"`
	// DataQuality is "primary" or "fallback"
	DataQuality string `json:"data_quality,omitempty"`
}

// QueryContent is a named, reviewed statement a tool request can reference
type QueryContent struct {
	ToolID    string `json:"tool_id"`
	Statement string `json:"statement"`
	// RowEstimate feeds the safety row-limit check; 0 means unknown
	RowEstimate int `json:"row_estimate,omitempty"`
}

// PromptContent holds a text/template prompt
type PromptContent struct {
	System   string `json:"system,omitempty"`
	Template string `json:"template"`
}

// MappingContent turns tool results into answer blocks
type MappingContent struct {
	Blocks []BlockMapping `json:"blocks"`
	// MinEvidence is the minimum number of references for a confident answer
	MinEvidence int `json:"min_evidence,omitempty"`
}

// BlockMapping produces one answer block
type BlockMapping struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	// Source is a tool request id; empty means every result in plan order
	Source string `json:"source,omitempty"`
	// Template is a text/template for text blocks
	Template string `json:"template,omitempty"`
	// Prompt names a prompt asset whose template renders a text block
	Prompt  string   `json:"prompt,omitempty"`
	Columns []string `json:"columns,omitempty"`
	// Pivot turns each column of a single row into a field/value row
	Pivot bool   `json:"pivot,omitempty"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	// SkipEmpty omits the block when its source has no rows
	SkipEmpty bool `json:"skip_empty,omitempty"`
}

// ScreenContent is the rendering contract of the present stage
type ScreenContent struct {
	MaxBlocks    int      `json:"max_blocks"`
	BlockOrder   []string `json:"block_order,omitempty"`
	AllowedTypes []string `json:"allowed_types,omitempty"`
	MaxTableRows int      `json:"max_table_rows,omitempty"`
}

// SchemaCatalogContent describes what data the tools can reach
type SchemaCatalogContent struct {
	Entities []SchemaEntity `json:"entities"`
}

// SchemaEntity is one table, graph label or endpoint
type SchemaEntity struct {
	Name        string   `json:"name"`
	ToolID      string   `json:"tool_id"`
	Columns     []string `json:"columns,omitempty"`
	Description string   `json:"description,omitempty"`
}
