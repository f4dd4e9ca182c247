// Package safety classifies data-access statements before any connection is
// opened. It is a pure function over text: it never parses a query language,
// it only scans keyword tokens, so every input classifies and none panics.
package safety

import (
	"fmt"
	"strconv"
)

// Class is the coarse statement class
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
	ClassDDL   Class = "ddl"
	ClassDCL   Class = "dcl"
	ClassEmpty Class = "empty"
)

// Deny reasons. Callers surface these verbatim as diagnostics.
const (
	ReasonDDL            = "DDL not allowed"
	ReasonDCL            = "permission changes not allowed"
	ReasonWrite          = "write statements not allowed"
	ReasonEmpty          = "empty statement"
	ReasonMultiStatement = "multiple statements not allowed"
	ReasonTenantMissing  = "tenant scope missing"
	ReasonTenantMismatch = "tenant scope mismatch"
	ReasonTenantColumn   = "query not scoped to tenant"
)

var (
	ddlKeywords = map[string]bool{"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true, "RENAME": true}
	dclKeywords = map[string]bool{"GRANT": true, "REVOKE": true}
	dmlKeywords = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
		"SET": true, "REMOVE": true, "DETACH": true, "INTO": true,
	}
)

// Request is one statement about to be sent to a data-access tool
type Request struct {
	Statement string
	// CallerTenant is the tenant of the run
	CallerTenant string
	// RequestTenant is the tenant carried by the tool request
	RequestTenant string
	// TenantColumn must appear in the statement when set
	TenantColumn string
	// RowEstimate is used when the statement has no LIMIT; 0 means unknown
	RowEstimate int
}

// Policy is the subset of the policy asset the classifier needs
type Policy struct {
	ReadOnly      bool
	RequireTenant bool
	MaxRows       int
}

// Verdict is the classification result
type Verdict struct {
	Allowed       bool     `json:"allowed"`
	Class         Class    `json:"class"`
	Reasons       []string `json:"reasons,omitempty"`
	EstimatedRows int      `json:"estimated_rows,omitempty"`
}

// Validate classifies req under policy. Schema and permission mutation
// vocabulary anywhere in the text, comments and literals included, is
// always denied.
func Validate(req Request, policy Policy) Verdict {
	tokens, statements := scan(req.Statement)
	if len(tokens) == 0 {
		return Verdict{Class: ClassEmpty, Reasons: []string{ReasonEmpty}}
	}

	class := ClassRead
	for _, tok := range tokens {
		switch {
		case ddlKeywords[tok]:
			return Verdict{Class: ClassDDL, Reasons: []string{ReasonDDL}}
		case dclKeywords[tok]:
			class = ClassDCL
		case dmlKeywords[tok] && class == ClassRead:
			class = ClassWrite
		}
	}
	if class == ClassDCL {
		return Verdict{Class: ClassDCL, Reasons: []string{ReasonDCL}}
	}

	v := Verdict{Class: class}
	if class == ClassWrite && policy.ReadOnly {
		v.Reasons = append(v.Reasons, ReasonWrite)
	}
	if statements > 1 {
		v.Reasons = append(v.Reasons, ReasonMultiStatement)
	}

	if policy.RequireTenant {
		switch {
		case req.CallerTenant == "":
			v.Reasons = append(v.Reasons, ReasonTenantMissing)
		case req.RequestTenant != "" && req.RequestTenant != req.CallerTenant:
			v.Reasons = append(v.Reasons, ReasonTenantMismatch)
		case req.TenantColumn != "" && !containsToken(tokens, upper(req.TenantColumn)):
			v.Reasons = append(v.Reasons, ReasonTenantColumn)
		}
	}

	v.EstimatedRows = estimateRows(tokens, req.RowEstimate)
	if policy.MaxRows > 0 && v.EstimatedRows > policy.MaxRows {
		v.Reasons = append(v.Reasons, fmt.Sprintf("estimated rows %d exceed limit %d", v.EstimatedRows, policy.MaxRows))
	}

	v.Allowed = len(v.Reasons) == 0
	return v
}

// scan splits text into upper-cased word tokens and counts statements.
// A statement separator only counts when something follows it.
func scan(text string) ([]string, int) {
	var tokens []string
	statements := 0
	pendingSeparator := false
	start := -1
	for i := 0; i <= len(text); i++ {
		if i < len(text) && isWordByte(text[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if statements == 0 || pendingSeparator {
				statements++
				pendingSeparator = false
			}
			tokens = append(tokens, upper(text[start:i]))
			start = -1
		}
		if i < len(text) && text[i] == ';' {
			pendingSeparator = true
		}
	}
	return tokens, statements
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// upper is ASCII-only so arbitrary bytes pass through untouched
func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func containsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

// estimateRows uses the largest LIMIT in the statement, falling back to
// the caller's estimate. A small LIMIT inside a subquery does not bound the
// outer result.
func estimateRows(tokens []string, fallback int) int {
	best := 0
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i] != "LIMIT" && tokens[i] != "TOP" && tokens[i] != "FIRST" {
			continue
		}
		n, err := strconv.Atoi(tokens[i+1])
		if err != nil || n < 0 {
			continue
		}
		if n > best {
			best = n
		}
	}
	if best > 0 {
		return best
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
