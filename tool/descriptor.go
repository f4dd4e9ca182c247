// Package tool holds the tool registry and the executor that wraps every
// tool call with query safety validation, a per-tool circuit breaker, a
// timeout and retry with backoff.
package tool

import (
	"fmt"

	"github.com/itsneelabh/opsquery/core"
)

// Class groups tools by how they reach data
type Class string

const (
	ClassDataAccess Class = "data_access"
	ClassHTTP       Class = "http"
	ClassScript     Class = "script"
	ClassCompute    Class = "compute"
)

// ParamType is the declared type of a parameter
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamList   ParamType = "list"
	ParamAny    ParamType = "any"
)

// ParamSpec declares one accepted parameter
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Descriptor is the capability descriptor a tool registers with
type Descriptor struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Class       Class       `json:"class"`
	Params      []ParamSpec `json:"params"`
	SideEffects bool        `json:"side_effects"`
	// Cost is a relative hint used by planners, 1 is cheap
	Cost int `json:"cost,omitempty"`

	// TenantScoped tools only ever return the caller tenant's rows
	TenantScoped bool   `json:"tenant_scoped"`
	TenantColumn string `json:"tenant_column,omitempty"`

	// StatementParam names the parameter holding the query text of a
	// data_access tool
	StatementParam string `json:"statement_param,omitempty"`
}

// Validate checks the descriptor is self-consistent
func (d *Descriptor) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return &core.FrameworkError{
			Op:   "tool.Register",
			Kind: "tool",
			ID:   d.ID,
			Err:  fmt.Errorf("%w: %s", core.ErrInvalidConfiguration, fmt.Sprintf(format, args...)),
		}
	}

	if d.ID == "" {
		return fail("tool id is required")
	}
	switch d.Class {
	case ClassDataAccess, ClassHTTP, ClassScript, ClassCompute:
	default:
		return fail("unknown tool class %q", d.Class)
	}

	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return fail("parameter without a name")
		}
		if seen[p.Name] {
			return fail("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case ParamString, ParamInt, ParamNumber, ParamBool, ParamList, ParamAny:
		default:
			return fail("parameter %q has unknown type %q", p.Name, p.Type)
		}
	}

	if d.Class == ClassDataAccess {
		if d.StatementParam == "" || !seen[d.StatementParam] {
			return fail("data_access tools must declare their statement parameter")
		}
	}
	if d.TenantScoped && d.TenantColumn == "" {
		return fail("tenant scoped tools must name their tenant column")
	}
	return nil
}

// Param returns the spec for name
func (d *Descriptor) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}
