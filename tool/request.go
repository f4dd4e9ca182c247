package tool

import (
	"fmt"
	"strings"
)

// Request is one tool call inside a plan
type Request struct {
	ID        string                 `json:"id"`
	ToolID    string                 `json:"tool_id"`
	Params    map[string]interface{} `json:"params"`
	DependsOn []string               `json:"depends_on,omitempty"`
	// InputFrom maps a parameter to "<requestID>.<column>" of a dependency
	InputFrom map[string]string `json:"input_from,omitempty"`
	Tenant    string            `json:"tenant,omitempty"`
}

// Clone returns a deep copy
func (r Request) Clone() Request {
	c := r
	c.Params = CloneParams(r.Params)
	if r.DependsOn != nil {
		c.DependsOn = append([]string(nil), r.DependsOn...)
	}
	if r.InputFrom != nil {
		c.InputFrom = make(map[string]string, len(r.InputFrom))
		for k, v := range r.InputFrom {
			c.InputFrom[k] = v
		}
	}
	return c
}

// Dependencies returns DependsOn plus every request named in InputFrom
func (r Request) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	for _, d := range r.DependsOn {
		add(d)
	}
	for _, src := range r.InputFrom {
		id, _, _ := SplitInputRef(src)
		add(id)
	}
	return deps
}

// SplitInputRef splits "<requestID>.<column>"
func SplitInputRef(ref string) (requestID, column string, err error) {
	i := strings.IndexByte(ref, '.')
	if i <= 0 || i == len(ref)-1 {
		return ref, "", fmt.Errorf("input reference %q must look like <request>.<column>", ref)
	}
	return ref[:i], ref[i+1:], nil
}

// CloneParams deep-copies a parameter map, including nested lists and maps
func CloneParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneParams(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
