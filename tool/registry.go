package tool

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/itsneelabh/opsquery/core"
)

// Handle is a resolved registry entry
type Handle struct {
	Descriptor Descriptor
	impl       Tool
}

// Tool returns the implementation, bypassing the executor
func (h *Handle) Tool() Tool {
	return h.impl
}

// ParamError lists every problem with a parameter map
type ParamError struct {
	ToolID   string
	Problems []string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.ToolID, strings.Join(e.Problems, "; "))
}

// ValidateParams checks names, required params and types against the descriptor
func (h *Handle) ValidateParams(params map[string]interface{}) error {
	var problems []string

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, ok := h.Descriptor.Param(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
			continue
		}
		if !typeMatches(spec.Type, params[name]) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s", name, spec.Type))
		}
	}
	for _, spec := range h.Descriptor.Params {
		if !spec.Required {
			continue
		}
		if v, ok := params[spec.Name]; !ok || v == nil || v == "" {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", spec.Name))
		}
	}

	if len(problems) > 0 {
		return &ParamError{ToolID: h.Descriptor.ID, Problems: problems}
	}
	return nil
}

func typeMatches(t ParamType, v interface{}) bool {
	if v == nil {
		return true
	}
	switch t {
	case ParamAny:
		return true
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamInt:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON numbers decode as float64
			return n == math.Trunc(n)
		}
		return false
	case ParamNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case ParamList:
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	}
	return false
}

// Registry maps tool ids to their descriptors and implementations.
// Tools are registered explicitly at startup; there is no reflection.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Handle)}
}

// Register adds a tool after validating its descriptor
func (r *Registry) Register(desc Descriptor, impl Tool) error {
	if impl == nil {
		return core.NewFrameworkError("tool.Register", "tool", fmt.Errorf("%w: implementation for %q is nil", core.ErrInvalidConfiguration, desc.ID))
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.ID]; exists {
		return &core.FrameworkError{Op: "tool.Register", Kind: "tool", ID: desc.ID, Err: core.ErrAlreadyExists}
	}
	desc.Params = append([]ParamSpec(nil), desc.Params...)
	r.tools[desc.ID] = &Handle{Descriptor: desc, impl: impl}
	return nil
}

// MustRegister registers a tool and panics on error
func (r *Registry) MustRegister(desc Descriptor, impl Tool) {
	if err := r.Register(desc, impl); err != nil {
		panic(fmt.Sprintf("failed to register tool: %v", err))
	}
}

// Resolve returns the handle for id
func (r *Registry) Resolve(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.tools[id]
	if !ok {
		return nil, &core.FrameworkError{Op: "tool.Resolve", Kind: "tool", ID: id, Err: core.ErrNotFound}
	}
	return h, nil
}

// Descriptors returns every registered descriptor sorted by id
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, h := range r.tools {
		out = append(out, h.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
