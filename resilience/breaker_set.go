package resilience

import (
	"sort"
	"sync"

	"github.com/itsneelabh/opsquery/core"
)

// BreakerScope decides how breakers are keyed.
type BreakerScope string

const (
	// ScopeGlobal shares one breaker per tool across all tenants
	ScopeGlobal BreakerScope = "global"
	// ScopeTenant isolates breakers per tenant and tool, so a noisy tenant
	// cannot open the breaker for everyone else
	ScopeTenant BreakerScope = "tenant"
)

// BreakerSet is the process-wide table of per-tool circuit breakers.
// Lookups are lock-free; each breaker synchronizes on its own mutex, so
// unrelated tools never contend.
type BreakerSet struct {
	template CircuitBreakerConfig
	scope    BreakerScope
	breakers sync.Map // map[string]*CircuitBreaker
}

// NewBreakerSet creates a breaker table. template supplies thresholds,
// timeout, logger, metrics and clock for every breaker created on demand.
func NewBreakerSet(template *CircuitBreakerConfig, scope BreakerScope) (*BreakerSet, error) {
	if template == nil {
		template = DefaultConfig()
	}
	check := *template
	if check.Name == "" {
		check.Name = "template"
	}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	if scope == "" {
		scope = ScopeGlobal
	}
	if scope != ScopeGlobal && scope != ScopeTenant {
		return nil, core.NewFrameworkError("NewBreakerSet", "config", core.ErrInvalidConfiguration)
	}
	return &BreakerSet{template: *template, scope: scope}, nil
}

// Scope returns the keying scope
func (s *BreakerSet) Scope() BreakerScope {
	return s.scope
}

// Key returns the breaker key for a tool call
func (s *BreakerSet) Key(toolID, tenant string) string {
	if s.scope == ScopeTenant && tenant != "" {
		return tenant + "/" + toolID
	}
	return toolID
}

// For returns the breaker guarding toolID for tenant, creating it on first use.
func (s *BreakerSet) For(toolID, tenant string) *CircuitBreaker {
	key := s.Key(toolID, tenant)
	if cb, ok := s.breakers.Load(key); ok {
		return cb.(*CircuitBreaker)
	}

	cfg := s.template
	cfg.Name = key
	cb, err := NewCircuitBreaker(&cfg)
	if err != nil {
		// The template was validated in NewBreakerSet
		panic(err)
	}
	actual, _ := s.breakers.LoadOrStore(key, cb)
	return actual.(*CircuitBreaker)
}

// Snapshots returns every known breaker, sorted by name
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	var out []BreakerSnapshot
	s.breakers.Range(func(_, value interface{}) bool {
		out = append(out, value.(*CircuitBreaker).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes every breaker. Used at shutdown and by operators.
func (s *BreakerSet) Reset() {
	s.breakers.Range(func(_, value interface{}) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
}
