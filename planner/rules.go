// Package planner holds the plan.Planner implementations: deterministic
// regexp rules loaded from YAML, an LLM planner driven by a prompt asset,
// and a recorded planner used to replay traces.
package planner

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/tool"
)

// RequestTemplate is one tool request of a rule. String params of the
// form "${name}" are replaced by the named capture group.
type RequestTemplate struct {
	ID        string                 `yaml:"id"`
	ToolID    string                 `yaml:"tool_id"`
	Params    map[string]interface{} `yaml:"params"`
	DependsOn []string               `yaml:"depends_on"`
	InputFrom map[string]string      `yaml:"input_from"`
}

// Rule maps questions matching Pattern to exactly one of a plan, a direct
// answer or a rejection
type Rule struct {
	Name     string                 `yaml:"name"`
	Pattern  string                 `yaml:"pattern"`
	Intent   string                 `yaml:"intent"`
	View     string                 `yaml:"view"`
	Requests []RequestTemplate      `yaml:"requests"`
	Filters  map[string]interface{} `yaml:"filters"`
	Direct   string                 `yaml:"direct"`
	Reject   string                 `yaml:"reject"`

	re *regexp.Regexp
}

// RuleSet is the YAML document
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
	// Fallback is the rejection reason when no rule matches
	Fallback string `yaml:"fallback"`
}

// RulePlanner picks the first rule whose pattern matches the question
type RulePlanner struct {
	rules    []Rule
	fallback string
	logger   core.Logger
}

var placeholder = regexp.MustCompile(`^\$\{(\w+)\}$`)

// LoadRules reads a rule file
func LoadRules(path string, logger core.Logger) (*RulePlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read planner rules %s: %w", path, err)
	}
	return ParseRules(data, logger)
}

// ParseRules builds a planner from YAML
func ParseRules(data []byte, logger core.Logger) (*RulePlanner, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: planner rules: %v", core.ErrInvalidConfiguration, err)
	}
	return NewRulePlanner(set, logger)
}

// NewRulePlanner compiles set
func NewRulePlanner(set RuleSet, logger core.Logger) (*RulePlanner, error) {
	p := &RulePlanner{
		fallback: set.Fallback,
		logger:   core.ComponentLogger(logger, "rule_planner"),
	}
	if p.fallback == "" {
		p.fallback = "question is outside the supported operations domain"
	}
	for i, r := range set.Rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule_%d", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", core.ErrInvalidConfiguration, r.Name, err)
		}
		r.re = re

		kinds := 0
		if len(r.Requests) > 0 {
			kinds++
		}
		if r.Direct != "" {
			kinds++
		}
		if r.Reject != "" {
			kinds++
		}
		if kinds != 1 {
			return nil, fmt.Errorf("%w: rule %s must set exactly one of requests, direct, reject", core.ErrInvalidConfiguration, r.Name)
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// Plan implements plan.Planner
func (p *RulePlanner) Plan(ctx context.Context, question string, pc plan.Context) (*plan.Outcome, error) {
	for _, r := range p.rules {
		if pc.ForcedIntent != "" && r.Intent != pc.ForcedIntent {
			continue
		}
		m := r.re.FindStringSubmatch(question)
		if m == nil {
			continue
		}
		captures := map[string]string{}
		for i, name := range r.re.SubexpNames() {
			if name != "" && i < len(m) {
				captures[name] = strings.TrimSpace(m[i])
			}
		}
		p.logger.Debug("Planner rule matched", map[string]interface{}{
			"operation": "plan",
			"rule":      r.Name,
			"tenant":    pc.Tenant,
		})

		switch {
		case r.Direct != "":
			return plan.NewDirect(r.Direct), nil
		case r.Reject != "":
			return plan.NewReject(r.Reject), nil
		}
		return plan.NewPlan(r.build(captures, pc)), nil
	}
	if pc.ForcedIntent != "" {
		return plan.NewReject(fmt.Sprintf("no rule for intent %q matches the question", pc.ForcedIntent)), nil
	}
	return plan.NewReject(p.fallback), nil
}

// build instantiates the rule. Placeholders with no capture are left out
// of the params and reported as missing slots unless an earlier replan
// filled them.
func (r *Rule) build(captures map[string]string, pc plan.Context) plan.Plan {
	filled := map[string]interface{}{}
	for _, h := range pc.PriorHistory {
		for field, v := range h.Filled {
			// filled fields are "params.x" or "filters.x"
			filled[field[strings.LastIndex(field, ".")+1:]] = v
		}
	}

	out := plan.Plan{
		Intent:  r.Intent,
		View:    r.View,
		Scope:   pc.Scope,
		Filters: tool.CloneParams(r.Filters),
	}
	var missing []string
	for _, t := range r.Requests {
		req := tool.Request{
			ID:        t.ID,
			ToolID:    t.ToolID,
			Params:    map[string]interface{}{},
			DependsOn: append([]string(nil), t.DependsOn...),
			InputFrom: map[string]string{},
		}
		for k, v := range t.InputFrom {
			req.InputFrom[k] = v
		}
		for name, v := range t.Params {
			s, ok := v.(string)
			if !ok {
				req.Params[name] = v
				continue
			}
			sm := placeholder.FindStringSubmatch(s)
			if sm == nil {
				req.Params[name] = v
				continue
			}
			if c := captures[sm[1]]; c != "" {
				req.Params[name] = c
			} else if f, ok := filled[name]; ok {
				req.Params[name] = f
			} else if !containsName(missing, name) {
				missing = append(missing, name)
			}
		}
		out.ToolRequests = append(out.ToolRequests, req)
	}
	out.MissingSlots = missing
	return out
}

func containsName(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
