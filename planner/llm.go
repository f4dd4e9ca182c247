package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/plan"
)

// DefaultPromptTemplate is used when no planner prompt asset is published
const DefaultPromptTemplate = `Tenant: {{.Tenant}}
Question: {{.Question}}
{{if .ForcedIntent}}Intent must be: {{.ForcedIntent}}
{{end}}Tools:
{{.ToolsJSON}}
{{if .SchemaJSON}}Schema:
{{.SchemaJSON}}
{{end}}{{if .HistoryJSON}}Earlier attempts:
{{.HistoryJSON}}
{{end}}Reply with one JSON object: {"kind":"direct","direct":{"text":...}} or
{"kind":"plan","plan":{"intent":...,"tool_requests":[{"id":...,"tool_id":...,"params":{...}}]}} or
{"kind":"reject","reject":{"reason":...}}. No prose.`

const defaultSystemPrompt = "You plan read-only operations queries. Answer with JSON only."

// PromptData is what planner prompt templates see
type PromptData struct {
	Question     string
	Tenant       string
	ForcedIntent string
	ToolsJSON    string
	SchemaJSON   string
	HistoryJSON  string
}

// LLMPlanner asks a language model for the plan outcome. The reply is
// decoded strictly; anything that is not exactly one outcome is an error.
type LLMPlanner struct {
	client core.AIClient
	model  string
	logger core.Logger
}

// NewLLMPlanner creates a planner backed by client
func NewLLMPlanner(client core.AIClient, model string, logger core.Logger) *LLMPlanner {
	return &LLMPlanner{
		client: client,
		model:  model,
		logger: core.ComponentLogger(logger, "llm_planner"),
	}
}

// Plan implements plan.Planner
func (p *LLMPlanner) Plan(ctx context.Context, question string, pc plan.Context) (*plan.Outcome, error) {
	prompt, system, err := p.render(question, pc)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:        p.model,
		Temperature:  0,
		SystemPrompt: system,
	})
	if err != nil {
		return nil, fmt.Errorf("planner model call: %w", err)
	}

	outcome, err := DecodeStrict(resp.Content)
	if err != nil {
		p.logger.Warn("Planner reply rejected", map[string]interface{}{
			"operation": "plan",
			"tenant":    pc.Tenant,
			"model":     resp.Model,
			"error":     err.Error(),
		})
		return nil, err
	}
	return outcome, nil
}

func (p *LLMPlanner) render(question string, pc plan.Context) (string, string, error) {
	text, system := DefaultPromptTemplate, defaultSystemPrompt
	if pc.Prompt != nil && pc.Prompt.Template != "" {
		text = pc.Prompt.Template
		if pc.Prompt.System != "" {
			system = pc.Prompt.System
		}
	}

	data := PromptData{Question: question, Tenant: pc.Tenant, ForcedIntent: pc.ForcedIntent}
	var err error
	if data.ToolsJSON, err = compactJSON(pc.Tools); err != nil {
		return "", "", err
	}
	if pc.Schema != nil {
		if data.SchemaJSON, err = compactJSON(pc.Schema); err != nil {
			return "", "", err
		}
	}
	if len(pc.PriorHistory) > 0 {
		if data.HistoryJSON, err = compactJSON(pc.PriorHistory); err != nil {
			return "", "", err
		}
	}

	tmpl, err := template.New("planner").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", "", fmt.Errorf("%w: planner prompt: %v", core.ErrInvalidConfiguration, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render planner prompt: %w", err)
	}
	return buf.String(), system, nil
}

// DecodeStrict parses a model reply into an outcome. One surrounding code
// fence is tolerated; unknown fields and trailing data are not.
func DecodeStrict(reply string) (*plan.Outcome, error) {
	body := strings.TrimSpace(reply)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var o plan.Outcome
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("decode planner reply: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode planner reply: trailing data after outcome")
	}
	if err := o.Check(); err != nil {
		return nil, err
	}
	return &o, nil
}

func compactJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode planner context: %w", err)
	}
	return string(data), nil
}
