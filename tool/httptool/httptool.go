// Package httptool is a JSON GET tool against a configured HTTP API
package httptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/telemetry"
	"github.com/itsneelabh/opsquery/tool"
)

const maxBodyBytes = 8 << 20

// Tool calls GET {BaseURL}{Path}. Path segments like {unit} are filled
// from params; remaining params go into the query string.
type Tool struct {
	cfg    core.HTTPToolConfig
	client *http.Client
	logger core.Logger
}

// Option configures a Tool
type Option func(*Tool)

// WithHTTPClient replaces the traced default client
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) {
		t.client = c
	}
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(t *Tool) {
		t.logger = core.ComponentLogger(logger, "httptool")
	}
}

// New creates the tool. The default client propagates trace context.
func New(cfg core.HTTPToolConfig, opts ...Option) (*Tool, error) {
	if cfg.ID == "" || cfg.BaseURL == "" {
		return nil, core.NewFrameworkError("httptool.New", "tool", fmt.Errorf("%w: http tool needs id and base_url", core.ErrMissingConfiguration))
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, core.NewFrameworkError("httptool.New", "tool", fmt.Errorf("%w: base_url: %v", core.ErrInvalidConfiguration, err))
	}
	t := &Tool{
		cfg:    cfg,
		client: telemetry.NewTracedHTTPClient(nil, 30*time.Second),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Descriptor returns the capability descriptor
func (t *Tool) Descriptor() tool.Descriptor {
	required := make(map[string]bool, len(t.cfg.Required))
	for _, r := range t.cfg.Required {
		required[r] = true
	}
	params := make([]tool.ParamSpec, 0, len(t.cfg.Params))
	for _, p := range t.cfg.Params {
		params = append(params, tool.ParamSpec{Name: p, Type: tool.ParamAny, Required: required[p]})
	}
	return tool.Descriptor{
		ID:           t.cfg.ID,
		Description:  t.cfg.Description,
		Class:        tool.ClassHTTP,
		Params:       params,
		Cost:         1,
		TenantScoped: t.cfg.TenantColumn != "",
		TenantColumn: t.cfg.TenantColumn,
	}
}

// Invoke performs the request and decodes rows from the JSON body
func (t *Tool) Invoke(ctx context.Context, params map[string]interface{}, call tool.CallContext) (*tool.RawResult, error) {
	target, err := t.buildURL(params)
	if err != nil {
		return nil, tool.Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, tool.Fatal(err)
	}
	req.Header.Set("Accept", "application/json")
	if call.Tenant != "" {
		req.Header.Set("X-Tenant-ID", call.Tenant)
	}
	if call.RequestID != "" {
		req.Header.Set("X-Request-ID", call.RequestID)
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %v: %w", t.cfg.ID, err, tool.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %v: %w", t.cfg.ID, err, tool.ErrTransient)
	}
	if resp.StatusCode >= 300 {
		te := core.ToolErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(body)))
		te.Details = map[string]string{"tool_id": t.cfg.ID, "url": target}
		return nil, te
	}

	rows, err := decodeRows(body, t.cfg.RowsField)
	if err != nil {
		return nil, tool.Fatal(fmt.Errorf("%s: %w", t.cfg.ID, err))
	}

	t.logger.Debug("HTTP tool call completed", map[string]interface{}{
		"operation":  "http_get",
		"tool_id":    t.cfg.ID,
		"request_id": call.RequestID,
		"status":     resp.StatusCode,
		"rows":       len(rows),
	})
	return &tool.RawResult{
		Rows:       rows,
		References: []tool.Reference{{Kind: "api", ID: t.cfg.ID, URL: target}},
	}, nil
}

func (t *Tool) buildURL(params map[string]interface{}) (string, error) {
	path := t.cfg.Path
	query := url.Values{}
	for _, name := range t.cfg.Params {
		v, ok := params[name]
		if !ok || v == nil {
			continue
		}
		placeholder := "{" + name + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(fmt.Sprint(v)))
			continue
		}
		if list, ok := v.([]interface{}); ok {
			for _, item := range list {
				query.Add(name, fmt.Sprint(item))
			}
			continue
		}
		query.Set(name, fmt.Sprint(v))
	}
	if strings.Contains(path, "{") {
		return "", fmt.Errorf("unfilled path parameter in %q", path)
	}

	target := strings.TrimRight(t.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target, nil
}

// decodeRows accepts a top-level array, an object holding the array under
// field, or a single object. Scalars become {"value": v}.
func decodeRows(body []byte, field string) ([]tool.Row, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if obj, ok := doc.(map[string]interface{}); ok && field != "" {
		inner, ok := obj[field]
		if !ok {
			return []tool.Row{}, nil
		}
		doc = inner
	}

	switch v := doc.(type) {
	case nil:
		return []tool.Row{}, nil
	case []interface{}:
		rows := make([]tool.Row, 0, len(v))
		for _, item := range v {
			rows = append(rows, asRow(item))
		}
		return rows, nil
	case map[string]interface{}:
		return []tool.Row{v}, nil
	default:
		return nil, errors.New("response is not an object or array")
	}
}

func asRow(v interface{}) tool.Row {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return tool.Row{"value": v}
}
