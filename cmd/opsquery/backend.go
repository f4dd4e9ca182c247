package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/itsneelabh/opsquery"
	"github.com/itsneelabh/opsquery/api"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/orchestration"
	"github.com/itsneelabh/opsquery/telemetry"
)

// backend is what the query, trace, replay and breaker commands need.
// Breaker state lives in the serving process, so inspecting it is only
// meaningful against a remote API.
type backend interface {
	Ask(ctx context.Context, req orchestration.Request) (*orchestration.Response, error)
	Traces(ctx context.Context, f audit.Filter) ([]audit.Summary, error)
	Trace(ctx context.Context, id string) (*audit.ExecutionTrace, error)
	Replay(ctx context.Context, id string) (*orchestration.ReplayResult, error)
	Breakers(ctx context.Context) (*api.BreakerList, error)
	ResetBreakers(ctx context.Context) error
}

type localBackend struct {
	e *opsquery.Engine
}

func (b localBackend) Ask(ctx context.Context, req orchestration.Request) (*orchestration.Response, error) {
	return b.e.Ask(ctx, req), nil
}

func (b localBackend) Traces(ctx context.Context, f audit.Filter) ([]audit.Summary, error) {
	return b.e.Orchestrator.Recorder().List(ctx, f)
}

func (b localBackend) Trace(ctx context.Context, id string) (*audit.ExecutionTrace, error) {
	return b.e.Orchestrator.Recorder().Get(ctx, id)
}

func (b localBackend) Replay(ctx context.Context, id string) (*orchestration.ReplayResult, error) {
	return b.e.Replay(ctx, id)
}

func (b localBackend) Breakers(ctx context.Context) (*api.BreakerList, error) {
	return &api.BreakerList{Scope: string(b.e.Breakers.Scope()), Breakers: b.e.Breakers.Snapshots()}, nil
}

func (b localBackend) ResetBreakers(ctx context.Context) error {
	b.e.Breakers.Reset()
	return nil
}

// remoteBackend talks to a running API
type remoteBackend struct {
	base   string
	client *http.Client
}

func newRemote(base string) *remoteBackend {
	return &remoteBackend{
		base:   strings.TrimRight(base, "/"),
		client: telemetry.NewTracedHTTPClient(nil, 2*time.Minute),
	}
}

// apiError is the error envelope the API writes
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *remoteBackend) do(ctx context.Context, method, path string, header http.Header, body, out interface{}, ok ...int) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, rd)
	if err != nil {
		return err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	accepted := false
	for _, code := range ok {
		if resp.StatusCode == code {
			accepted = true
		}
	}
	if !accepted {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *remoteBackend) Ask(ctx context.Context, req orchestration.Request) (*orchestration.Response, error) {
	body := api.QueryBody{
		Question:     req.Question,
		Mode:         req.Mode,
		Intent:       req.Intent,
		ToolRequests: req.ToolRequests,
		Scope:        req.Scope,
	}
	header := http.Header{}
	if req.Tenant != "" {
		header.Set(api.TenantHeader, req.Tenant)
	}

	var resp orchestration.Response
	if len(req.Overrides) > 0 {
		err := r.do(ctx, http.MethodPost, "/v1/test-runs", header,
			api.TestRunBody{QueryBody: body, Overrides: req.Overrides}, &resp, http.StatusCreated)
		return &resp, err
	}
	// a 503 still carries the response with its diagnostic
	err := r.do(ctx, http.MethodPost, "/v1/query", header, body, &resp, http.StatusOK, http.StatusServiceUnavailable)
	return &resp, err
}

func (r *remoteBackend) Traces(ctx context.Context, f audit.Filter) ([]audit.Summary, error) {
	q := url.Values{}
	if f.Route != "" {
		q.Set("route", f.Route)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Tenant != "" {
		q.Set("tenant", f.Tenant)
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/traces"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list api.TraceList
	if err := r.do(ctx, http.MethodGet, path, nil, nil, &list, http.StatusOK); err != nil {
		return nil, err
	}
	return list.Traces, nil
}

func (r *remoteBackend) Trace(ctx context.Context, id string) (*audit.ExecutionTrace, error) {
	var t audit.ExecutionTrace
	if err := r.do(ctx, http.MethodGet, "/v1/traces/"+url.PathEscape(id), nil, nil, &t, http.StatusOK); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *remoteBackend) Replay(ctx context.Context, id string) (*orchestration.ReplayResult, error) {
	var res orchestration.ReplayResult
	if err := r.do(ctx, http.MethodPost, "/v1/traces/"+url.PathEscape(id)+"/replay", nil, nil, &res, http.StatusOK); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *remoteBackend) Breakers(ctx context.Context) (*api.BreakerList, error) {
	var list api.BreakerList
	if err := r.do(ctx, http.MethodGet, "/v1/breakers", nil, nil, &list, http.StatusOK); err != nil {
		return nil, err
	}
	return &list, nil
}

func (r *remoteBackend) ResetBreakers(ctx context.Context) error {
	return r.do(ctx, http.MethodPost, "/v1/breakers/reset", nil, nil, nil, http.StatusNoContent)
}
