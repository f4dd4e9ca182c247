package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/orchestration"
	"github.com/itsneelabh/opsquery/resilience"
	"github.com/itsneelabh/opsquery/telemetry"
	"github.com/itsneelabh/opsquery/tool"
)

// QueryBody is the body of POST /v1/query
type QueryBody struct {
	Question     string         `json:"question"`
	Mode         string         `json:"mode,omitempty"`
	Intent       string         `json:"intent,omitempty"`
	ToolRequests []tool.Request `json:"tool_requests,omitempty"`
	Scope        []string       `json:"scope,omitempty"`
}

// TestRunBody is the body of POST /v1/test-runs
type TestRunBody struct {
	QueryBody
	Overrides []audit.Override `json:"overrides"`
}

// TraceList is the body of GET /v1/traces
type TraceList struct {
	Traces []audit.Summary `json:"traces"`
}

// BreakerList is the body of GET /v1/breakers
type BreakerList struct {
	Scope    string                       `json:"scope"`
	Breakers []resilience.BreakerSnapshot `json:"breakers"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var body QueryBody
	if !s.decode(w, r, &body) {
		return
	}
	s.run(w, r, body.request(r), http.StatusOK)
}

func (s *Server) testRun(w http.ResponseWriter, r *http.Request) {
	var body TestRunBody
	if !s.decode(w, r, &body) {
		return
	}
	req := body.QueryBody.request(r)
	req.Overrides = body.Overrides
	s.run(w, r, req, http.StatusCreated)
}

// run executes req. Pipeline outcomes, including failures, are reported
// in the response body; only a run whose trace could not be opened is
// a 503.
func (s *Server) run(w http.ResponseWriter, r *http.Request, req orchestration.Request, okStatus int) {
	resp := s.orch.Run(r.Context(), req)
	if resp.TraceID == "" {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	w.Header().Set(TraceHeader, resp.TraceID)
	writeJSON(w, okStatus, resp)
}

func (b QueryBody) request(r *http.Request) orchestration.Request {
	return orchestration.Request{
		Question:     b.Question,
		Tenant:       strings.TrimSpace(r.Header.Get(TenantHeader)),
		Mode:         b.Mode,
		Intent:       b.Intent,
		ToolRequests: b.ToolRequests,
		Scope:        b.Scope,
	}
}

func (s *Server) listTraces(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	traces, err := s.orch.Recorder().List(r.Context(), f)
	if err != nil {
		s.fail(w, r, "list_traces", err)
		return
	}
	if traces == nil {
		traces = []audit.Summary{}
	}
	writeJSON(w, http.StatusOK, TraceList{Traces: traces})
}

func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.Recorder().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get_trace", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.replayer.Replay(r.Context(), id)
	if err != nil {
		s.fail(w, r, "replay", err)
		return
	}
	w.Header().Set(TraceHeader, result.Response.TraceID)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) breakers(w http.ResponseWriter, r *http.Request) {
	set := s.orch.Executor().Breakers()
	snaps := set.Snapshots()
	if snaps == nil {
		snaps = []resilience.BreakerSnapshot{}
	}
	writeJSON(w, http.StatusOK, BreakerList{Scope: string(set.Scope()), Breakers: snaps})
}

func (s *Server) resetBreakers(w http.ResponseWriter, r *http.Request) {
	s.orch.Executor().Breakers().Reset()
	s.logger.Info("Breakers reset", telemetry.LogFields(r.Context(), map[string]interface{}{
		"operation": "reset_breakers",
	}))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// fail maps store and replay errors onto HTTP statuses
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case core.IsConfigurationError(err):
		writeError(w, http.StatusUnprocessableEntity, "invalid_trace", err.Error(), nil)
	case errors.Is(err, core.ErrConnectionFailed):
		telemetry.RecordSpanError(r.Context(), err)
		s.logger.Error("Trace store unavailable", telemetry.LogFields(r.Context(), map[string]interface{}{
			"operation": op,
			"error":     err.Error(),
		}))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	default:
		telemetry.RecordSpanError(r.Context(), err)
		s.logger.Error("Request failed", telemetry.LogFields(r.Context(), map[string]interface{}{
			"operation": op,
			"error":     err.Error(),
		}))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", map[string]interface{}{"error": err.Error()})
	}
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Route:  q.Get("route"),
		Status: audit.Status(q.Get("status")),
		Tenant: q.Get("tenant"),
	}
	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}
