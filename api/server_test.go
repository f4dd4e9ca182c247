package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/orchestration"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/resilience"
	"github.com/itsneelabh/opsquery/tool"
)

type fixture struct {
	assets *asset.MemoryStore
	store  audit.Store
	server *Server
	calls  int
}

func newFixture(t *testing.T, store audit.Store) *fixture {
	t.Helper()
	f := &fixture{assets: asset.NewMemoryStore(), store: store}

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.Descriptor{
		ID:     "alarms_api",
		Class:  tool.ClassHTTP,
		Params: []tool.ParamSpec{{Name: "window_hours", Type: tool.ParamInt}},
	}, tool.Func(func(ctx context.Context, params map[string]interface{}, call tool.CallContext) (*tool.RawResult, error) {
		f.calls++
		return &tool.RawResult{
			Rows:       []tool.Row{{"alarm": "high vibration", "unit": "gt1"}},
			References: []tool.Reference{{Kind: "table", ID: "alarms"}},
		}, nil
	})))

	breakers, err := resilience.NewBreakerSet(&resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}, resilience.ScopeGlobal)
	require.NoError(t, err)
	executor := tool.NewExecutor(registry, breakers, tool.WithRetry(&resilience.RetryConfig{MaxRetries: 0}))

	planner := plan.PlannerFunc(func(ctx context.Context, question string, pc plan.Context) (*plan.Outcome, error) {
		return plan.NewPlan(plan.Plan{
			Intent: "alarms",
			ToolRequests: []tool.Request{{
				ID: "r1", ToolID: "alarms_api", Params: map[string]interface{}{"window_hours": 6},
			}},
		}), nil
	})
	orch := orchestration.New(planner, f.assets, executor, audit.NewRecorder(store))
	f.server = NewServer(orch, WithCORS(DefaultCORSConfig("https://*.ops.example")))
	return f
}

func (f *fixture) publishPolicy(t *testing.T, p asset.PolicyContent) {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	ctx := context.Background()
	a, err := f.assets.SaveDraft(ctx, asset.TypePolicy, asset.DefaultScope, "default", data)
	require.NoError(t, err)
	_, err = f.assets.Publish(ctx, asset.TypePolicy, asset.DefaultScope, "default", a.Version)
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (f *fixture) ask(t *testing.T, tenant string) orchestration.Response {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/query", tenant, QueryBody{Question: "alarms in the last 6 hours"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp orchestration.Response
	decodeBody(t, rec, &resp)
	assert.Equal(t, resp.TraceID, rec.Header().Get(TraceHeader))
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestQuery(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	f.publishPolicy(t, asset.PolicyContent{MaxRowCount: 100})

	resp := f.ask(t, "plant-a")
	assert.Equal(t, "done", resp.Meta.Status)
	assert.Equal(t, []string{"alarms_api"}, resp.Meta.ToolsUsed)
	assert.Equal(t, orchestration.DataQualityPrimary, resp.Meta.DataQuality)
	assert.NotEmpty(t, resp.AnswerBlocks)
	assert.Equal(t, 1, f.calls)
}

func TestQueryOutcomesAreNotHTTPErrors(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())

	t.Run("missing tenant is rejected with a trace", func(t *testing.T) {
		f.publishPolicy(t, asset.PolicyContent{})
		resp := f.ask(t, "")
		assert.Equal(t, "rejected", resp.Meta.Status)
		assert.NotEmpty(t, resp.TraceID)
	})

	t.Run("pipeline failure is a 200 with status failed", func(t *testing.T) {
		g := newFixture(t, audit.NewMemoryStore())
		resp := g.ask(t, "plant-a")
		assert.Equal(t, "failed", resp.Meta.Status)
		assert.NotEmpty(t, resp.TraceID)
		assert.Equal(t, 0, g.calls)
	})
}

func TestQueryBadBody(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	for name, body := range map[string]string{
		"not json":      "{",
		"unknown field": `{"question":"q","tenant":"plant-a"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/query", "plant-a", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var env errorEnvelope
			decodeBody(t, rec, &env)
			assert.Equal(t, "bad_request", env.Error.Code)
		})
	}
}

func TestTestRunPinsOverriddenAssets(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	f.publishPolicy(t, asset.PolicyContent{MaxRowCount: 100})
	f.publishPolicy(t, asset.PolicyContent{MaxRowCount: 100, AllowedIntents: []string{"weather"}})

	rec := f.do(t, http.MethodPost, "/v1/test-runs", "plant-a", TestRunBody{
		QueryBody: QueryBody{Question: "alarms"},
		Overrides: []audit.Override{{Type: "policy", Name: "default", Version: 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp orchestration.Response
	decodeBody(t, rec, &resp)
	assert.Equal(t, "done", resp.Meta.Status)

	rec = f.do(t, http.MethodGet, "/v1/traces/"+resp.TraceID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tr audit.ExecutionTrace
	decodeBody(t, rec, &tr)
	assert.Equal(t, 1, tr.AppliedAssets["policy:default"])
	require.Len(t, tr.Overrides, 1)

	latest, err := f.assets.Get(context.Background(), asset.TypePolicy, asset.DefaultScope, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version, "test runs never change published assets")
}

func TestTraces(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	f.publishPolicy(t, asset.PolicyContent{})
	first := f.ask(t, "plant-a")
	f.ask(t, "plant-b")

	t.Run("list by tenant", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/traces?tenant=plant-a&status=done", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var list TraceList
		decodeBody(t, rec, &list)
		require.Len(t, list.Traces, 1)
		assert.Equal(t, first.TraceID, list.Traces[0].ID)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/traces?tenant=plant-z", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"traces":[]`)
	})

	t.Run("bad filters", func(t *testing.T) {
		for _, q := range []string{"from=yesterday", "to=2026-13-01", "limit=-1", "limit=ten"} {
			rec := f.do(t, http.MethodGet, "/v1/traces?"+q, "", nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/traces/"+first.TraceID, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var tr audit.ExecutionTrace
		decodeBody(t, rec, &tr)
		assert.Equal(t, "plant-a", tr.Tenant)
		assert.NotEmpty(t, tr.StageOutputs)
	})

	t.Run("unknown", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/traces/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestReplay(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	f.publishPolicy(t, asset.PolicyContent{})
	original := f.ask(t, "plant-a")

	rec := f.do(t, http.MethodPost, "/v1/traces/"+original.TraceID+"/replay", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Replay      audit.ExecutionTrace   `json:"replay"`
		Differences []audit.Difference     `json:"differences"`
		Response    orchestration.Response `json:"response"`
	}
	decodeBody(t, rec, &result)
	assert.Empty(t, result.Differences)
	assert.Equal(t, original.TraceID, result.Replay.ReplayOf)
	assert.Equal(t, result.Response.TraceID, rec.Header().Get(TraceHeader))
	assert.Equal(t, 2, f.calls)

	rec = f.do(t, http.MethodPost, "/v1/traces/nope/replay", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplayRejectedRequest(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	f.publishPolicy(t, asset.PolicyContent{})
	rejected := f.ask(t, "")
	require.Equal(t, "rejected", rejected.Meta.Status)

	rec := f.do(t, http.MethodPost, "/v1/traces/"+rejected.TraceID+"/replay", "", nil)
	// a rejected request still records its reject outcome, so it replays
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBreakers(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	f.publishPolicy(t, asset.PolicyContent{})

	rec := f.do(t, http.MethodGet, "/v1/breakers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"breakers":[]`)

	f.ask(t, "plant-a")
	rec = f.do(t, http.MethodGet, "/v1/breakers", "", nil)
	var list BreakerList
	decodeBody(t, rec, &list)
	assert.Equal(t, "global", list.Scope)
	require.Len(t, list.Breakers, 1)
	assert.Equal(t, "alarms_api", list.Breakers[0].Name)
	assert.Equal(t, "closed", list.Breakers[0].State)

	rec = f.do(t, http.MethodPost, "/v1/breakers/reset", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

type downStore struct{ audit.Store }

func (downStore) Create(context.Context, audit.Header) error {
	return errors.New("redis: " + core.ErrConnectionFailed.Error())
}

func (downStore) List(context.Context, audit.Filter) ([]audit.Summary, error) {
	return nil, core.NewFrameworkError("trace.list", "network", core.ErrConnectionFailed)
}

func TestTraceStoreDown(t *testing.T) {
	f := newFixture(t, downStore{audit.NewMemoryStore()})
	f.publishPolicy(t, asset.PolicyContent{})

	rec := f.do(t, http.MethodPost, "/v1/query", "plant-a", QueryBody{Question: "alarms"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp orchestration.Response
	decodeBody(t, rec, &resp)
	assert.Equal(t, "failed", resp.Meta.Status)
	require.NotEmpty(t, resp.AnswerBlocks)
	assert.Equal(t, plan.BlockDiagnostic, resp.AnswerBlocks[0].Type)
	assert.Equal(t, 0, f.calls)

	rec = f.do(t, http.MethodGet, "/v1/traces", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())

	req := httptest.NewRequest(http.MethodOptions, "/v1/query", nil)
	req.Header.Set("Origin", "https://console.ops.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.ops.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), TenantHeader)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"https://a.example", []string{"*"}, true},
		{"https://a.example", []string{"https://a.example"}, true},
		{"https://x.ops.example:8443", []string{"*.ops.example"}, true},
		{"https://ops.example.evil", []string{"*.ops.example"}, false},
		{"https://b.example", []string{"https://a.example"}, false},
		{"https://b.example", nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.origin, tt.allowed), tt.origin)
	}
}

func TestServeShutsDownWithContext(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.server.ListenAndServe(ctx, core.HTTPConfig{Address: "127.0.0.1:0", ShutdownTimeout: time.Second})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRecovererReturnsErrorEnvelope(t *testing.T) {
	h := recoverer(&core.NoOpLogger{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/traces", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Error.Code)
}
