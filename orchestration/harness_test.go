package orchestration

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/resilience"
	"github.com/itsneelabh/opsquery/tool"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires an orchestrator over in-memory stores
type harness struct {
	t        *testing.T
	clock    *fakeClock
	assets   *asset.MemoryStore
	registry *tool.Registry
	breakers *resilience.BreakerSet
	executor *tool.Executor
	recorder *audit.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	breakers, err := resilience.NewBreakerSet(&resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		Now:              clock.Now,
	}, resilience.ScopeGlobal)
	require.NoError(t, err)

	registry := tool.NewRegistry()
	retry := &resilience.RetryConfig{
		MaxRetries:   0,
		InitialDelay: time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
	return &harness{
		t:        t,
		clock:    clock,
		assets:   asset.NewMemoryStore(asset.WithClock(clock.Now)),
		registry: registry,
		breakers: breakers,
		executor: tool.NewExecutor(registry, breakers, tool.WithRetry(retry), tool.WithDefaultTimeout(time.Second), tool.WithExecutorClock(clock.Now)),
		recorder: audit.NewRecorder(audit.NewMemoryStore(), audit.WithRecorderClock(clock.Now)),
	}
}

// publish saves and publishes content, returning the version
func (h *harness) publish(t asset.Type, scope, name string, content interface{}) int {
	h.t.Helper()
	data, err := json.Marshal(content)
	require.NoError(h.t, err)
	ctx := context.Background()
	a, err := h.assets.SaveDraft(ctx, t, scope, name, data)
	require.NoError(h.t, err)
	_, err = h.assets.Publish(ctx, t, scope, name, a.Version)
	require.NoError(h.t, err)
	return a.Version
}

func (h *harness) policy(p asset.PolicyContent) int {
	return h.publish(asset.TypePolicy, asset.DefaultScope, "default", p)
}

func (h *harness) orchestrator(p plan.Planner, opts ...Option) *Orchestrator {
	return New(p, h.assets, h.executor, h.recorder, append([]Option{WithClock(h.clock.Now)}, opts...)...)
}

func (h *harness) trace(id string) *audit.ExecutionTrace {
	h.t.Helper()
	tr, err := h.recorder.Get(context.Background(), id)
	require.NoError(h.t, err)
	return tr
}

// countingTool records each invocation's params and answers with fn
type countingTool struct {
	calls  atomic.Int32
	mu     sync.Mutex
	params []map[string]interface{}
	fn     func(params map[string]interface{}, call tool.CallContext) (*tool.RawResult, error)
}

func (c *countingTool) Invoke(ctx context.Context, params map[string]interface{}, call tool.CallContext) (*tool.RawResult, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.params = append(c.params, params)
	c.mu.Unlock()
	return c.fn(params, call)
}

func (c *countingTool) Calls() int {
	return int(c.calls.Load())
}

func (c *countingTool) Param(i int, name string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.params) {
		return nil
	}
	return c.params[i][name]
}

func rowsResult(rows ...tool.Row) *tool.RawResult {
	return &tool.RawResult{Rows: rows, References: []tool.Reference{{Kind: "table", ID: "t"}}}
}

func fixedPlanner(o *plan.Outcome) plan.Planner {
	return plan.PlannerFunc(func(ctx context.Context, question string, pc plan.Context) (*plan.Outcome, error) {
		return o.Clone(), nil
	})
}

func intPtr(n int) *int { return &n }

func stageOutputs(tr *audit.ExecutionTrace, stage plan.Stage) []audit.StageRecord {
	var out []audit.StageRecord
	for _, r := range tr.StageOutputs {
		if r.Stage == string(stage) {
			out = append(out, r)
		}
	}
	return out
}

func blocksOfType(blocks []plan.AnswerBlock, t plan.BlockType) []plan.AnswerBlock {
	var out []plan.AnswerBlock
	for _, b := range blocks {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}
