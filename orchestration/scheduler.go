package orchestration

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/tool"
)

// PrepareFunc turns a plan request into the call actually made. A non-nil
// result short-circuits the call and is used as the request's outcome.
type PrepareFunc func(ctx context.Context, r tool.Request) (tool.Request, tool.ExecPolicy, *tool.Result)

// Scheduler runs the tool requests of a validated plan level by level.
// Requests inside a level run concurrently up to maxConcurrency; a
// request whose inputs come from another request waits for it.
type Scheduler struct {
	executor       *tool.Executor
	maxConcurrency int
	logger         core.Logger
}

// NewScheduler creates a scheduler. maxConcurrency <= 0 means unbounded.
func NewScheduler(executor *tool.Executor, maxConcurrency int, logger core.Logger) *Scheduler {
	return &Scheduler{
		executor:       executor,
		maxConcurrency: maxConcurrency,
		logger:         core.ComponentLogger(logger, "scheduler"),
	}
}

// Run executes requests and returns one result per request in plan order.
// It only fails when the dependency graph is invalid; tool failures are
// encoded in the results.
func (s *Scheduler) Run(ctx context.Context, requests []tool.Request, call tool.CallContext, prepare PrepareFunc) ([]*tool.Result, error) {
	dag, err := buildRequestDAG(requests)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err)
	}

	results := make([]*tool.Result, len(requests))
	for levelNo, level := range dag.levels() {
		s.logger.Debug("Running request level", map[string]interface{}{
			"operation": "schedule_level",
			"trace_id":  call.TraceID,
			"level":     levelNo,
			"requests":  len(level),
		})

		g, gctx := errgroup.WithContext(ctx)
		if s.maxConcurrency > 0 {
			g.SetLimit(s.maxConcurrency)
		}
		for _, idx := range level {
			idx := idx
			// inputs are wired before the goroutine starts; earlier levels are complete
			req, skipped := wireInputs(requests[idx], dag, results)
			if skipped != nil {
				results[idx] = skipped
				continue
			}
			g.Go(func() error {
				results[idx] = s.runOne(gctx, req, call, prepare)
				return nil
			})
		}
		_ = g.Wait()
	}
	return results, nil
}

func (s *Scheduler) runOne(ctx context.Context, req tool.Request, call tool.CallContext, prepare PrepareFunc) *tool.Result {
	var policy tool.ExecPolicy
	if prepare != nil {
		var short *tool.Result
		req, policy, short = prepare(ctx, req)
		if short != nil {
			return short
		}
	}
	call.RequestID = req.ID
	call.RequestTenant = req.Tenant
	return s.executor.Execute(ctx, req.ToolID, call, req.Params, policy)
}

// wireInputs copies dependency columns into the request parameters. A
// single value is passed as a scalar, several as a list. A request whose
// dependency failed or produced nothing is skipped.
func wireInputs(req tool.Request, dag *requestDAG, results []*tool.Result) (tool.Request, *tool.Result) {
	for _, dep := range req.Dependencies() {
		r := results[dag.index[dep]]
		if r == nil || !r.OK() {
			return req, tool.Skipped(req.ID, req.ToolID, fmt.Sprintf("skipped: dependency %s failed", dep))
		}
		if len(r.Rows) == 0 {
			return req, tool.Skipped(req.ID, req.ToolID, fmt.Sprintf("skipped: dependency %s returned no rows", dep))
		}
	}
	if len(req.InputFrom) == 0 {
		return req, nil
	}

	wired := req.Clone()
	if wired.Params == nil {
		wired.Params = map[string]interface{}{}
	}
	for _, param := range sortedInputs(req.InputFrom) {
		depID, column, _ := tool.SplitInputRef(req.InputFrom[param])
		var values []interface{}
		for _, row := range results[dag.index[depID]].Rows {
			if v, ok := row[column]; ok && v != nil {
				values = append(values, v)
			}
		}
		switch len(values) {
		case 0:
			return req, tool.Skipped(req.ID, req.ToolID, fmt.Sprintf("skipped: dependency %s has no %s values", depID, column))
		case 1:
			wired.Params[param] = values[0]
		default:
			wired.Params[param] = values
		}
	}
	return wired, nil
}

func sortedInputs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
