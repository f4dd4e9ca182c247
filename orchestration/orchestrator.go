// Package orchestration runs the five-stage query pipeline: route and plan,
// validate, execute, compose and present. Every stage records its input
// and output to the execution trace, and the control loop decides after
// each stage whether a bounded replan is worth it.
package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/safety"
	"github.com/itsneelabh/opsquery/telemetry"
	"github.com/itsneelabh/opsquery/tool"
)

// Run modes
const (
	ModeAuto   = "auto"
	ModeDirect = "direct"
)

// Data quality indicators
const (
	DataQualityPrimary  = "primary"
	DataQualityFallback = "fallback"
)

// Request is one question to answer
type Request struct {
	Question string
	Tenant   string
	Mode     string
	// Intent preselects the intent in direct mode
	Intent string
	// ToolRequests, in direct mode, replace the planner entirely
	ToolRequests []tool.Request
	Scope        []string
	Overrides    []audit.Override
	ReplayOf     string
	// Planner replaces the configured planner for this run only
	Planner plan.Planner
}

// Meta summarizes a run
type Meta struct {
	Route       string   `json:"route"`
	ToolsUsed   []string `json:"tools_used"`
	ReplanCount int      `json:"replan_count"`
	DurationMS  int64    `json:"duration_ms"`
	Status      string   `json:"status"`
	DataQuality string   `json:"data_quality"`
	Truncated   bool     `json:"truncated"`
}

// Response is what Run returns. It always carries the trace id when the
// trace could be opened.
type Response struct {
	AnswerBlocks []plan.AnswerBlock `json:"answer_blocks"`
	TraceID      string             `json:"trace_id"`
	Meta         Meta               `json:"meta"`
}

// Config holds the orchestrator's asset names and defaults
type Config struct {
	PolicyName    string
	SchemaName    string
	PlannerPrompt string
	DefaultScreen string
	// Replan applies when a policy asset leaves a replan setting out
	Replan         ReplanLimits
	MaxConcurrency int
	DefaultMaxRows int
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		PolicyName:     "default",
		SchemaName:     "default",
		PlannerPrompt:  "planner",
		DefaultScreen:  "default",
		Replan:         ReplanLimits{MaxReplans: 2},
		MaxConcurrency: 8,
		DefaultMaxRows: DefaultMaxRows,
	}
}

// ConfigFromCore maps the service configuration onto orchestrator settings
func ConfigFromCore(c *core.Config) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	cfg.Replan = ReplanLimits{
		MaxReplans:    c.Replan.MaxReplans,
		MinInterval:   c.Replan.MinInterval,
		CoolingPeriod: c.Replan.CoolingPeriod,
	}
	for _, t := range c.Replan.AllowedTriggers {
		cfg.Replan.AllowedTriggers = append(cfg.Replan.AllowedTriggers, Trigger(t))
	}
	if c.Resilience.MaxConcurrency > 0 {
		cfg.MaxConcurrency = c.Resilience.MaxConcurrency
	}
	return cfg
}

// Orchestrator drives runs through the stage pipeline. It is safe for
// concurrent use; all per-run state lives in the run.
type Orchestrator struct {
	planner   plan.Planner
	assets    asset.Reader
	executor  *tool.Executor
	recorder  *audit.Recorder
	validator *Validator
	scheduler *Scheduler
	composer  *Composer
	loop      ControlLoop

	config    Config
	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = core.ComponentLogger(logger, "orchestrator")
	}
}

// WithTelemetry sets the span and metric sink
func WithTelemetry(t core.Telemetry) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.telemetry = t
		}
	}
}

// WithClock replaces time.Now, used by the control loop's interval rules
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithConfig replaces the default configuration
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.config = cfg
	}
}

// New creates an orchestrator
func New(planner plan.Planner, assets asset.Reader, executor *tool.Executor, recorder *audit.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:   planner,
		assets:    assets,
		executor:  executor,
		recorder:  recorder,
		config:    DefaultConfig(),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.validator = NewValidator(executor.Registry(), o.config.DefaultMaxRows)
	o.scheduler = NewScheduler(executor, o.config.MaxConcurrency, o.logger)
	o.composer = NewComposer(o.logger)
	return o
}

// Recorder returns the trace recorder runs are written to
func (o *Orchestrator) Recorder() *audit.Recorder {
	return o.recorder
}

// Executor returns the tool executor
func (o *Orchestrator) Executor() *tool.Executor {
	return o.executor
}

// Run answers one question. It never returns an error: invalid requests
// end REJECTED and unrecovered failures end FAILED, both with diagnostic
// blocks.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Response {
	start := o.now()
	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	r := &run{
		o:           o,
		req:         req,
		planner:     o.planner,
		storeCtx:    context.WithoutCancel(ctx),
		dataQuality: DataQualityPrimary,
		sources:     map[string]asset.SourceContent{},
		limits:      o.config.Replan,
	}
	if req.Planner != nil {
		r.planner = req.Planner
	}

	traceID, err := o.recorder.Begin(r.storeCtx, audit.BeginRequest{
		Tenant:    req.Tenant,
		Question:  req.Question,
		Mode:      req.Mode,
		Overrides: req.Overrides,
		ReplayOf:  req.ReplayOf,
	})
	if err != nil {
		o.logger.Error("Trace could not be opened", telemetry.LogFields(ctx, map[string]interface{}{
			"operation": "run",
			"tenant":    req.Tenant,
			"error":     err.Error(),
		}))
		span.RecordError(err)
		return &Response{
			AnswerBlocks: []plan.AnswerBlock{plan.DiagnosticBlock("trace_unavailable", plan.SeverityCritical, "execution trace could not be opened", err.Error())},
			Meta:         Meta{Status: string(audit.StatusFailed), DataQuality: DataQualityPrimary, ToolsUsed: []string{}},
		}
	}
	r.traceID = traceID
	span.SetAttribute("trace_id", traceID)
	span.SetAttribute("tenant", req.Tenant)

	o.logger.Info("Run started", telemetry.LogFields(ctx, map[string]interface{}{
		"operation": "run",
		"trace_id":  traceID,
		"tenant":    req.Tenant,
		"mode":      req.Mode,
	}))

	stage := plan.StageRoutePlan
	if problem := r.checkRequest(); problem != "" {
		stage = r.rejectRequest(ctx, problem)
	}
	for !stage.Terminal() {
		if err := ctx.Err(); err != nil {
			stage = r.fail("run_canceled", "run canceled", err.Error())
			break
		}
		stage = r.step(ctx, stage)
	}

	resp := r.finish(ctx, stage, start)
	span.SetAttribute("status", resp.Meta.Status)
	span.SetAttribute("replans", resp.Meta.ReplanCount)
	return resp
}

// step runs one stage inside its own span
func (r *run) step(ctx context.Context, stage plan.Stage) plan.Stage {
	o := r.o
	start := o.now()
	sctx, span := o.telemetry.StartSpan(ctx, "stage."+strings.ToLower(string(stage)))
	defer span.End()
	span.SetAttribute("stage", string(stage))
	span.SetAttribute("attempt", len(r.history))

	var next plan.Stage
	switch stage {
	case plan.StageRoutePlan:
		next = r.routePlan(sctx)
	case plan.StageValidate:
		next = r.validate(sctx)
	case plan.StageExecute:
		next = r.execute(sctx)
	case plan.StageCompose:
		next = r.compose(sctx)
	case plan.StagePresent:
		next = r.present(sctx)
	default:
		next = r.fail("unknown_stage", fmt.Sprintf("unknown stage %s", stage))
	}

	span.SetAttribute("next", string(next))
	o.telemetry.RecordMetric(telemetry.MetricStageDuration, float64(o.now().Sub(start).Milliseconds()), map[string]string{
		"stage": string(stage),
		"next":  string(next),
	})
	return next
}

// run is the state of one pipeline run
type run struct {
	o        *Orchestrator
	req      Request
	planner  plan.Planner
	traceID  string
	storeCtx context.Context
	binder   *AssetBinder

	policy    *asset.PolicyContent
	limits    ReplanLimits
	resolvers []asset.ResolverContent
	sources   map[string]asset.SourceContent
	mapping   *asset.MappingContent

	outcome    *plan.Outcome
	validated  *plan.ValidatedPlan
	results    []*tool.Result
	blocks     []plan.AnswerBlock
	notes      []plan.AnswerBlock
	pending    *audit.Patch
	revalidate bool

	history     []audit.ReplanEvent
	route       string
	toolsUsed   []string
	dataQuality string
	truncated   bool
}

// checkRequest returns a reason when the request cannot be run at all
func (r *run) checkRequest() string {
	switch {
	case strings.TrimSpace(r.req.Tenant) == "":
		return "tenant is required"
	case r.req.Mode != ModeAuto && r.req.Mode != ModeDirect:
		return fmt.Sprintf("unknown mode %q", r.req.Mode)
	case strings.TrimSpace(r.req.Question) == "" && len(r.req.ToolRequests) == 0:
		return "question is required"
	case r.req.Mode == ModeAuto && len(r.req.ToolRequests) > 0:
		return "tool requests are only accepted in direct mode"
	}
	binder, err := NewAssetBinder(r.o.assets, r.req.Tenant, r.req.Overrides)
	if err != nil {
		return err.Error()
	}
	r.binder = binder
	return ""
}

// rejectRequest records a ROUTE_PLAN pair holding the rejection so invalid
// requests leave the same trace shape as planner refusals
func (r *run) rejectRequest(ctx context.Context, reason string) plan.Stage {
	r.recordInput(ctx, plan.StageRoutePlan, r.routeInput())
	r.outcome = plan.NewReject(reason)
	r.setRoute(ctx, string(plan.KindReject))
	r.recordOutput(ctx, plan.StageRoutePlan, r.outcome, []string{reason}, nil, 0)
	r.notes = append(r.notes, plan.DiagnosticBlock("request_rejected", plan.SeverityCritical, reason))
	return plan.StageRejected
}

type routeInput struct {
	Question     string              `json:"question"`
	Mode         string              `json:"mode"`
	Intent       string              `json:"intent,omitempty"`
	Scope        []string            `json:"scope,omitempty"`
	Requested    []tool.Request      `json:"requested,omitempty"`
	PriorHistory []plan.HistoryEntry `json:"prior_history,omitempty"`
}

func (r *run) routeInput() routeInput {
	return routeInput{
		Question:     r.req.Question,
		Mode:         r.req.Mode,
		Intent:       r.req.Intent,
		Scope:        r.req.Scope,
		Requested:    r.req.ToolRequests,
		PriorHistory: r.priorHistory(),
	}
}

func (r *run) routePlan(ctx context.Context) plan.Stage {
	start := r.o.now()
	stage := plan.StageRoutePlan
	r.recordInput(ctx, stage, r.routeInput())

	used := map[string]int{}
	if err := r.loadPolicy(ctx, stage, used); err != nil {
		return r.fail("policy_unavailable", "policy could not be loaded", err.Error())
	}
	resolvers, err := r.binder.List(ctx, stage, asset.TypeResolver)
	if err != nil {
		return r.fail("asset_unavailable", "resolvers could not be loaded", err.Error())
	}
	r.resolvers = r.resolvers[:0]
	for _, a := range resolvers {
		var rc asset.ResolverContent
		if err := a.Decode(&rc); err != nil {
			return r.fail("asset_invalid", "resolver asset is invalid", err.Error())
		}
		r.resolvers = append(r.resolvers, rc)
		used[a.Key()] = a.Version
	}

	pc := plan.Context{
		Tenant:       r.req.Tenant,
		Resolvers:    r.resolvers,
		Tools:        r.o.executor.Registry().Descriptors(),
		PriorHistory: r.priorHistory(),
		Scope:        r.req.Scope,
		Requested:    r.req.ToolRequests,
	}
	var schema asset.SchemaCatalogContent
	if found, err := r.optional(r.binder.LoadInto(ctx, stage, asset.TypeSchemaCatalog, r.o.config.SchemaName, &schema, used)); err != nil {
		return r.fail("asset_unavailable", "schema catalog could not be loaded", err.Error())
	} else if found {
		pc.Schema = &schema
	}
	var prompt asset.PromptContent
	if found, err := r.optional(r.binder.LoadInto(ctx, stage, asset.TypePrompt, r.o.config.PlannerPrompt, &prompt, used)); err != nil {
		return r.fail("asset_unavailable", "planner prompt could not be loaded", err.Error())
	} else if found {
		pc.Prompt = &prompt
	}

	var outcome *plan.Outcome
	if r.req.Mode == ModeDirect && len(r.req.ToolRequests) > 0 {
		requests := make([]tool.Request, len(r.req.ToolRequests))
		for i, tr := range r.req.ToolRequests {
			requests[i] = tr.Clone()
		}
		outcome = plan.NewPlan(plan.Plan{Intent: r.req.Intent, Scope: r.req.Scope, ToolRequests: requests})
	} else {
		if r.req.Mode == ModeDirect {
			pc.ForcedIntent = r.req.Intent
		}
		outcome, err = r.planner.Plan(ctx, r.req.Question, pc)
		if err == nil && outcome == nil {
			err = fmt.Errorf("planner returned no outcome")
		}
	}
	if err == nil {
		err = outcome.Check()
	}
	if err != nil {
		r.recordOutput(ctx, stage, map[string]string{"error": err.Error()}, []string{err.Error()}, used, r.o.now().Sub(start))
		return r.fail("planner_failed", "planner did not return a usable plan", err.Error())
	}

	if r.pending != nil {
		patched, err := ApplyPatch(outcome, *r.pending)
		r.pending = nil
		if err != nil {
			r.recordOutput(ctx, stage, outcome, []string{err.Error()}, used, r.o.now().Sub(start))
			return r.fail("patch_failed", "replan patch could not be applied", err.Error())
		}
		outcome = patched
	}
	r.outcome = outcome
	r.setRoute(ctx, routeOf(outcome))
	r.recordOutput(ctx, stage, outcome, nil, used, r.o.now().Sub(start))

	switch outcome.Kind {
	case plan.KindReject:
		r.notes = append(r.notes, plan.DiagnosticBlock(diagCode(TriggerPlanRejected), plan.SeverityCritical, outcome.Reject.Reason))
		return plan.StageRejected
	case plan.KindDirect:
		return plan.StageValidate
	}

	signals := r.slotSignals(outcome.Plan)
	if len(signals) == 0 {
		return plan.StageValidate
	}
	d := r.evaluate(stage, signals)
	if d.Replan {
		r.recordReplan(ctx, stage, d)
		r.pending = &d.Patch
		return d.Candidate
	}
	return r.refuse(d, plan.StageValidate)
}

// slotSignals reports plan-level missing slots and required parameters
// the planner left empty
func (r *run) slotSignals(p *plan.Plan) []Signal {
	var signals []Signal
	if len(p.MissingSlots) > 0 {
		signals = append(signals, Signal{
			Trigger:   TriggerSlotMissing,
			Reason:    "missing slots: " + strings.Join(p.MissingSlots, ", "),
			Missing:   append([]string(nil), p.MissingSlots...),
			Patchable: true,
		})
	}
	for _, req := range p.ToolRequests {
		h, err := r.o.executor.Registry().Resolve(req.ToolID)
		if err != nil {
			continue
		}
		var missing []string
		for _, spec := range h.Descriptor.Params {
			if !spec.Required {
				continue
			}
			if _, wired := req.InputFrom[spec.Name]; wired {
				continue
			}
			if _, ref := req.Params[QueryRefParam]; ref && spec.Name == h.Descriptor.StatementParam {
				continue
			}
			if v, ok := req.Params[spec.Name]; !ok || v == nil || v == "" {
				missing = append(missing, spec.Name)
			}
		}
		if len(missing) > 0 {
			signals = append(signals, Signal{
				Trigger:   TriggerSlotMissing,
				Reason:    fmt.Sprintf("request %s is missing %s", req.ID, strings.Join(missing, ", ")),
				RequestID: req.ID,
				ToolID:    req.ToolID,
				Missing:   missing,
				Patchable: true,
			})
		}
	}
	return signals
}

func (r *run) validate(ctx context.Context) plan.Stage {
	start := r.o.now()
	stage := plan.StageValidate
	r.recordInput(ctx, stage, r.outcome)

	used := map[string]int{}
	if err := r.loadPolicy(ctx, stage, used); err != nil {
		return r.fail("policy_unavailable", "policy could not be loaded", err.Error())
	}

	if r.outcome.Kind == plan.KindDirect {
		decision, failure := r.o.validator.ValidateDirect(*r.outcome.Direct, *r.policy)
		if failure != nil {
			r.recordOutput(ctx, stage, map[string]interface{}{"policy_decision": failure.Decision()}, failure.Reasons, used, r.o.now().Sub(start))
			r.notes = append(r.notes, plan.DiagnosticBlock(diagCode(TriggerPolicyBlocked), plan.SeverityCritical, "direct answer blocked by policy", failure.Reasons...))
			return plan.StageRejected
		}
		r.recordOutput(ctx, stage, map[string]interface{}{"policy_decision": decision}, nil, used, r.o.now().Sub(start))
		for _, skipped := range []plan.Stage{plan.StageExecute, plan.StageCompose, plan.StagePresent} {
			r.recordSkipped(ctx, skipped, "direct answer")
		}
		r.blocks = []plan.AnswerBlock{plan.TextBlock("", r.outcome.Direct.Text)}
		return plan.StageDone
	}

	vp, failure := r.o.validator.Validate(*r.outcome.Plan, *r.policy, r.req.Tenant)
	if failure != nil {
		r.recordOutput(ctx, stage, map[string]interface{}{
			"policy_decision": failure.Decision(),
			"patchable":       failure.Patchable,
		}, failure.Reasons, used, r.o.now().Sub(start))

		d := r.evaluate(stage, []Signal{{
			Trigger:   TriggerPolicyBlocked,
			Reason:    strings.Join(failure.Reasons, "; "),
			Patchable: failure.Patchable,
		}})
		if d.Replan {
			if next := r.applyReplan(ctx, stage, d); next != "" {
				return next
			}
			return d.Candidate
		}
		return r.refuse(d, plan.StageFailed, failure.Reasons...)
	}

	r.validated = vp
	r.recordOutput(ctx, stage, vp, nil, used, r.o.now().Sub(start))
	return plan.StageExecute
}

// revalidateInline re-checks a plan patched by an EXECUTE-bound replan. It
// records a VALIDATE pair of its own.
func (r *run) revalidateInline(ctx context.Context) bool {
	start := r.o.now()
	stage := plan.StageValidate
	r.recordInput(ctx, stage, r.outcome)
	used := map[string]int{}
	if err := r.loadPolicy(ctx, stage, used); err != nil {
		r.fail("policy_unavailable", "policy could not be loaded", err.Error())
		return false
	}
	vp, failure := r.o.validator.Validate(*r.outcome.Plan, *r.policy, r.req.Tenant)
	if failure != nil {
		r.recordOutput(ctx, stage, map[string]interface{}{"policy_decision": failure.Decision()}, failure.Reasons, used, r.o.now().Sub(start))
		r.notes = append(r.notes, plan.DiagnosticBlock(diagCode(TriggerPolicyBlocked), plan.SeverityHigh, "patched plan failed validation", failure.Reasons...))
		return false
	}
	r.validated = vp
	r.recordOutput(ctx, stage, vp, nil, used, r.o.now().Sub(start))
	return true
}

func (r *run) execute(ctx context.Context) plan.Stage {
	if r.revalidate {
		r.revalidate = false
		if !r.revalidateInline(ctx) {
			return plan.StageFailed
		}
	}
	if r.validated == nil || !r.validated.Decision.Allowed {
		return r.fail("not_validated", "execute requires an allowed policy decision")
	}

	start := r.o.now()
	stage := plan.StageExecute
	r.recordInput(ctx, stage, r.validated)

	used := map[string]int{}
	requests := r.validated.Plan.ToolRequests
	for _, id := range r.validated.Plan.ToolIDs() {
		var src asset.SourceContent
		found, err := r.optional(r.binder.LoadInto(ctx, stage, asset.TypeSource, id, &src, used))
		if err != nil {
			return r.fail("asset_unavailable", "source asset could not be loaded", err.Error())
		}
		if found {
			r.sources[id] = src
			if src.DataQuality == DataQualityFallback {
				r.dataQuality = DataQualityFallback
			}
		}
	}
	queries := make(map[string]queryRef)
	for _, req := range requests {
		name, ok := req.Params[QueryRefParam].(string)
		if !ok {
			continue
		}
		var qc asset.QueryContent
		err := r.binder.LoadInto(ctx, stage, asset.TypeQuery, name, &qc, used)
		queries[req.ID] = queryRef{name: name, content: qc, err: err}
	}

	call := tool.CallContext{Tenant: r.req.Tenant, TraceID: r.traceID}
	results, err := r.o.scheduler.Run(ctx, requests, call, r.prepare(queries))
	if err != nil {
		r.recordOutput(ctx, stage, map[string]string{"error": err.Error()}, []string{err.Error()}, used, r.o.now().Sub(start))
		return r.fail("schedule_failed", "tool requests could not be scheduled", err.Error())
	}
	r.results = results
	r.noteToolsUsed(results)

	var diags []string
	for _, res := range results {
		for _, e := range res.Diagnostics.Errors {
			diags = append(diags, fmt.Sprintf("%s: %s", res.RequestID, e))
		}
	}
	r.recordOutput(ctx, stage, results, diags, used, r.o.now().Sub(start))

	signals, canceled := executeSignals(results)
	if canceled {
		return r.fail("run_canceled", "run canceled during tool execution")
	}
	if len(signals) == 0 {
		return plan.StageCompose
	}
	d := r.evaluate(stage, signals)
	if d.Replan {
		if next := r.applyReplan(ctx, stage, d); next != "" {
			return next
		}
		r.revalidate = true
		return d.Candidate
	}
	return r.refuse(d, plan.StageCompose)
}

type queryRef struct {
	name    string
	content asset.QueryContent
	err     error
}

// prepare resolves query asset references and derives the per-call policy
func (r *run) prepare(queries map[string]queryRef) PrepareFunc {
	limits := r.validated.Limits
	safetyPolicy := safetyPolicyOf(r.policy)
	registry := r.o.executor.Registry()

	return func(ctx context.Context, req tool.Request) (tool.Request, tool.ExecPolicy, *tool.Result) {
		policy := tool.ExecPolicy{
			Timeout: limits.Timeout(),
			MaxRows: limits.MaxRows,
			Safety:  safetyPolicy,
		}
		q, ok := queries[req.ID]
		if !ok {
			return req, policy, nil
		}
		if q.err != nil {
			return req, policy, tool.Failed(req.ID, req.ToolID, tool.FailureRejected, fmt.Sprintf("query asset %q: %v", q.name, q.err))
		}
		if q.content.ToolID != "" && q.content.ToolID != req.ToolID && r.sources[q.content.ToolID].FallbackTool != req.ToolID {
			return req, policy, tool.Failed(req.ID, req.ToolID, tool.FailureRejected,
				fmt.Sprintf("query asset %q belongs to tool %s", q.name, q.content.ToolID))
		}
		h, err := registry.Resolve(req.ToolID)
		if err != nil || h.Descriptor.StatementParam == "" {
			return req, policy, tool.Failed(req.ID, req.ToolID, tool.FailureRejected,
				fmt.Sprintf("tool %s does not take a statement", req.ToolID))
		}
		resolved := req.Clone()
		delete(resolved.Params, QueryRefParam)
		resolved.Params[h.Descriptor.StatementParam] = q.content.Statement
		policy.RowEstimate = q.content.RowEstimate
		return resolved, policy, nil
	}
}

// executeSignals maps results onto triggers. Skipped requests raise
// nothing of their own; the dependency that caused the skip does.
func executeSignals(results []*tool.Result) ([]Signal, bool) {
	var signals []Signal
	for _, res := range results {
		if res == nil || res.WasSkipped() {
			continue
		}
		reason := fmt.Sprintf("request %s: %s", res.RequestID, strings.Join(res.Diagnostics.Errors, "; "))
		sig := Signal{RequestID: res.RequestID, ToolID: res.ToolID, Reason: reason, Patchable: true}
		switch {
		case res.Status == tool.StatusEmpty:
			sig.Trigger = TriggerEmptyResult
			sig.Reason = fmt.Sprintf("request %s returned no rows", res.RequestID)
		case res.Status != tool.StatusError:
			continue
		case res.Failure == tool.FailureCanceled:
			return nil, true
		case res.Failure == tool.FailureRetryable:
			sig.Trigger = TriggerToolErrorRetryable
		case res.Failure == tool.FailureCircuitOpen:
			sig.Trigger = TriggerCircuitOpen
		default:
			sig.Trigger = TriggerToolErrorFatal
			sig.Patchable = false
		}
		signals = append(signals, sig)
	}
	return signals, false
}

func (r *run) compose(ctx context.Context) plan.Stage {
	start := r.o.now()
	stage := plan.StageCompose
	r.recordInput(ctx, stage, resultSummary(r.results))

	used := map[string]int{}
	p := r.outcome.Plan
	var mapping asset.MappingContent
	found, err := r.optional(r.binder.LoadInto(ctx, stage, asset.TypeMapping, viewOf(p), &mapping, used))
	if err != nil {
		return r.fail("asset_unavailable", "mapping could not be loaded", err.Error())
	}
	r.mapping = nil
	prompts := map[string]asset.PromptContent{}
	if found {
		r.mapping = &mapping
		for _, b := range mapping.Blocks {
			if b.Prompt == "" {
				continue
			}
			if _, loaded := prompts[b.Prompt]; loaded {
				continue
			}
			var pc asset.PromptContent
			if err := r.binder.LoadInto(ctx, stage, asset.TypePrompt, b.Prompt, &pc, used); err != nil {
				return r.fail("asset_unavailable", "prompt could not be loaded", err.Error())
			}
			prompts[b.Prompt] = pc
		}
	}

	out, err := r.o.composer.Compose(ComposeInput{
		Question: r.req.Question,
		Tenant:   r.req.Tenant,
		Plan:     p,
		Results:  r.results,
		Mapping:  r.mapping,
		Prompts:  prompts,
	})
	if err != nil {
		r.recordOutput(ctx, stage, map[string]string{"error": err.Error()}, []string{err.Error()}, used, r.o.now().Sub(start))
		return r.fail("compose_failed", "answer could not be composed", err.Error())
	}
	r.blocks = out.Blocks
	r.recordOutput(ctx, stage, out, nil, used, r.o.now().Sub(start))

	minEvidence := r.policy.MinEvidence
	if r.mapping != nil && r.mapping.MinEvidence > 0 {
		minEvidence = r.mapping.MinEvidence
	}
	if minEvidence <= 0 || out.Evidence >= minEvidence {
		return plan.StagePresent
	}
	d := r.evaluate(stage, []Signal{{
		Trigger:   TriggerLowEvidence,
		Reason:    fmt.Sprintf("%d references, %d required", out.Evidence, minEvidence),
		Patchable: true,
	}})
	if d.Replan {
		if next := r.applyReplan(ctx, stage, d); next != "" {
			return next
		}
		r.revalidate = true
		return d.Candidate
	}
	return r.refuse(d, plan.StagePresent)
}

func (r *run) present(ctx context.Context) plan.Stage {
	start := r.o.now()
	stage := plan.StagePresent
	blocks := append(append([]plan.AnswerBlock(nil), r.blocks...), r.notes...)
	r.recordInput(ctx, stage, map[string]int{"blocks": len(blocks)})

	used := map[string]int{}
	var screen asset.ScreenContent
	var screenPtr *asset.ScreenContent
	for _, name := range uniqueNames(viewOf(r.outcome.Plan), r.o.config.DefaultScreen) {
		found, err := r.optional(r.binder.LoadInto(ctx, stage, asset.TypeScreen, name, &screen, used))
		if err != nil {
			return r.fail("asset_unavailable", "screen could not be loaded", err.Error())
		}
		if found {
			screenPtr = &screen
			break
		}
	}

	out, report := Present(blocks, screenPtr)
	r.blocks = out
	r.notes = nil
	r.truncated = report.Truncated

	var diags []string
	if report.LimitExceeded {
		d := r.evaluate(stage, []Signal{{
			Trigger: TriggerPresentLimitExceeded,
			Reason:  fmt.Sprintf("%d blocks dropped by max_blocks", report.Dropped),
		}})
		diags = append(diags, d.Signal.Reason+": "+d.Reason)
	}
	r.recordOutput(ctx, stage, map[string]interface{}{"blocks": out, "report": report}, diags, used, r.o.now().Sub(start))
	return plan.StageDone
}

func (r *run) finish(ctx context.Context, stage plan.Stage, start time.Time) *Response {
	o := r.o
	status := audit.StatusDone
	var blocks []plan.AnswerBlock

	switch stage {
	case plan.StageDone:
		blocks = append(append(blocks, r.blocks...), r.notes...)
	case plan.StageRejected:
		status = audit.StatusRejected
		blocks = append(blocks, r.notes...)
	default:
		status = audit.StatusFailed
		blocks = append(blocks, r.partialBlocks()...)
		blocks = append(blocks, r.notes...)
		if plan.CountBlocks(blocks, plan.BlockDiagnostic) == 0 {
			blocks = append(blocks, plan.DiagnosticBlock("run_failed", plan.SeverityCritical, "run failed"))
		}
	}

	if err := o.recorder.Finalize(r.storeCtx, r.traceID, status); err != nil {
		o.logger.Warn("Trace could not be finalized", map[string]interface{}{
			"operation": "finalize_trace",
			"trace_id":  r.traceID,
			"error":     err.Error(),
		})
	}

	duration := o.now().Sub(start)
	toolsUsed := r.toolsUsed
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	resp := &Response{
		AnswerBlocks: blocks,
		TraceID:      r.traceID,
		Meta: Meta{
			Route:       r.route,
			ToolsUsed:   toolsUsed,
			ReplanCount: len(r.history),
			DurationMS:  duration.Milliseconds(),
			Status:      string(status),
			DataQuality: r.dataQuality,
			Truncated:   r.truncated,
		},
	}

	o.telemetry.RecordMetric(telemetry.MetricRuns, 1, map[string]string{
		"status": string(status),
		"route":  r.route,
	})
	fields := telemetry.LogFields(ctx, map[string]interface{}{
		"operation":    "run",
		"trace_id":     r.traceID,
		"tenant":       r.req.Tenant,
		"route":        r.route,
		"status":       string(status),
		"replans":      len(r.history),
		"tools_used":   toolsUsed,
		"data_quality": r.dataQuality,
		"duration_ms":  duration.Milliseconds(),
	})
	if status == audit.StatusFailed {
		o.logger.Warn("Run failed", fields)
	} else {
		o.logger.Info("Run finished", fields)
	}
	return resp
}

// partialBlocks composes whatever succeeded before a failure
func (r *run) partialBlocks() []plan.AnswerBlock {
	var ok []*tool.Result
	for _, res := range r.results {
		if res != nil && res.OK() && len(res.Rows) > 0 {
			ok = append(ok, res)
		}
	}
	if len(ok) == 0 {
		return nil
	}
	var p *plan.Plan
	if r.outcome != nil {
		p = r.outcome.Plan
	}
	out, err := r.o.composer.Compose(ComposeInput{
		Question: r.req.Question,
		Tenant:   r.req.Tenant,
		Plan:     p,
		Results:  ok,
		Mapping:  r.mapping,
	})
	if err != nil {
		out, err = r.o.composer.Compose(ComposeInput{Question: r.req.Question, Tenant: r.req.Tenant, Plan: p, Results: ok})
		if err != nil {
			return nil
		}
	}
	return out.Blocks
}

func (r *run) evaluate(stage plan.Stage, signals []Signal) Decision {
	var current *plan.Plan
	if r.outcome != nil {
		current = r.outcome.Plan
	}
	var policy asset.PolicyContent
	if r.policy != nil {
		policy = *r.policy
	}
	d := r.o.loop.Evaluate(EvalInput{
		Stage:     stage,
		Signals:   signals,
		Limits:    r.limits,
		History:   r.history,
		Now:       r.o.now(),
		Plan:      current,
		Policy:    policy,
		Resolvers: r.resolvers,
		Sources:   r.sources,
	})
	r.o.logger.Info("Control loop decision", map[string]interface{}{
		"operation": "control_loop",
		"trace_id":  r.traceID,
		"stage":     string(stage),
		"trigger":   string(d.Trigger),
		"replan":    d.Replan,
		"reason":    d.Reason,
	})
	return d
}

// applyReplan records an allowed decision and patches the current outcome.
// It returns a terminal stage when the patch cannot be applied.
func (r *run) applyReplan(ctx context.Context, stage plan.Stage, d Decision) plan.Stage {
	patched, err := ApplyPatch(r.outcome, d.Patch)
	if err != nil {
		return r.fail("patch_failed", "replan patch could not be applied", err.Error())
	}
	r.recordReplan(ctx, stage, d)
	r.outcome = patched
	return ""
}

func (r *run) recordReplan(ctx context.Context, stage plan.Stage, d Decision) {
	ev := d.Event(stage, r.o.now())
	if err := r.o.recorder.RecordReplan(r.storeCtx, r.traceID, ev); err != nil {
		r.warnRecord(ctx, "replan", err)
	}
	r.history = append(r.history, ev)
	if d.Patch.Kind == PatchFallbackTool {
		r.dataQuality = DataQualityFallback
	}
	r.o.telemetry.RecordMetric(telemetry.MetricReplans, 1, map[string]string{
		"trigger": string(d.Trigger),
		"stage":   string(stage),
	})
}

// refuse handles a decision that does not replan. Degradable triggers
// continue to next with a diagnostic; everything else fails the run.
func (r *run) refuse(d Decision, next plan.Stage, details ...string) plan.Stage {
	if d.Trigger.Degrades() {
		r.notes = append(r.notes, plan.DiagnosticBlock(diagCode(d.Trigger), d.Severity, d.Reason, d.Signal.Reason))
		return next
	}
	if len(details) == 0 {
		details = []string{d.Signal.Reason}
	}
	details = append(details, d.Reason)
	r.notes = append(r.notes, plan.DiagnosticBlock(diagCode(d.Trigger), plan.SeverityCritical, d.Signal.Reason, details...))
	return plan.StageFailed
}

func (r *run) fail(code, message string, details ...string) plan.Stage {
	r.notes = append(r.notes, plan.DiagnosticBlock(code, plan.SeverityCritical, message, details...))
	return plan.StageFailed
}

// loadPolicy loads the policy for stage; a missing policy is a
// configuration error
func (r *run) loadPolicy(ctx context.Context, stage plan.Stage, used map[string]int) error {
	var p asset.PolicyContent
	if err := r.binder.LoadInto(ctx, stage, asset.TypePolicy, r.o.config.PolicyName, &p, used); err != nil {
		return err
	}
	r.policy = &p
	r.limits = ResolveReplanLimits(r.o.config.Replan, p.Replan)
	return nil
}

// optional turns a not-found error into found=false
func (r *run) optional(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if core.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (r *run) priorHistory() []plan.HistoryEntry {
	var out []plan.HistoryEntry
	for _, ev := range r.history {
		entry := plan.HistoryEntry{Trigger: ev.Trigger, Reason: ev.Reason}
		if ev.Patch.Kind == PatchFillSlots {
			entry.Filled = map[string]interface{}{}
			for _, c := range ev.Patch.Changes {
				entry.Filled[c.Field] = c.After
			}
		}
		out = append(out, entry)
	}
	return out
}

func (r *run) noteToolsUsed(results []*tool.Result) {
	for _, res := range results {
		if res == nil || res.Attempts == 0 {
			continue
		}
		if !containsString(r.toolsUsed, res.ToolID) {
			r.toolsUsed = append(r.toolsUsed, res.ToolID)
		}
	}
}

func (r *run) setRoute(ctx context.Context, route string) {
	r.route = route
	if err := r.o.recorder.SetRoute(r.storeCtx, r.traceID, route); err != nil {
		r.warnRecord(ctx, "route", err)
	}
}

func (r *run) recordInput(ctx context.Context, stage plan.Stage, payload interface{}) {
	if _, err := r.o.recorder.RecordInput(r.storeCtx, r.traceID, audit.StageEntry{
		Stage:   string(stage),
		Attempt: len(r.history),
		Payload: payload,
	}); err != nil {
		r.warnRecord(ctx, string(stage), err)
	}
}

func (r *run) recordOutput(ctx context.Context, stage plan.Stage, payload interface{}, diags []string, used map[string]int, d time.Duration) {
	if _, err := r.o.recorder.RecordOutput(r.storeCtx, r.traceID, audit.StageEntry{
		Stage:       string(stage),
		Attempt:     len(r.history),
		Payload:     payload,
		Diagnostics: diags,
		Assets:      used,
		Duration:    d,
	}); err != nil {
		r.warnRecord(ctx, string(stage), err)
	}
}

func (r *run) recordSkipped(ctx context.Context, stage plan.Stage, reason string) {
	entry := audit.StageEntry{
		Stage:   string(stage),
		Attempt: len(r.history),
		Payload: map[string]string{"reason": reason},
		Skipped: true,
	}
	if _, err := r.o.recorder.RecordInput(r.storeCtx, r.traceID, entry); err != nil {
		r.warnRecord(ctx, string(stage), err)
	}
	if _, err := r.o.recorder.RecordOutput(r.storeCtx, r.traceID, entry); err != nil {
		r.warnRecord(ctx, string(stage), err)
	}
}

// warnRecord logs a trace write failure. The run goes on; the trace stays
// incomplete.
func (r *run) warnRecord(ctx context.Context, what string, err error) {
	r.o.logger.Warn("Trace record failed", telemetry.LogFields(ctx, map[string]interface{}{
		"operation": "record_trace",
		"trace_id":  r.traceID,
		"record":    what,
		"error":     err.Error(),
	}))
}

func safetyPolicyOf(p *asset.PolicyContent) safety.Policy {
	if p == nil {
		return safety.Policy{ReadOnly: true, RequireTenant: true}
	}
	return safety.Policy{ReadOnly: !p.Safety.AllowWrites, RequireTenant: p.Safety.RequireTenant}
}

func routeOf(o *plan.Outcome) string {
	if o.Kind == plan.KindPlan && o.Plan.Intent != "" {
		return o.Plan.Intent
	}
	return string(o.Kind)
}

// viewOf names the mapping and screen assets of a plan
func viewOf(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	if p.View != "" {
		return p.View
	}
	return p.Intent
}

func uniqueNames(names ...string) []string {
	var out []string
	for _, n := range names {
		if n != "" && !containsString(out, n) {
			out = append(out, n)
		}
	}
	return out
}

type resultStatus struct {
	RequestID string            `json:"request_id"`
	ToolID    string            `json:"tool_id"`
	Status    tool.Status       `json:"status"`
	Rows      int               `json:"rows"`
	Failure   tool.FailureClass `json:"failure"`
}

func resultSummary(results []*tool.Result) []resultStatus {
	out := make([]resultStatus, 0, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		out = append(out, resultStatus{
			RequestID: res.RequestID,
			ToolID:    res.ToolID,
			Status:    res.Status,
			Rows:      len(res.Rows),
			Failure:   res.Failure,
		})
	}
	return out
}

// diagCode turns a trigger name into a snake_case diagnostic code
func diagCode(t Trigger) string {
	var b strings.Builder
	for i, c := range string(t) {
		if 'A' <= c && c <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String()
}
