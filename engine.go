// Package opsquery wires the query orchestration engine from configuration:
// logger, telemetry, breaker table, tools, asset store, trace store and
// planner. Programs usually need only New, Engine.Serve and Engine.Close.
//
//	engine, err := opsquery.New(ctx, []core.Option{core.WithConfigFile("opsquery.yaml")})
//	if err != nil {
//	    return err
//	}
//	defer engine.Close(context.Background())
//	return engine.Serve(ctx)
package opsquery

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/itsneelabh/opsquery/ai"
	"github.com/itsneelabh/opsquery/api"
	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/orchestration"
	"github.com/itsneelabh/opsquery/plan"
	"github.com/itsneelabh/opsquery/planner"
	"github.com/itsneelabh/opsquery/resilience"
	"github.com/itsneelabh/opsquery/telemetry"
	"github.com/itsneelabh/opsquery/tool"
	"github.com/itsneelabh/opsquery/tool/httptool"
	"github.com/itsneelabh/opsquery/tool/sqltool"
)

// Engine is a fully wired orchestrator plus the resources it owns
type Engine struct {
	Config       *core.Config
	Logger       core.Logger
	Telemetry    core.Telemetry
	Assets       asset.Store
	AssetCache   *asset.CachedStore
	Traces       audit.Store
	Registry     *tool.Registry
	Breakers     *resilience.BreakerSet
	Executor     *tool.Executor
	Orchestrator *orchestration.Orchestrator

	provider *telemetry.Provider
	metrics  *resilience.OTelMetricsCollector
	closers  []io.Closer
}

// EngineOption adjusts wiring that does not come from configuration
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger  core.Logger
	planner plan.Planner
	tools   []registration
	logOut  io.Writer
}

type registration struct {
	desc tool.Descriptor
	impl tool.Tool
}

// WithEngineLogger replaces the configured production logger
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = logger }
}

// WithLogOutput redirects the production logger, the CLI sends it to stderr
func WithLogOutput(w io.Writer) EngineOption {
	return func(o *engineOptions) { o.logOut = w }
}

// WithPlanner replaces the configured planner
func WithPlanner(p plan.Planner) EngineOption {
	return func(o *engineOptions) { o.planner = p }
}

// WithTool registers an extra tool next to the configured ones
func WithTool(desc tool.Descriptor, impl tool.Tool) EngineOption {
	return func(o *engineOptions) { o.tools = append(o.tools, registration{desc: desc, impl: impl}) }
}

// New builds an engine. cfgOpts are applied over defaults and the
// environment, see core.NewConfig.
func New(ctx context.Context, cfgOpts []core.Option, opts ...EngineOption) (*Engine, error) {
	cfg, err := core.NewConfig(cfgOpts...)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg, opts...)
}

// NewWithConfig builds an engine from an already validated config. On
// error every resource opened so far is closed.
func NewWithConfig(ctx context.Context, cfg *core.Config, opts ...EngineOption) (e *Engine, err error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	e = &Engine{Config: cfg, Telemetry: &core.NoOpTelemetry{}}
	defer func() {
		if err != nil {
			_ = e.Close(context.WithoutCancel(ctx))
			e = nil
		}
	}()

	e.Logger = o.logger
	if e.Logger == nil {
		pl := core.NewProductionLogger(cfg.Logging, cfg.Name)
		if o.logOut != nil {
			pl.SetOutput(o.logOut)
		}
		e.Logger = pl
	}
	logger := core.ComponentLogger(e.Logger, "engine")

	if err = e.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if err = e.initBreakers(); err != nil {
		return nil, err
	}
	if err = e.initTools(ctx, o.tools); err != nil {
		return nil, err
	}
	if err = e.initAssets(ctx); err != nil {
		return nil, err
	}
	if err = e.initTraces(ctx); err != nil {
		return nil, err
	}

	p := o.planner
	if p == nil {
		if p, err = e.buildPlanner(ctx); err != nil {
			return nil, err
		}
	}

	recorder := audit.NewRecorder(e.Traces, audit.WithRecorderLogger(e.Logger))
	e.Orchestrator = orchestration.New(p, e.Assets, e.Executor, recorder,
		orchestration.WithLogger(e.Logger),
		orchestration.WithTelemetry(e.Telemetry),
		orchestration.WithConfig(orchestration.ConfigFromCore(cfg)),
	)

	logger.Info("Engine ready", map[string]interface{}{
		"operation":    "engine_init",
		"tools":        len(e.Registry.Descriptors()),
		"asset_store":  cfg.Assets.Store,
		"trace_store":  cfg.Trace.Store,
		"planner":      cfg.Planner.Kind,
		"breaker_mode": cfg.Resilience.CircuitBreaker.Scope,
		"version":      core.Version,
	})
	return e, nil
}

func (e *Engine) initTelemetry(ctx context.Context) error {
	if !e.Config.Telemetry.Enabled {
		return nil
	}
	provider, err := telemetry.NewProvider(ctx, e.Config.Telemetry)
	if err != nil {
		return err
	}
	e.provider = provider
	e.Telemetry = provider
	e.metrics = resilience.NewOTelMetricsCollector(context.WithoutCancel(ctx))
	return nil
}

func (e *Engine) initBreakers() error {
	deps := resilience.ResilienceDependencies{Logger: e.Logger}
	if e.metrics != nil {
		deps.Metrics = e.metrics
	}
	set, err := resilience.NewBreakerSetFromConfig(e.Config.Resilience.CircuitBreaker, deps)
	if err != nil {
		return err
	}
	e.Breakers = set
	if e.metrics != nil {
		if err := e.metrics.RegisterStateGauge(set); err != nil {
			e.Logger.Warn("Breaker state gauge unavailable", map[string]interface{}{
				"operation": "engine_init",
				"error":     err.Error(),
			})
		}
	}
	return nil
}

func (e *Engine) initTools(ctx context.Context, extra []registration) error {
	e.Registry = tool.NewRegistry()
	for _, sc := range e.Config.Tools.SQL {
		t, err := sqltool.Open(ctx, sc, sqltool.WithLogger(e.Logger))
		if err != nil {
			return err
		}
		e.closers = append(e.closers, t)
		if err := e.Registry.Register(t.Descriptor(sc.Description), t); err != nil {
			return err
		}
	}
	for _, hc := range e.Config.Tools.HTTP {
		t, err := httptool.New(hc, httptool.WithLogger(e.Logger))
		if err != nil {
			return err
		}
		if err := e.Registry.Register(t.Descriptor(), t); err != nil {
			return err
		}
	}
	for _, r := range extra {
		if err := e.Registry.Register(r.desc, r.impl); err != nil {
			return err
		}
	}

	res := e.Config.Resilience
	e.Executor = tool.NewExecutor(e.Registry, e.Breakers,
		tool.WithLogger(e.Logger),
		tool.WithTelemetry(e.Telemetry),
		tool.WithRetry(resilience.RetryConfigFrom(res.Retry)),
		tool.WithDefaultTimeout(res.ToolTimeout),
	)
	return nil
}

func (e *Engine) initAssets(ctx context.Context) error {
	var backend asset.Store
	switch e.Config.Assets.Store {
	case "sqlite":
		s, err := asset.OpenSQLite(ctx, e.Config.Assets.Path, asset.WithSQLiteLogger(e.Logger))
		if err != nil {
			return err
		}
		e.closers = append(e.closers, s)
		backend = s
	default:
		backend = asset.NewMemoryStore(asset.WithMemoryLogger(e.Logger))
	}
	e.AssetCache = asset.NewCachedStore(backend, e.Config.Assets.CacheTTL, 0)
	e.Assets = e.AssetCache

	if dir := e.Config.Assets.Dir; dir != "" {
		results, err := asset.ImportDir(ctx, e.Assets, dir)
		if err != nil {
			return fmt.Errorf("import asset bundles from %s: %w", dir, err)
		}
		e.Logger.Info("Asset bundles imported", map[string]interface{}{
			"operation": "asset_import",
			"dir":       dir,
			"assets":    len(results),
		})
	}
	return nil
}

func (e *Engine) initTraces(ctx context.Context) error {
	if e.Config.Trace.Store != "redis" {
		e.Traces = audit.NewMemoryStore()
		return nil
	}
	client, err := core.NewRedisClient(ctx, core.RedisClientOptions{
		RedisURL: e.Config.Redis.URL,
		Logger:   e.Logger,
	})
	if err != nil {
		return err
	}
	store := audit.NewRedisStore(client,
		audit.WithKeyPrefix(e.Config.Redis.KeyPrefix),
		audit.WithTTL(e.Config.Trace.TTL),
		audit.WithErrorTTL(e.Config.Trace.ErrorTTL),
		audit.WithRedisLogger(e.Logger),
		audit.WithWriteRetry(resilience.RetryConfigFrom(e.Config.Resilience.Retry)),
	)
	e.closers = append(e.closers, store)
	e.Traces = store
	return nil
}

func (e *Engine) buildPlanner(ctx context.Context) (plan.Planner, error) {
	pc := e.Config.Planner
	switch pc.Kind {
	case "llm":
		if pc.Provider == "bedrock" {
			model := pc.Model
			// the default model name is an OpenAI one
			if model == core.DefaultConfig().Planner.Model {
				model = ai.DefaultBedrockModel
			}
			client, err := ai.NewBedrockClient(ctx, ai.BedrockOptions{
				Region:      pc.Region,
				Model:       model,
				Credentials: pc.APIKey,
				Endpoint:    pc.BaseURL,
				Logger:      e.Logger,
				Telemetry:   e.Telemetry,
			})
			if err != nil {
				return nil, err
			}
			return planner.NewLLMPlanner(client, model, e.Logger), nil
		}
		client := ai.NewClient(pc.APIKey,
			ai.WithBaseURL(pc.BaseURL),
			ai.WithModel(pc.Model),
			ai.WithLogger(e.Logger),
			ai.WithTelemetry(e.Telemetry),
			ai.WithRetry(resilience.RetryConfigFrom(e.Config.Resilience.Retry)),
		)
		return planner.NewLLMPlanner(client, pc.Model, e.Logger), nil
	default:
		if pc.RulesFile == "" {
			e.Logger.Warn("No planner rules configured, every question will be rejected", map[string]interface{}{
				"operation": "engine_init",
			})
			return planner.NewRulePlanner(planner.RuleSet{}, e.Logger)
		}
		return planner.LoadRules(pc.RulesFile, e.Logger)
	}
}

// Server returns the HTTP API over the engine
func (e *Engine) Server(opts ...api.Option) *api.Server {
	base := []api.Option{
		api.WithLogger(e.Logger),
		api.WithServiceName(e.Config.Telemetry.ServiceName),
	}
	return api.NewServer(e.Orchestrator, append(base, opts...)...)
}

// Serve runs the HTTP API until ctx is canceled
func (e *Engine) Serve(ctx context.Context, opts ...api.Option) error {
	return e.Server(opts...).ListenAndServe(ctx, e.Config.HTTP)
}

// Ask runs one question
func (e *Engine) Ask(ctx context.Context, req orchestration.Request) *orchestration.Response {
	return e.Orchestrator.Run(ctx, req)
}

// Replay re-runs a recorded trace
func (e *Engine) Replay(ctx context.Context, traceID string) (*orchestration.ReplayResult, error) {
	return orchestration.NewReplayer(e.Orchestrator).Replay(ctx, traceID)
}

// Close flushes telemetry and closes stores and tool connections
func (e *Engine) Close(ctx context.Context) error {
	if e.AssetCache != nil && e.Logger != nil {
		e.AssetCache.LogStats(core.ComponentLogger(e.Logger, "engine"))
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	if e.metrics != nil {
		if err := e.metrics.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.provider != nil {
		if err := e.provider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
