package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/opsquery/core"
)

// BeginRequest opens a trace
type BeginRequest struct {
	// ID is generated when empty
	ID        string
	Tenant    string
	Question  string
	Mode      string
	Overrides []Override
	ReplayOf  string
}

// StageEntry is what the orchestrator records for one stage input or output
type StageEntry struct {
	Stage       string
	Attempt     int
	Payload     interface{}
	Diagnostics []string
	Assets      map[string]int
	Skipped     bool
	Duration    time.Duration
}

// Recorder assigns sequence numbers and appends every record to the store
// as soon as it is produced.
type Recorder struct {
	store  Store
	logger core.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.Mutex
	active map[string]*runState
}

type runState struct {
	header Header
	seq    int
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger
func WithRecorderLogger(logger core.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = core.ComponentLogger(logger, "trace-recorder")
	}
}

// WithRecorderClock sets the clock
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithIDGenerator replaces uuid trace ids
func WithIDGenerator(fn func() string) RecorderOption {
	return func(r *Recorder) {
		r.newID = fn
	}
}

// NewRecorder creates a recorder over store
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: &core.NoOpLogger{},
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		active: make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the backing store
func (r *Recorder) Store() Store {
	return r.store
}

// Begin creates the trace header with status incomplete
func (r *Recorder) Begin(ctx context.Context, req BeginRequest) (string, error) {
	id := req.ID
	if id == "" {
		id = r.newID()
	}
	h := Header{
		ID:            id,
		Tenant:        req.Tenant,
		Question:      req.Question,
		Mode:          req.Mode,
		Status:        StatusIncomplete,
		AppliedAssets: map[string]int{},
		Overrides:     req.Overrides,
		ReplayOf:      req.ReplayOf,
		StartedAt:     r.now(),
	}
	if err := r.store.Create(ctx, h); err != nil {
		return "", fmt.Errorf("begin trace: %w", err)
	}

	r.mu.Lock()
	r.active[id] = &runState{header: cloneHeader(h)}
	r.mu.Unlock()

	r.logger.Debug("Trace started", map[string]interface{}{
		"operation": "trace_begin",
		"trace_id":  id,
		"tenant":    req.Tenant,
		"mode":      req.Mode,
	})
	return id, nil
}

// RecordInput appends a stage input and returns its sequence number
func (r *Recorder) RecordInput(ctx context.Context, id string, e StageEntry) (int, error) {
	return r.recordStage(ctx, id, KindStageInput, e)
}

// RecordOutput appends a stage output and returns its sequence number
func (r *Recorder) RecordOutput(ctx context.Context, id string, e StageEntry) (int, error) {
	return r.recordStage(ctx, id, KindStageOutput, e)
}

// RecordStage appends an input and an output for stage in one call
func (r *Recorder) RecordStage(ctx context.Context, id, stage string, input, output interface{}, assets map[string]int) error {
	if _, err := r.RecordInput(ctx, id, StageEntry{Stage: stage, Payload: input, Assets: assets}); err != nil {
		return err
	}
	_, err := r.RecordOutput(ctx, id, StageEntry{Stage: stage, Payload: output, Assets: assets})
	return err
}

// RecordReplan appends a replan event. Seq and At are assigned here.
func (r *Recorder) RecordReplan(ctx context.Context, id string, ev ReplanEvent) error {
	seq, err := r.nextSeq(id, func(st *runState) { st.header.ReplanCount++ })
	if err != nil {
		return err
	}
	ev.Seq = seq
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	if err := r.store.Append(ctx, id, Entry{Seq: seq, Kind: KindReplan, Replan: &ev}); err != nil {
		return fmt.Errorf("record replan: %w", err)
	}
	return nil
}

// SetRoute stores the route chosen at ROUTE_PLAN
func (r *Recorder) SetRoute(ctx context.Context, id, route string) error {
	h, err := r.update(id, func(st *runState) { st.header.Route = route })
	if err != nil {
		return err
	}
	return r.store.UpdateHeader(ctx, h)
}

// Finalize writes the terminal status and forgets the run
func (r *Recorder) Finalize(ctx context.Context, id string, status Status) error {
	h, err := r.update(id, func(st *runState) {
		st.header.Status = status
		st.header.FinishedAt = r.now()
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()

	if err := r.store.UpdateHeader(ctx, h); err != nil {
		return fmt.Errorf("finalize trace: %w", err)
	}
	r.logger.Info("Trace finalized", map[string]interface{}{
		"operation":    "trace_finalize",
		"trace_id":     id,
		"status":       string(status),
		"route":        h.Route,
		"replan_count": h.ReplanCount,
		"duration_ms":  h.FinishedAt.Sub(h.StartedAt).Milliseconds(),
	})
	return nil
}

// Get loads a trace
func (r *Recorder) Get(ctx context.Context, id string) (*ExecutionTrace, error) {
	return r.store.Load(ctx, id)
}

// List lists traces
func (r *Recorder) List(ctx context.Context, f Filter) ([]Summary, error) {
	return r.store.List(ctx, f)
}

func (r *Recorder) recordStage(ctx context.Context, id string, kind RecordKind, e StageEntry) (int, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", e.Stage, err)
	}

	seq, err := r.nextSeq(id, func(st *runState) {
		mergeAssets(st.header.AppliedAssets, e.Assets)
	})
	if err != nil {
		return 0, err
	}

	rec := &StageRecord{
		Seq:         seq,
		Stage:       e.Stage,
		Attempt:     e.Attempt,
		Skipped:     e.Skipped,
		Payload:     payload,
		Diagnostics: e.Diagnostics,
		Assets:      e.Assets,
		At:          r.now(),
		DurationMS:  e.Duration.Milliseconds(),
	}
	if err := r.store.Append(ctx, id, Entry{Seq: seq, Kind: kind, Stage: rec}); err != nil {
		return 0, fmt.Errorf("record %s %s: %w", e.Stage, kind, err)
	}
	return seq, nil
}

func (r *Recorder) nextSeq(id string, mutate func(*runState)) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.active[id]
	if !ok {
		return 0, &core.FrameworkError{Op: "audit.Record", Kind: "trace", ID: id, Err: fmt.Errorf("trace is not active: %w", core.ErrNotFound)}
	}
	st.seq++
	if mutate != nil {
		mutate(st)
	}
	return st.seq, nil
}

func (r *Recorder) update(id string, mutate func(*runState)) (Header, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.active[id]
	if !ok {
		return Header{}, &core.FrameworkError{Op: "audit.Update", Kind: "trace", ID: id, Err: fmt.Errorf("trace is not active: %w", core.ErrNotFound)}
	}
	mutate(st)
	return cloneHeader(st.header), nil
}
