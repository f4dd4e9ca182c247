package planner

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/plan"
)

// Recorded hands back the outcomes a trace recorded at ROUTE_PLAN, in
// order. Once they run out it keeps returning the last one.
type Recorded struct {
	mu       sync.Mutex
	outcomes []*plan.Outcome
	next     int
}

// NewRecorded replays outcomes
func NewRecorded(outcomes ...*plan.Outcome) *Recorded {
	return &Recorded{outcomes: outcomes}
}

// RecordedFromTrace collects the planner outcomes of a trace
func RecordedFromTrace(t *audit.ExecutionTrace) (*Recorded, error) {
	var outcomes []*plan.Outcome
	for _, rec := range t.StageOutputs {
		if rec.Stage != string(plan.StageRoutePlan) || rec.Skipped {
			continue
		}
		o, err := plan.DecodeOutcome(rec.Payload)
		if err != nil {
			// a failed planning attempt has no outcome to replay
			continue
		}
		outcomes = append(outcomes, o)
	}
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("trace %s has no recorded plan outcome: %w", t.ID, core.ErrInvalidConfiguration)
	}
	return NewRecorded(outcomes...), nil
}

// Plan implements plan.Planner
func (r *Recorded) Plan(ctx context.Context, question string, pc plan.Context) (*plan.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return nil, fmt.Errorf("no recorded outcome")
	}
	i := r.next
	if i >= len(r.outcomes) {
		i = len(r.outcomes) - 1
	} else {
		r.next++
	}
	return r.outcomes[i].Clone(), nil
}
