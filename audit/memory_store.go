package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/itsneelabh/opsquery/core"
)

// MemoryStore keeps traces in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	traces map[string]*memTrace
}

type memTrace struct {
	header  Header
	entries []Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make(map[string]*memTrace)}
}

func (s *MemoryStore) Create(ctx context.Context, h Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[h.ID]; ok {
		return &core.FrameworkError{Op: "audit.Create", Kind: "trace", ID: h.ID, Err: core.ErrAlreadyExists}
	}
	s.traces[h.ID] = &memTrace{header: cloneHeader(h)}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, id string, e Entry) error {
	// Round-trip through JSON so callers cannot mutate stored records
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var stored Entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[id]
	if !ok {
		return notFound("audit.Append", id)
	}
	t.entries = append(t.entries, stored)
	return nil
}

func (s *MemoryStore) UpdateHeader(ctx context.Context, h Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[h.ID]
	if !ok {
		return notFound("audit.UpdateHeader", h.ID)
	}
	t.header = cloneHeader(h)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*ExecutionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return nil, notFound("audit.Load", id)
	}
	return Assemble(cloneHeader(t.header), t.entries), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Summary, error) {
	s.mu.RLock()
	out := []Summary{}
	for _, t := range s.traces {
		if f.Match(t.header) {
			out = append(out, summarize(t.header))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func notFound(op, id string) error {
	return &core.FrameworkError{Op: op, Kind: "trace", ID: id, Err: core.ErrNotFound}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
