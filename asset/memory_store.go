package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/opsquery/core"
)

// MemoryStore is an in-memory Store used by tests and the default config
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]*Asset
	logger   core.Logger
	now      func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger core.Logger) MemoryOption {
	return func(m *MemoryStore) {
		m.logger = core.ComponentLogger(logger, "asset-store")
	}
}

// WithClock sets the clock used for created_at
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates an empty store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		versions: make(map[string][]*Asset),
		logger:   &core.NoOpLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func storeKey(t Type, scope, name string) string {
	return string(t) + "/" + scope + "/" + name
}

// Get implements Reader
func (m *MemoryStore) Get(ctx context.Context, t Type, scope, name string, version int) (*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.versions[storeKey(t, scope, name)]
	if version > 0 {
		if version <= len(versions) {
			return cloneAsset(versions[version-1]), nil
		}
		return nil, notFound("asset.Get", t, scope, name, version)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == StatusPublished {
			return cloneAsset(versions[i]), nil
		}
	}
	return nil, notFound("asset.Get", t, scope, name, version)
}

// List implements Reader
func (m *MemoryStore) List(ctx context.Context, t Type, scope string) ([]*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Asset
	for _, versions := range m.versions {
		if len(versions) == 0 || versions[0].Type != t || versions[0].Scope != scope {
			continue
		}
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].Status == StatusPublished {
				out = append(out, cloneAsset(versions[i]))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveDraft implements Writer
func (m *MemoryStore) SaveDraft(ctx context.Context, t Type, scope, name string, content json.RawMessage) (*Asset, error) {
	if err := validateKey("asset.SaveDraft", t, scope, name); err != nil {
		return nil, err
	}
	if !json.Valid(content) {
		return nil, core.NewFrameworkError("asset.SaveDraft", "asset", fmt.Errorf("%w: content is not valid JSON", core.ErrInvalidConfiguration))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := storeKey(t, scope, name)
	a := &Asset{
		Type:      t,
		Scope:     scope,
		Name:      name,
		Version:   len(m.versions[key]) + 1,
		Status:    StatusDraft,
		Content:   append(json.RawMessage(nil), content...),
		CreatedAt: m.now().UTC(),
	}
	m.versions[key] = append(m.versions[key], a)

	m.logger.Debug("Asset draft saved", map[string]interface{}{
		"operation": "asset_save_draft",
		"asset":     a.Key(),
		"scope":     scope,
		"version":   a.Version,
	})
	return cloneAsset(a), nil
}

// Publish implements Writer
func (m *MemoryStore) Publish(ctx context.Context, t Type, scope, name string, version int) (*Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.versions[storeKey(t, scope, name)]
	if version <= 0 || version > len(versions) {
		return nil, notFound("asset.Publish", t, scope, name, version)
	}
	a := versions[version-1]
	if a.Status != StatusPublished {
		a.Status = StatusPublished
		m.logger.Info("Asset published", map[string]interface{}{
			"operation": "asset_publish",
			"asset":     a.Key(),
			"scope":     scope,
			"version":   version,
		})
	}
	return cloneAsset(a), nil
}

// Versions implements Writer
func (m *MemoryStore) Versions(ctx context.Context, t Type, scope, name string) ([]*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.versions[storeKey(t, scope, name)]
	if len(versions) == 0 {
		return nil, notFound("asset.Versions", t, scope, name, 0)
	}
	out := make([]*Asset, len(versions))
	for i, a := range versions {
		out[i] = cloneAsset(a)
	}
	return out, nil
}

func cloneAsset(a *Asset) *Asset {
	c := *a
	c.Content = append(json.RawMessage(nil), a.Content...)
	return &c
}
