// Package asset stores the versioned configuration objects that drive the
// pipeline: prompts, policies, queries, mappings, sources, resolvers,
// screens and schema catalogs.
//
// Every edit creates a new version. Published versions are immutable and are
// the only versions production lookups see; drafts are reachable only by
// asking for their version explicitly, which is what override runs do.
package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itsneelabh/opsquery/core"
)

// Type identifies what an asset configures
type Type string

const (
	TypePrompt        Type = "prompt"
	TypePolicy        Type = "policy"
	TypeQuery         Type = "query"
	TypeMapping       Type = "mapping"
	TypeSource        Type = "source"
	TypeResolver      Type = "resolver"
	TypeScreen        Type = "screen"
	TypeSchemaCatalog Type = "schema_catalog"
)

// Types lists every asset type in a stable order
var Types = []Type{TypePrompt, TypePolicy, TypeQuery, TypeMapping, TypeSource, TypeResolver, TypeScreen, TypeSchemaCatalog}

// Valid reports whether t is a known asset type
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of one version
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// DefaultScope is used when no tenant-specific asset exists
const DefaultScope = "default"

// Asset is one version of a configuration object
type Asset struct {
	Type      Type            `json:"type" yaml:"type"`
	Scope     string          `json:"scope" yaml:"scope"`
	Name      string          `json:"name" yaml:"name"`
	Version   int             `json:"version" yaml:"version"`
	Status    Status          `json:"status" yaml:"status"`
	Content   json.RawMessage `json:"content" yaml:"-"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
}

// Key returns the "type:name" key used in applied-asset maps
func (a *Asset) Key() string {
	return Key(a.Type, a.Name)
}

// Key formats the applied-asset key for an asset
func Key(t Type, name string) string {
	return string(t) + ":" + name
}

// Decode unmarshals the asset content into v
func (a *Asset) Decode(v interface{}) error {
	if len(a.Content) == 0 {
		return fmt.Errorf("asset %s/%s v%d has no content", a.Type, a.Name, a.Version)
	}
	if err := json.Unmarshal(a.Content, v); err != nil {
		return fmt.Errorf("decode %s/%s v%d: %w", a.Type, a.Name, a.Version, err)
	}
	return nil
}

// Reader is the read side every pipeline stage consumes
type Reader interface {
	// Get returns one version. version 0 means the latest published
	// version; an explicit version is returned whatever its status.
	Get(ctx context.Context, t Type, scope, name string, version int) (*Asset, error)

	// List returns the latest published version of every asset of type t in scope
	List(ctx context.Context, t Type, scope string) ([]*Asset, error)
}

// Writer is used by asset import tooling
type Writer interface {
	// SaveDraft stores content as a new draft version, max(version)+1
	SaveDraft(ctx context.Context, t Type, scope, name string, content json.RawMessage) (*Asset, error)

	// Publish promotes a draft. Publishing a published version is a no-op.
	Publish(ctx context.Context, t Type, scope, name string, version int) (*Asset, error)

	// Versions returns every version of one asset, oldest first
	Versions(ctx context.Context, t Type, scope, name string) ([]*Asset, error)
}

// Store is a full asset store
type Store interface {
	Reader
	Writer
}

func notFound(op string, t Type, scope, name string, version int) error {
	return &core.FrameworkError{
		Op:      op,
		Kind:    "asset",
		ID:      fmt.Sprintf("%s/%s/%s@%d", t, scope, name, version),
		Message: "asset not found",
		Err:     core.ErrNotFound,
	}
}

func validateKey(op string, t Type, scope, name string) error {
	if !t.Valid() {
		return core.NewFrameworkError(op, "asset", fmt.Errorf("%w: unknown asset type %q", core.ErrInvalidConfiguration, t))
	}
	if scope == "" || name == "" {
		return core.NewFrameworkError(op, "asset", fmt.Errorf("%w: scope and name are required", core.ErrInvalidConfiguration))
	}
	return nil
}
