package orchestration

import (
	"context"
	"fmt"
	"sort"

	"github.com/itsneelabh/opsquery/asset"
	"github.com/itsneelabh/opsquery/audit"
	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/plan"
)

// stageBindings is the static table of asset types each stage may load
var stageBindings = map[plan.Stage][]asset.Type{
	plan.StageRoutePlan: {asset.TypePrompt, asset.TypePolicy, asset.TypeSchemaCatalog, asset.TypeResolver},
	plan.StageValidate:  {asset.TypePolicy},
	plan.StageExecute:   {asset.TypeQuery, asset.TypeSource},
	plan.StageCompose:   {asset.TypeMapping, asset.TypePrompt},
	plan.StagePresent:   {asset.TypeScreen},
}

// Bound reports whether stage may load assets of type t
func Bound(stage plan.Stage, t asset.Type) bool {
	for _, allowed := range stageBindings[stage] {
		if allowed == t {
			return true
		}
	}
	return false
}

// BindingError is returned when a stage asks for an asset type outside
// its binding
type BindingError struct {
	Stage plan.Stage
	Type  asset.Type
	Name  string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("stage %s may not load %s asset %q", e.Stage, e.Type, e.Name)
}

func (e *BindingError) Unwrap() error {
	return core.ErrBindingViolation
}

// AssetBinder loads assets on behalf of one run. Lookups try the tenant
// scope first and fall back to the default scope. Callers collect the
// versions they apply per stage through LoadInto's used map.
type AssetBinder struct {
	reader    asset.Reader
	scope     string
	overrides map[string]int
}

// NewAssetBinder checks overrides against the binding table and returns a
// binder for scope
func NewAssetBinder(reader asset.Reader, scope string, overrides []audit.Override) (*AssetBinder, error) {
	b := &AssetBinder{
		reader:    reader,
		scope:     scope,
		overrides: make(map[string]int, len(overrides)),
	}
	for _, o := range overrides {
		t := asset.Type(o.Type)
		if !t.Valid() {
			return nil, core.NewFrameworkError("orchestration.NewAssetBinder", "asset",
				fmt.Errorf("%w: override names unknown asset type %q", core.ErrInvalidConfiguration, o.Type))
		}
		if o.Name == "" || o.Version <= 0 {
			return nil, core.NewFrameworkError("orchestration.NewAssetBinder", "asset",
				fmt.Errorf("%w: override %s needs a name and a positive version", core.ErrInvalidConfiguration, o.Type))
		}
		if o.Stage != "" && !Bound(plan.Stage(o.Stage), t) {
			return nil, &BindingError{Stage: plan.Stage(o.Stage), Type: t, Name: o.Name}
		}
		b.overrides[asset.Key(t, o.Name)] = o.Version
	}
	return b, nil
}

// Load returns the asset name of type t for stage
func (b *AssetBinder) Load(ctx context.Context, stage plan.Stage, t asset.Type, name string) (*asset.Asset, error) {
	if !Bound(stage, t) {
		return nil, &BindingError{Stage: stage, Type: t, Name: name}
	}
	version := b.overrides[asset.Key(t, name)]

	a, err := b.reader.Get(ctx, t, b.scope, name, version)
	if err != nil && core.IsNotFound(err) && b.scope != asset.DefaultScope {
		a, err = b.reader.Get(ctx, t, asset.DefaultScope, name, version)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LoadInto loads an asset, decodes its content into v and adds its
// version to used. Missing assets return a not-found error untouched so
// callers can treat optional assets as absent.
func (b *AssetBinder) LoadInto(ctx context.Context, stage plan.Stage, t asset.Type, name string, v interface{}, used map[string]int) error {
	a, err := b.Load(ctx, stage, t, name)
	if err != nil {
		return err
	}
	if err := a.Decode(v); err != nil {
		return core.NewFrameworkError("orchestration.LoadInto", "asset", fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err))
	}
	if used != nil {
		used[a.Key()] = a.Version
	}
	return nil
}

// List returns every asset of type t visible to the run, tenant assets
// shadowing default ones of the same name, ordered by name
func (b *AssetBinder) List(ctx context.Context, stage plan.Stage, t asset.Type) ([]*asset.Asset, error) {
	if !Bound(stage, t) {
		return nil, &BindingError{Stage: stage, Type: t}
	}

	byName := make(map[string]*asset.Asset)
	scopes := []string{asset.DefaultScope}
	if b.scope != asset.DefaultScope {
		scopes = append(scopes, b.scope)
	}
	for _, scope := range scopes {
		list, err := b.reader.List(ctx, t, scope)
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			byName[a.Name] = a
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*asset.Asset, 0, len(names))
	for _, name := range names {
		a := byName[name]
		if version, pinned := b.overrides[asset.Key(t, name)]; pinned && version != a.Version {
			pinnedAsset, err := b.reader.Get(ctx, t, a.Scope, name, version)
			if err != nil {
				return nil, err
			}
			a = pinnedAsset
		}
		out = append(out, a)
	}
	return out, nil
}
