package asset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/opsquery/core"
)

// Bundle is a YAML file of asset definitions
type Bundle struct {
	Path   string        `yaml:"-"`
	Scope  string        `yaml:"scope"`
	Assets []BundleEntry `yaml:"assets"`
}

// BundleEntry is one asset in a bundle. Content is written in YAML and
// stored as JSON.
type BundleEntry struct {
	Type    Type                   `yaml:"type"`
	Name    string                 `yaml:"name"`
	Scope   string                 `yaml:"scope,omitempty"`
	Publish bool                   `yaml:"publish"`
	Content map[string]interface{} `yaml:"content"`
}

// ImportResult describes what Import did with one entry
type ImportResult struct {
	Type      Type   `json:"type"`
	Scope     string `json:"scope"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
	Status    Status `json:"status"`
	Unchanged bool   `json:"unchanged"`
}

// LoadDir parses every .yaml and .yml file in dir, in name order
func LoadDir(dir string) ([]*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read asset dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var bundles []*Bundle
	for _, name := range names {
		b, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// LoadFile parses one bundle file
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, core.NewFrameworkError("asset.LoadFile", "asset", fmt.Errorf("%w: %s: %v", core.ErrInvalidConfiguration, path, err))
	}
	b.Path = path
	if b.Scope == "" {
		b.Scope = DefaultScope
	}
	for i, e := range b.Assets {
		if !e.Type.Valid() || e.Name == "" {
			return nil, core.NewFrameworkError("asset.LoadFile", "asset",
				fmt.Errorf("%w: %s entry %d: unknown type %q or missing name", core.ErrInvalidConfiguration, path, i, e.Type))
		}
	}
	return &b, nil
}

// Import writes the bundle into w. An entry whose content matches the latest
// version is not duplicated, which makes repeated imports idempotent.
func Import(ctx context.Context, w Writer, b *Bundle) ([]ImportResult, error) {
	var results []ImportResult
	for _, e := range b.Assets {
		scope := e.Scope
		if scope == "" {
			scope = b.Scope
		}
		content, err := json.Marshal(normalizeYAML(e.Content))
		if err != nil {
			return results, fmt.Errorf("encode %s/%s: %w", e.Type, e.Name, err)
		}

		var a *Asset
		unchanged := false
		versions, err := w.Versions(ctx, e.Type, scope, e.Name)
		if err != nil && !core.IsNotFound(err) {
			return results, err
		}
		if n := len(versions); n > 0 && sameJSON(versions[n-1].Content, content) {
			a, unchanged = versions[n-1], true
		} else {
			a, err = w.SaveDraft(ctx, e.Type, scope, e.Name, content)
			if err != nil {
				return results, err
			}
		}

		if e.Publish && a.Status != StatusPublished {
			if a, err = w.Publish(ctx, e.Type, scope, e.Name, a.Version); err != nil {
				return results, err
			}
		}
		results = append(results, ImportResult{
			Type:      a.Type,
			Scope:     a.Scope,
			Name:      a.Name,
			Version:   a.Version,
			Status:    a.Status,
			Unchanged: unchanged,
		})
	}
	return results, nil
}

// ImportDir loads and imports every bundle in dir
func ImportDir(ctx context.Context, w Writer, dir string) ([]ImportResult, error) {
	bundles, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	var all []ImportResult
	for _, b := range bundles {
		results, err := Import(ctx, w, b)
		all = append(all, results...)
		if err != nil {
			return all, fmt.Errorf("import %s: %w", b.Path, err)
		}
	}
	return all, nil
}

// normalizeYAML converts map[interface{}]interface{} nodes, which JSON
// cannot encode, into string-keyed maps.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func sameJSON(a, b json.RawMessage) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}
