package asset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/core"
)

const plantBundle = `
scope: default
assets:
  - type: policy
    name: ops
    publish: true
    content:
      max_row_count: 500
      allowed_intents: [config, metrics]
      replan:
        max_replans: 2
  - type: resolver
    name: plant
    publish: true
    content:
      aliases:
        GT-01: gas_turbine_unit_1
  - type: prompt
    name: planner
    content:
      template: "Question: {{.Question}}"
`

func writeBundle(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestImportDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeBundle(t, dir, "plant.yaml", plantBundle)
	writeBundle(t, dir, "README.md", "ignored")

	store := NewMemoryStore()
	results, err := ImportDir(ctx, store, dir)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StatusPublished, results[0].Status)
	assert.Equal(t, StatusDraft, results[2].Status)

	policy, err := store.Get(ctx, TypePolicy, DefaultScope, "ops", 0)
	require.NoError(t, err)
	var content PolicyContent
	require.NoError(t, policy.Decode(&content))
	assert.Equal(t, 500, content.MaxRowCount)
	assert.Equal(t, []string{"config", "metrics"}, content.AllowedIntents)
	require.NotNil(t, content.Replan.MaxReplans)
	assert.Equal(t, 2, *content.Replan.MaxReplans)

	// Importing the same bundle again creates no new versions
	results, err = ImportDir(ctx, store, dir)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Unchanged, "%s should be unchanged", r.Name)
		assert.Equal(t, 1, r.Version)
	}
}

func TestLoadFileRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.yml", "assets:\n  - type: widget\n    name: x\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}
