package asset

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/core"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			v1, err := store.SaveDraft(ctx, TypePolicy, DefaultScope, "ops", json.RawMessage(`{"max_row_count":100}`))
			require.NoError(t, err)
			assert.Equal(t, 1, v1.Version)
			assert.Equal(t, StatusDraft, v1.Status)

			_, err = store.Get(ctx, TypePolicy, DefaultScope, "ops", 0)
			assert.True(t, core.IsNotFound(err), "drafts are invisible to latest lookups")

			draft, err := store.Get(ctx, TypePolicy, DefaultScope, "ops", 1)
			require.NoError(t, err, "drafts are reachable by explicit version")
			assert.Equal(t, StatusDraft, draft.Status)

			_, err = store.Publish(ctx, TypePolicy, DefaultScope, "ops", 1)
			require.NoError(t, err)

			v2, err := store.SaveDraft(ctx, TypePolicy, DefaultScope, "ops", json.RawMessage(`{"max_row_count":50}`))
			require.NoError(t, err)
			assert.Equal(t, 2, v2.Version, "a new edit always allocates max+1")

			latest, err := store.Get(ctx, TypePolicy, DefaultScope, "ops", 0)
			require.NoError(t, err)
			assert.Equal(t, 1, latest.Version, "the newer draft does not replace the published version")

			var policy PolicyContent
			require.NoError(t, latest.Decode(&policy))
			assert.Equal(t, 100, policy.MaxRowCount)

			_, err = store.Publish(ctx, TypePolicy, DefaultScope, "ops", 2)
			require.NoError(t, err)
			latest, err = store.Get(ctx, TypePolicy, DefaultScope, "ops", 0)
			require.NoError(t, err)
			assert.Equal(t, 2, latest.Version)

			versions, err := store.Versions(ctx, TypePolicy, DefaultScope, "ops")
			require.NoError(t, err)
			require.Len(t, versions, 2)
			assert.Equal(t, StatusPublished, versions[0].Status)
		})
	}
}

func TestStoreListReturnsLatestPublished(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"plant", "grid"} {
				a, err := store.SaveDraft(ctx, TypeResolver, DefaultScope, n, json.RawMessage(`{"aliases":{}}`))
				require.NoError(t, err)
				_, err = store.Publish(ctx, TypeResolver, DefaultScope, n, a.Version)
				require.NoError(t, err)
			}
			_, err := store.SaveDraft(ctx, TypeResolver, DefaultScope, "draft-only", json.RawMessage(`{}`))
			require.NoError(t, err)
			_, err = store.SaveDraft(ctx, TypeResolver, "tenant-b", "other-scope", json.RawMessage(`{}`))
			require.NoError(t, err)

			list, err := store.List(ctx, TypeResolver, DefaultScope)
			require.NoError(t, err)
			names := []string{}
			for _, a := range list {
				names = append(names, a.Name)
			}
			assert.Equal(t, []string{"grid", "plant"}, names)
		})
	}
}

func TestStoreRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.SaveDraft(ctx, Type("widget"), DefaultScope, "x", json.RawMessage(`{}`))
			assert.True(t, core.IsConfigurationError(err))

			_, err = store.SaveDraft(ctx, TypePrompt, DefaultScope, "x", json.RawMessage(`{not json`))
			assert.True(t, core.IsConfigurationError(err))

			_, err = store.Publish(ctx, TypePrompt, DefaultScope, "missing", 1)
			assert.True(t, core.IsNotFound(err))
		})
	}
}

func TestSQLitePublishedRowsAreImmutable(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	a, err := store.SaveDraft(ctx, TypeScreen, DefaultScope, "ops", json.RawMessage(`{"max_blocks":4}`))
	require.NoError(t, err)
	_, err = store.Publish(ctx, TypeScreen, DefaultScope, "ops", a.Version)
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, `UPDATE assets SET content='{}' WHERE name='ops'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	_, err = store.DB().ExecContext(ctx, `DELETE FROM assets WHERE name='ops'`)
	require.Error(t, err)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/assets.db"

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = store.SaveDraft(ctx, TypeQuery, DefaultScope, "turbine", json.RawMessage(`{"statement":"SELECT 1"}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenSQLite(ctx, path)
	require.NoError(t, err, "migrations must be re-runnable")
	defer store.Close()

	a, err := store.Get(ctx, TypeQuery, DefaultScope, "turbine", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"statement":"SELECT 1"}`, string(a.Content))
}

func TestResolverLookup(t *testing.T) {
	r := ResolverContent{Aliases: map[string]string{"GT-01": "gas_turbine_unit_1"}}

	v, ok := r.Resolve("GT-01")
	assert.True(t, ok)
	assert.Equal(t, "gas_turbine_unit_1", v)

	v, ok = r.Resolve("gt-01")
	assert.True(t, ok)
	assert.Equal(t, "gas_turbine_unit_1", v)

	_, ok = r.Resolve("ST-02")
	assert.False(t, ok)
}

func TestResolverCaseFoldIsDeterministic(t *testing.T) {
	r := ResolverContent{Aliases: map[string]string{
		"gt-01": "lower",
		"GT-01": "upper",
		"Gt-01": "mixed",
	}}

	// "GT-01" sorts first among the case-insensitive matches
	for i := 0; i < 20; i++ {
		v, ok := r.Resolve("gT-01")
		require.True(t, ok)
		assert.Equal(t, "upper", v)
	}

	v, ok := r.Resolve("gt-01")
	assert.True(t, ok)
	assert.Equal(t, "lower", v)
}
