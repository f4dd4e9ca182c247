package httptool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/tool"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestInvokeDecodesRowsField(t *testing.T) {
	var gotPath, gotQuery, gotTenant string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotTenant = r.URL.Path, r.URL.RawQuery, r.Header.Get("X-Tenant-ID")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"node": "gas_turbine_unit_1", "tenant_id": "plant-a"},
				"orphan",
			},
		})
	})

	ht, err := New(core.HTTPToolConfig{
		ID:        "graph_api",
		BaseURL:   srv.URL + "/",
		Path:      "/v1/nodes/{unit}/neighbors",
		Params:    []string{"unit", "depth"},
		Required:  []string{"unit"},
		RowsField: "items",
	})
	require.NoError(t, err)

	res, err := ht.Invoke(context.Background(), map[string]interface{}{"unit": "GT 01", "depth": 2}, tool.CallContext{Tenant: "plant-a"})
	require.NoError(t, err)

	assert.Equal(t, "/v1/nodes/GT 01/neighbors", gotPath)
	assert.Equal(t, "depth=2", gotQuery)
	assert.Equal(t, "plant-a", gotTenant)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "gas_turbine_unit_1", res.Rows[0]["node"])
	assert.Equal(t, "orphan", res.Rows[1]["value"])
	assert.Equal(t, "api", res.References[0].Kind)
}

func TestInvokeStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		category  core.ErrorCategory
	}{
		{http.StatusServiceUnavailable, true, core.CategoryServiceError},
		{http.StatusTooManyRequests, true, core.CategoryRateLimit},
		{http.StatusForbidden, false, core.CategoryAuthError},
		{http.StatusBadRequest, false, core.CategoryInputError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			ht, err := New(core.HTTPToolConfig{ID: "metrics_api", BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = ht.Invoke(context.Background(), nil, tool.CallContext{})
			var te *core.ToolError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.retryable, te.Retryable)
			assert.Equal(t, tt.category, te.Category)
		})
	}
}

func TestInvokeRejectsBadJSON(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	})
	ht, err := New(core.HTTPToolConfig{ID: "metrics_api", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = ht.Invoke(context.Background(), nil, tool.CallContext{})
	var te *core.ToolError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Retryable)
}

func TestUnfilledPathParameter(t *testing.T) {
	ht, err := New(core.HTTPToolConfig{ID: "graph_api", BaseURL: "http://example.invalid", Path: "/nodes/{unit}", Params: []string{"unit"}})
	require.NoError(t, err)

	_, err = ht.Invoke(context.Background(), map[string]interface{}{}, tool.CallContext{})
	require.Error(t, err)
}

func TestDescriptor(t *testing.T) {
	ht, err := New(core.HTTPToolConfig{ID: "graph_api", BaseURL: "http://x", Params: []string{"unit"}, Required: []string{"unit"}, TenantColumn: "tenant_id"})
	require.NoError(t, err)

	desc := ht.Descriptor()
	require.NoError(t, desc.Validate())
	assert.True(t, desc.Params[0].Required)
	assert.True(t, desc.TenantScoped)

	_, err = New(core.HTTPToolConfig{ID: "x"})
	assert.True(t, core.IsConfigurationError(err))
}
