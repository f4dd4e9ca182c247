package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/resilience"
)

func noWaitRetry(max int) *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxRetries:   max,
		InitialDelay: time.Millisecond,
		Sleep:        func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func TestGenerateResponse(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"message":{"role":"assistant","content":"{\"kind\":\"direct\"}"}}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL+"/"), WithModel("m0"), WithRetry(noWaitRetry(0)))
	resp, err := c.GenerateResponse(context.Background(), "plan this", &core.AIOptions{SystemPrompt: "be strict", MaxTokens: 50})
	require.NoError(t, err)

	assert.Equal(t, `{"kind":"direct"}`, resp.Content)
	assert.Equal(t, "m1", resp.Model)
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	assert.Equal(t, "m0", got.Model)
	assert.Equal(t, 50, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "plan this", got.Messages[1].Content)
}

func TestGenerateResponseRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"model":"m","choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL), WithRetry(noWaitRetry(2)))
	resp, err := c.GenerateResponse(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerateResponseClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "bad request is not retried",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"bad model"}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, core.ErrRequestFailed)
				assert.Contains(t, err.Error(), "bad model")
				assert.False(t, core.IsRetryable(err))
			},
		},
		{
			name:   "unauthorized is a configuration error",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.True(t, core.IsConfigurationError(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient("k", WithBaseURL(srv.URL), WithRetry(noWaitRetry(3)))
			_, err := c.GenerateResponse(context.Background(), "q", nil)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestGenerateResponseNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).GenerateResponse(context.Background(), "q", nil)
	assert.Error(t, err)
}
