package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		opts   RedisClientOptions
		wantDB int
	}{
		{name: "url", opts: RedisClientOptions{RedisURL: "redis://" + mr.Addr()}},
		{name: "url with db", opts: RedisClientOptions{RedisURL: "redis://" + mr.Addr() + "/3"}, wantDB: 3},
		{name: "bare address", opts: RedisClientOptions{RedisURL: mr.Addr()}},
		{name: "db override", opts: RedisClientOptions{RedisURL: "redis://" + mr.Addr() + "/3", DB: 5}, wantDB: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewRedisClient(context.Background(), tt.opts)
			require.NoError(t, err)
			defer client.Close()
			assert.Equal(t, tt.wantDB, client.Options().DB)
			require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
		})
	}
}

func TestNewRedisClientErrors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisClientOptions{})
	assert.True(t, IsConfigurationError(err))

	_, err = NewRedisClient(context.Background(), RedisClientOptions{
		RedisURL:    "redis://127.0.0.1:1",
		PingTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.True(t, IsRetryable(err))
}
