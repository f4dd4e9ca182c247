package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/core"
)

func TestBreakerSetIsolatesTools(t *testing.T) {
	set, err := NewBreakerSet(&CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	}, ScopeGlobal)
	require.NoError(t, err)

	metricsDB := set.For("metrics_db", "tenant-a")
	for i := 0; i < 2; i++ {
		_ = metricsDB.Execute(context.Background(), fail)
	}

	assert.Equal(t, "open", set.For("metrics_db", "tenant-b").GetState(), "global scope shares the breaker")
	assert.Equal(t, "closed", set.For("graph_api", "tenant-a").GetState(), "other tools are unaffected")
	assert.Same(t, metricsDB, set.For("metrics_db", ""))
}

func TestBreakerSetTenantScope(t *testing.T) {
	set, err := NewBreakerSet(&CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	}, ScopeTenant)
	require.NoError(t, err)

	_ = set.For("metrics_db", "noisy").Execute(context.Background(), fail)

	assert.Equal(t, "open", set.For("metrics_db", "noisy").GetState())
	assert.Equal(t, "closed", set.For("metrics_db", "quiet").GetState())
	assert.Equal(t, "noisy/metrics_db", set.Key("metrics_db", "noisy"))

	names := []string{}
	for _, snap := range set.Snapshots() {
		names = append(names, snap.Name)
	}
	assert.Equal(t, []string{"noisy/metrics_db", "quiet/metrics_db"}, names)
}

func TestBreakerSetConcurrentCreation(t *testing.T) {
	set, err := NewBreakerSet(nil, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = set.For("config_db", "t1")
		}(i)
	}
	wg.Wait()

	for _, cb := range got {
		assert.Same(t, got[0], cb)
	}
}

func TestBreakerSetRejectsBadScope(t *testing.T) {
	_, err := NewBreakerSet(nil, "region")
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestNewBreakerSetFromConfig(t *testing.T) {
	set, err := NewBreakerSetFromConfig(core.DefaultConfig().Resilience.CircuitBreaker, ResilienceDependencies{})
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, set.Scope())

	cb := set.For("x", "")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	assert.Equal(t, "open", cb.GetState())
}
