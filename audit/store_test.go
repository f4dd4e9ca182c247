package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/resilience"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, WithKeyPrefix("test:trace:")), mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestRecorderLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := NewRecorder(store, WithRecorderClock(newClock().Now))

			id, err := rec.Begin(ctx, BeginRequest{Tenant: "plant-a", Question: "GT-01이 뭐야?", Mode: "auto"})
			require.NoError(t, err)

			_, err = rec.RecordInput(ctx, id, StageEntry{Stage: "ROUTE_PLAN", Payload: map[string]string{"question": "GT-01이 뭐야?"}, Assets: map[string]int{"prompt:planner": 3}})
			require.NoError(t, err)
			_, err = rec.RecordOutput(ctx, id, StageEntry{Stage: "ROUTE_PLAN", Payload: map[string]string{"intent": "config"}, Assets: map[string]int{"prompt:planner": 3}})
			require.NoError(t, err)
			require.NoError(t, rec.SetRoute(ctx, id, "config"))
			require.NoError(t, rec.RecordReplan(ctx, id, ReplanEvent{
				Trigger:  "EmptyResult",
				Stage:    "EXECUTE",
				Severity: "medium",
				Patch:    Patch{Kind: "resolver_alias", Changes: []Change{{RequestID: "r1", Field: "params.unit", Before: "GT-01", After: "gas_turbine_unit_1"}}},
				Decision: ReplanDecision{Allowed: true, ReplanIndex: 1},
			}))
			require.NoError(t, rec.RecordStage(ctx, id, "EXECUTE", "in", "out", map[string]int{"source:config_db": 1}))
			require.NoError(t, rec.Finalize(ctx, id, StatusDone))

			tr, err := rec.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusDone, tr.Status)
			assert.Equal(t, "config", tr.Route)
			assert.Equal(t, 1, tr.ReplanCount)
			assert.Equal(t, map[string]int{"prompt:planner": 3, "source:config_db": 1}, tr.AppliedAssets)
			require.Len(t, tr.StageInputs, 2)
			require.Len(t, tr.StageOutputs, 2)
			require.Len(t, tr.ReplanEvents, 1)
			assert.Equal(t, "gas_turbine_unit_1", tr.ReplanEvents[0].Patch.Changes[0].After)

			var seqs []int
			for _, r := range append(tr.StageInputs, tr.StageOutputs...) {
				seqs = append(seqs, r.Seq)
			}
			seqs = append(seqs, tr.ReplanEvents[0].Seq)
			assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, seqs)
			assert.Less(t, tr.StageOutputs[0].Seq, tr.ReplanEvents[0].Seq)
			assert.Less(t, tr.ReplanEvents[0].Seq, tr.StageInputs[1].Seq)

			// Finalized runs accept no more records
			_, err = rec.RecordInput(ctx, id, StageEntry{Stage: "PRESENT"})
			assert.True(t, core.IsNotFound(err))
		})
	}
}

func TestInterruptedRunStaysIncomplete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := NewRecorder(store)
			id, err := rec.Begin(ctx, BeginRequest{Tenant: "plant-a", Question: "q"})
			require.NoError(t, err)
			_, err = rec.RecordInput(ctx, id, StageEntry{Stage: "ROUTE_PLAN", Payload: "q", Assets: map[string]int{"policy:default": 2}})
			require.NoError(t, err)

			// A fresh recorder, as after a restart, still reads what was written
			tr, err := NewRecorder(store).Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusIncomplete, tr.Status)
			assert.Len(t, tr.StageInputs, 1)
			assert.Equal(t, 2, tr.AppliedAssets["policy:default"])
		})
	}
}

func TestListFilters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := NewRecorder(store, WithRecorderClock(newClock().Now))

			mk := func(tenant, route string, status Status) string {
				id, err := rec.Begin(ctx, BeginRequest{Tenant: tenant, Question: route})
				require.NoError(t, err)
				require.NoError(t, rec.SetRoute(ctx, id, route))
				require.NoError(t, rec.Finalize(ctx, id, status))
				return id
			}
			a := mk("plant-a", "config", StatusDone)
			mk("plant-b", "config", StatusDone)
			c := mk("plant-a", "metrics", StatusFailed)

			all, err := rec.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, c, all[0].ID, "newest first")

			got, err := rec.List(ctx, Filter{Tenant: "plant-a", Route: "config"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, a, got[0].ID)

			got, err = rec.List(ctx, Filter{Status: StatusFailed})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, c, got[0].ID)

			got, err = rec.List(ctx, Filter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})
	}
}

func TestRedisStoreTTLAndCompression(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	rec := NewRecorder(store, WithIDGenerator(func() string { return "trace-1" }))

	id, err := rec.Begin(ctx, BeginRequest{Tenant: "plant-a"})
	require.NoError(t, err)
	big := strings.Repeat("row,", 40000)
	require.NoError(t, rec.RecordStage(ctx, id, "EXECUTE", "x", big, nil))

	assert.Equal(t, errorTraceTTL, mr.TTL("test:trace:trace-1:header"), "incomplete runs keep the error TTL")
	raw, err := mr.List("test:trace:trace-1:records")
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, byte(1), raw[1][0], "large records are gzipped")

	require.NoError(t, rec.Finalize(ctx, id, StatusDone))
	assert.Equal(t, defaultTraceTTL, mr.TTL("test:trace:trace-1:header"))
	assert.Equal(t, defaultTraceTTL, mr.TTL("test:trace:trace-1:records"))

	tr, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, tr.StageOutputs[0].Payload, len(big)+2)

	// Expired traces disappear from listings and the index is cleaned
	mr.FastForward(25 * time.Hour)
	list, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	members, _ := mr.ZMembers("test:trace:index")
	assert.Empty(t, members)
}

func TestRedisStoreRejectsUnknownTrace(t *testing.T) {
	store, _ := newRedisStore(t)
	err := store.Append(context.Background(), "missing", Entry{Seq: 1, Kind: KindReplan, Replan: &ReplanEvent{}})
	assert.True(t, core.IsNotFound(err))

	_, err = store.Load(context.Background(), "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestRedisStoreCreateRetriesAfterIndexFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// A string at the index key makes the first ZADD fail with WRONGTYPE;
	// the key is cleared before the retry.
	require.NoError(t, mr.Set("p:index", "not-a-zset"))
	sleeps := 0
	store := NewRedisStore(client, WithKeyPrefix("p:"), WithWriteRetry(&resilience.RetryConfig{
		MaxRetries: 2,
		Sleep: func(ctx context.Context, d time.Duration) error {
			sleeps++
			mr.Del("p:index")
			return nil
		},
	}))

	h := Header{ID: "t1", Tenant: "plant-a", Status: StatusIncomplete, StartedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Create(context.Background(), h))
	assert.Equal(t, 1, sleeps)

	members, err := mr.ZMembers("p:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, members)
	list, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)

	// A second create of the same id is still a conflict
	err = store.Create(context.Background(), h)
	assert.True(t, errors.Is(err, core.ErrAlreadyExists))
}
