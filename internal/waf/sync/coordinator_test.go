package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/store"
	"github.com/formwarden/waf/pkg/types"
)

func newTestCoordinator(t *testing.T, cfg *configtypes.SyncConfig) (*Coordinator, *hotcache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	redisClient, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	if cfg == nil {
		cfg = &configtypes.SyncConfig{Interval: types.Duration(30 * time.Second)}
	}

	cache := hotcache.NewCache()
	storeClient := store.NewClient(redisClient, zap.NewNop())
	coord, err := NewCoordinator(storeClient, cache, redisClient, cfg, "worker-a", store.SeedDefaults{
		Routing: types.RoutingConfig{Upstream: "haproxy:80"},
	}, zap.NewNop())
	require.NoError(t, err)

	return coord, cache, mr
}

func TestStartSeedsAndPulls(t *testing.T) {
	coord, cache, _ := newTestCoordinator(t, nil)

	require.NoError(t, coord.Start(context.Background()))

	snap := cache.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), cache.Version())

	// seeded defaults are visible in the first snapshot
	assert.Contains(t, snap.Vhosts, types.DefaultVhostID)
	assert.Equal(t, float64(100), snap.Thresholds[types.ThresholdSpamScoreBlock])
	assert.Equal(t, "haproxy:80", snap.Routing.Upstream)
}

func TestTickSwapsNewSnapshot(t *testing.T) {
	coord, cache, mr := newTestCoordinator(t, nil)
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))
	v1 := cache.Version()

	mr.SAdd(redis.KeyBlockedKeywords, "casino")
	coord.tick(ctx, 1)

	assert.Greater(t, cache.Version(), v1)
	assert.Contains(t, cache.Snapshot().BlockedKeywords, "casino")

	_, ok := coord.LastTick()
	assert.True(t, ok)
}

func TestTickKeepsSnapshotOnStoreFailure(t *testing.T) {
	coord, cache, mr := newTestCoordinator(t, nil)
	ctx := context.Background()

	mr.SAdd(redis.KeyBlockedKeywords, "casino")
	require.NoError(t, coord.Start(ctx))
	v1 := cache.Version()

	mr.Close()
	coord.tick(ctx, 1)

	// previous snapshot survives the failed pull
	assert.Equal(t, v1, cache.Version())
	assert.Contains(t, cache.Snapshot().BlockedKeywords, "casino")

	_, ok := coord.LastTick()
	assert.False(t, ok)
}

func TestTickRecoversFromPanic(t *testing.T) {
	coord, cache, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))
	v1 := cache.Version()

	coord.config.LeaderElection = false
	coord.RegisterLeaderTask(LeaderTask{
		Name: "explode",
		Run: func(context.Context) error {
			panic("baseline recompute bug")
		},
	})

	assert.NotPanics(t, func() { coord.tick(ctx, 1) })
	assert.Greater(t, cache.Version(), v1)
}

func TestStaticLeaderByWorkerIndex(t *testing.T) {
	cfg := &configtypes.SyncConfig{
		Interval:    types.Duration(30 * time.Second),
		WorkerIndex: 0,
	}
	coord, _, _ := newTestCoordinator(t, cfg)
	assert.True(t, coord.isLeader(context.Background()))

	cfg2 := &configtypes.SyncConfig{
		Interval:    types.Duration(30 * time.Second),
		WorkerIndex: 3,
	}
	coord2, _, _ := newTestCoordinator(t, cfg2)
	assert.False(t, coord2.isLeader(context.Background()))
}

func TestLeaderElectionLease(t *testing.T) {
	cfg := &configtypes.SyncConfig{
		Interval:       types.Duration(30 * time.Second),
		LeaderElection: true,
	}
	coord, _, mr := newTestCoordinator(t, cfg)
	ctx := context.Background()

	// first worker acquires the lease and keeps it across checks
	assert.True(t, coord.isLeader(ctx))
	assert.True(t, coord.isLeader(ctx))

	holder, err := mr.Get(redis.LeaderKey)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", holder)

	// a second worker against the same store stays follower
	redisClient, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	storeClient := store.NewClient(redisClient, zap.NewNop())
	follower, err := NewCoordinator(storeClient, hotcache.NewCache(), redisClient, cfg, "worker-b", store.SeedDefaults{}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, follower.isLeader(ctx))

	// lease expiry hands leadership over
	mr.FastForward(2 * leaderLeaseTTL)
	assert.True(t, follower.isLeader(ctx))
}

func TestLeaderTaskRunsOnTick(t *testing.T) {
	cfg := &configtypes.SyncConfig{
		Interval:    types.Duration(30 * time.Second),
		WorkerIndex: 0,
	}
	coord, _, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()
	require.NoError(t, coord.Start(ctx))

	runs := 0
	coord.RegisterLeaderTask(LeaderTask{
		Name: "baseline",
		Run: func(context.Context) error {
			runs++
			return nil
		},
	})

	coord.tick(ctx, 1)
	coord.tick(ctx, 2)
	assert.Equal(t, 2, runs)
}

func TestTickUpgradesStaleBuiltinRecords(t *testing.T) {
	coord, _, mr := newTestCoordinator(t, nil)
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))

	// simulate a record left behind by an older deploy
	stale := types.FingerprintProfile{
		ID:      "standard",
		Fields:  []string{"email"},
		Builtin: true,
	}
	data, err := json.Marshal(&stale)
	require.NoError(t, err)
	require.NoError(t, mr.Set(redis.FingerprintProfileKey("standard"), string(data)))

	coord.tick(ctx, 1)

	raw, err := mr.Get(redis.FingerprintProfileKey("standard"))
	require.NoError(t, err)
	var upgraded types.FingerprintProfile
	require.NoError(t, json.Unmarshal([]byte(raw), &upgraded))
	assert.True(t, upgraded.Builtin)
	assert.Greater(t, upgraded.BuiltinVersion, 0)
	assert.NotEqual(t, []string{"email"}, upgraded.Fields)
}

func TestObserverSeesTickOutcomes(t *testing.T) {
	coord, cache, mr := newTestCoordinator(t, nil)
	ctx := context.Background()

	type tickReport struct {
		ok      bool
		version uint64
	}
	var reports []tickReport
	coord.WithObserver(func(ok bool, version uint64) {
		reports = append(reports, tickReport{ok, version})
	})

	require.NoError(t, coord.Start(ctx))
	coord.tick(ctx, 1)

	mr.Close()
	coord.tick(ctx, 2)

	require.Len(t, reports, 2)
	assert.True(t, reports[0].ok)
	assert.Equal(t, cache.Version(), reports[0].version)
	assert.False(t, reports[1].ok)
	// a failed pull reports the version still being served
	assert.Equal(t, cache.Version(), reports[1].version)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := &configtypes.SyncConfig{Interval: types.Duration(10 * time.Millisecond)}
	coord, cache, mr := newTestCoordinator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coord.Start(ctx))

	mr.SAdd(redis.KeyBlockedKeywords, "casino")

	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return cache.Version() > 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
