// Package sync runs the periodic config pull that keeps each worker's
// hot cache current. A tick that fails or panics leaves the previous
// snapshot in place; the gateway keeps serving stale-but-valid policy.
package sync

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/store"
)

const leaderLeaseTTL = 90 * time.Second

// LeaderTask is a named job that runs on at most one worker per tick.
type LeaderTask struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator pulls config snapshots on a fixed interval and swaps
// them into the hot cache.
type Coordinator struct {
	store      *store.Client
	cache      *hotcache.Cache
	redis      *redis.Client
	config     *configtypes.SyncConfig
	instanceID string
	logger     *zap.Logger

	seedDefaults store.SeedDefaults
	observer     func(ok bool, version uint64)

	lastTickMu   sync.RWMutex
	lastTickTime time.Time
	lastTickOK   bool

	taskMu      sync.Mutex
	leaderTasks []LeaderTask
}

// NewCoordinator creates a sync coordinator. seedDefaults supplies the
// records written on first start when the store is empty.
func NewCoordinator(
	storeClient *store.Client,
	cache *hotcache.Cache,
	redisClient *redis.Client,
	cfg *configtypes.SyncConfig,
	instanceID string,
	seedDefaults store.SeedDefaults,
	logger *zap.Logger,
) (*Coordinator, error) {
	if storeClient == nil {
		return nil, fmt.Errorf("store client is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("sync config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Coordinator{
		store:        storeClient,
		cache:        cache,
		redis:        redisClient,
		config:       cfg,
		instanceID:   instanceID,
		seedDefaults: seedDefaults,
		logger:       logger,
	}, nil
}

// WithObserver installs a callback invoked after every tick with the
// outcome and the current snapshot version. Set before calling Run.
func (c *Coordinator) WithObserver(fn func(ok bool, version uint64)) *Coordinator {
	c.observer = fn
	return c
}

// RegisterLeaderTask adds a job that runs once per tick on the leader
// only. Register before calling Run.
func (c *Coordinator) RegisterLeaderTask(task LeaderTask) {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	c.leaderTasks = append(c.leaderTasks, task)
}

// Start seeds the store, performs the initial pull, and returns an
// error if no snapshot could be loaded. The gateway must not accept
// traffic before Start succeeds.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.store.Seed(ctx, c.seedDefaults); err != nil {
		return fmt.Errorf("seeding defaults: %w", err)
	}

	if err := c.pull(ctx); err != nil {
		return fmt.Errorf("initial config pull: %w", err)
	}

	c.logger.Info("Initial config snapshot loaded",
		zap.Uint64("version", c.cache.Version()))
	return nil
}

// Run is the sync loop. It blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	interval := time.Duration(c.config.Interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Sync coordinator started",
		zap.Duration("interval", interval),
		zap.Bool("leader_election", c.config.LeaderElection))

	tickCount := 0
	for {
		select {
		case <-ticker.C:
			tickCount++
			c.tick(ctx, tickCount)
		case <-ctx.Done():
			c.logger.Info("Sync coordinator shutdown requested")
			return
		}
	}
}

// tick runs one sync pass inside a recovery boundary. A panic in pull
// or snapshot conversion must never take down the worker.
func (c *Coordinator) tick(ctx context.Context, tickCount int) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Sync tick panicked, keeping previous snapshot",
				zap.Int("tick", tickCount),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			c.recordTick(false)
		}
	}()

	if err := c.pull(ctx); err != nil {
		c.logger.Error("Sync tick failed, keeping previous snapshot",
			zap.Int("tick", tickCount),
			zap.Uint64("current_version", c.cache.Version()),
			zap.Error(err))
		c.recordTick(false)
		return
	}
	c.recordTick(true)

	if tickCount%10 == 0 {
		c.logger.Info("Sync status",
			zap.Int("tick", tickCount),
			zap.Uint64("snapshot_version", c.cache.Version()))
	}

	if c.isLeader(ctx) {
		// also re-runs the builtin upgrade pass, so records from an
		// older deploy are rewritten without a restart
		if err := c.store.Seed(ctx, c.seedDefaults); err != nil {
			c.logger.Warn("Builtin seed pass failed", zap.Error(err))
		}
		c.runLeaderTasks(ctx)
	}
}

func (c *Coordinator) pull(ctx context.Context) error {
	started := time.Now().UTC()

	snap, err := c.store.PullSnapshot(ctx)
	if err != nil {
		return err
	}

	version := c.cache.PutSnapshot(snap)
	c.logger.Debug("Config snapshot swapped",
		zap.Uint64("version", version),
		zap.Int("vhosts", len(snap.Vhosts)),
		zap.Int("endpoints", len(snap.Endpoints)),
		zap.Int("profiles", len(snap.Profiles)),
		zap.Duration("duration", time.Since(started)))
	return nil
}

// isLeader reports whether this worker should run singleton tasks this
// tick. With leader election enabled it holds a store-side lease;
// otherwise worker index 0 is the static leader.
func (c *Coordinator) isLeader(ctx context.Context) bool {
	if !c.config.LeaderElection {
		return c.config.WorkerIndex == 0
	}

	acquired, err := c.redis.SetNX(ctx, redis.LeaderKey, c.instanceID, leaderLeaseTTL)
	if err != nil {
		c.logger.Warn("Leader lease check failed", zap.Error(err))
		return false
	}
	if acquired {
		c.logger.Debug("Acquired leader lease", zap.String("instance_id", c.instanceID))
		return true
	}

	holder, err := c.redis.Get(ctx, redis.LeaderKey)
	if err != nil {
		return false
	}
	if holder != c.instanceID {
		return false
	}
	// Refresh our own lease.
	if err := c.redis.Expire(ctx, redis.LeaderKey, leaderLeaseTTL); err != nil {
		c.logger.Warn("Leader lease refresh failed", zap.Error(err))
	}
	return true
}

func (c *Coordinator) runLeaderTasks(ctx context.Context) {
	c.taskMu.Lock()
	tasks := make([]LeaderTask, len(c.leaderTasks))
	copy(tasks, c.leaderTasks)
	c.taskMu.Unlock()

	for _, task := range tasks {
		if err := task.Run(ctx); err != nil {
			c.logger.Error("Leader task failed",
				zap.String("task", task.Name),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) recordTick(ok bool) {
	c.lastTickMu.Lock()
	c.lastTickTime = time.Now().UTC()
	c.lastTickOK = ok
	c.lastTickMu.Unlock()
	if c.observer != nil {
		c.observer(ok, c.cache.Version())
	}
}

// LastTick reports when the most recent sync pass finished and whether
// it succeeded. Used by the readiness endpoint.
func (c *Coordinator) LastTick() (time.Time, bool) {
	c.lastTickMu.RLock()
	defer c.lastTickMu.RUnlock()
	return c.lastTickTime, c.lastTickOK
}
