package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/lock"
)

// memLockRedis is a minimal in-memory SETNX/DEL store backing lock.DistributedLock.
type memLockRedis struct {
	mu   sync.Mutex
	strs map[string]string
}

func newMemLockRedis() *memLockRedis {
	return &memLockRedis{strs: map[string]string{}}
}

func (m *memLockRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if _, exists := m.strs[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	m.strs[key] = "1"
	cmd.SetVal(true)
	return cmd
}

func (m *memLockRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := m.strs[k]; ok {
			delete(m.strs, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

type countingChecker struct {
	calls atomic.Int64
}

func (c *countingChecker) CheckHeartbeats(ctx context.Context) { c.calls.Add(1) }

type countingGC struct {
	calls atomic.Int64
}

func (c *countingGC) CollectExpiredSandboxes(ctx context.Context) { c.calls.Add(1) }

func TestSchedulerRunsAllThreeJobs(t *testing.T) {
	dl := lock.New(newMemLockRedis(), zerolog.Nop())
	sandboxes := &countingChecker{}
	tasks := &countingChecker{}
	gc := &countingGC{}

	s, err := New(Config{
		HeartbeatCheckInterval: 20 * time.Millisecond,
		GCInterval:             20 * time.Millisecond,
	}, dl, sandboxes, tasks, gc, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return sandboxes.calls.Load() > 0 && tasks.calls.Load() > 0 && gc.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerDefaultsZeroIntervals(t *testing.T) {
	s, err := New(Config{}, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatCheckInterval, s.cfg.HeartbeatCheckInterval)
	assert.Equal(t, DefaultGCInterval, s.cfg.GCInterval)
}

// selfLockingChecker mimics the bug this package's jobs must not have: a
// checker that re-acquires the same named lock the scheduler already holds
// for the duration of the job. Any real implementation built this way would
// be a permanent no-op in production, since SET NX on an already-held key
// always fails.
type selfLockingChecker struct {
	dl       *lock.DistributedLock
	lockName string
	calls    atomic.Int64
}

func (c *selfLockingChecker) CheckHeartbeats(ctx context.Context) {
	if !c.dl.Acquire(ctx, c.lockName, time.Second) {
		return
	}
	defer c.dl.Release(ctx, c.lockName)
	c.calls.Add(1)
}

func TestRunLockedCatchesJobThatReacquiresSharedLock(t *testing.T) {
	dl := lock.New(newMemLockRedis(), zerolog.Nop())
	s, err := New(Config{}, dl, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	checker := &selfLockingChecker{dl: dl, lockName: taskHeartbeatLockName}
	task := s.runLocked(context.Background(), taskHeartbeatLockName, time.Second, checker.CheckHeartbeats)
	task()

	assert.Equal(t, int64(0), checker.calls.Load(),
		"a checker that re-locks the scheduler's own lock name can never observe it free, and must never run")
}

// countingLockAwareChecker is the shape internal/heartbeat.Tracker and
// internal/sandbox.Manager must have: it does its work unconditionally,
// trusting the scheduler's runLocked wrapper for exclusion, rather than
// re-acquiring the lock itself.
type countingLockAwareChecker struct {
	calls atomic.Int64
}

func (c *countingLockAwareChecker) CheckHeartbeats(ctx context.Context) { c.calls.Add(1) }

func (c *countingLockAwareChecker) CollectExpiredSandboxes(ctx context.Context) { c.calls.Add(1) }

func TestSchedulerJobsRunWhenCheckerDoesNotReacquireSharedLock(t *testing.T) {
	dl := lock.New(newMemLockRedis(), zerolog.Nop())
	sandboxes := &countingLockAwareChecker{}
	tasks := &countingLockAwareChecker{}
	gc := &countingLockAwareChecker{}

	s, err := New(Config{
		HeartbeatCheckInterval: 20 * time.Millisecond,
		GCInterval:             20 * time.Millisecond,
	}, dl, sandboxes, tasks, gc, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return sandboxes.calls.Load() > 1 && tasks.calls.Load() > 1 && gc.calls.Load() > 1
	}, time.Second, 5*time.Millisecond,
		"jobs sharing dl with the scheduler must still run repeatedly, proving runLocked is the only lock owner")
}

func TestRunLockedSkipsWhenLockHeldElsewhere(t *testing.T) {
	redisConn := newMemLockRedis()
	dl := lock.New(redisConn, zerolog.Nop())
	s, err := New(Config{}, dl, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	// Hold the lock externally before the job tries to acquire it.
	dl.Acquire(context.Background(), sandboxHeartbeatLockName, time.Second)

	var ran bool
	task := s.runLocked(context.Background(), sandboxHeartbeatLockName, time.Second, func(ctx context.Context) {
		ran = true
	})
	task()

	assert.False(t, ran, "job body must not run while another holder owns the lock")
}
