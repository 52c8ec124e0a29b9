// Package scheduler runs the control plane's periodic background jobs:
// sandbox heartbeat sweep, regular-task heartbeat sweep, and sandbox
// garbage collection, grounded on
// original_source/executor_manager/services/sandbox/scheduler.go's
// SandboxScheduler (APScheduler-backed) but reimplemented on gocron/v2,
// matching the teacher's preference for a real scheduling library over a
// hand-rolled ticker loop (cf. internal/aor/monitor.go's monitoringLoop,
// which this generalizes from one ticker into three named, lock-guarded
// jobs).
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/lock"
)

const (
	// DefaultHeartbeatCheckInterval mirrors HEARTBEAT_CHECK_INTERVAL (default 5s).
	DefaultHeartbeatCheckInterval = 5 * time.Second
	// DefaultGCInterval mirrors GC_INTERVAL (default 1h).
	DefaultGCInterval = time.Hour

	// misfireGrace mirrors APScheduler's misfire_grace_time=30.
	misfireGrace = 30 * time.Second

	sandboxHeartbeatLockName = "sandbox_heartbeat_check"
	taskHeartbeatLockName    = "task_heartbeat_check"
	sandboxGCLockName        = "sandbox_gc"
)

// SandboxHeartbeatChecker detects dead executor containers for sandboxes.
type SandboxHeartbeatChecker interface {
	CheckHeartbeats(ctx context.Context)
}

// TaskHeartbeatChecker detects OOM/crashed regular-task executions.
type TaskHeartbeatChecker interface {
	CheckHeartbeats(ctx context.Context)
}

// SandboxGC collects expired sandboxes.
type SandboxGC interface {
	CollectExpiredSandboxes(ctx context.Context)
}

// Config holds the tunable intervals, defaulted by New.
type Config struct {
	HeartbeatCheckInterval time.Duration
	GCInterval             time.Duration
}

// Scheduler wires three gocron/v2 jobs, each run under a short-TTL
// distributed lock so only one instance of a multi-replica deployment
// executes a given sweep at a time — the Go analogue of APScheduler's
// single-process max_instances=1 guarantee, extended to a multi-process
// deployment the teacher's in-process monitor never had to consider.
type Scheduler struct {
	cfg        Config
	dl         *lock.DistributedLock
	sandboxes  SandboxHeartbeatChecker
	tasks      TaskHeartbeatChecker
	gc         SandboxGC
	log        zerolog.Logger
	sched      gocron.Scheduler
}

// New constructs a Scheduler. Any zero-value Config field is defaulted.
func New(cfg Config, dl *lock.DistributedLock, sandboxes SandboxHeartbeatChecker, tasks TaskHeartbeatChecker, gc SandboxGC, log zerolog.Logger) (*Scheduler, error) {
	if cfg.HeartbeatCheckInterval <= 0 {
		cfg.HeartbeatCheckInterval = DefaultHeartbeatCheckInterval
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:       cfg,
		dl:        dl,
		sandboxes: sandboxes,
		tasks:     tasks,
		gc:        gc,
		log:       log.With().Str("component", "scheduler").Logger(),
		sched:     s,
	}, nil
}

// Start registers and starts all three jobs. Coalesce (collapsing missed
// runs into one) and max_instances=1 are satisfied for free by
// gocron.WithSingletonMode(gocron.LimitModeReschedule), which skips a
// scheduled run entirely if the previous invocation of the same job is
// still executing rather than queuing it — the behavior APScheduler's
// max_instances=1 + coalesce=True combination produces.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.sched.NewJob(
		gocron.DurationJob(s.cfg.HeartbeatCheckInterval),
		gocron.NewTask(s.runLocked(ctx, sandboxHeartbeatLockName, s.cfg.HeartbeatCheckInterval+misfireGrace, s.sandboxHeartbeatJob)),
		gocron.WithName("sandbox_heartbeat_check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	if _, err := s.sched.NewJob(
		gocron.DurationJob(s.cfg.HeartbeatCheckInterval),
		gocron.NewTask(s.runLocked(ctx, taskHeartbeatLockName, 30*time.Second, s.taskHeartbeatJob)),
		gocron.WithName("task_heartbeat_check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	if _, err := s.sched.NewJob(
		gocron.DurationJob(s.cfg.GCInterval),
		gocron.NewTask(s.runLocked(ctx, sandboxGCLockName, s.cfg.GCInterval+misfireGrace, s.sandboxGCJob)),
		gocron.WithName("sandbox_gc"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}

	s.sched.Start()
	s.log.Info().
		Dur("heartbeat_interval", s.cfg.HeartbeatCheckInterval).
		Dur("gc_interval", s.cfg.GCInterval).
		Msg("scheduler started")
	return nil
}

// Stop shuts the scheduler down, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() error {
	err := s.sched.Shutdown()
	s.log.Info().Msg("scheduler stopped")
	return err
}

func (s *Scheduler) sandboxHeartbeatJob(ctx context.Context) {
	if s.sandboxes != nil {
		s.sandboxes.CheckHeartbeats(ctx)
	}
}

func (s *Scheduler) taskHeartbeatJob(ctx context.Context) {
	if s.tasks != nil {
		s.tasks.CheckHeartbeats(ctx)
	}
}

func (s *Scheduler) sandboxGCJob(ctx context.Context) {
	if s.gc != nil {
		s.gc.CollectExpiredSandboxes(ctx)
	}
}

// runLocked wraps fn so it only executes while holding a named distributed
// lock, closing over ctx since gocron.NewTask's func signature takes no
// context of its own in this wiring.
func (s *Scheduler) runLocked(ctx context.Context, lockName string, ttl time.Duration, fn func(ctx context.Context)) func() {
	return func() {
		if s.dl == nil {
			fn(ctx)
			return
		}
		acquired := s.dl.WithLock(ctx, lockName, ttl, fn)
		if !acquired {
			s.log.Debug().Str("lock", lockName).Msg("skipping run, lock held elsewhere")
		}
	}
}
