package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/dispatcher"
	"github.com/wegent/sandbox-control-plane/internal/events"
	"github.com/wegent/sandbox-control-plane/internal/heartbeat"
	"github.com/wegent/sandbox-control-plane/internal/lock"
)

// Runner is the ExecutionRunner contract the manager delegates the actual
// HTTP dispatch to, narrowed to avoid an import cycle with internal/runner.
type Runner interface {
	RunWithTimeout(ctx context.Context, sb *Sandbox, ex *Execution, timeout int, hooks RunnerHooks) bool
}


// RunnerHooks mirrors runner.Hooks; redeclared here to keep this package
// import-cycle-free while matching the concrete type's method shape.
type RunnerHooks struct {
	OnRunning  func(*Execution)
	OnComplete func(*Execution)
	OnError    func(*Execution)
}

// ManagerConfig holds the tunables §4.5 calls out by name.
type ManagerConfig struct {
	SandboxTimeoutDefault   time.Duration // 30m
	ExecutionTimeoutDefault time.Duration // 10m
	ContainerReadyTimeout   time.Duration // ~20s
	HeartbeatGracePeriod    time.Duration // 30s
	RedisTTL                time.Duration // 24h, expiry threshold for GC
	GCInterval              time.Duration // 1h
	ExecutorImage           string
}

func defaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SandboxTimeoutDefault:   30 * time.Minute,
		ExecutionTimeoutDefault: 10 * time.Minute,
		ContainerReadyTimeout:   20 * time.Second,
		HeartbeatGracePeriod:    30 * time.Second,
		RedisTTL:                24 * time.Hour,
		GCInterval:              time.Hour,
	}
}

// Manager is the SandboxManager: the central lifecycle orchestrator for
// E2B-compatible sandboxes (spec §4.5).
type Manager struct {
	cfg        ManagerConfig
	repo       *Repository
	health     *HealthChecker
	dispatcher dispatcher.ExecutorDispatcher
	runner     Runner
	heartbeats *heartbeat.Manager
	lock       *lock.DistributedLock
	log        zerolog.Logger
	now        func() time.Time
	events     *events.Publisher
}

// SetEventPublisher wires an events.Publisher for lifecycle fan-out; a nil
// publisher (the default) leaves every transition silently unpublished,
// matching Publisher's own nil-JetStream no-op behavior.
func (m *Manager) SetEventPublisher(pub *events.Publisher) {
	m.events = pub
}

func (m *Manager) publish(ctx context.Context, kind events.Kind, sb *Sandbox, status string, detail map[string]any) {
	if m.events == nil {
		return
	}
	taskID := sb.Metadata.GetString("task_id")
	m.events.Publish(ctx, kind, sb.SandboxID, taskID, "", status, detail)
}

// NewManager wires a Manager from its collaborators. Zero-value fields of
// cfg are filled with the spec's documented defaults.
func NewManager(cfg ManagerConfig, repo *Repository, health *HealthChecker, disp dispatcher.ExecutorDispatcher, runner Runner, heartbeats *heartbeat.Manager, dl *lock.DistributedLock, log zerolog.Logger) *Manager {
	d := defaultManagerConfig()
	if cfg.SandboxTimeoutDefault <= 0 {
		cfg.SandboxTimeoutDefault = d.SandboxTimeoutDefault
	}
	if cfg.ExecutionTimeoutDefault <= 0 {
		cfg.ExecutionTimeoutDefault = d.ExecutionTimeoutDefault
	}
	if cfg.ContainerReadyTimeout <= 0 {
		cfg.ContainerReadyTimeout = d.ContainerReadyTimeout
	}
	if cfg.HeartbeatGracePeriod <= 0 {
		cfg.HeartbeatGracePeriod = d.HeartbeatGracePeriod
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = d.RedisTTL
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = d.GCInterval
	}
	return &Manager{
		cfg:        cfg,
		repo:       repo,
		health:     health,
		dispatcher: disp,
		runner:     runner,
		heartbeats: heartbeats,
		lock:       dl,
		log:        log.With().Str("component", "sandbox_manager").Logger(),
		now:        time.Now,
	}
}

// CreateSandbox creates, or reuses a healthy existing, sandbox for
// metadata["task_id"] (spec §4.5.1).
func (m *Manager) CreateSandbox(ctx context.Context, shellType ShellType, userID, userName string, timeout time.Duration, workspaceRef string, botConfig map[string]any, metadata Metadata) (*Sandbox, error) {
	if timeout <= 0 {
		timeout = m.cfg.SandboxTimeoutDefault
	}

	meta := metadata.clone()
	taskID := meta.GetString("task_id")
	if taskID == "" {
		if v, ok := meta["task_id"]; ok {
			taskID = fmt.Sprint(v)
		}
	}
	if taskID == "" {
		return nil, fmt.Errorf("metadata.task_id is required")
	}

	if existing := m.repo.LoadSandbox(ctx, taskID); existing != nil && existing.IsActive() {
		if existing.BaseURL != "" && m.health.CheckHealth(ctx, existing.BaseURL) {
			existing.ExpiresAt = m.now().Add(timeout).Unix()
			m.repo.SaveSandbox(ctx, existing)
			m.log.Info().Str("sandbox_id", existing.SandboxID).Msg("reusing existing sandbox")
			return existing, nil
		}
		m.log.Warn().Str("sandbox_id", existing.SandboxID).Msg("existing sandbox failed health check, cleaning up")
		m.cleanupDeadSandbox(ctx, existing)
	}

	if workspaceRef != "" {
		meta["workspace_ref"] = workspaceRef
	}
	if botConfig != nil {
		meta["bot_config"] = botConfig
	}

	now := m.now()
	sb := &Sandbox{
		SandboxID:      taskID,
		ShellType:      shellType,
		Status:         StatusPending,
		UserID:         userID,
		UserName:       userName,
		CreatedAt:      now.Unix(),
		LastActivityAt: now.Unix(),
		ExpiresAt:      now.Add(timeout).Unix(),
		Metadata:       meta,
	}
	m.repo.SaveSandbox(ctx, sb)
	m.publish(ctx, events.SandboxCreated, sb, string(sb.Status), nil)

	if err := m.startSandboxContainer(ctx, sb); err != nil {
		sb.Status = StatusFailed
		sb.ErrorMessage = err.Error()
		m.repo.SaveSandbox(ctx, sb)
		m.publish(ctx, events.SandboxFailed, sb, string(sb.Status), map[string]any{"error": err.Error()})
		return sb, err
	}

	m.log.Info().Str("sandbox_id", sb.SandboxID).Str("container", sb.ContainerName).Str("base_url", sb.BaseURL).Msg("sandbox created")
	m.publish(ctx, events.SandboxRunning, sb, string(sb.Status), nil)
	return sb, nil
}

func (m *Manager) startSandboxContainer(ctx context.Context, sb *Sandbox) error {
	taskData := m.buildSandboxTask(sb)

	result, err := m.dispatcher.SubmitExecutor(ctx, taskData)
	if err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%s", orUnknown(result.ErrorMessage))
	}

	containerName := result.ExecutorName
	if containerName == "" {
		containerName = sb.ContainerName
	}
	sb.ContainerName = containerName

	baseURL, ok := m.health.WaitForContainerReady(ctx, func(ctx context.Context) (string, bool) {
		addr, err := m.dispatcher.GetContainerAddress(ctx, containerName)
		if err != nil || !addr.Success {
			return "", false
		}
		return addr.BaseURL, true
	}, int(m.cfg.ContainerReadyTimeout/time.Second), time.Second)
	if !ok {
		return fmt.Errorf("container %s failed to become ready", containerName)
	}

	sb.Status = StatusRunning
	sb.BaseURL = baseURL
	sb.StartedAt = m.now().Unix()
	m.repo.SaveSandbox(ctx, sb)
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error creating container"
	}
	return s
}

// buildSandboxTask builds the minimal task payload the dispatcher submits
// for a sandbox container: empty prompt, waits for executions (§4.5.1 step 4).
func (m *Manager) buildSandboxTask(sb *Sandbox) dispatcher.TaskData {
	botConfig, _ := sb.Metadata["bot_config"].(map[string]any)

	return dispatcher.TaskData{
		TaskID: sb.SandboxID,
		Type:   "sandbox",
		Prompt: "",
		Bot: []dispatcher.BotConfig{
			{ShellType: string(sb.ShellType), AgentConfig: botConfig},
		},
		User:          dispatcher.UserRef{ID: sb.UserID, Name: sb.UserName},
		Metadata:      map[string]any{"sandbox_id": sb.SandboxID, "workspace_ref": sb.Metadata["workspace_ref"]},
		Timeout:       int((sb.ExpiresAt - sb.CreatedAt)),
		ExecutorImage: m.cfg.ExecutorImage,
	}
}

func (m *Manager) cleanupDeadSandbox(ctx context.Context, sb *Sandbox) {
	if sb.ContainerName != "" {
		if _, err := m.dispatcher.DeleteExecutor(ctx, sb.ContainerName); err != nil {
			m.log.Debug().Err(err).Msg("cleanup_dead_sandbox: delete_executor failed (ignored)")
		}
	}
	m.repo.DeleteSandbox(ctx, sb.SandboxID)
	m.log.Info().Str("sandbox_id", sb.SandboxID).Msg("cleaned up dead sandbox")
}

// GetSandbox loads a sandbox, optionally refreshing its health status
// in-memory (does not persist a health-triggered FAILED transition — the
// crash sweep owns that).
func (m *Manager) GetSandbox(ctx context.Context, sandboxID string, checkHealth bool) *Sandbox {
	sb := m.repo.LoadSandbox(ctx, sandboxID)
	if sb == nil {
		return nil
	}
	if checkHealth && sb.BaseURL != "" && !m.health.CheckHealth(ctx, sb.BaseURL) {
		sb.Status = StatusFailed
		sb.BaseURL = ""
	}
	return sb
}

// TerminateSandbox tears a sandbox down (spec §4.5.2). Idempotent: already
// TERMINATED/TERMINATING, or already deleted from Redis, returns success
// without further action.
func (m *Manager) TerminateSandbox(ctx context.Context, sandboxID string) (bool, string) {
	sb := m.repo.LoadSandbox(ctx, sandboxID)
	if sb == nil {
		return true, fmt.Sprintf("Sandbox %s not found", sandboxID)
	}
	if sb.Status == StatusTerminated || sb.Status == StatusTerminating {
		return true, fmt.Sprintf("Sandbox %s already terminated", sandboxID)
	}

	m.log.Info().Str("sandbox_id", sandboxID).Msg("terminating sandbox")
	sb.Status = StatusTerminating
	m.repo.SaveSandbox(ctx, sb)

	if sb.ContainerName != "" {
		if result, err := m.dispatcher.DeleteExecutor(ctx, sb.ContainerName); err != nil || !result.Success {
			m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to delete container")
		}
	}

	sb.Status = StatusTerminated
	m.repo.DeleteSandbox(ctx, sandboxID)
	m.publish(ctx, events.SandboxTerminated, sb, string(sb.Status), nil)

	m.log.Info().Str("sandbox_id", sandboxID).Msg("sandbox terminated")
	return true, fmt.Sprintf("Sandbox %s terminated successfully", sandboxID)
}

// PauseSandbox is only valid from RUNNING (spec §4.5.2).
func (m *Manager) PauseSandbox(ctx context.Context, sandboxID string) (bool, string) {
	sb := m.repo.LoadSandbox(ctx, sandboxID)
	if sb == nil {
		return false, fmt.Sprintf("Sandbox %s not found", sandboxID)
	}
	if sb.Status != StatusRunning {
		return false, fmt.Sprintf("Sandbox %s is not running (status: %s)", sandboxID, sb.Status)
	}

	if err := m.dispatcher.PauseExecutor(ctx, sb.ContainerName); err != nil {
		return false, fmt.Sprintf("Failed to pause container: %v", err)
	}

	sb.Status = StatusPending
	sb.Metadata["paused"] = true
	sb.Metadata["paused_at"] = m.now().Unix()
	m.repo.SaveSandbox(ctx, sb)

	return true, fmt.Sprintf("Sandbox %s paused successfully", sandboxID)
}

// ResumeSandbox is only valid when metadata.paused (spec §4.5.2).
func (m *Manager) ResumeSandbox(ctx context.Context, sandboxID string) (bool, string) {
	sb := m.repo.LoadSandbox(ctx, sandboxID)
	if sb == nil {
		return false, fmt.Sprintf("Sandbox %s not found", sandboxID)
	}
	if !sb.Metadata.GetBool("paused") {
		return false, fmt.Sprintf("Sandbox %s is not paused", sandboxID)
	}

	if err := m.dispatcher.UnpauseExecutor(ctx, sb.ContainerName); err != nil {
		return false, fmt.Sprintf("Failed to resume container: %v", err)
	}

	sb.Status = StatusRunning
	delete(sb.Metadata, "paused")
	delete(sb.Metadata, "paused_at")
	m.repo.SaveSandbox(ctx, sb)

	return true, fmt.Sprintf("Sandbox %s resumed successfully", sandboxID)
}

// KeepAlive extends a sandbox's expiry (spec §4.5.3).
func (m *Manager) KeepAlive(ctx context.Context, sandboxID string, additional time.Duration) (*Sandbox, error) {
	if additional <= 0 {
		additional = m.cfg.SandboxTimeoutDefault
	}
	sb := m.repo.LoadSandbox(ctx, sandboxID)
	if sb == nil {
		return nil, fmt.Errorf("Sandbox %s not found", sandboxID)
	}
	if !sb.IsActive() {
		return nil, fmt.Errorf("Sandbox %s is not active (status: %s)", sandboxID, sb.Status)
	}

	sb.ExpiresAt += int64(additional.Seconds())
	m.repo.SaveSandbox(ctx, sb)

	return sb, nil
}

// CreateExecution creates an execution within an active, healthy sandbox
// and returns it without starting it (spec §4.5.4). Scheduling the run is the caller's
// responsibility via RunExecution — kept separate so the manager never
// spawns an untracked goroutine behind the caller's back.
func (m *Manager) CreateExecution(ctx context.Context, sandboxID, prompt string, timeout time.Duration, metadata Metadata) (*Execution, error) {
	if timeout <= 0 {
		timeout = m.cfg.ExecutionTimeoutDefault
	}

	sb := m.GetSandbox(ctx, sandboxID, true)
	if sb == nil {
		return nil, fmt.Errorf("Sandbox %s not found", sandboxID)
	}
	if !sb.IsActive() {
		return nil, fmt.Errorf("Sandbox %s is not active (status: %s)", sandboxID, sb.Status)
	}

	meta := metadata.clone()
	subtaskID := meta.GetString("subtask_id")
	if subtaskID == "" {
		return nil, fmt.Errorf("subtask_id is required in metadata")
	}
	meta["timeout"] = int(timeout.Seconds())
	meta["task_id"] = sandboxID
	meta["sandbox_id"] = sb.SandboxID

	now := m.now()
	ex := &Execution{
		ExecutionID: uuid.New().String(),
		SandboxID:   sb.SandboxID,
		Prompt:      prompt,
		Status:      ExecutionPending,
		CreatedAt:   now.Unix(),
		Metadata:    meta,
	}

	m.repo.SaveSandbox(ctx, sb)
	m.repo.SaveExecution(ctx, ex)
	m.publish(ctx, events.ExecutionStarted, sb, string(ex.Status), map[string]any{"execution_id": ex.ExecutionID, "subtask_id": subtaskID})

	m.log.Info().Str("execution_id", ex.ExecutionID).Str("sandbox_id", sandboxID).Str("subtask_id", subtaskID).Msg("created execution")
	return ex, nil
}

// RunExecution drives the execution to completion via Runner, persisting
// state transitions at each hook (spec §4.5.5). Intended to run in its own
// goroutine, started by the caller immediately after CreateExecution.
func (m *Manager) RunExecution(ctx context.Context, sb *Sandbox, ex *Execution, timeout time.Duration) {
	hooks := RunnerHooks{
		OnRunning: func(e *Execution) { m.repo.SaveExecution(ctx, e) },
		OnError: func(e *Execution) {
			m.repo.SaveExecution(ctx, e)
			m.publish(ctx, events.ExecutionFailed, sb, string(e.Status), map[string]any{"execution_id": e.ExecutionID, "error": e.ErrorMessage})
		},
		OnComplete: func(e *Execution) {
			sb.Touch(m.now())
			m.repo.SaveSandbox(ctx, sb)
			m.publish(ctx, events.ExecutionCompleted, sb, string(e.Status), map[string]any{"execution_id": e.ExecutionID})
		},
	}

	ok := m.runner.RunWithTimeout(ctx, sb, ex, int(timeout.Seconds()), hooks)
	if ok {
		m.log.Info().Str("execution_id", ex.ExecutionID).Msg("execution accepted")
	} else {
		m.log.Info().Str("execution_id", ex.ExecutionID).Str("status", string(ex.Status)).Str("error", ex.ErrorMessage).Msg("execution failed")
	}
}

// GetExecution resolves sandboxID as either a numeric task_id or an opaque
// E2B sandbox uuid (dual addressing, spec §4.5.6).
func (m *Manager) GetExecution(ctx context.Context, sandboxID, subtaskID string) *Execution {
	if _, err := strconv.ParseInt(sandboxID, 10, 64); err == nil {
		if ex := m.repo.LoadExecution(ctx, sandboxID, subtaskID); ex != nil {
			return ex
		}
	}

	for _, sid := range m.repo.GetActiveSandboxIDs(ctx) {
		sb := m.repo.LoadSandbox(ctx, sid)
		if sb == nil {
			continue
		}
		if sb.Metadata.GetString("e2b_sandbox_id") == sandboxID {
			if taskID := sb.TaskID(); taskID != "" {
				return m.repo.LoadExecution(ctx, taskID, subtaskID)
			}
		}
	}
	return nil
}

// ListExecutions mirrors GetExecution's dual-addressing strategy.
func (m *Manager) ListExecutions(ctx context.Context, sandboxID string) ([]*Execution, error) {
	if _, err := strconv.ParseInt(sandboxID, 10, 64); err == nil {
		execs := m.repo.ListExecutions(ctx, sandboxID)
		if len(execs) > 0 {
			return execs, nil
		}
	}

	for _, sid := range m.repo.GetActiveSandboxIDs(ctx) {
		sb := m.repo.LoadSandbox(ctx, sid)
		if sb == nil {
			continue
		}
		if sb.Metadata.GetString("e2b_sandbox_id") == sandboxID {
			if taskID := sb.TaskID(); taskID != "" {
				return m.repo.ListExecutions(ctx, taskID), nil
			}
		}
	}
	return nil, fmt.Errorf("Sandbox %s not found", sandboxID)
}

// CheckHeartbeats is the sandbox-class periodic sweep (spec §4.5.7).
func (m *Manager) CheckHeartbeats(ctx context.Context) {
	taskIDs := m.repo.GetActiveSandboxIDs(ctx)
	if len(taskIDs) == 0 {
		return
	}

	for _, taskID := range taskIDs {
		sb := m.repo.LoadSandbox(ctx, taskID)
		if sb == nil || sb.Status != StatusRunning {
			continue
		}

		if m.heartbeats.CheckHeartbeat(ctx, taskID, heartbeat.KindSandbox) {
			continue
		}

		last, _ := m.heartbeats.GetLastHeartbeat(ctx, taskID, heartbeat.KindSandbox)
		sandboxAge := m.now().Sub(time.Unix(sb.CreatedAt, 0))
		if sandboxAge <= m.cfg.HeartbeatGracePeriod {
			continue
		}

		m.log.Warn().Str("sandbox_id", taskID).Dur("age", sandboxAge).Msg("heartbeat timeout")
		lastHeartbeat := last
		if lastHeartbeat.IsZero() {
			lastHeartbeat = time.Unix(sb.LastActivityAt, 0)
		}
		m.handleExecutorDead(ctx, taskID, lastHeartbeat)
	}
}

// handleExecutorDead is the sandbox-class crash path (spec §4.5.7). It
// marks the sandbox and its running executions FAILED, but deliberately
// does NOT delete the session hash — GC cleans it up later so clients can
// still poll for execution status.
func (m *Manager) handleExecutorDead(ctx context.Context, sandboxID string, lastHeartbeat time.Time) {
	m.log.Warn().Str("sandbox_id", sandboxID).Msg("handling executor death")

	if execs, err := m.ListExecutions(ctx, sandboxID); err == nil {
		for _, ex := range execs {
			if ex.Status == ExecutionRunning {
				ex.SetFailed("SubAgent crashed", m.now())
				m.repo.SaveExecution(ctx, ex)
				m.log.Info().Str("execution_id", ex.ExecutionID).Msg("marked execution failed due to executor death")
			}
		}
	}

	m.heartbeats.DeleteHeartbeat(ctx, sandboxID, heartbeat.KindSandbox)

	sb := m.repo.LoadSandbox(ctx, sandboxID)
	if sb == nil {
		return
	}
	sb.Status = StatusFailed
	sb.ErrorMessage = "SubAgent crashed"
	m.repo.SaveSandbox(ctx, sb)
	m.repo.RemoveFromActiveSet(ctx, sandboxID)
	m.log.Info().Str("sandbox_id", sandboxID).Msg("marked sandbox failed, data preserved for client polling")

	if sb.ContainerName != "" {
		if result, err := m.dispatcher.DeleteExecutor(ctx, sb.ContainerName); err != nil || !result.Success {
			m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to delete container")
		}
	}
}

// CollectExpiredSandboxes is the GC sweep (spec §4.5.9 / §5). The caller
// (internal/scheduler) guards this against concurrent execution across a
// multi-replica deployment via the "sandbox_gc" distributed lock; this
// method does not re-acquire it.
func (m *Manager) CollectExpiredSandboxes(ctx context.Context) {
	m.log.Info().Msg("running sandbox GC")
	expired := m.repo.GetExpiredSandboxIDs(ctx, m.cfg.RedisTTL)
	if len(expired) == 0 {
		m.log.Info().Msg("no expired sandboxes found")
		return
	}
	m.log.Info().Int("count", len(expired)).Msg("found expired sandboxes to clean up")

	for _, taskID := range expired {
		if err := m.terminateExpiredSandbox(ctx, taskID); err != nil {
			m.log.Warn().Err(err).Str("sandbox_id", taskID).Msg("failed to terminate expired sandbox")
		}
	}
}

func (m *Manager) terminateExpiredSandbox(ctx context.Context, taskID string) error {
	sb := m.repo.LoadSandbox(ctx, taskID)
	if sb == nil {
		m.repo.RemoveFromActiveSet(ctx, taskID)
		m.log.Debug().Str("sandbox_id", taskID).Msg("cleaned orphaned ZSet entry")
		return nil
	}

	m.log.Info().Str("sandbox_id", sb.SandboxID).Int64("last_activity", sb.LastActivityAt).Msg("terminating expired sandbox")
	ok, msg := m.TerminateSandbox(ctx, taskID)
	if !ok {
		return fmt.Errorf("%s", msg)
	}
	return nil
}
