// Package sandbox implements the sandbox lifecycle manager: the Sandbox and
// Execution data model, their Redis-backed persistence, and the orchestrator
// that creates, reuses, pauses, resumes, and tears down containerized
// sandboxes keyed by task identity.
package sandbox

import (
	"strconv"
	"strings"
	"time"
)

// Status is the Sandbox lifecycle state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusTerminating Status = "TERMINATING"
	StatusTerminated  Status = "TERMINATED"
	StatusFailed      Status = "FAILED"
)

// ExecutionStatus is the Execution lifecycle state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether status admits no further transition.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// ShellType is the closed tagged variant of agent engines a sandbox can run.
// Case-insensitive on the wire; callers should pass it through NormalizeShellType.
type ShellType string

const (
	ShellClaudeCode     ShellType = "claudecode"
	ShellAgno           ShellType = "agno"
	ShellDify           ShellType = "dify"
	ShellImageValidator ShellType = "imagevalidator"
)

// NormalizeShellType lower-cases and validates a wire-supplied shell type tag.
// An unrecognized tag is returned unchanged with ok=false so the caller can
// let it propagate to the container-start stage and fail there (per §7 of
// the spec: invalid shell_type is allowed to surface as a FAILED sandbox,
// not rejected synchronously).
func NormalizeShellType(raw string) (ShellType, bool) {
	lowered := ShellType(strings.ToLower(raw))
	switch lowered {
	case ShellClaudeCode, ShellAgno, ShellDify, ShellImageValidator:
		return lowered, true
	default:
		return lowered, false
	}
}

// Metadata is the free-form bag attached to both Sandbox and Execution.
// Required/optional keys are documented in the spec's data model section;
// it is kept as a map rather than a struct because the wire payload is
// genuinely open-ended (bot_config shapes vary per shell type).
type Metadata map[string]any

func (m Metadata) clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetString reads a string-valued key, returning "" if absent or not a string.
func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetBool reads a bool-valued key.
func (m Metadata) GetBool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Sandbox represents one isolated container serving one task identity.
//
// Invariant: SandboxID == stringified Metadata["task_id"]; at most one row
// per task_id lives in Redis at a time; BaseURL is non-empty iff Status is
// RUNNING; membership in the active-set ZSet holds iff Status != TERMINATED.
type Sandbox struct {
	SandboxID      string    `json:"sandbox_id"`
	ContainerName  string    `json:"container_name,omitempty"`
	ShellType      ShellType `json:"shell_type"`
	Status         Status    `json:"status"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	BaseURL        string    `json:"base_url,omitempty"`
	CreatedAt      int64     `json:"created_at"`
	StartedAt      int64     `json:"started_at,omitempty"`
	LastActivityAt int64     `json:"last_activity_at"`
	ExpiresAt      int64     `json:"expires_at,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Metadata       Metadata  `json:"metadata"`
}

// TaskID returns Metadata["task_id"] rendered as a string, or "" if absent.
func (s *Sandbox) TaskID() string {
	if s == nil {
		return ""
	}
	switch v := s.Metadata["task_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// IsActive reports whether the sandbox is in a non-terminal state.
func (s *Sandbox) IsActive() bool {
	return s != nil && s.Status != StatusTerminated && s.Status != StatusFailed
}

// IsPaused reports the PENDING-doubles-as-paused convention (§3).
func (s *Sandbox) IsPaused() bool {
	return s != nil && s.Status == StatusPending && s.Metadata.GetBool("paused")
}

// Touch refreshes LastActivityAt to now. Called after every successful
// execution dispatch so the active-set ordering reflects real usage.
func (s *Sandbox) Touch(now time.Time) {
	s.LastActivityAt = now.Unix()
}

// Execution is one attempt to run a prompt inside a Sandbox, identified per
// sandbox by subtask_id.
//
// Invariant: (task_id, subtask_id) is unique; terminal statuses are
// absorbing; Progress == 100 iff terminal.
type Execution struct {
	ExecutionID  string          `json:"execution_id"`
	SandboxID    string          `json:"sandbox_id"`
	Prompt       string          `json:"prompt"`
	Status       ExecutionStatus `json:"status"`
	Result       string          `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Progress     int             `json:"progress"`
	SilentExit   bool            `json:"silent_exit,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	StartedAt    int64           `json:"started_at,omitempty"`
	CompletedAt  int64           `json:"completed_at,omitempty"`
	Metadata     Metadata        `json:"metadata"`
}

func (e *Execution) TaskID() string    { return e.Metadata.GetString("task_id") }
func (e *Execution) SubtaskID() string { return e.Metadata.GetString("subtask_id") }

// SetRunning transitions PENDING -> RUNNING, recording the start time.
func (e *Execution) SetRunning(now time.Time) {
	e.Status = ExecutionRunning
	e.StartedAt = now.Unix()
}

// SetCompleted marks the execution COMPLETED with the given result value.
// Terminal transitions never fire if the execution is already terminal,
// preserving the "terminal is absorbing" invariant.
func (e *Execution) SetCompleted(result string, now time.Time) {
	if e.Status.IsTerminal() {
		return
	}
	e.Status = ExecutionCompleted
	e.Result = result
	e.Progress = 100
	e.CompletedAt = now.Unix()
}

// SetFailed marks the execution FAILED with a human-readable message.
func (e *Execution) SetFailed(message string, now time.Time) {
	if e.Status.IsTerminal() {
		return
	}
	e.Status = ExecutionFailed
	e.ErrorMessage = message
	e.Progress = 100
	e.CompletedAt = now.Unix()
}

// SetCancelled marks the execution CANCELLED. Cancellation is never surfaced
// as a failure (§7): terminal is COMPLETED-equivalent from the caller's
// perspective but the status itself is distinct for observability.
func (e *Execution) SetCancelled(now time.Time) {
	if e.Status.IsTerminal() {
		return
	}
	e.Status = ExecutionCancelled
	e.Progress = 100
	e.CompletedAt = now.Unix()
}

