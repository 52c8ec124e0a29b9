// Package dispatcher defines the ExecutorDispatcher contract the
// SandboxManager drives to submit, inspect, and tear down container
// executors (spec §4.4). Concrete drivers (containerd-backed, in-memory
// mock) live in subpackages; this package only holds the interface and the
// structured request/response types every driver shares.
package dispatcher

import "context"

// TaskData is the payload a driver hands to the container on submission.
// Its shape mirrors ExecutionRunner's build_task_data (§4.6) for the
// sandbox-submission case: type="sandbox", empty prompt.
type TaskData struct {
	TaskID       string         `json:"task_id"`
	SubtaskID    string         `json:"subtask_id,omitempty"`
	Type         string         `json:"type"`
	Prompt       string         `json:"prompt"`
	Bot          []BotConfig    `json:"bot"`
	User         UserRef        `json:"user"`
	CallbackURL  string         `json:"callback_url"`
	Metadata     map[string]any `json:"metadata"`
	Timeout      int            `json:"timeout"`
	ExecutorImage string        `json:"-"`
}

// BotConfig is one element of the bot_config list, closed to the shell-type
// tagged variant (§9) with an opaque agent_config blob passed through.
type BotConfig struct {
	ShellType   string         `json:"shell_type"`
	AgentConfig map[string]any `json:"agent_config,omitempty"`
}

// UserRef identifies the requesting user, carried through to the container.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SubmitResult is returned by SubmitExecutor.
type SubmitResult struct {
	Success      bool
	ExecutorName string
	ErrorMessage string
}

// DeleteResult is returned by DeleteExecutor.
type DeleteResult struct {
	Success      bool
	ErrorMessage string
}

// AddressResult is returned by GetContainerAddress.
type AddressResult struct {
	Success bool
	BaseURL string
}

// ContainerStatus is the forensic snapshot used by the crash-detection
// decision tree (§4.5.8). Exists=false means the container is gone entirely;
// OOMKilled and ExitCode disambiguate a present-but-stopped container.
type ContainerStatus struct {
	Exists       bool
	Status       string // e.g. "running", "exited", "paused"
	OOMKilled    bool
	ExitCode     int
	ErrorMessage string
}

// ExecutorDispatcher is the abstract container-driver contract consumed by
// SandboxManager and RunningTaskTracker. Implementations are expected to be
// blocking; SandboxManager calls them from a worker goroutine, never from a
// request-serving one directly (see spec §5's scheduling model).
type ExecutorDispatcher interface {
	SubmitExecutor(ctx context.Context, task TaskData) (SubmitResult, error)
	DeleteExecutor(ctx context.Context, executorName string) (DeleteResult, error)
	PauseExecutor(ctx context.Context, executorName string) error
	UnpauseExecutor(ctx context.Context, executorName string) error
	GetContainerAddress(ctx context.Context, executorName string) (AddressResult, error)
	GetContainerStatus(ctx context.Context, executorName string) (ContainerStatus, error)
	GetExecutorCount(ctx context.Context) (int, error)
	GetExecutorTaskID(ctx context.Context, executorName string) (string, bool, error)
}
