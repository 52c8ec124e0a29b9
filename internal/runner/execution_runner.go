// Package runner implements ExecutionRunner: the component that posts an
// execution to its sandbox's executor container and enforces a
// request-level timeout, grounded on
// original_source/executor_manager/services/sandbox/execution_runner.py
// and the HTTP client idiom of sdk/go/agentflow/client.go.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

// TaskData mirrors build_task_data's JSON shape, posted to the executor's
// /api/tasks/execute endpoint (spec §6.1).
type TaskData struct {
	TaskID        any            `json:"task_id"`
	SubtaskID     any            `json:"subtask_id"`
	TaskTitle     string         `json:"task_title"`
	SubtaskTitle  string         `json:"subtask_title"`
	Type          string         `json:"type"`
	Prompt        string         `json:"prompt"`
	Status        string         `json:"status"`
	Progress      int            `json:"progress"`
	Bot           []BotConfig    `json:"bot"`
	User          UserRef        `json:"user"`
	CallbackURL   string         `json:"callback_url"`
	Metadata      map[string]any `json:"metadata"`
	Timeout       int            `json:"timeout"`
}

type BotConfig struct {
	ShellType   string         `json:"shell_type"`
	AgentConfig map[string]any `json:"agent_config,omitempty"`
}

type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Hooks are optional callbacks fired at each stage of RunWithTimeout,
// mirroring on_running/on_complete/on_error in the original. It is a type
// alias of sandbox.RunnerHooks so a *Runner satisfies sandbox.Manager's
// narrow Runner interface without sandbox importing this package.
type Hooks = sandbox.RunnerHooks

// Runner sends execution requests to executor containers with a bounded
// request timeout independent of the execution's own overall timeout.
type Runner struct {
	httpClient        *http.Client
	callbackURL       string
	httpRequestTimeout time.Duration
	log               zerolog.Logger
}

// New constructs a Runner. callbackURL is the manager's externally
// reachable callback endpoint embedded in every task_data payload.
// httpRequestTimeout bounds the initial "accepted" round trip; it is
// capped by each call's own timeout (never larger than it).
func New(callbackURL string, httpRequestTimeout time.Duration, log zerolog.Logger) *Runner {
	if httpRequestTimeout <= 0 {
		httpRequestTimeout = 10 * time.Second
	}
	return &Runner{
		httpClient:         &http.Client{},
		callbackURL:        callbackURL,
		httpRequestTimeout: httpRequestTimeout,
		log:                log.With().Str("component", "execution_runner").Logger(),
	}
}

// BuildTaskData assembles the executor-facing payload for execution,
// preferring the bot_config carried in Execution.Metadata (passed through
// from the upstream task dispatch) and falling back to a minimal
// single-entry bot list built from the sandbox's shell type.
func (r *Runner) BuildTaskData(sb *sandbox.Sandbox, ex *sandbox.Execution, timeout int) TaskData {
	taskID := ex.Metadata["task_id"]
	if taskID == nil {
		taskID = 0
	}
	subtaskID := ex.Metadata["subtask_id"]
	if subtaskID == nil {
		subtaskID = 0
	}

	execMetadata := map[string]any{
		"execution_id": ex.ExecutionID,
		"sandbox_id":   sb.SandboxID,
		"task_id":      taskID,
		"subtask_id":   subtaskID,
		"task_type":    ex.Metadata["task_type"],
	}

	var bot []BotConfig
	if raw, ok := ex.Metadata["bot_config"].([]BotConfig); ok && len(raw) > 0 {
		bot = raw
	} else if raw, ok := ex.Metadata["bot_config"].([]any); ok && len(raw) > 0 {
		bot = decodeBotConfigs(raw)
	}
	if len(bot) == 0 {
		bot = []BotConfig{{ShellType: string(sb.ShellType)}}
	}

	return TaskData{
		TaskID:       taskID,
		SubtaskID:    subtaskID,
		TaskTitle:    "Sandbox Execution",
		SubtaskTitle: ex.ExecutionID,
		Type:         "sandbox",
		Prompt:       ex.Prompt,
		Status:       "PENDING",
		Progress:     0,
		Bot:          bot,
		User:         UserRef{ID: sb.UserID, Name: sb.UserName},
		CallbackURL:  r.callbackURL,
		Metadata:     execMetadata,
		Timeout:      timeout,
	}
}

func decodeBotConfigs(raw []any) []BotConfig {
	out := make([]BotConfig, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		bc := BotConfig{}
		if st, ok := m["shell_type"].(string); ok {
			bc.ShellType = st
		}
		if ac, ok := m["agent_config"].(map[string]any); ok {
			bc.AgentConfig = ac
		}
		out = append(out, bc)
	}
	return out
}

// SendExecutionRequest POSTs the execution's task_data to the sandbox's
// /api/tasks/execute endpoint, bounding the round trip by
// min(httpRequestTimeout, timeout).
func (r *Runner) SendExecutionRequest(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution, timeout int) (bool, string) {
	executeURL := fmt.Sprintf("%s/api/tasks/execute", sb.BaseURL)
	taskData := r.BuildTaskData(sb, ex, timeout)

	r.log.Info().Str("url", executeURL).Str("execution_id", ex.ExecutionID).Int("timeout", timeout).Msg("sending execution request")

	reqTimeout := r.httpRequestTimeout
	if timeout > 0 && time.Duration(timeout)*time.Second < reqTimeout {
		reqTimeout = time.Duration(timeout) * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()

	body, err := json.Marshal(taskData)
	if err != nil {
		return false, fmt.Sprintf("failed to encode task data: %v", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, executeURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			r.log.Warn().Str("execution_id", ex.ExecutionID).Msg("execution request timed out")
			return false, "Executor container not responding (timeout)"
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			r.log.Warn().Str("execution_id", ex.ExecutionID).Msg("execution request timed out")
			return false, "Executor container not responding (timeout)"
		}
		r.log.Error().Err(err).Str("execution_id", ex.ExecutionID).Msg("cannot connect to executor")
		return false, fmt.Sprintf("Cannot connect to executor container: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	r.log.Info().Str("execution_id", ex.ExecutionID).Int("status_code", resp.StatusCode).Msg("execution response received")

	if resp.StatusCode == http.StatusOK {
		return true, ""
	}

	r.log.Error().Int("status_code", resp.StatusCode).Bytes("body", respBody).Msg("executor returned error")
	return false, fmt.Sprintf("Executor returned status %d: %s", resp.StatusCode, string(respBody))
}

// SendCancelRequest POSTs {task_id} to the sandbox's /api/tasks/cancel
// endpoint (spec §6.1), bounded by httpRequestTimeout. Best-effort: the
// manager's own cancel handler does not block its response on this call
// succeeding (spec §5 "Cancellation" step 3).
func (r *Runner) SendCancelRequest(ctx context.Context, baseURL, taskID string) error {
	cancelURL := fmt.Sprintf("%s/api/tasks/cancel", baseURL)
	body, err := json.Marshal(map[string]string{"task_id": taskID})
	if err != nil {
		return fmt.Errorf("failed to encode cancel request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.httpRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cancelURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Warn().Err(err).Str("task_id", taskID).Msg("cancel request failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("executor returned status %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

// RunWithTimeout is the main entry point: it marks the execution running,
// sends the request, and drives it to failed on any non-accepted outcome.
// It returns true only if the executor accepted the request — overall
// completion arrives later via the callback plane.
func (r *Runner) RunWithTimeout(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution, timeout int, hooks Hooks) bool {
	now := time.Now()
	ex.SetRunning(now)
	if hooks.OnRunning != nil {
		hooks.OnRunning(ex)
	}

	ok, errMsg := r.SendExecutionRequest(ctx, sb, ex, timeout)
	if ok {
		if hooks.OnComplete != nil {
			hooks.OnComplete(ex)
		}
		return true
	}

	if errMsg == "" {
		errMsg = "Unknown error"
	}
	ex.SetFailed(errMsg, time.Now())
	if hooks.OnError != nil {
		hooks.OnError(ex)
	}
	return false
}
