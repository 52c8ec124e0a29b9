// Package responseprocessor implements the in-executor streaming event loop
// that drives an agent engine's response stream to a terminal outcome:
// throttled progress/thinking reports, in-band API-error retry, silent-exit
// propagation, and cancellation checkpoints, grounded on
// original_source/executor/agents/claude_code/response_processor.py (the
// richer of the two original response processors; agno/response_processor.py
// follows the same shape over a different SDK).
package responseprocessor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/sandbox"
	"github.com/wegent/sandbox-control-plane/internal/silentexit"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

// MaxAPIErrorRetries caps in-band retries of a recognized transient SDK
// error before the stream is allowed to fail for good.
const MaxAPIErrorRetries = 3

var apiErrorPatterns = []string{
	"API Error: Cannot read properties of undefined",
	"API Error: undefined is not an object",
}

func containsAPIError(text string) bool {
	for _, p := range apiErrorPatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// Hooks are the callbacks a ResponseProcessor fires while driving a stream.
// Thin function fields rather than an interface, matching the RunnerHooks
// shape already used by internal/sandbox and internal/runner.
type Hooks struct {
	// OnProgress reports throttled or terminal content progress.
	OnProgress func(progress int, status sandbox.ExecutionStatus, message string, extra map[string]any)
	// OnWorkbenchStatus mirrors update_workbench_status("running"/"completed"/"failed", ...).
	OnWorkbenchStatus func(status string, message string)
	// OnThinkingStep reports a throttled reasoning/tool-activity step.
	OnThinkingStep func(title string, details map[string]any)
}

func (h Hooks) progress(progress int, status sandbox.ExecutionStatus, message string, extra map[string]any) {
	if h.OnProgress != nil {
		h.OnProgress(progress, status, message, extra)
	}
}

func (h Hooks) workbench(status, message string) {
	if h.OnWorkbenchStatus != nil {
		h.OnWorkbenchStatus(status, message)
	}
}

func (h Hooks) thinking(title string, details map[string]any) {
	if h.OnThinkingStep != nil {
		h.OnThinkingStep(title, details)
	}
}

// Outcome is the terminal result of one Process call.
type Outcome struct {
	Status            sandbox.ExecutionStatus
	Result            string
	ErrorMessage       string
	SilentExit        bool
	SilentExitReason  string
}

// Processor drives one agent engine's response stream to completion,
// applying the 500ms/300ms content/thinking throttles of spec §4.7.
type Processor struct {
	contentGateInterval  time.Duration
	thinkingGateInterval time.Duration
	now                  func() time.Time
	log                  zerolog.Logger
}

func New(log zerolog.Logger) *Processor {
	return &Processor{
		contentGateInterval:  500 * time.Millisecond,
		thinkingGateInterval: 300 * time.Millisecond,
		now:                  time.Now,
		log:                  log.With().Str("component", "response_processor").Logger(),
	}
}

// Process consumes Messages from client's response stream until a terminal
// ResultMessage, a cancellation checkpoint, or a stream error. taskID is
// checked against states at each message boundary; empty taskID or nil
// states disables the cancellation checkpoint (used by engines with no
// associated task_id, e.g. a bare health probe).
func (p *Processor) Process(ctx context.Context, taskID string, client Client, states *taskstate.Manager, hooks Hooks) Outcome {
	contentGate := newGate(p.contentGateInterval, p.now)
	thinkingGate := newGate(p.thinkingGateInterval, p.now)

	sessionID := ""
	apiErrorRetries := 0
	silentExitDetected := false
	silentExitReason := ""

outer:
	for {
		stream, err := client.ReceiveResponse(ctx)
		if err != nil {
			return p.fail(hooks, fmt.Sprintf("Error processing response: %v", err))
		}

		for {
			if states != nil && taskID != "" && states.IsCancelled(taskID) {
				p.log.Info().Str("task_id", taskID).Msg("task cancelled during response processing")
				hooks.workbench("completed", "")
				return Outcome{Status: sandbox.ExecutionCompleted}
			}

			msg, err := stream.Next(ctx)
			if errors.Is(err, ErrTurnComplete) {
				break
			}
			if err != nil {
				return p.fail(hooks, fmt.Sprintf("Error processing response: %v", err))
			}

			switch msg.Kind {
			case MessageSystem:
				p.handleSystem(msg, thinkingGate, hooks)

			case MessageUser:
				isSilent, reason := p.handleUser(msg, thinkingGate, hooks)
				if isSilent {
					silentExitDetected = true
					silentExitReason = reason
				}

			case MessageAssistant:
				p.handleAssistant(msg, contentGate, thinkingGate, hooks)

			case MessageResult:
				if msg.SessionID != "" {
					sessionID = msg.SessionID
				}
				outcome, retry := p.handleResult(ctx, msg, client, sessionID, apiErrorRetries, silentExitDetected, silentExitReason, hooks)
				if retry {
					apiErrorRetries++
					continue outer
				}
				if outcome != nil {
					return *outcome
				}
			}
		}

		return Outcome{Status: sandbox.ExecutionRunning}
	}
}

func (p *Processor) fail(hooks Hooks, message string) Outcome {
	p.log.Error().Str("error", message).Msg("error processing response")
	hooks.thinking("thinking.response_processing_error", nil)
	hooks.workbench("failed", message)
	hooks.progress(100, sandbox.ExecutionFailed, message, map[string]any{"error": message})
	return Outcome{Status: sandbox.ExecutionFailed, ErrorMessage: message}
}

func (p *Processor) handleSystem(msg Message, thinkingGate *gate, hooks Hooks) {
	details := map[string]any{"type": "system", "subtype": msg.Subtype}
	for k, v := range msg.SystemData {
		details[k] = v
	}
	if thinkingGate.Allow(true) {
		hooks.thinking("thinking.system_message_received", details)
	}
}

func (p *Processor) handleUser(msg Message, thinkingGate *gate, hooks Hooks) (bool, string) {
	silentDetected := false
	silentReason := ""

	for _, block := range msg.Content {
		if block.Kind != BlockToolResult {
			continue
		}
		if is, reason := silentexit.Detect(block.Text); is {
			silentDetected = true
			silentReason = reason
			p.log.Info().Str("reason", reason).Msg("silent exit detected in tool result")
			break
		}
	}

	if thinkingGate.Allow(true) {
		hooks.thinking("thinking.user_message_received", map[string]any{"type": "user", "blocks": len(msg.Content)})
	}
	return silentDetected, silentReason
}

func (p *Processor) handleAssistant(msg Message, contentGate, thinkingGate *gate, hooks Hooks) bool {
	needsRetry := false
	for _, block := range msg.Content {
		switch block.Kind {
		case BlockText:
			if contentGate.Allow(false) {
				hooks.workbench("running", block.Text)
			}
			if containsAPIError(block.Text) {
				needsRetry = true
			}
		case BlockToolUse, BlockToolResult:
		}
	}

	if thinkingGate.Allow(false) {
		hooks.thinking("thinking.assistant_message_received", map[string]any{"type": "assistant", "blocks": len(msg.Content)})
	}
	return needsRetry
}

func resultText(result any) string {
	switch v := result.(type) {
	case nil:
		return "No result"
	case string:
		if v == "" {
			return "No result"
		}
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (p *Processor) handleResult(
	ctx context.Context,
	msg Message,
	client Client,
	sessionID string,
	apiErrorRetries int,
	propagatedSilent bool,
	propagatedSilentReason string,
	hooks Hooks,
) (*Outcome, bool) {
	silentDetected := propagatedSilent
	silentReason := propagatedSilentReason

	resultStr := resultText(msg.Result)
	if !silentDetected && msg.Result != nil {
		if is, reason := silentexit.Detect(resultStr); is {
			silentDetected = true
			silentReason = reason
		}
	}

	if msg.Subtype == "success" && !msg.IsError {
		extra := map[string]any{}
		if m, ok := msg.Result.(map[string]any); ok {
			for k, v := range m {
				extra[k] = v
			}
		} else if msg.Result != nil {
			extra["value"] = msg.Result
		}
		if silentDetected {
			extra["silent_exit"] = true
			if silentReason != "" {
				extra["silent_exit_reason"] = silentReason
			}
		}

		hooks.workbench("completed", resultStr)
		hooks.progress(100, sandbox.ExecutionCompleted, resultStr, extra)
		return &Outcome{
			Status:           sandbox.ExecutionCompleted,
			Result:           resultStr,
			SilentExit:       silentDetected,
			SilentExitReason: silentReason,
		}, false
	}

	if msg.IsError {
		if containsAPIError(resultStr) && sessionID != "" && apiErrorRetries < MaxAPIErrorRetries {
			hooks.thinking("thinking.api_error_retry", map[string]any{
				"retry_count": apiErrorRetries + 1,
				"max_retries": MaxAPIErrorRetries,
				"session_id":  sessionID,
				"error":       resultStr,
			})
			if err := client.Query(ctx, sessionID, "Retry to proceed"); err == nil {
				return nil, true
			}
			p.log.Warn().Msg("failed to send retry message, falling through to fail")
		} else if containsAPIError(resultStr) {
			hooks.thinking("thinking.api_error_max_retries", map[string]any{
				"retry_count": apiErrorRetries,
				"max_retries": MaxAPIErrorRetries,
			})
		}

		hooks.workbench("failed", resultStr)
		hooks.progress(100, sandbox.ExecutionFailed, resultStr, nil)
		return &Outcome{Status: sandbox.ExecutionFailed, ErrorMessage: resultStr}, false
	}

	return nil, false
}
