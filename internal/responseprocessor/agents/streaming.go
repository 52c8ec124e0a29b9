package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
	"github.com/wegent/sandbox-control-plane/internal/session"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

// ClientFactory opens (or reuses, via sessions) the engine-specific SDK
// client for one session_id, constructed from the execution's agent_config
// blob. Concrete SDK wiring (the actual Claude/Agno client construction)
// lives at the executor binary's composition root; this package only
// depends on the narrow responseprocessor.Client contract so it can be
// tested without a live SDK.
type ClientFactory func(ctx context.Context, sessionID string, agentConfig map[string]any) (responseprocessor.Client, error)

// HooksFactory builds the per-execution progress/thinking/workbench hooks,
// closing over the sandbox and execution identity so reports can be routed
// to the right callback target.
type HooksFactory func(sb *sandbox.Sandbox, ex *sandbox.Execution) responseprocessor.Hooks

// streamingAgent is the shared implementation behind ClaudeCodeAgent and
// AgnoAgent: both are local, multi-turn SDK-driven engines that reuse an
// SDK client across follow-up messages on the same session_id, grounded on
// the `_clients` class dict and the shared
// process_response/ResponseProcessor loop of
// original_source/executor/agents/claude_code/{claude_code_agent,response_processor}.py
// (agno's agent follows the identical shape over its own SDK).
type streamingAgent struct {
	engineName string
	sessions   *session.Store
	states     *taskstate.Manager
	proc       *responseprocessor.Processor
	newClient  ClientFactory
	hooks      HooksFactory
	log        zerolog.Logger

	mu          sync.Mutex
	agentConfig map[string]any
	sessionID   string
}

func newStreamingAgent(engineName string, sessions *session.Store, states *taskstate.Manager, proc *responseprocessor.Processor, newClient ClientFactory, hooks HooksFactory, log zerolog.Logger) *streamingAgent {
	return &streamingAgent{
		engineName: engineName,
		sessions:   sessions,
		states:     states,
		proc:       proc,
		newClient:  newClient,
		hooks:      hooks,
		log:        log.With().Str("engine", engineName).Logger(),
	}
}

func (a *streamingAgent) Initialize(ctx context.Context, agentConfig map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentConfig = agentConfig
	return nil
}

// PreExecute resolves this execution's session_id, defaulting to the
// sandbox's task identity so follow-up subtasks on the same sandbox reuse
// one SDK client, mirroring `_generate_agent_session_id`.
func (a *streamingAgent) PreExecute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessionID := ex.Metadata.GetString("session_id")
	if sessionID == "" {
		sessionID = fmt.Sprintf("agent_session_%s", sb.TaskID())
	}
	a.sessionID = sessionID
	return nil
}

func (a *streamingAgent) Execute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) responseprocessor.Outcome {
	a.mu.Lock()
	sessionID := a.sessionID
	agentConfig := a.agentConfig
	a.mu.Unlock()

	if sessionID == "" {
		sessionID = fmt.Sprintf("agent_session_%s", sb.TaskID())
	}

	var client responseprocessor.Client
	if existing, ok := a.sessions.Get(sessionID); ok {
		if c, ok := existing.(responseprocessor.Client); ok {
			client = c
			a.log.Info().Str("session_id", sessionID).Msg("reusing existing agent client")
		}
	}
	if client == nil {
		c, err := a.newClient(ctx, sessionID, agentConfig)
		if err != nil {
			return responseprocessor.Outcome{
				Status:       sandbox.ExecutionFailed,
				ErrorMessage: fmt.Sprintf("failed to start %s engine: %v", a.engineName, err),
			}
		}
		client = c
		if closable, ok := c.(session.Client); ok {
			a.sessions.Put(sessionID, closable)
		}
	}

	a.log.Info().Str("session_id", sessionID).Int("prompt_len", len(ex.Prompt)).Msg("sending query")
	if err := client.Query(ctx, sessionID, ex.Prompt); err != nil {
		return responseprocessor.Outcome{
			Status:       sandbox.ExecutionFailed,
			ErrorMessage: fmt.Sprintf("failed to send query to %s engine: %v", a.engineName, err),
		}
	}

	var hooks responseprocessor.Hooks
	if a.hooks != nil {
		hooks = a.hooks(sb, ex)
	}
	return a.proc.Process(ctx, sb.TaskID(), client, a.states, hooks)
}

// CancelRun marks the task cancelled in the shared TaskStateManager; the
// response-processing loop observes this at its next checkpoint. The SDK
// client itself is left open for the cleanup path (close_client) to close.
func (a *streamingAgent) CancelRun(taskID string) bool {
	if taskID == "" {
		return false
	}
	a.states.CancelRun(taskID)
	return true
}

// Close closes this engine's SDK client, mirroring close_client.
func (a *streamingAgent) Close() bool {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		return false
	}
	return a.sessions.Close(sessionID)
}
