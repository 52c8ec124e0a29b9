package agents

import (
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/session"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

// ClaudeCodeAgent drives the Claude Code SDK's streaming response loop,
// grounded on
// original_source/executor/agents/claude_code/claude_code_agent.py.
type ClaudeCodeAgent struct {
	*streamingAgent
}

// NewClaudeCodeAgent wires a ClaudeCodeAgent. newClient is the composition
// root's Claude SDK client constructor.
func NewClaudeCodeAgent(sessions *session.Store, states *taskstate.Manager, proc *responseprocessor.Processor, newClient ClientFactory, hooks HooksFactory, log zerolog.Logger) *ClaudeCodeAgent {
	return &ClaudeCodeAgent{streamingAgent: newStreamingAgent("claude_code", sessions, states, proc, newClient, hooks, log)}
}
