package agents

import (
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/session"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

// AgnoAgent drives the Agno SDK's streaming response loop, grounded on
// original_source/executor/agents/agno/agno_agent.py and its own
// response_processor.py (same message-class/throttle/silent-exit shape as
// Claude Code's, here sharing one responseprocessor.Processor).
type AgnoAgent struct {
	*streamingAgent
}

func NewAgnoAgent(sessions *session.Store, states *taskstate.Manager, proc *responseprocessor.Processor, newClient ClientFactory, hooks HooksFactory, log zerolog.Logger) *AgnoAgent {
	return &AgnoAgent{streamingAgent: newStreamingAgent("agno", sessions, states, proc, newClient, hooks, log)}
}
