// Package agents implements the closed tagged variant of agent engines
// (ClaudeCode, Agno, Dify, ImageValidator) behind one shared contract,
// grounded on original_source/executor/agents/factory.py's `_agents`
// registry and AGENT_TYPE classification.
package agents

import (
	"context"
	"fmt"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

// Type classifies an engine by how it executes, mirroring AgentFactory's
// local_engine/external_api/validator split.
type Type string

const (
	TypeLocalEngine Type = "local_engine"
	TypeExternalAPI Type = "external_api"
	TypeValidator   Type = "validator"
)

// Agent is the shared contract every tagged engine variant implements:
// {initialize, pre_execute, execute, cancel_run} per spec §9.
type Agent interface {
	// Initialize prepares the engine from the execution's opaque
	// agent_config blob. Called once per Agent instance.
	Initialize(ctx context.Context, agentConfig map[string]any) error
	// PreExecute runs any per-turn setup (e.g. resolving a session_id)
	// before Execute consumes the response stream.
	PreExecute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) error
	// Execute drives one execution to a terminal outcome.
	Execute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) responseprocessor.Outcome
	// CancelRun requests cancellation of the task's in-flight execution,
	// reporting whether a running execution was found to cancel.
	CancelRun(taskID string) bool
}

// Factory constructs an Agent instance by shell-type tag, wiring in the
// shared dependencies (session store, task state, response processor,
// silent-exit notifier) every engine variant needs.
type Factory struct {
	claudeCode     func() Agent
	agno           func() Agent
	dify           func() Agent
	imageValidator func() Agent
}

// NewFactory wires constructors for all four tags. Each constructor closes
// over the shared dependencies built once at executor startup.
func NewFactory(claudeCode, agno, dify, imageValidator func() Agent) *Factory {
	return &Factory{claudeCode: claudeCode, agno: agno, dify: dify, imageValidator: imageValidator}
}

// New constructs a fresh Agent instance for the given shell type.
func (f *Factory) New(tag sandbox.ShellType) (Agent, error) {
	switch tag {
	case sandbox.ShellClaudeCode:
		return f.claudeCode(), nil
	case sandbox.ShellAgno:
		return f.agno(), nil
	case sandbox.ShellDify:
		return f.dify(), nil
	case sandbox.ShellImageValidator:
		return f.imageValidator(), nil
	default:
		return nil, fmt.Errorf("unsupported agent shell type: %q", tag)
	}
}

// ClassOf returns the AGENT_TYPE classification for a tag, mirroring
// AgentFactory.get_agent_type / is_external_api_agent.
func ClassOf(tag sandbox.ShellType) Type {
	switch tag {
	case sandbox.ShellDify:
		return TypeExternalAPI
	case sandbox.ShellImageValidator:
		return TypeValidator
	default:
		return TypeLocalEngine
	}
}
