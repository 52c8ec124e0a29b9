package agents

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

type fakeDifyCaller struct {
	resp DifyResponse
	err  error
	got  DifyRequest
}

func (c *fakeDifyCaller) Call(ctx context.Context, req DifyRequest) (DifyResponse, error) {
	c.got = req
	return c.resp, c.err
}

func TestDifyAgentSuccessCarriesConversationForward(t *testing.T) {
	caller := &fakeDifyCaller{resp: DifyResponse{Answer: "42", ConversationID: "conv-1"}}
	proc := responseprocessor.New(zerolog.Nop())
	agent := NewDifyAgent(caller, proc, taskstate.New(), nil, zerolog.Nop())
	require.NoError(t, agent.Initialize(context.Background(), map[string]any{"app_id": "app-1"}))

	sb := &sandbox.Sandbox{Metadata: sandbox.Metadata{"task_id": "200"}}
	ex := &sandbox.Execution{Prompt: "what is the answer?"}

	outcome := agent.Execute(context.Background(), sb, ex)

	assert.Equal(t, sandbox.ExecutionCompleted, outcome.Status)
	assert.Equal(t, "42", outcome.Result)
	assert.Equal(t, "app-1", caller.got.AppID)

	// Second call should carry forward the conversation id.
	agent.Execute(context.Background(), sb, ex)
	assert.Equal(t, "conv-1", caller.got.ConversationID)
}

func TestDifyAgentErrorFails(t *testing.T) {
	caller := &fakeDifyCaller{resp: DifyResponse{IsError: true, ErrorMessage: "upstream down"}}
	proc := responseprocessor.New(zerolog.Nop())
	agent := NewDifyAgent(caller, proc, taskstate.New(), nil, zerolog.Nop())

	outcome := agent.Execute(context.Background(), &sandbox.Sandbox{}, &sandbox.Execution{})
	assert.Equal(t, sandbox.ExecutionFailed, outcome.Status)
}
