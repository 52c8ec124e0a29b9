package responseprocessor

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/sandbox"
	"github.com/wegent/sandbox-control-plane/internal/silentexit"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

type fakeStream struct {
	msgs []Message
	i    int
}

func (s *fakeStream) Next(ctx context.Context) (Message, error) {
	if s.i >= len(s.msgs) {
		return Message{}, ErrTurnComplete
	}
	m := s.msgs[s.i]
	s.i++
	return m, nil
}

type fakeClient struct {
	turns      [][]Message
	turnIdx    int
	queries    []string
	queryErr   error
}

func (c *fakeClient) Query(ctx context.Context, sessionID, prompt string) error {
	c.queries = append(c.queries, prompt)
	return c.queryErr
}

func (c *fakeClient) ReceiveResponse(ctx context.Context) (Stream, error) {
	if c.turnIdx >= len(c.turns) {
		return &fakeStream{}, nil
	}
	msgs := c.turns[c.turnIdx]
	c.turnIdx++
	return &fakeStream{msgs: msgs}, nil
}

func collectHooks() (Hooks, *[]string) {
	var workbenchCalls []string
	h := Hooks{
		OnWorkbenchStatus: func(status, message string) {
			workbenchCalls = append(workbenchCalls, status)
		},
	}
	return h, &workbenchCalls
}

func TestProcessSuccessfulResult(t *testing.T) {
	client := &fakeClient{turns: [][]Message{
		{
			{Kind: MessageSystem, Subtype: "init"},
			{Kind: MessageAssistant, Content: []ContentBlock{{Kind: BlockText, Text: "working on it"}}},
			{Kind: MessageResult, Subtype: "success", IsError: false, Result: "all done", SessionID: "sess-1"},
		},
	}}
	hooks, workbenchCalls := collectHooks()

	p := New(zerolog.Nop())
	outcome := p.Process(context.Background(), "task-1", client, nil, hooks)

	assert.Equal(t, sandbox.ExecutionCompleted, outcome.Status)
	assert.Equal(t, "all done", outcome.Result)
	assert.False(t, outcome.SilentExit)
	assert.Contains(t, *workbenchCalls, "completed")
}

func TestProcessSilentExitPropagatesFromToolResult(t *testing.T) {
	client := &fakeClient{turns: [][]Message{
		{
			{Kind: MessageUser, Content: []ContentBlock{
				{Kind: BlockToolResult, Text: silentexit.Build("nothing to report")},
			}},
			{Kind: MessageResult, Subtype: "success", IsError: false, Result: ""},
		},
	}}
	hooks, _ := collectHooks()

	p := New(zerolog.Nop())
	outcome := p.Process(context.Background(), "task-1", client, nil, hooks)

	assert.Equal(t, sandbox.ExecutionCompleted, outcome.Status)
	assert.True(t, outcome.SilentExit)
	assert.Equal(t, "nothing to report", outcome.SilentExitReason)
}

func TestProcessRetriesOnAPIErrorThenFails(t *testing.T) {
	apiErrMsg := "API Error: Cannot read properties of undefined"
	turns := make([][]Message, 0, MaxAPIErrorRetries+1)
	for i := 0; i < MaxAPIErrorRetries+1; i++ {
		turns = append(turns, []Message{
			{Kind: MessageResult, Subtype: "error", IsError: true, Result: apiErrMsg, SessionID: "sess-1"},
		})
	}
	client := &fakeClient{turns: turns}
	hooks, _ := collectHooks()

	p := New(zerolog.Nop())
	outcome := p.Process(context.Background(), "task-1", client, nil, hooks)

	assert.Equal(t, sandbox.ExecutionFailed, outcome.Status)
	assert.Len(t, client.queries, MaxAPIErrorRetries)
	assert.Equal(t, "Retry to proceed", client.queries[0])
}

func TestProcessNonRetryableErrorFailsImmediately(t *testing.T) {
	client := &fakeClient{turns: [][]Message{
		{{Kind: MessageResult, Subtype: "error", IsError: true, Result: "boom", SessionID: "sess-1"}},
	}}
	hooks, _ := collectHooks()

	p := New(zerolog.Nop())
	outcome := p.Process(context.Background(), "task-1", client, nil, hooks)

	assert.Equal(t, sandbox.ExecutionFailed, outcome.Status)
	assert.Empty(t, client.queries)
}

func TestProcessCancellationCheckpointShortCircuits(t *testing.T) {
	client := &fakeClient{turns: [][]Message{
		{{Kind: MessageAssistant, Content: []ContentBlock{{Kind: BlockText, Text: "should not be seen"}}}},
	}}
	states := taskstate.New()
	states.CancelRun("task-1")
	hooks, workbenchCalls := collectHooks()

	p := New(zerolog.Nop())
	outcome := p.Process(context.Background(), "task-1", client, states, hooks)

	assert.Equal(t, sandbox.ExecutionCompleted, outcome.Status)
	assert.Contains(t, *workbenchCalls, "completed")
}

func TestProcessStreamErrorFails(t *testing.T) {
	errClient := errClientStub{err: errors.New("connection reset")}
	hooks, _ := collectHooks()

	p := New(zerolog.Nop())
	outcome := p.Process(context.Background(), "task-1", errClient, nil, hooks)

	require.Equal(t, sandbox.ExecutionFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage, "connection reset")
}

type errClientStub struct{ err error }

func (e errClientStub) Query(ctx context.Context, sessionID, prompt string) error { return nil }
func (e errClientStub) ReceiveResponse(ctx context.Context) (Stream, error) {
	return nil, e.err
}
