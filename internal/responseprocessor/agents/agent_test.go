package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

type stubAgent struct{ name string }

func (s *stubAgent) Initialize(ctx context.Context, agentConfig map[string]any) error { return nil }
func (s *stubAgent) PreExecute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) error {
	return nil
}
func (s *stubAgent) Execute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) responseprocessor.Outcome {
	return responseprocessor.Outcome{Status: sandbox.ExecutionCompleted, Result: s.name}
}
func (s *stubAgent) CancelRun(taskID string) bool { return true }

func TestFactoryDispatchesByTag(t *testing.T) {
	f := NewFactory(
		func() Agent { return &stubAgent{name: "claude_code"} },
		func() Agent { return &stubAgent{name: "agno"} },
		func() Agent { return &stubAgent{name: "dify"} },
		func() Agent { return &stubAgent{name: "image_validator"} },
	)

	for tag, want := range map[sandbox.ShellType]string{
		sandbox.ShellClaudeCode:     "claude_code",
		sandbox.ShellAgno:           "agno",
		sandbox.ShellDify:           "dify",
		sandbox.ShellImageValidator: "image_validator",
	} {
		agent, err := f.New(tag)
		require.NoError(t, err)
		outcome := agent.Execute(context.Background(), &sandbox.Sandbox{}, &sandbox.Execution{})
		assert.Equal(t, want, outcome.Result)
	}
}

func TestFactoryRejectsUnknownTag(t *testing.T) {
	f := NewFactory(
		func() Agent { return &stubAgent{} },
		func() Agent { return &stubAgent{} },
		func() Agent { return &stubAgent{} },
		func() Agent { return &stubAgent{} },
	)
	_, err := f.New(sandbox.ShellType("unknown"))
	assert.Error(t, err)
}

func TestClassOfMatchesFactoryClassification(t *testing.T) {
	assert.Equal(t, TypeLocalEngine, ClassOf(sandbox.ShellClaudeCode))
	assert.Equal(t, TypeLocalEngine, ClassOf(sandbox.ShellAgno))
	assert.Equal(t, TypeExternalAPI, ClassOf(sandbox.ShellDify))
	assert.Equal(t, TypeValidator, ClassOf(sandbox.ShellImageValidator))
}
