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

type fakeValidator struct {
	results []ValidationResult
	err     error
	got     []ValidationCheck
}

func (v *fakeValidator) Validate(ctx context.Context, checks []ValidationCheck) ([]ValidationResult, error) {
	v.got = checks
	return v.results, v.err
}

func TestImageValidatorAllValid(t *testing.T) {
	validator := &fakeValidator{results: []ValidationResult{{Valid: true}, {Valid: true}}}
	proc := responseprocessor.New(zerolog.Nop())
	agent := NewImageValidatorAgent(validator, proc, taskstate.New(), nil, zerolog.Nop())
	require.NoError(t, agent.Initialize(context.Background(), map[string]any{
		"checks": []any{map[string]any{"name": "nsfw"}, map[string]any{"name": "blur"}},
	}))

	outcome := agent.Execute(context.Background(), &sandbox.Sandbox{}, &sandbox.Execution{})

	assert.Equal(t, sandbox.ExecutionCompleted, outcome.Status)
	require.Len(t, validator.got, 2)
	assert.Equal(t, "nsfw", validator.got[0].Name)
}

func TestImageValidatorOneInvalidCheckStillCompletes(t *testing.T) {
	validator := &fakeValidator{results: []ValidationResult{{Valid: true}, {Valid: false, Reason: "blurry"}}}
	proc := responseprocessor.New(zerolog.Nop())
	agent := NewImageValidatorAgent(validator, proc, taskstate.New(), nil, zerolog.Nop())

	outcome := agent.Execute(context.Background(), &sandbox.Sandbox{}, &sandbox.Execution{})

	require.Equal(t, sandbox.ExecutionCompleted, outcome.Status)
	result, ok := outcome.Result, outcome.Result != ""
	_ = ok
	assert.NotEmpty(t, result)
}

func TestImageValidatorErrorFails(t *testing.T) {
	validator := &fakeValidator{err: assertErr("vision backend unreachable")}
	proc := responseprocessor.New(zerolog.Nop())
	agent := NewImageValidatorAgent(validator, proc, taskstate.New(), nil, zerolog.Nop())

	outcome := agent.Execute(context.Background(), &sandbox.Sandbox{}, &sandbox.Execution{})
	assert.Equal(t, sandbox.ExecutionFailed, outcome.Status)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
