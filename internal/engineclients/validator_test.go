package engineclients

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor/agents"
)

func TestCommandValidatorPassesWhenVersionMeetsMinimum(t *testing.T) {
	v := &CommandValidator{Run: func(ctx context.Context, command string) (string, error) {
		return "v20.11.0\n", nil
	}}

	results, err := v.Validate(context.Background(), []agents.ValidationCheck{
		{Params: map[string]any{"command": "node --version", "version_regex": `v(\d+\.\d+\.\d+)`, "min_version": "18.0.0"}},
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Valid)
}

func TestCommandValidatorFailsWhenVersionBelowMinimum(t *testing.T) {
	v := &CommandValidator{Run: func(ctx context.Context, command string) (string, error) {
		return "v16.2.0\n", nil
	}}

	results, err := v.Validate(context.Background(), []agents.ValidationCheck{
		{Params: map[string]any{"command": "node --version", "version_regex": `v(\d+\.\d+\.\d+)`, "min_version": "18.0.0"}},
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
}

func TestCommandValidatorFailsOnCommandNotFound(t *testing.T) {
	v := &CommandValidator{Run: func(ctx context.Context, command string) (string, error) {
		return "sh: claude: command not found", nil
	}}

	results, err := v.Validate(context.Background(), []agents.ValidationCheck{
		{Params: map[string]any{"command": "claude --version"}},
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
}

func TestCommandValidatorSkipsVersionCheckWhenNoRegex(t *testing.T) {
	v := &CommandValidator{Run: func(ctx context.Context, command string) (string, error) {
		return "git version 2.42.0", nil
	}}

	results, err := v.Validate(context.Background(), []agents.ValidationCheck{
		{Params: map[string]any{"command": "git --version"}},
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Valid)
}
