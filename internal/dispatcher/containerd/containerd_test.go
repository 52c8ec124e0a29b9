package containerd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Only the pure helpers are exercised here: the rest of Driver requires a
// live containerd socket, which isn't available in this environment.

func TestGetExecutorTaskIDRecoversFromConventionalName(t *testing.T) {
	d := &Driver{}
	taskID, ok, err := d.GetExecutorTaskID(context.Background(), "wegent-executor-abc123")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", taskID)
}

func TestGetExecutorTaskIDRejectsUnrelatedName(t *testing.T) {
	d := &Driver{}
	taskID, ok, err := d.GetExecutorTaskID(context.Background(), "some-other-container")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, taskID)
}

func TestHashIsDeterministicAndNonNegative(t *testing.T) {
	h1 := hash("wegent-executor-abc123")
	h2 := hash("wegent-executor-abc123")
	assert.Equal(t, h1, h2)
	assert.GreaterOrEqual(t, h1, 0)
}

func TestHashDiffersAcrossNames(t *testing.T) {
	assert.NotEqual(t, hash("executor-a"), hash("executor-b"))
}
