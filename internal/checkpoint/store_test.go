package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCompleteLifecycle(t *testing.T) {
	store := NewStore(t.TempDir())

	taskID, err := store.Start("agent_turn", "telegram:123", "telegram", "123", "123", "hello there", nil)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{14}-[0-9a-f]{8}$`, taskID)

	task, err := store.Get(taskID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, StatusRunning, task.Status)

	require.NoError(t, store.Complete(taskID, "done", map[string]interface{}{"iterations": 3}))

	task, err = store.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, task.Status)
	assert.NotEmpty(t, task.FinishedAt)
	assert.Equal(t, float64(3), task.Metadata["iterations"])
}

func TestOneRunningPerSessionKey(t *testing.T) {
	store := NewStore(t.TempDir())

	first, err := store.Start("agent_turn", "telegram:123", "telegram", "123", "123", "first", nil)
	require.NoError(t, err)

	latest, err := store.LatestRunningForSession("telegram:123")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, first, latest.TaskID)

	require.NoError(t, store.MarkResumed(first))
	task, err := store.Get(first)
	require.NoError(t, err)
	assert.Equal(t, float64(1), task.Metadata["resume_count"])
}

func TestFailRecordsError(t *testing.T) {
	store := NewStore(t.TempDir())
	taskID, err := store.Start("agent_turn", "discord:1", "discord", "1", "1", "oops", nil)
	require.NoError(t, err)

	require.NoError(t, store.Fail(taskID, "boom", nil))
	task, err := store.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, task.Status)
	assert.Equal(t, "boom", task.Error)
}
