package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReparseStable(t *testing.T) {
	store := NewStore(t.TempDir())

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(NewEvent(CategoryToolCall, true, 50*time.Millisecond)))
	}
	require.NoError(t, store.Record(NewEvent(CategoryToolCall, false, 500*time.Millisecond)))

	snap1, err := store.Snapshot(24)
	require.NoError(t, err)
	snap2, err := store.Snapshot(24)
	require.NoError(t, err)

	assert.Equal(t, snap1.Categories[CategoryToolCall].Count, snap2.Categories[CategoryToolCall].Count)
	assert.Equal(t, snap1.TopTools, snap2.TopTools)
}

func TestPruneDryRun(t *testing.T) {
	store := NewStore(t.TempDir())
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(NewEvent(CategoryLLMCall, true, time.Millisecond)))
	}

	result, err := store.Prune(24, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalBefore)
	assert.Equal(t, 3, result.Kept)
	assert.Equal(t, 0, result.Removed)

	snap, err := store.Snapshot(24)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Categories[CategoryLLMCall].Count)
}

func TestAlertsWarnOnLowSuccessRate(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Record(NewEvent(CategoryLLMCall, false, time.Millisecond)))
	require.NoError(t, store.Record(NewEvent(CategoryLLMCall, false, time.Millisecond)))

	snap, err := store.Snapshot(24)
	require.NoError(t, err)
	summary := snap.Alerts(AlertThresholds{})
	assert.Equal(t, "warn", summary.Overall)
}

func TestLabelEscaping(t *testing.T) {
	assert.Equal(t, `a\\b\nc\"d`, EscapeLabel("a\\b\nc\"d"))
}
