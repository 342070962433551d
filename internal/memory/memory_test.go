package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRememberThenRecall(t *testing.T) {
	dir := t.TempDir()
	eng := NewEngine(dir)

	res := eng.RememberFact("timezone is Asia/Jakarta", "identity", "remember_tool", 0)
	require.True(t, res.OK)
	assert.Equal(t, StatusAdded, res.Status)

	facts, err := eng.facts.ActiveFacts()
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "identity", facts[0].Type)
	assert.Equal(t, "timezone", facts[0].FactKey)
	assert.InDelta(t, 0.95, facts[0].Confidence, 0.0001)

	items, err := eng.Recall("what is my timezone", RecallOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	found := false
	for _, it := range items {
		if it.Text == "timezone is Asia/Jakarta" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSupersession(t *testing.T) {
	dir := t.TempDir()
	eng := NewEngine(dir)

	eng.RememberFact("timezone: Asia/Jakarta", "identity", "remember_tool", 0)
	res2 := eng.RememberFact("timezone: UTC", "identity", "remember_tool", 0)
	require.True(t, res2.OK)
	assert.Equal(t, "superseded", res2.Status)
	require.Len(t, res2.SupersededIDs, 1)

	facts := eng.facts.facts
	var active, superseded int
	for _, f := range facts {
		if f.Status == StatusActive {
			active++
			assert.Equal(t, "timezone: UTC", f.Text)
		} else {
			superseded++
			assert.Equal(t, res2.FactID, f.SupersededBy)
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, superseded)

	items, err := eng.Recall("timezone", RecallOptions{Scopes: []string{"facts"}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "timezone: UTC", items[0].Text)
}

func TestRememberDuplicate(t *testing.T) {
	dir := t.TempDir()
	eng := NewEngine(dir)

	r1 := eng.RememberFact("likes dark roast coffee", "preference", "remember_tool", 0)
	r2 := eng.RememberFact("likes dark roast coffee", "preference", "remember_tool", 0)

	assert.Equal(t, StatusAdded, r1.Status)
	assert.Equal(t, StatusDuplicated, r2.Status)

	facts, err := eng.facts.ActiveFacts()
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestUpsertProfileFieldIdempotent(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		err := UpsertProfileField(dir, "Preferences", "coffee", "dark roast")
		require.NoError(t, err)
	}

	lines, err := ReadProfileLines(dir)
	require.NoError(t, err)
	count := 0
	for _, l := range lines {
		if l == "[Preferences] coffee: dark roast" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestFactKeyAtMostOneActive(t *testing.T) {
	dir := t.TempDir()
	eng := NewEngine(dir)

	eng.RememberFact("timezone: A", "identity", "s", 0)
	eng.RememberFact("timezone: B", "identity", "s", 0)
	eng.RememberFact("timezone: C", "identity", "s", 0)

	facts, err := eng.facts.ActiveFacts()
	require.NoError(t, err)
	active := 0
	for _, f := range facts {
		if f.FactKey == "timezone" {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
