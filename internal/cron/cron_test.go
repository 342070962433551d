package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuietHoursStartEqualsEndNeverQuiet(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "22:00", End: "22:00", Timezone: "UTC"}
	at := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)
	assert.False(t, q.IsQuiet(at))
}

func TestQuietHoursInclusiveStartExclusiveEnd(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "08:00", End: "10:00", Timezone: "UTC"}
	assert.True(t, q.IsQuiet(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)))
	assert.False(t, q.IsQuiet(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, q.IsQuiet(time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)))
}

func TestQuietHoursCrossesMidnight(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "22:00", End: "06:00", Timezone: "UTC"}
	assert.True(t, q.IsQuiet(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, q.IsQuiet(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)))
	assert.False(t, q.IsQuiet(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestProactiveReminderDedupe(t *testing.T) {
	state := NewProactiveState(t.TempDir())
	eventStart := time.Now().UTC().Add(10 * time.Minute)
	events := []CalendarEvent{{ID: "ev1", Start: eventStart}}
	leads := []int{30, 10}
	noQuiet := QuietHours{}

	due, err := state.DueReminders(events, leads, time.Now().UTC(), noQuiet)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 10, due[0].LeadMinutes)

	due2, err := state.DueReminders(events, leads, time.Now().UTC().Add(30*time.Second), noQuiet)
	require.NoError(t, err)
	assert.Empty(t, due2)
}

func TestProactiveReminderPruneAfter21Days(t *testing.T) {
	state := NewProactiveState(t.TempDir())
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	state.CalendarReminders["ev1:x:10"] = old.Format(time.RFC3339)

	err := state.Prune(time.Now().UTC())
	require.NoError(t, err)
	assert.NotContains(t, state.CalendarReminders, "ev1:x:10")
}

func TestNextRunEvery(t *testing.T) {
	sch := Schedule{Kind: ScheduleEvery, EveryMS: 60000}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRun(sch, base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), next)
}

func TestJobStoreUpsertAndMarkRan(t *testing.T) {
	store := NewStore(t.TempDir())
	job := Job{
		Name:         "daily-digest",
		Schedule:     Schedule{Kind: ScheduleEvery, EveryMS: 3600000},
		Payload:      Payload{Kind: PayloadDigest, Message: "digest time"},
		DeliveryMode: DeliveryToChannel,
		Enabled:      true,
	}
	require.NoError(t, store.Upsert(job))

	jobs, err := store.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.NotEmpty(t, jobs[0].NextRunAt)

	require.NoError(t, store.MarkRan("daily-digest", time.Now().UTC(), true))
	jobs, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, 0, jobs[0].FailureCount)
	assert.NotEmpty(t, jobs[0].LastRunAt)
}
