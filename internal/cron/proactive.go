package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// QuietHours models a local-time window that may cross midnight.
// start == end means "never quiet" (§8 boundary behavior 10); start <
// end is inclusive of start, exclusive of end; start > end crosses
// midnight.
type QuietHours struct {
	Enabled  bool
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Timezone string
}

// IsQuiet reports whether `at` falls inside the configured quiet window.
func (q QuietHours) IsQuiet(at time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	loc := time.UTC
	if q.Timezone != "" {
		if l, err := time.LoadLocation(q.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)
	cur := local.Hour()*60 + local.Minute()
	start := parseHM(q.Start)
	end := parseHM(q.End)

	if start < end {
		return cur >= start && cur < end
	}
	// crosses midnight
	return cur >= start || cur < end
}

func parseHM(s string) int {
	var h, m int
	fmt.Sscanf(s, "%d:%d", &h, &m)
	return h*60 + m
}

// CalendarEvent is the minimal shape the proactive engine needs from an
// external calendar source.
type CalendarEvent struct {
	ID    string
	Start time.Time
}

// DefaultLeadMinutes is the default lead-minute offset set (§4.8).
var DefaultLeadMinutes = []int{30, 10}

// ProactiveState persists calendar_reminders: reminder_key -> notified_at.
type ProactiveState struct {
	mu                sync.Mutex
	path              string
	CalendarReminders map[string]string `json:"calendar_reminders"`
}

func NewProactiveState(stateDir string) *ProactiveState {
	return &ProactiveState{
		path:              filepath.Join(stateDir, "proactive-state.json"),
		CalendarReminders: map[string]string{},
	}
}

func (p *ProactiveState) load() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var loaded ProactiveState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil
	}
	if loaded.CalendarReminders != nil {
		p.CalendarReminders = loaded.CalendarReminders
	}
	return nil
}

func (p *ProactiveState) save() error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "proactive-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, p.path)
}

// ReminderKey builds "{event_id}:{start_iso}:{lead_minutes}".
func ReminderKey(eventID string, start time.Time, leadMinutes int) string {
	return fmt.Sprintf("%s:%s:%d", eventID, start.UTC().Format(time.RFC3339), leadMinutes)
}

// DueReminder is one reminder that should fire now.
type DueReminder struct {
	Event       CalendarEvent
	LeadMinutes int
	Key         string
}

// DueReminders computes reminders that should fire at `now` for the given
// events and lead-minute offsets (at most one per event: the smallest lead
// whose fire time has arrived), skipping any already recorded in state,
// and records newly-fired reminders. Quiet hours suppress the return
// value entirely (no reminder fires, but nothing is marked notified, so
// it can still fire once quiet hours end, inside the same due window).
func (p *ProactiveState) DueReminders(events []CalendarEvent, leadMinutes []int, now time.Time, quiet QuietHours) ([]DueReminder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return nil, err
	}
	if len(leadMinutes) == 0 {
		leadMinutes = DefaultLeadMinutes
	}

	if quiet.IsQuiet(now) {
		return nil, nil
	}

	var due []DueReminder
	for _, ev := range events {
		if ev.Start.Before(now) {
			continue
		}
		// Only the smallest lead whose fire time has arrived is due; larger
		// leads whose time has already passed are superseded by it.
		best := -1
		for _, lead := range leadMinutes {
			fireAt := ev.Start.Add(-time.Duration(lead) * time.Minute)
			if !fireAt.After(now) && (best < 0 || lead < best) {
				best = lead
			}
		}
		if best < 0 {
			continue
		}
		key := ReminderKey(ev.ID, ev.Start, best)
		if _, seen := p.CalendarReminders[key]; seen {
			continue
		}
		due = append(due, DueReminder{Event: ev, LeadMinutes: best, Key: key})
		p.CalendarReminders[key] = now.UTC().Format(time.RFC3339)
	}

	if len(due) > 0 {
		if err := p.pruneLocked(now); err != nil {
			return due, err
		}
		if err := p.save(); err != nil {
			return due, err
		}
	}
	return due, nil
}

// Prune removes reminder records older than 21 days.
func (p *ProactiveState) Prune(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return err
	}
	if err := p.pruneLocked(now); err != nil {
		return err
	}
	return p.save()
}

const reminderRetention = 21 * 24 * time.Hour

func (p *ProactiveState) pruneLocked(now time.Time) error {
	for key, notifiedAt := range p.CalendarReminders {
		t, err := time.Parse(time.RFC3339, notifiedAt)
		if err != nil || now.Sub(t) > reminderRetention {
			delete(p.CalendarReminders, key)
		}
	}
	return nil
}
