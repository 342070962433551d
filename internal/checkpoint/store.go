// Package checkpoint implements the per-task durable execution record
// described in §3/§4.6/§6: one JSON file per task under state/tasks,
// written via temp-file + atomic rename, with an at-most-one-running-
// per-session-key invariant enforced by the caller via LatestRunningForSession +
// MarkResumed.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const previewLimit = 1200
const detailLimit = 240
const errorLimit = 600

// Status values.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
)

// TaskEvent is one entry of a checkpoint's events[] log.
type TaskEvent struct {
	At     string `json:"at"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// Task is the persisted checkpoint payload for one task execution.
type Task struct {
	TaskID        string                 `json:"task_id"`
	Kind          string                 `json:"kind"`
	Status        string                 `json:"status"`
	SessionKey    string                 `json:"session_key"`
	Channel       string                 `json:"channel"`
	ChatID        string                 `json:"chat_id"`
	SenderID      string                 `json:"sender_id"`
	CreatedAt     string                 `json:"created_at"`
	UpdatedAt     string                 `json:"updated_at"`
	FinishedAt    string                 `json:"finished_at,omitempty"`
	InputPreview  string                 `json:"input_preview"`
	OutputPreview string                 `json:"output_preview,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Events        []TaskEvent            `json:"events"`
}

// Store owns state/tasks for one workspace.
type Store struct {
	tasksDir string
}

func NewStore(stateDir string) *Store {
	return &Store{tasksDir: filepath.Join(stateDir, "tasks")}
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.tasksDir, taskID+".json")
}

func (s *Store) read(taskID string) (*Task, error) {
	data, err := os.ReadFile(s.path(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) write(t *Task) error {
	if err := os.MkdirAll(s.tasksDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tasksDir, "task-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	b, err := json.MarshalIndent(t, "", "  ")
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
	return os.Rename(tmpPath, s.path(t.TaskID))
}

func compactPreview(text string, limit int) string {
	fields := strings.Fields(text)
	compact := strings.Join(fields, " ")
	if len(compact) <= limit {
		return compact
	}
	return compact[:limit] + "..."
}

// newTaskID formats "YYYYMMDDHHMMSS-<8 hex>" per §3/§6.
func newTaskID(now time.Time) string {
	return now.UTC().Format("20060102150405") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Start creates a new running checkpoint and returns its task_id.
func (s *Store) Start(kind, sessionKey, channel, chatID, senderID, inputText string, metadata map[string]interface{}) (string, error) {
	now := time.Now().UTC()
	taskID := newTaskID(now)
	nowISO := now.Format(time.RFC3339)
	t := &Task{
		TaskID:       taskID,
		Kind:         kind,
		Status:       StatusRunning,
		SessionKey:   sessionKey,
		Channel:      channel,
		ChatID:       chatID,
		SenderID:     senderID,
		CreatedAt:    nowISO,
		UpdatedAt:    nowISO,
		InputPreview: compactPreview(inputText, previewLimit),
		Metadata:     metadata,
		Events:       []TaskEvent{{At: nowISO, Event: "start"}},
	}
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	return taskID, s.write(t)
}

// Get reads a checkpoint by task_id.
func (s *Store) Get(taskID string) (*Task, error) {
	return s.read(taskID)
}

// AppendEvent appends an event and bumps updated_at.
func (s *Store) AppendEvent(taskID, event, detail string) error {
	t, err := s.read(taskID)
	if err != nil || t == nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	ev := event
	if strings.TrimSpace(ev) == "" {
		ev = "event"
	}
	t.Events = append(t.Events, TaskEvent{At: now, Event: ev, Detail: compactPreview(detail, detailLimit)})
	t.UpdatedAt = now
	return s.write(t)
}

// Complete marks a checkpoint successful.
func (s *Store) Complete(taskID, outputText string, metadata map[string]interface{}) error {
	t, err := s.read(taskID)
	if err != nil || t == nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	t.Status = StatusOK
	t.UpdatedAt = now
	t.FinishedAt = now
	t.OutputPreview = compactPreview(outputText, previewLimit)
	t.Error = ""
	mergeMetadata(t, metadata)
	t.Events = append(t.Events, TaskEvent{At: now, Event: "complete"})
	return s.write(t)
}

// Fail marks a checkpoint as errored.
func (s *Store) Fail(taskID, errText string, metadata map[string]interface{}) error {
	t, err := s.read(taskID)
	if err != nil || t == nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	t.Status = StatusError
	t.UpdatedAt = now
	t.FinishedAt = now
	t.Error = compactPreview(errText, errorLimit)
	mergeMetadata(t, metadata)
	t.Events = append(t.Events, TaskEvent{At: now, Event: "error", Detail: t.Error})
	return s.write(t)
}

func mergeMetadata(t *Task, metadata map[string]interface{}) {
	if len(metadata) == 0 {
		return
	}
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
}

// LatestRunningForSession returns the most recent running task for a
// session_key, if any.
func (s *Store) LatestRunningForSession(sessionKey string) (*Task, error) {
	entries, err := os.ReadDir(s.tasksDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		taskID := strings.TrimSuffix(name, ".json")
		t, err := s.read(taskID)
		if err != nil || t == nil {
			continue
		}
		if t.SessionKey == sessionKey && t.Status == StatusRunning {
			return t, nil
		}
	}
	return nil, nil
}

// MarkResumed increments resume_count metadata on a running task and
// appends a "resume" event — used when a new task starts for a
// session_key that already has one running (§3 invariant).
func (s *Store) MarkResumed(taskID string) error {
	t, err := s.read(taskID)
	if err != nil || t == nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	count := 0
	if v, ok := t.Metadata["resume_count"]; ok {
		switch n := v.(type) {
		case float64:
			count = int(n)
		case int:
			count = n
		}
	}
	t.Metadata["resume_count"] = count + 1
	t.UpdatedAt = now
	t.Events = append(t.Events, TaskEvent{At: now, Event: "resume"})
	return s.write(t)
}
