package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Store owns jobs.json for one workspace. CRUD methods rewrite the whole
// file atomically under the store's lock (§6).
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, "jobs.json")}
}

func (s *Store) load() (jobFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return jobFile{}, nil
	}
	if err != nil {
		return jobFile{}, err
	}
	var jf jobFile
	if err := json.Unmarshal(data, &jf); err != nil {
		return jobFile{}, nil // tolerate corrupt file as empty, matching "reads tolerate missing fields"
	}
	return jf, nil
}

func (s *Store) save(jf jobFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "jobs-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	b, err := json.MarshalIndent(jf, "", "  ")
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
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// List returns all jobs.
func (s *Store) List() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, err := s.load()
	return jf.Jobs, err
}

// Upsert creates or replaces the job with the given (unique) name,
// computing its initial next_run_at.
func (s *Store) Upsert(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, err := s.load()
	if err != nil {
		return err
	}
	if job.NextRunAt == "" {
		next, err := NextRun(job.Schedule, time.Now().UTC())
		if err == nil {
			job.NextRunAt = next.Format(time.RFC3339)
		}
	}
	replaced := false
	for i, j := range jf.Jobs {
		if j.Name == job.Name {
			jf.Jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		jf.Jobs = append(jf.Jobs, job)
	}
	return s.save(jf)
}

// Delete removes a job by name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, err := s.load()
	if err != nil {
		return err
	}
	out := jf.Jobs[:0]
	for _, j := range jf.Jobs {
		if j.Name != name {
			out = append(out, j)
		}
	}
	jf.Jobs = out
	return s.save(jf)
}

// MarkRan updates a job's run bookkeeping after execution and advances
// next_run_at (§4.8 "After a run, the scheduler advances next_run_at").
func (s *Store) MarkRan(name string, ranAt time.Time, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, err := s.load()
	if err != nil {
		return err
	}
	for i := range jf.Jobs {
		j := &jf.Jobs[i]
		if j.Name != name {
			continue
		}
		j.LastRunAt = ranAt.Format(time.RFC3339)
		if ok {
			j.FailureCount = 0
		} else {
			j.FailureCount++
		}
		if next, err := NextRun(j.Schedule, ranAt); err == nil {
			j.NextRunAt = next.Format(time.RFC3339)
		} else if j.Schedule.Kind == ScheduleAt {
			j.Enabled = false // one-shot jobs disable themselves after firing
		}
		break
	}
	return s.save(jf)
}

// NextRun computes the next run time for a schedule, strictly after
// `after`.
func NextRun(sch Schedule, after time.Time) (time.Time, error) {
	switch sch.Kind {
	case ScheduleEvery:
		if sch.EveryMS <= 0 {
			return time.Time{}, fmt.Errorf("cron: every schedule requires every_ms > 0")
		}
		return after.Add(time.Duration(sch.EveryMS) * time.Millisecond), nil
	case ScheduleCron:
		g := gronx.New()
		if !g.IsValid(sch.CronExpr) {
			return time.Time{}, fmt.Errorf("cron: invalid cron expression %q", sch.CronExpr)
		}
		return gronx.NextTickAfter(sch.CronExpr, after, false)
	case ScheduleAt:
		t, err := time.Parse(time.RFC3339, sch.At)
		if err != nil {
			return time.Time{}, err
		}
		if !t.After(after) {
			return time.Time{}, fmt.Errorf("cron: at-schedule already elapsed")
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("cron: unknown schedule kind %q", sch.Kind)
	}
}
