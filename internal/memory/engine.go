package memory

import (
	"time"
)

// Engine is the façade used by the agent loop and memory tools: it owns
// the fact index and knows the memory directory for every other surface.
type Engine struct {
	memoryDir string
	facts     *FactStore
}

func NewEngine(memoryDir string) *Engine {
	return &Engine{
		memoryDir: memoryDir,
		facts:     NewFactStore(memoryDir),
	}
}

func (e *Engine) MemoryDir() string { return e.memoryDir }

// RememberFact delegates to the fact store.
func (e *Engine) RememberFact(text, factType, source string, confidence float64) RememberResult {
	return e.facts.RememberFact(text, factType, source, confidence)
}

// UpsertProfileField delegates to the profile surface.
func (e *Engine) UpsertProfileField(section, key, value string) error {
	return UpsertProfileField(e.memoryDir, section, key, value)
}

// AppendDailyNote delegates to the daily-notes surface.
func (e *Engine) AppendDailyNote(channel, actor, text string) error {
	return AppendDailyNote(e.memoryDir, channel, actor, text, nowUTC())
}

// MemoryFilePaths lists the canonical memory file paths, used by the
// memory-truth enforcement post-processing step (§4.6) to cite concrete
// paths instead of a denial.
func (e *Engine) MemoryFilePaths() []string {
	return []string{
		e.memoryDir + "/MEMORY.md",
		e.memoryDir + "/FACTS.md",
		e.memoryDir + "/PROFILE.md",
		e.memoryDir + "/LESSONS.md",
		e.memoryDir + "/SUMMARIES.md",
		e.memoryDir + "/RELATIONSHIPS.md",
		e.memoryDir + "/PROJECTS.md",
	}
}

var nowFn = time.Now

func nowUTC() time.Time { return nowFn().UTC() }

func ageDaysOf(iso string, now time.Time) float64 {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0
	}
	return now.Sub(t).Hours() / 24
}
