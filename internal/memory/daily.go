package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const dailyEntryLimit = 1200

// AppendDailyNote appends a timestamped bullet to memory/YYYY-MM-DD.md
// under an "## HH:MM" sub-header, per §6. Text longer than 1200 chars is
// compacted with an ellipsis.
func AppendDailyNote(memoryDir, channel, actor, text string, at time.Time) error {
	if err := os.MkdirAll(memoryDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(memoryDir, at.Format("2006-01-02")+".md")
	hm := at.Format("15:04")
	compact := compactText(text, dailyEntryLimit)
	entry := fmt.Sprintf("## %s\n- [%s] %s: %s\n", hm, channel, actor, compact)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(entry)
	return err
}

func compactText(text string, limit int) string {
	fields := strings.Fields(text)
	compact := strings.Join(fields, " ")
	if len(compact) <= limit {
		return compact
	}
	return compact[:limit] + "..."
}

// ReadDailyNotes returns the raw bullet lines from the last lookbackDays
// of daily notes, newest file first.
func ReadDailyNotes(memoryDir string, lookbackDays int, now time.Time) ([]dailyLine, error) {
	var out []dailyLine
	for d := 0; d < lookbackDays; d++ {
		day := now.AddDate(0, 0, -d)
		path := filepath.Join(memoryDir, day.Format("2006-01-02")+".md")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, l := range strings.Split(string(data), "\n") {
			t := strings.TrimSpace(l)
			if strings.HasPrefix(t, "- ") {
				out = append(out, dailyLine{text: t, ageDays: float64(d)})
			}
		}
	}
	return out, nil
}

type dailyLine struct {
	text    string
	ageDays float64
}
