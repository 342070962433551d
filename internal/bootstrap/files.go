package bootstrap

import (
	"os"
	"path/filepath"
	"unicode/utf8"
)

// Workspace-root context file names. These are seeded from templates/ on
// first run and thereafter owned by the agent/memory engine.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// ContextFile is one workspace-root file injected into the system prompt.
type ContextFile struct {
	Path    string
	Content string
}

// DefaultMaxCharsPerFile and DefaultTotalMaxChars bound how much of each
// context file (and of all of them combined) reaches the system prompt.
const (
	DefaultMaxCharsPerFile = 8000
	DefaultTotalMaxChars   = 24000
)

// TruncateConfig overrides the default per-file/total character caps.
type TruncateConfig struct {
	MaxCharsPerFile int
	TotalMaxChars   int
}

// LoadWorkspaceFiles reads every known context file present in workspaceDir,
// skipping ones that don't exist (e.g. BOOTSTRAP.md after cleanup).
func LoadWorkspaceFiles(workspaceDir string) []ContextFile {
	var files []ContextFile
	for _, name := range append(append([]string{}, templateFiles...), BootstrapFile) {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			continue
		}
		files = append(files, ContextFile{Path: name, Content: string(data)})
	}
	return files
}

// BuildContextFiles truncates each file to cfg.MaxCharsPerFile and then the
// combined set to cfg.TotalMaxChars, dropping the lowest-priority (last)
// files first when the total budget is exceeded.
func BuildContextFiles(raw []ContextFile, cfg TruncateConfig) []ContextFile {
	maxPerFile := cfg.MaxCharsPerFile
	if maxPerFile <= 0 {
		maxPerFile = DefaultMaxCharsPerFile
	}
	totalMax := cfg.TotalMaxChars
	if totalMax <= 0 {
		totalMax = DefaultTotalMaxChars
	}

	out := make([]ContextFile, 0, len(raw))
	total := 0
	for _, f := range raw {
		content := truncateUTF8(f.Content, maxPerFile)
		if total+len(content) > totalMax {
			remaining := totalMax - total
			if remaining <= 0 {
				break
			}
			content = truncateUTF8(content, remaining)
		}
		out = append(out, ContextFile{Path: f.Path, Content: content})
		total += len(content)
		if total >= totalMax {
			break
		}
	}
	return out
}

func truncateUTF8(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
