package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UpsertProfileField implements the `(section, key, value)` idempotent
// upsert described in §3. PROFILE.md uses `## Section` headers followed
// by `- key: value` lines; calling this repeatedly with the same
// (section, key) never produces more than one line for that key.
func UpsertProfileField(memoryDir, section, key, value string) error {
	path := filepath.Join(memoryDir, "PROFILE.md")
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	header := "## " + section
	keyPrefix := "- " + key + ":"

	sectionStart := -1
	sectionEnd := len(lines)
	for i, l := range lines {
		if strings.TrimSpace(l) == header {
			sectionStart = i
			continue
		}
		if sectionStart != -1 && strings.HasPrefix(strings.TrimSpace(l), "## ") {
			sectionEnd = i
			break
		}
	}

	newLine := fmt.Sprintf("- %s: %s", key, value)

	if sectionStart == -1 {
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			lines = append(lines, "")
		}
		lines = append(lines, header, newLine)
	} else {
		replaced := false
		for i := sectionStart + 1; i < sectionEnd; i++ {
			if strings.HasPrefix(strings.TrimSpace(lines[i]), keyPrefix) {
				lines[i] = newLine
				replaced = true
				break
			}
		}
		if !replaced {
			insertAt := sectionEnd
			tail := append([]string{newLine}, lines[insertAt:]...)
			lines = append(lines[:insertAt], tail...)
		}
	}

	if err := writeLines(path, lines); err != nil {
		return err
	}
	return syncUserProfileAlias(memoryDir)
}

// syncUserProfileAlias keeps user_profile.md as a content mirror of
// PROFILE.md (symlink where possible, copy otherwise — §3).
func syncUserProfileAlias(memoryDir string) error {
	src := filepath.Join(memoryDir, "PROFILE.md")
	alias := filepath.Join(memoryDir, "user_profile.md")

	os.Remove(alias)
	if err := os.Symlink("PROFILE.md", alias); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(alias, data, 0o644)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func writeLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "profile-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		w.WriteString(l)
		w.WriteString("\n")
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// ReadProfileLines returns every "- key: value" bullet across all
// sections, each prefixed with its section name for recall candidates.
func ReadProfileLines(memoryDir string) ([]string, error) {
	lines, err := readLines(filepath.Join(memoryDir, "PROFILE.md"))
	if err != nil {
		return nil, err
	}
	section := ""
	var out []string
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "## ") {
			section = strings.TrimPrefix(t, "## ")
			continue
		}
		if strings.HasPrefix(t, "- ") {
			out = append(out, fmt.Sprintf("[%s] %s", section, strings.TrimPrefix(t, "- ")))
		}
	}
	return out, nil
}
