// Package worklog persists per-request markdown worklogs so interrupted
// orchestration runs can be resumed after a restart.
package worklog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/orchestrator"
)

// Manager reads and writes worklog files under a single directory. One file
// per orchestration run, newest file wins for resume.
type Manager struct {
	dir    string
	logger *zap.Logger
}

// NewManager ensures the worklog directory exists.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create worklog dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger}, nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9가-힣_-]+`)

// slugify makes a filesystem-safe fragment from the request title.
func slugify(title string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "task"
	}
	return s
}

// Create starts a new worklog for a request and returns its handle.
func (m *Manager) Create(title string) (*orchestrator.WorklogRef, error) {
	now := time.Now()
	name := fmt.Sprintf("%s_%s.md", now.Format("20060102-150405"), slugify(title))
	path := filepath.Join(m.dir, name)

	content := fmt.Sprintf(`# Worklog: %s

Status: active
Started: %s

## Original Request

%s

## Agent Status Matrix

| Agent | Task | Status |
|-------|------|--------|

## Rounds
`, title, now.Format(time.RFC3339), title)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write worklog: %w", err)
	}
	m.logger.Info("worklog created", zap.String("path", path))
	return &orchestrator.WorklogRef{Path: path, Content: content}, nil
}

// ReadLatest returns the most recent worklog, or nil when none exist.
func (m *Manager) ReadLatest() (*orchestrator.WorklogRef, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worklog dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	// Timestamped names make lexical order chronological.
	sort.Strings(names)
	path := filepath.Join(m.dir, names[len(names)-1])

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worklog: %w", err)
	}
	return &orchestrator.WorklogRef{Path: path, Content: string(data)}, nil
}

// Append adds a titled section to the end of a worklog.
func (m *Manager) Append(path, section, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open worklog: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n### %s\n\n%s\n", section, text); err != nil {
		return fmt.Errorf("append worklog: %w", err)
	}
	return nil
}

var statusLine = regexp.MustCompile(`(?m)^Status: .*$`)

// UpdateStatus rewrites the worklog's Status line in place.
func (m *Manager) UpdateStatus(path, status string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read worklog: %w", err)
	}
	updated := statusLine.ReplaceAllString(string(data), "Status: "+status)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write worklog: %w", err)
	}
	return nil
}

// PendingAgent is one unfinished row from the Agent Status Matrix.
type PendingAgent struct {
	Agent string
	Task  string
}

// ParsePending extracts matrix rows that have not reached a done marker.
// Rows marked with a checkmark are finished; paused or in-progress rows are
// candidates for resume.
func ParsePending(content string) []PendingAgent {
	var pending []PendingAgent
	inMatrix := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## Agent Status Matrix") {
			inMatrix = true
			continue
		}
		if inMatrix && strings.HasPrefix(trimmed, "## ") {
			break
		}
		if !inMatrix || !strings.HasPrefix(trimmed, "|") {
			continue
		}
		cells := strings.Split(trimmed, "|")
		if len(cells) < 4 {
			continue
		}
		agent := strings.TrimSpace(cells[1])
		task := strings.TrimSpace(cells[2])
		status := strings.TrimSpace(cells[3])
		if agent == "" || agent == "Agent" || strings.HasPrefix(agent, "---") || strings.HasPrefix(agent, "--") {
			continue
		}
		if strings.Contains(status, "✅") || strings.EqualFold(status, "done") {
			continue
		}
		pending = append(pending, PendingAgent{Agent: agent, Task: task})
	}
	return pending
}
