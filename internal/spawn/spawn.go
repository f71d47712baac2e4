// Package spawn launches agent CLI subprocesses and normalizes their output.
package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/config"
	"github.com/skoll/overmind/internal/orchestrator"
)

const defaultCLI = "claude"

// Runner executes agent CLIs as subprocesses. It tracks in-flight runs for
// the gateway's busy check and keeps the primary agent's session across
// turns so the main conversation stays coherent.
type Runner struct {
	cfg    config.SpawnConfig
	logger *zap.Logger

	active atomic.Int64

	mu             sync.Mutex
	primarySession string
}

// NewRunner creates a Runner from the spawn configuration.
func NewRunner(cfg config.SpawnConfig, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Busy reports whether any subprocess is currently running.
func (r *Runner) Busy() bool {
	return r.active.Load() > 0
}

// Active returns the number of in-flight subprocesses.
func (r *Runner) Active() int64 {
	return r.active.Load()
}

// cliResult is the JSON envelope printed by the claude CLI in print mode.
type cliResult struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// Spawn runs one agent CLI turn. A non-zero exit code is a result, not an
// error; errors are reserved for infrastructure failures (missing binary,
// timeout, cancelled context).
func (r *Runner) Spawn(ctx context.Context, prompt string, opts orchestrator.SpawnOptions) (*orchestrator.SpawnResult, error) {
	cli := opts.CLI
	if cli == "" {
		cli = defaultCLI
	}
	bin := r.cfg.Binaries[cli]
	if bin == "" {
		bin = cli
	}

	sessionID := r.resolveSession(opts)
	args := buildArgs(cli, opts, sessionID)

	if r.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = r.cfg.Workdir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("spawning agent CLI",
		zap.String("cli", cli),
		zap.String("agentId", opts.AgentID),
		zap.Bool("resume", sessionID != ""))

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("spawn %s: %w", cli, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("spawn %s: %w", cli, ctx.Err())
		}
		text := strings.TrimSpace(stderr.String())
		if text == "" {
			text = strings.TrimSpace(stdout.String())
		}
		return &orchestrator.SpawnResult{Code: exitErr.ExitCode(), Text: text}, nil
	}

	text, newSession := parseOutput(stdout.Bytes())
	if newSession == "" {
		newSession = sessionID
	}
	if opts.AgentID == "" && newSession != "" {
		r.mu.Lock()
		r.primarySession = newSession
		r.mu.Unlock()
	}

	return &orchestrator.SpawnResult{Code: 0, Text: text, SessionID: newSession}, nil
}

// ResetPrimarySession drops the primary agent's stored session so the next
// turn starts a fresh conversation.
func (r *Runner) ResetPrimarySession() {
	r.mu.Lock()
	r.primarySession = ""
	r.mu.Unlock()
}

// resolveSession picks the session to resume. An empty AgentID means the
// primary agent, whose session the Runner owns; workers carry their session
// through the options.
func (r *Runner) resolveSession(opts orchestrator.SpawnOptions) string {
	if opts.ForceNew {
		return ""
	}
	if opts.AgentID == "" {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.primarySession
	}
	return opts.EmployeeSessionID
}

// buildArgs assembles CLI flags per backend. Unknown backends get prompt on
// stdin with no flags.
func buildArgs(cli string, opts orchestrator.SpawnOptions, sessionID string) []string {
	switch cli {
	case "claude":
		args := []string{"-p", "--output-format", "json"}
		if sessionID != "" {
			args = append(args, "--resume", sessionID)
		}
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
		if opts.SysPrompt != "" {
			args = append(args, "--append-system-prompt", opts.SysPrompt)
		}
		return args
	case "gemini":
		args := []string{"-o", "json"}
		if opts.Model != "" {
			args = append(args, "-m", opts.Model)
		}
		return args
	default:
		var args []string
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
		return args
	}
}

// parseOutput extracts the result text and session ID from CLI output.
// Falls back to raw output when the JSON envelope is absent.
func parseOutput(out []byte) (string, string) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res cliResult
		if err := json.Unmarshal(trimmed, &res); err == nil && res.Result != "" {
			return res.Result, res.SessionID
		}
	}
	return string(trimmed), ""
}
