package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
)

// AgentResult is the outcome of one worker execution, folded back into the
// pipeline and into later workers' context.
type AgentResult struct {
	Agent      string `json:"agent"`
	Role       string `json:"role"`
	ID         string `json:"id"`
	Phase      int    `json:"phase"`
	PhaseLabel string `json:"phase_label"`
	Status     string `json:"status"` // "done" or "error"
	Text       string `json:"text"`
}

// Dispatcher runs delegated sub-tasks against registered employees.
type Dispatcher struct {
	employees EmployeeStore
	spawner   Spawner
	bus       Broadcaster
	worklog   Worklog
	pool      chan struct{} // bounds concurrent parallel workers
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher with a bounded parallel-worker pool.
func NewDispatcher(employees EmployeeStore, spawner Spawner, b Broadcaster, wl Worklog, poolSize int, logger *zap.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Dispatcher{
		employees: employees,
		spawner:   spawner,
		bus:       b,
		worklog:   wl,
		pool:      make(chan struct{}, poolSize),
		logger:    logger,
	}
}

// FindEmployee resolves a sub-task's agent name against the roster:
// exact match, then case-insensitive, then best-effort substring (either
// direction, with a warning). Returns nil when nothing matches; the caller
// skips the task rather than failing the round.
func (d *Dispatcher) FindEmployee(emps []Employee, spec SubtaskSpec) *Employee {
	if spec.Agent == "" {
		d.logger.Warn("subtask has no agent name", zap.String("task", spec.Task))
		return nil
	}
	for i := range emps {
		if emps[i].Name == spec.Agent {
			return &emps[i]
		}
	}
	for i := range emps {
		if strings.EqualFold(emps[i].Name, spec.Agent) {
			return &emps[i]
		}
	}
	for i := range emps {
		name := emps[i].Name
		if strings.Contains(name, spec.Agent) || strings.Contains(spec.Agent, name) {
			d.logger.Warn("fuzzy employee match",
				zap.String("requested", spec.Agent),
				zap.String("matched", name))
			return &emps[i]
		}
	}
	return nil
}

// ValidateParallelSafety downgrades parallel tasks that claim a file some
// earlier parallel task already owns. Exactly one downgrade per conflicting
// task: all non-parallel tasks run sequentially anyway. The primary agent is
// told to avoid overlap, but a hallucinated parallel flag must not produce
// concurrent writers to the same file.
func (d *Dispatcher) ValidateParallelSafety(tasks []*TaskPhase) {
	var parallel []*TaskPhase
	for _, t := range tasks {
		if t.Parallel {
			parallel = append(parallel, t)
		}
	}
	if len(parallel) < 2 {
		return
	}

	owner := make(map[string]string)
	for _, t := range parallel {
		for _, file := range t.Verification.AffectedFiles {
			if prev, ok := owner[file]; ok && prev != t.Agent {
				d.logger.Warn("parallel file conflict, downgrading to sequential",
					zap.String("file", file),
					zap.String("owner", prev),
					zap.String("downgraded", t.Agent))
				t.Parallel = false
				break
			}
			owner[file] = t.Agent
		}
	}
}

// buildParallelContext describes the task's exclusive file set and its
// concurrently running peers.
func buildParallelContext(t *TaskPhase, peers []*TaskPhase) string {
	myFiles := "(no files specified)"
	if len(t.Verification.AffectedFiles) > 0 {
		var b strings.Builder
		for _, f := range t.Verification.AffectedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		myFiles = strings.TrimRight(b.String(), "\n")
	}

	var peerList strings.Builder
	for _, p := range peers {
		if p.Agent == t.Agent {
			continue
		}
		files := "unspecified"
		if len(p.Verification.AffectedFiles) > 0 {
			files = strings.Join(p.Verification.AffectedFiles, ", ")
		}
		fmt.Fprintf(&peerList, "- %s (%s): %s\n", p.Agent, p.Role, files)
	}
	peerStr := strings.TrimRight(peerList.String(), "\n")
	if peerStr == "" {
		peerStr = "(none)"
	}

	return fmt.Sprintf(`## Parallel Execution Mode
- Other agents are working simultaneously.
- Focus only on your area (%s) and the files listed below.
- Never modify files owned by other agents.
- Do not modify shared config files.

### Your Assigned Files
%s

### Concurrently Working Agents
%s`, t.Role, myFiles, peerStr)
}

// buildSequentialContext summarizes earlier agents' results with a directive
// not to touch files they already modified.
func buildSequentialContext(t *TaskPhase, prior []AgentResult) string {
	summary := "(You are the first agent)"
	if len(prior) > 0 {
		var b strings.Builder
		for _, r := range prior {
			fmt.Fprintf(&b, "- %s (%s): %s — %s\n", r.Agent, r.Role, r.Status, truncate(r.Text, 150))
		}
		summary = strings.TrimRight(b.String(), "\n")
	}

	return fmt.Sprintf(`## Sequential Execution Rules
- Do not touch files already modified by previous agents.
- Focus only on your area (%s).

### Previous Agent Results
%s`, t.Role, summary)
}

// buildEmployeeSysPrompt is the system prompt used when an employee starts a
// fresh session (resumed sessions keep their original one).
func buildEmployeeSysPrompt(emp *Employee, role string, phase int) string {
	if role == "" {
		role = "general developer"
	}
	return fmt.Sprintf(`You are %s, a %s on this project.
You are executing phase %d (%s) of a delegated sub-task.
Work only within your assigned scope, report concrete results, and record
everything in the shared worklog.`, emp.Name, role, phase, PhaseLabels[phase])
}

// RunSingleAgent executes one worker through one phase: builds its prompt,
// resumes or starts its CLI session, waits for the terminal result, applies
// any phases_completed skip-ahead, and records the outcome.
func (d *Dispatcher) RunSingleAgent(
	ctx context.Context,
	t *TaskPhase,
	emp *Employee,
	worklogPath string,
	round int,
	origin string,
	prior []AgentResult,
	peers []*TaskPhase,
) (AgentResult, error) {
	instruction := PhaseInstruction(t.CurrentPhase)
	phaseLabel := PhaseLabels[t.CurrentPhase]

	var execContext string
	if t.Parallel {
		execContext = buildParallelContext(t, peers)
	} else {
		execContext = buildSequentialContext(t, prior)
	}

	var remaining []string
	for _, p := range t.RemainingPhases() {
		remaining = append(remaining, fmt.Sprintf("%d(%s)", p, PhaseLabels[p]))
	}
	var remainingNums []string
	for _, p := range t.RemainingPhases() {
		remainingNums = append(remainingNums, fmt.Sprintf("%d", p))
	}

	taskPrompt := fmt.Sprintf(`## Task Instruction [%s]
%s

## Current Phase: %d (%s)
%s

## Remaining Phases: %s

## Phase Merging
Complete as many phases as possible in a single pass. Doing only one phase is
acceptable only when the task is uncertain. If you complete several phases,
add this JSON at the end of your response:

`+"```json"+`
{ "phases_completed": [%s] }
`+"```"+`

If you completed only one phase, omit the JSON.

%s

## Worklog
Read this file first: %s
After completing your task, record results in the Execution Log section.`,
		phaseLabel, t.Task,
		t.CurrentPhase, phaseLabel, instruction,
		strings.Join(remaining, "→"),
		strings.Join(remainingNums, ", "),
		execContext, worklogPath)

	d.bus.Broadcast(bus.EventAgentStatus, map[string]any{
		"agentId": emp.ID, "agentName": emp.Name,
		"status": "running", "phase": t.CurrentPhase, "phaseLabel": phaseLabel,
	})

	// Resumable only when a prior session exists under the employee's
	// current CLI backend; switching backends invalidates resumption.
	session, err := d.employees.GetEmployeeSession(ctx, emp.ID)
	if err != nil {
		d.logger.Warn("read employee session failed", zap.String("employee", emp.ID), zap.Error(err))
		session = nil
	}
	canResume := session != nil && session.SessionID != "" && session.CLI == emp.CLI

	opts := SpawnOptions{
		AgentID:  emp.ID,
		CLI:      emp.CLI,
		Model:    emp.Model,
		ForceNew: !canResume,
		Origin:   origin,
	}
	if canResume {
		opts.EmployeeSessionID = session.SessionID
	} else {
		opts.SysPrompt = buildEmployeeSysPrompt(emp, t.Role, t.CurrentPhase)
	}

	res, err := d.spawner.Spawn(ctx, taskPrompt, opts)
	if err != nil {
		// Infrastructure failure: the spawn collaborator itself broke.
		return AgentResult{}, fmt.Errorf("spawn %s: %w", emp.Name, err)
	}

	if res.Code == 0 && res.SessionID != "" {
		if err := d.employees.UpsertEmployeeSession(ctx, emp.ID, res.SessionID, emp.CLI); err != nil {
			d.logger.Warn("persist employee session failed", zap.String("employee", emp.ID), zap.Error(err))
		}
	}

	status := "done"
	if res.Code != 0 {
		status = "error"
	}
	result := AgentResult{
		Agent: t.Agent, Role: t.Role, ID: emp.ID,
		Phase: t.CurrentPhase, PhaseLabel: phaseLabel,
		Status: status, Text: res.Text,
	}

	d.applyPhaseSkip(t, res.Text)

	d.bus.Broadcast(bus.EventAgentStatus, map[string]any{
		"agentId": emp.ID, "agentName": emp.Name,
		"status": result.Status, "phase": t.CurrentPhase,
	})

	if worklogPath != "" {
		section := fmt.Sprintf("Round %d — %s (%s, %s)",
			round, result.Agent, result.Role, result.PhaseLabel)
		entry := fmt.Sprintf("- Status: %s\n- Result: %s",
			result.Status, truncate(result.Text, 500))
		if err := d.worklog.Append(worklogPath, section, entry); err != nil {
			d.logger.Warn("worklog append failed", zap.Error(err))
		}
	}

	return result, nil
}

// applyPhaseSkip advances the descriptor past the highest phase the worker
// reports having completed, when it claims more than one. A report covering
// every remaining phase marks the task completed.
func (d *Dispatcher) applyPhaseSkip(t *TaskPhase, text string) {
	completed := ParsePhasesCompleted(text)
	if len(completed) <= 1 {
		return
	}
	maxCompleted := completed[0]
	for _, p := range completed[1:] {
		if p > maxCompleted {
			maxCompleted = p
		}
	}

	newIdx := -1
	for i, p := range t.PhaseProfile {
		if p > maxCompleted {
			newIdx = i
			break
		}
	}
	if newIdx == -1 {
		t.Completed = true
		d.logger.Info("worker completed all phases in one pass", zap.String("agent", t.Agent))
	} else if newIdx > t.CurrentPhaseIdx+1 {
		t.CurrentPhaseIdx = newIdx
		t.CurrentPhase = t.PhaseProfile[newIdx]
		d.logger.Info("worker skipped ahead",
			zap.String("agent", t.Agent),
			zap.Int("phase", t.CurrentPhase),
			zap.Ints("completed", completed))
	}
}

// assignment pairs a descriptor with its resolved employee for one round.
type assignment struct {
	task *TaskPhase
	emp  *Employee
}

// RunRound executes one dispatch round: parallel-tagged tasks launch
// concurrently (bounded by the pool) and their results are collected before
// any sequential task starts; sequential tasks then run one at a time, each
// seeing the accumulated prior results.
func (d *Dispatcher) RunRound(
	ctx context.Context,
	assignments []assignment,
	worklogPath string,
	round int,
	origin string,
) ([]AgentResult, error) {
	var tasks []*TaskPhase
	for _, a := range assignments {
		tasks = append(tasks, a.task)
	}
	d.ValidateParallelSafety(tasks)

	var parallel, sequential []assignment
	var peers []*TaskPhase
	for _, a := range assignments {
		if a.task.Parallel {
			parallel = append(parallel, a)
			peers = append(peers, a.task)
		} else {
			sequential = append(sequential, a)
		}
	}

	results := make([]AgentResult, 0, len(assignments))

	if len(parallel) > 0 {
		type indexed struct {
			idx int
			res AgentResult
			err error
		}
		ch := make(chan indexed, len(parallel))
		var wg sync.WaitGroup
		for i, a := range parallel {
			wg.Add(1)
			go func(i int, a assignment) {
				defer wg.Done()
				d.pool <- struct{}{}
				defer func() { <-d.pool }()
				res, err := d.RunSingleAgent(ctx, a.task, a.emp, worklogPath, round, origin, nil, peers)
				ch <- indexed{idx: i, res: res, err: err}
			}(i, a)
		}
		wg.Wait()
		close(ch)

		ordered := make([]AgentResult, len(parallel))
		for r := range ch {
			if r.err != nil {
				return nil, r.err
			}
			ordered[r.idx] = r.res
		}
		results = append(results, ordered...)
	}

	for _, a := range sequential {
		res, err := d.RunSingleAgent(ctx, a.task, a.emp, worklogPath, round, origin, results, nil)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return results, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
