package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
)

// Meta carries per-request routing data through an orchestration chain.
type Meta struct {
	Origin string
	ChatID string
	// SkipClear preserves employee sessions on entry (continue/resume paths).
	SkipClear bool
	// WorkerResult marks the initial input as worker output, not user text.
	WorkerResult bool
}

// autoApproveNext maps phases that advance on an approval utterance.
// C->D and D->IDLE are deliberately absent: final sign-off requires the
// explicit control command.
var autoApproveNext = map[Phase]Phase{
	PhasePlan:  PhaseAudit,
	PhaseAudit: PhaseBuild,
	PhaseBuild: PhaseCheck,
}

// workerPhaseFor maps the workflow phase to the phase workers execute in.
func workerPhaseFor(p Phase) int {
	switch p {
	case PhaseAudit:
		return 2
	case PhaseBuild:
		return 3
	case PhaseCheck:
		return 4
	default:
		return 3
	}
}

// Pipeline drives a full orchestration chain: primary agent turns, sub-task
// dispatch, and worker feedback, until the chain produces a terminal
// response.
type Pipeline struct {
	state      *StateMachine
	dispatcher *Dispatcher
	employees  EmployeeStore
	spawner    Spawner
	bus        Broadcaster
	worklog    Worklog
	logger     *zap.Logger
}

// NewPipeline wires the orchestration driver to its collaborators.
func NewPipeline(
	state *StateMachine,
	dispatcher *Dispatcher,
	employees EmployeeStore,
	spawner Spawner,
	b Broadcaster,
	wl Worklog,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		state:      state,
		dispatcher: dispatcher,
		employees:  employees,
		spawner:    spawner,
		bus:        b,
		worklog:    wl,
		logger:     logger,
	}
}

// pendingInput is one queued turn for the primary agent. Worker results are
// fed back through the same queue instead of recursive calls, so chain depth
// is bounded by memory, not the call stack.
type pendingInput struct {
	text   string
	source Source
}

// Orchestrate runs one orchestration chain to completion. Every terminal
// outcome produces exactly one orchestrate_done broadcast per drained input;
// errors propagate to the caller (the gateway's supervised job slot), which
// converts them into an error-tagged broadcast. Workflow state is never
// implicitly reset on failure.
func (p *Pipeline) Orchestrate(ctx context.Context, prompt string, meta Meta) error {
	origin := meta.Origin
	if origin == "" {
		origin = "web"
	}

	source := SourceUser
	if meta.WorkerResult {
		source = SourceWorker
	}
	queue := []pendingInput{{text: prompt, source: source}}
	mayClear := !meta.SkipClear
	round := 0

	for len(queue) > 0 {
		in := queue[0]
		queue = queue[1:]

		state := p.state.State(ctx)
		text := strings.TrimSpace(in.text)
		skipPrefix := false

		// A fresh top-level request from IDLE must not inherit employee
		// sessions from an unrelated earlier request.
		if mayClear && state == PhaseIdle && in.source == SourceUser {
			if err := p.employees.ClearAllEmployeeSessions(ctx); err != nil {
				p.logger.Warn("clear employee sessions failed", zap.Error(err))
			}
		}
		mayClear = false

		// Auto-activation: only explicit trigger words enter the workflow.
		if state == PhaseIdle && in.source == SourceUser && IsActivateIntent(text) {
			wc := &WorkflowContext{
				OriginalPrompt: text,
				WorkerResults:  []string{},
				Origin:         origin,
				ChatID:         meta.ChatID,
			}
			if err := p.state.SetStateContext(ctx, PhasePlan, wc); err != nil {
				return err
			}
			state = PhasePlan
			p.logger.Info("auto-transition IDLE -> P")

			worklogPath := ""
			if ref, err := p.worklog.Create(text); err != nil {
				p.logger.Warn("worklog create failed", zap.Error(err))
			} else {
				worklogPath = ref.Path
			}

			emps, err := p.employees.ListEmployees(ctx)
			if err != nil {
				return err
			}
			text = StatePrompt(PhasePlan) + "\n\n" + BuildDispatchBriefing(text, worklogPath, emps)
			skipPrefix = true
		}

		// Approval intent from a non-worker source advances P->A, A->B, B->C.
		if state != PhaseIdle && in.source != SourceWorker && IsApproveIntent(text) {
			if next, ok := autoApproveNext[state]; ok {
				if err := p.state.SetState(ctx, next); err != nil {
					return err
				}
				p.logger.Info("auto-transition by approval",
					zap.String("from", string(state)), zap.String("to", string(next)))
				state = next
				text = StatePrompt(next) + "\n\nUser approval:\n" + text
				skipPrefix = true
			}
		}

		// Phase prefix, unless an entry prompt was already injected above.
		if prefix := Prefix(state, in.source); prefix != "" && !skipPrefix {
			text = prefix + "\n" + text
		}

		p.logger.Info("spawning primary agent", zap.String("state", string(state)))
		res, err := p.spawner.Spawn(ctx, text, SpawnOptions{Origin: origin})
		if err != nil {
			return err
		}

		subtasks, status := ParseSubtasks(res.Text)
		if status == ExtractFound && len(subtasks) > 0 && state != PhaseIdle {
			round++
			results, dispatched, err := p.dispatchRound(ctx, subtasks, state, round, origin)
			if err != nil {
				return err
			}
			if !dispatched {
				// Surface the response instead of silently discarding it.
				stripped := StripSubtaskJSON(res.Text)
				if stripped == "" {
					stripped = res.Text
				}
				p.bus.Broadcast(bus.EventOrchestrateDone, map[string]any{
					"text":   "[Worker dispatch failed — no matching employees]\n" + stripped,
					"origin": origin,
					"chatId": meta.ChatID,
				})
				continue
			}
			for _, r := range results {
				queue = append(queue, pendingInput{text: r.Text, source: SourceWorker})
			}
			continue
		}

		// Terminal response for this input.
		terminal := ""
		if answer, ok := ParseDirectAnswer(res.Text); ok {
			terminal = answer
		} else {
			terminal = StripSubtaskJSON(res.Text)
			if terminal == "" {
				terminal = res.Text
			}
		}
		p.bus.Broadcast(bus.EventOrchestrateDone, map[string]any{
			"text":   terminal,
			"origin": origin,
			"chatId": meta.ChatID,
		})
	}

	return nil
}

// dispatchRound resolves sub-tasks to employees and runs them. Unresolvable
// tasks are skipped with a warning; dispatched reports whether any worker ran.
func (p *Pipeline) dispatchRound(
	ctx context.Context,
	subtasks []SubtaskSpec,
	state Phase,
	round int,
	origin string,
) ([]AgentResult, bool, error) {
	p.logger.Info("worker JSON detected",
		zap.Int("tasks", len(subtasks)), zap.String("state", string(state)))

	emps, err := p.employees.ListEmployees(ctx)
	if err != nil {
		return nil, false, err
	}

	worklogPath := ""
	if ref, wErr := p.worklog.ReadLatest(); wErr == nil && ref != nil {
		worklogPath = ref.Path
	}

	phase := workerPhaseFor(state)
	var assignments []assignment
	for _, spec := range subtasks {
		emp := p.dispatcher.FindEmployee(emps, spec)
		if emp == nil {
			p.logger.Warn("worker not found, skipping task", zap.String("agent", spec.Agent))
			continue
		}
		// Workflow-dispatched workers never resume stale sessions.
		if err := p.employees.UpsertEmployeeSession(ctx, emp.ID, "", emp.CLI); err != nil {
			p.logger.Warn("session reset failed", zap.String("employee", emp.ID), zap.Error(err))
		}
		assignments = append(assignments, assignment{
			task: &TaskPhase{
				Agent:        spec.Agent,
				Role:         spec.Role,
				Task:         spec.Task,
				PhaseProfile: []int{phase},
				CurrentPhase: phase,
				Parallel:     spec.Parallel,
				Checkpoint:   spec.Checkpoint,
				Verification: spec.Verification,
			},
			emp: emp,
		})
	}

	if len(assignments) == 0 {
		return nil, false, nil
	}

	results, err := p.dispatcher.RunRound(ctx, assignments, worklogPath, round, origin)
	if err != nil {
		return nil, false, err
	}
	return results, true, nil
}

// Continue resumes unfinished work: mid-workflow it re-enters the chain with
// a canned prompt; from IDLE it falls back to the latest worklog, reporting
// "nothing to continue" when that is absent or closed out.
func (p *Pipeline) Continue(ctx context.Context, meta Meta) error {
	origin := meta.Origin
	if origin == "" {
		origin = "web"
	}

	state := p.state.State(ctx)
	if state != PhaseIdle {
		p.logger.Info("continue in active workflow", zap.String("state", string(state)))
		meta.SkipClear = true
		return p.Orchestrate(ctx, "Please continue from where you left off.", meta)
	}

	latest, err := p.worklog.ReadLatest()
	if err != nil {
		return err
	}
	if latest == nil ||
		strings.Contains(latest.Content, "Status: done") ||
		strings.Contains(latest.Content, "Status: reset") {
		p.bus.Broadcast(bus.EventOrchestrateDone, map[string]any{
			"text":   "No pending work to continue.",
			"origin": origin,
			"chatId": meta.ChatID,
		})
		return nil
	}

	meta.SkipClear = true
	resumePrompt := "Read the previous worklog and continue any incomplete tasks.\nWorklog: " + latest.Path
	return p.Orchestrate(ctx, resumePrompt, meta)
}

// Reset clears all employee sessions, forces the state machine back to IDLE,
// and closes out the latest worklog. Idempotent when no worklog exists.
func (p *Pipeline) Reset(ctx context.Context, meta Meta) error {
	origin := meta.Origin
	if origin == "" {
		origin = "web"
	}

	if err := p.employees.ClearAllEmployeeSessions(ctx); err != nil {
		return err
	}
	// The primary agent's conversation is tied to the abandoned workflow;
	// spawners that keep one drop it here.
	if r, ok := p.spawner.(interface{ ResetPrimarySession() }); ok {
		r.ResetPrimarySession()
	}
	if err := p.state.Reset(ctx); err != nil {
		return err
	}

	latest, err := p.worklog.ReadLatest()
	if err != nil {
		return err
	}
	if latest != nil {
		if err := p.worklog.UpdateStatus(latest.Path, "reset"); err != nil {
			p.logger.Warn("worklog status update failed", zap.Error(err))
		}
		if err := p.worklog.Append(latest.Path, "Final Summary", "Reset by user request."); err != nil {
			p.logger.Warn("worklog append failed", zap.Error(err))
		}
	}

	p.bus.Broadcast(bus.EventOrchestrateDone, map[string]any{
		"text":   "Reset complete.",
		"origin": origin,
		"chatId": meta.ChatID,
	})
	return nil
}
