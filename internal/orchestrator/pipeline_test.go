package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type pipelineFixture struct {
	machine   *StateMachine
	employees *memEmployeeStore
	spawner   *scriptedSpawner
	bus       *memBus
	worklog   *memWorklog
	pipeline  *Pipeline
}

func newPipelineFixture(emps ...Employee) *pipelineFixture {
	b := &memBus{}
	wl := &memWorklog{}
	store := newMemEmployeeStore(emps...)
	sp := &scriptedSpawner{}
	machine := NewStateMachine(&memStateStore{}, b, testLogger())
	dispatcher := NewDispatcher(store, sp, b, wl, 4, testLogger())
	return &pipelineFixture{
		machine:   machine,
		employees: store,
		spawner:   sp,
		bus:       b,
		worklog:   wl,
		pipeline:  NewPipeline(machine, dispatcher, store, sp, b, wl, testLogger()),
	}
}

func TestOrchestratePlainMessageStaysIdle(t *testing.T) {
	f := newPipelineFixture()
	f.spawner.fallback = &SpawnResult{Code: 0, Text: "Here is your answer."}

	if err := f.pipeline.Orchestrate(context.Background(), "what is a monad?", Meta{Origin: "web"}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	if f.machine.State(context.Background()) != PhaseIdle {
		t.Error("plain message must not change state")
	}
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 || done[0].Payload["text"] != "Here is your answer." {
		t.Errorf("orchestrate_done = %+v", done)
	}
	if f.employees.clears != 1 {
		t.Errorf("session clears = %d, want 1 (fresh entry from IDLE)", f.employees.clears)
	}
}

func TestOrchestrateActivationEntersPlanning(t *testing.T) {
	f := newPipelineFixture(Employee{ID: "e1", Name: "backend-dev", CLI: "claude", Role: "backend"})
	f.spawner.fallback = &SpawnResult{Code: 0, Text: "Plan drafted. Please review."}

	if err := f.pipeline.Orchestrate(context.Background(), "orchestrate", Meta{Origin: "discord", ChatID: "ch-1"}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}

	ctx := context.Background()
	if f.machine.State(ctx) != PhasePlan {
		t.Fatalf("state = %s, want P", f.machine.State(ctx))
	}
	wc := f.machine.Context(ctx)
	if wc == nil || wc.OriginalPrompt != "orchestrate" || wc.Origin != "discord" || wc.ChatID != "ch-1" {
		t.Errorf("workflow context = %+v", wc)
	}
	if f.worklog.latest == nil {
		t.Error("activation must create a worklog")
	}

	// The activation prompt carries the planning entry text and the roster.
	prompt := f.spawner.calls[0].Prompt
	for _, want := range []string{"[PABCD ACTIVATED", "backend-dev", "direct_answer"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("activation prompt missing %q", want)
		}
	}
	// Entry prompt replaces the ordinary planning prefix.
	if strings.Contains(prompt, "[PLANNING MODE — User Feedback]") {
		t.Error("activation prompt must not also carry the feedback prefix")
	}
}

func TestOrchestrateApprovalAdvancesAndPrefixes(t *testing.T) {
	f := newPipelineFixture()
	f.spawner.fallback = &SpawnResult{Code: 0, Text: "Entering audit."}
	ctx := context.Background()
	f.machine.SetStateContext(ctx, PhasePlan, &WorkflowContext{OriginalPrompt: "x", WorkerResults: []string{}})

	if err := f.pipeline.Orchestrate(ctx, "lgtm", Meta{}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if f.machine.State(ctx) != PhaseAudit {
		t.Errorf("state = %s, want A", f.machine.State(ctx))
	}
	if !strings.Contains(f.spawner.calls[0].Prompt, "[PLAN AUDIT MODE]") {
		t.Error("approval prompt missing audit entry text")
	}
}

func TestOrchestrateNoAutoAdvanceFromCheck(t *testing.T) {
	f := newPipelineFixture()
	f.spawner.fallback = &SpawnResult{Code: 0, Text: "noted"}
	ctx := context.Background()
	f.machine.SetStateContext(ctx, PhaseCheck, &WorkflowContext{OriginalPrompt: "x"})

	if err := f.pipeline.Orchestrate(ctx, "ok", Meta{}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if f.machine.State(ctx) != PhaseCheck {
		t.Errorf("state = %s, approval must not advance C", f.machine.State(ctx))
	}
}

func TestOrchestrateWorkerChain(t *testing.T) {
	emp := Employee{ID: "e1", Name: "Data", CLI: "claude", Role: "data"}
	f := newPipelineFixture(emp)
	ctx := context.Background()
	f.machine.SetStateContext(ctx, PhasePlan, &WorkflowContext{OriginalPrompt: "x", WorkerResults: []string{}})

	// Approval advances P to A; the primary dispatches one audit worker and
	// wraps up on its result.
	f.spawner.once("User approval", &SpawnResult{Code: 0,
		Text: `Auditing. {"subtasks":[{"agent":"Data","role":"data","task":"audit the plan"}]}`})
	f.spawner.on("## Task Instruction", &SpawnResult{Code: 0, Text: "PASS: plan verified", SessionID: "w-sess"})
	f.spawner.fallback = &SpawnResult{Code: 0, Text: "Audit passed. Awaiting approval."}

	// Pre-existing session must be force-cleared before the worker runs.
	f.employees.UpsertEmployeeSession(ctx, "e1", "stale-sess", "claude")

	if err := f.pipeline.Orchestrate(ctx, "go ahead", Meta{Origin: "web"}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if f.machine.State(ctx) != PhaseAudit {
		t.Fatalf("state = %s, want A", f.machine.State(ctx))
	}

	// Three spawns: primary, worker, primary-with-results.
	if f.spawner.callCount() != 3 {
		t.Fatalf("spawn calls = %d, want 3", f.spawner.callCount())
	}

	worker := f.spawner.calls[1]
	if worker.Opts.AgentID != "e1" || !worker.Opts.ForceNew {
		t.Errorf("worker opts = %+v, want forced-fresh e1 session", worker.Opts)
	}
	// Audit-phase workers run phase 2.
	if !strings.Contains(worker.Prompt, "Current Phase: 2") {
		t.Error("audit worker must execute phase 2")
	}

	followup := f.spawner.calls[2]
	if !strings.Contains(followup.Prompt, "[PLAN AUDIT — Worker Results]") {
		t.Error("worker result must be prefixed for the audit phase")
	}
	if !strings.Contains(followup.Prompt, "PASS: plan verified") {
		t.Error("worker result text missing from follow-up prompt")
	}

	// One terminal response for the chain.
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 || done[0].Payload["text"] != "Audit passed. Awaiting approval." {
		t.Errorf("orchestrate_done = %+v", done)
	}

	// The worker's fresh session was persisted after success.
	sess, _ := f.employees.GetEmployeeSession(ctx, "e1")
	if sess == nil || sess.SessionID != "w-sess" {
		t.Errorf("worker session = %+v, want w-sess", sess)
	}
}

func TestOrchestrateSubtasksIgnoredWhileIdle(t *testing.T) {
	f := newPipelineFixture(Employee{ID: "e1", Name: "Data", CLI: "claude"})
	f.spawner.fallback = &SpawnResult{Code: 0,
		Text: `Sure. {"subtasks":[{"agent":"Data","role":"data","task":"x"}]}`}

	if err := f.pipeline.Orchestrate(context.Background(), "hello", Meta{}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	// No dispatch outside the workflow: one spawn, one terminal broadcast.
	if f.spawner.callCount() != 1 {
		t.Errorf("spawn calls = %d, want 1", f.spawner.callCount())
	}
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 {
		t.Fatalf("orchestrate_done = %+v", done)
	}
	if text, _ := done[0].Payload["text"].(string); strings.Contains(text, "subtasks") {
		t.Errorf("terminal text not stripped: %q", text)
	}
}

func TestOrchestrateDispatchFailureSurfacesResponse(t *testing.T) {
	f := newPipelineFixture() // empty roster
	ctx := context.Background()
	f.machine.SetStateContext(ctx, PhaseBuild, &WorkflowContext{OriginalPrompt: "x"})
	f.spawner.fallback = &SpawnResult{Code: 0,
		Text: `Working. {"subtasks":[{"agent":"ghost","role":"backend","task":"x"}]}`}

	if err := f.pipeline.Orchestrate(ctx, "status?", Meta{}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 {
		t.Fatalf("orchestrate_done = %+v", done)
	}
	text, _ := done[0].Payload["text"].(string)
	if !strings.Contains(text, "dispatch failed") {
		t.Errorf("text = %q, want dispatch failure notice", text)
	}
}

func TestOrchestrateDirectAnswer(t *testing.T) {
	f := newPipelineFixture()
	f.spawner.fallback = &SpawnResult{Code: 0,
		Text: `{"direct_answer": "Port 8080 is already configured.", "subtasks": []}`}

	if err := f.pipeline.Orchestrate(context.Background(), "which port?", Meta{}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 || done[0].Payload["text"] != "Port 8080 is already configured." {
		t.Errorf("orchestrate_done = %+v", done)
	}
}

func TestOrchestrateSpawnerErrorPropagates(t *testing.T) {
	f := newPipelineFixture()
	f.spawner.err = errors.New("binary not found")

	err := f.pipeline.Orchestrate(context.Background(), "hello", Meta{})
	if err == nil || !strings.Contains(err.Error(), "binary not found") {
		t.Fatalf("err = %v, want propagated spawn failure", err)
	}
	// Errors are reported by the caller; the pipeline itself must not
	// broadcast a terminal event or reset state.
	if len(f.bus.named("orchestrate_done")) != 0 {
		t.Error("no orchestrate_done expected on infrastructure failure")
	}
	if f.machine.State(context.Background()) != PhaseIdle {
		t.Error("state must be untouched")
	}
}

func TestContinueMidWorkflow(t *testing.T) {
	f := newPipelineFixture()
	f.spawner.fallback = &SpawnResult{Code: 0, Text: "resuming"}
	ctx := context.Background()
	f.machine.SetStateContext(ctx, PhaseBuild, &WorkflowContext{OriginalPrompt: "x"})
	f.employees.UpsertEmployeeSession(ctx, "e1", "sess", "claude")

	if err := f.pipeline.Continue(ctx, Meta{}); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if !strings.Contains(f.spawner.calls[0].Prompt, "continue from where you left off") {
		t.Errorf("prompt = %q", f.spawner.calls[0].Prompt)
	}
	// Mid-workflow continue must not wipe sessions.
	if sess, _ := f.employees.GetEmployeeSession(ctx, "e1"); sess == nil {
		t.Error("continue cleared employee sessions")
	}
}

func TestContinueIdleNoWorklog(t *testing.T) {
	f := newPipelineFixture()
	if err := f.pipeline.Continue(context.Background(), Meta{}); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 || done[0].Payload["text"] != "No pending work to continue." {
		t.Errorf("orchestrate_done = %+v", done)
	}
	if f.spawner.callCount() != 0 {
		t.Error("nothing should spawn with no worklog")
	}
}

func TestContinueIdleClosedWorklog(t *testing.T) {
	f := newPipelineFixture()
	f.worklog.Create("old task")
	f.worklog.UpdateStatus("", "done")

	if err := f.pipeline.Continue(context.Background(), Meta{}); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 || done[0].Payload["text"] != "No pending work to continue." {
		t.Errorf("orchestrate_done = %+v", done)
	}
}

func TestContinueIdleActiveWorklogResumes(t *testing.T) {
	f := newPipelineFixture()
	f.spawner.fallback = &SpawnResult{Code: 0, Text: "picking it back up"}
	ref, _ := f.worklog.Create("unfinished task")

	if err := f.pipeline.Continue(context.Background(), Meta{}); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if f.spawner.callCount() != 1 {
		t.Fatalf("spawn calls = %d, want 1", f.spawner.callCount())
	}
	if !strings.Contains(f.spawner.calls[0].Prompt, ref.Path) {
		t.Error("resume prompt missing worklog path")
	}
}

func TestReset(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()
	f.machine.SetStateContext(ctx, PhaseCheck, &WorkflowContext{OriginalPrompt: "x"})
	f.employees.UpsertEmployeeSession(ctx, "e1", "sess", "claude")
	f.worklog.Create("doomed task")

	if err := f.pipeline.Reset(ctx, Meta{Origin: "web"}); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if f.machine.State(ctx) != PhaseIdle {
		t.Errorf("state = %s, want IDLE", f.machine.State(ctx))
	}
	if sess, _ := f.employees.GetEmployeeSession(ctx, "e1"); sess != nil {
		t.Error("sessions must be cleared")
	}
	if f.spawner.primaryResets != 1 {
		t.Errorf("primary session resets = %d, want 1", f.spawner.primaryResets)
	}
	if len(f.worklog.statuses) != 1 || f.worklog.statuses[0] != "reset" {
		t.Errorf("worklog statuses = %v", f.worklog.statuses)
	}
	if len(f.worklog.appends) != 1 || !strings.Contains(f.worklog.appends[0], "Reset by user request.") {
		t.Errorf("worklog appends = %v", f.worklog.appends)
	}
	done := f.bus.named("orchestrate_done")
	if len(done) != 1 || done[0].Payload["text"] != "Reset complete." {
		t.Errorf("orchestrate_done = %+v", done)
	}
}

func TestResetIdempotentWithoutWorklog(t *testing.T) {
	f := newPipelineFixture()
	for i := 0; i < 2; i++ {
		if err := f.pipeline.Reset(context.Background(), Meta{}); err != nil {
			t.Fatalf("Reset #%d: %v", i+1, err)
		}
	}
	if len(f.bus.named("orchestrate_done")) != 2 {
		t.Error("each reset broadcasts completion")
	}
}
