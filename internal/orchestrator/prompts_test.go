package orchestrator

import (
	"strings"
	"testing"
)

func TestPrefixBySource(t *testing.T) {
	cases := []struct {
		phase  Phase
		source Source
		want   string // substring of the expected prefix, or "" for none
	}{
		{PhasePlan, SourceUser, "[PLANNING MODE"},
		{PhasePlan, SourceWorker, "[PLANNING MODE"},
		{PhaseAudit, SourceUser, "[PLAN AUDIT"},
		{PhaseAudit, SourceWorker, "[PLAN AUDIT"},
		{PhaseBuild, SourceWorker, "[IMPLEMENTATION REVIEW"},
		{PhaseBuild, SourceUser, ""},
		{PhaseCheck, SourceUser, ""},
		{PhaseCheck, SourceWorker, ""},
		{PhaseDone, SourceUser, ""},
		{PhaseIdle, SourceUser, ""},
	}
	for _, c := range cases {
		got := Prefix(c.phase, c.source)
		if c.want == "" {
			if got != "" {
				t.Errorf("Prefix(%s, %s) = %q, want none", c.phase, c.source, got)
			}
			continue
		}
		if !strings.Contains(got, c.want) {
			t.Errorf("Prefix(%s, %s) = %q, want containing %q", c.phase, c.source, got, c.want)
		}
	}
}

func TestStatePromptCoverage(t *testing.T) {
	for _, p := range []Phase{PhasePlan, PhaseAudit, PhaseBuild, PhaseCheck, PhaseDone} {
		if StatePrompt(p) == "" {
			t.Errorf("StatePrompt(%s) is empty", p)
		}
	}
	if StatePrompt(PhaseIdle) != "" {
		t.Error("StatePrompt(IDLE) should be empty")
	}
	if StatePrompt(Phase("X")) != "" {
		t.Error("StatePrompt(unknown) should be empty")
	}
}

func TestPhaseInstructionCoverage(t *testing.T) {
	for p := 1; p <= 5; p++ {
		if PhaseInstruction(p) == "" {
			t.Errorf("PhaseInstruction(%d) is empty", p)
		}
	}
	if PhaseInstruction(0) != "" || PhaseInstruction(6) != "" {
		t.Error("out-of-range phases should have no instruction")
	}
}

func TestBuildDispatchBriefingListsRoster(t *testing.T) {
	emps := []Employee{
		{Name: "frontend-dev", CLI: "claude", Role: "frontend"},
		{Name: "backend-dev", CLI: "codex", Role: "backend"},
	}
	briefing := BuildDispatchBriefing("build the login page", "/tmp/wl.md", emps)

	for _, want := range []string{
		"build the login page",
		`"frontend-dev"`,
		`"backend-dev"`,
		"direct_answer",
		"subtasks",
		"/tmp/wl.md",
	} {
		if !strings.Contains(briefing, want) {
			t.Errorf("briefing missing %q", want)
		}
	}
}
