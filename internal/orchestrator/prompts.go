package orchestrator

import (
	"fmt"
	"strings"
)

// PhaseLabels names the five worker phases referenced in task descriptors.
var PhaseLabels = map[int]string{
	1: "Planning",
	2: "Plan Audit",
	3: "Development",
	4: "Debug/Check",
	5: "Integration",
}

// phaseInstructions is the per-phase briefing injected into worker prompts.
var phaseInstructions = map[int]string{
	1: `[Planning] Validate the feasibility of this task before any code is written.
 - Required: impact scope analysis (which files will change)
 - Required: dependency check (no import/export conflicts)
 - Required: edge case list (null/empty/error handling)
 - Record the analysis in the worklog.`,
	2: `[Plan Audit — Strict] Audit the current diff-level plan before implementation.
 - Required: every import in the plan resolves against the actual file tree
 - Required: function signatures and types match real code, nothing hallucinated
 - Required: integration risks itemized (broken callers, circular imports, uninitialized references)
 - Required: conflict scan — does any other agent touch the same files?
 - Required: a test strategy with verifiable criteria
 - Give a final verdict: PASS or FAIL with itemized issues, and record it in the worklog.`,
	3: `[Development] Implement the plan.
 - Required: list changed files with the key change per file
 - Required: existing exports/imports remain intact
 - Required: code passes lint/build
 - Record the change log in the worklog Execution Log.`,
	4: `[Debug/Check] Run and test the code, fixing what breaks.
 - Required: attach execution results (logs)
 - Required: list discovered bugs and their fixes
 - Required: edge case results (null/empty/error)
 - Record the debug log in the worklog.`,
	5: `[Integration] Verify the change against the rest of the system.
 - Required: integration checks against other agents' output
 - Required: docs updated (README, changelog)
 - Required: full workflow verification
 - Record final results in the worklog.`,
}

// PhaseInstruction returns the worker briefing for a phase, or "" if unknown.
func PhaseInstruction(phase int) string {
	return phaseInstructions[phase]
}

// Prefixes injected ahead of the primary agent's next input. P and A apply to
// every source; B applies only to worker results so that a user message during
// Build reaches the agent untouched.
const (
	prefixPlanFeedback = `[PLANNING MODE — User Feedback]
The user has reviewed your plan. Apply their feedback and present the revised plan.
If the user approves (ok, next, lgtm), call ` + "`omctl phase set A`" + `.
Otherwise revise and present again.

User says:`

	prefixAuditResults = `[PLAN AUDIT — Worker Results]
Below are audit results from the verification worker.
If issues were found: fix the plan and re-audit. If PASS: report to the user and wait for approval.
Once approved, call ` + "`omctl phase set B`" + `.

Worker results:`

	prefixBuildReview = `[IMPLEMENTATION REVIEW — Worker Results]
Below are verification results for your code.
If NEEDS_FIX: fix and re-verify. If DONE: report to the user.
Once approved, call ` + "`omctl phase set C`" + `.

Worker results:`
)

// Prefix returns the phase- and source-dependent boilerplate prepended to the
// next agent input, or "" when the phase carries none.
func Prefix(p Phase, source Source) string {
	switch {
	case p == PhasePlan:
		return prefixPlanFeedback
	case p == PhaseAudit:
		return prefixAuditResults
	case p == PhaseBuild && source == SourceWorker:
		return prefixBuildReview
	}
	return ""
}

// statePrompts are the long-form phase-entry instructions shown to the
// primary agent when a phase is entered.
var statePrompts = map[Phase]string{
	PhasePlan: `[PABCD ACTIVATED — PLANNING MODE]

Read the project's structural documentation first.
Write a plan in the worklog with two parts:

Part 1: a plain-language explanation of what will be built.
Part 2: diff-level precision — exact file paths (NEW/MODIFY/DELETE),
before/after diffs for MODIFY, complete content for NEW.

After writing the plan, ask the user:
1. "Any business logic I should not decide on my own?"
2. "Please confirm Part 1 matches your intent."

Refine until the user approves. STOP and wait for approval.
Preferred: call ` + "`omctl phase set A`" + `.
Fallback: if the shell command is unavailable, wait for explicit user approval
and the system may auto-advance to A.`,

	PhaseAudit: `[PLAN AUDIT MODE]

Your plan is approved. Verify it before any code is written.
Output a worker JSON to audit the diff-level plan:
` + "```json" + `
{"subtasks":[{"agent":"Data","role":"data","task":"Audit the plan in the worklog. Verify: 1) all imports resolve to real files, 2) function signatures match actual code, 3) no copy-paste integration risks. Report PASS or FAIL with itemized issues.","start_phase":2,"end_phase":2}]}
` + "```" + `
The system spawns the worker and returns results automatically.`,

	PhaseBuild: `[IMPLEMENTATION MODE]

The plan has been audited and verified. Implement it now.
Rules: follow project conventions, no placeholder stubs, all imports must resolve.

After implementation, output a worker JSON to verify:
` + "```json" + `
{"subtasks":[{"agent":"Data","role":"data","task":"Verify the implemented code: 1) integrates cleanly with existing modules, 2) no runtime issues, 3) all exports used correctly. Report DONE or NEEDS_FIX.","start_phase":4,"end_phase":4}]}
` + "```",

	PhaseCheck: `[FINAL CHECK]

Perform the final audit:
1. Update structural docs reflecting all changes.
2. Verify all files saved and consistent.
3. Run the project's build verification.
4. Report a completion summary.

When done, call ` + "`omctl phase set D`" + `.
If the shell command is unavailable, clearly report completion and ask the user to finalize.`,

	PhaseDone: `[PABCD COMPLETE]
All phases finished. Returning to idle.
Summarize: what was planned, audited, implemented, verified. List changed files.`,
}

// StatePrompt returns the phase-entry instruction text. Unknown phases yield "".
func StatePrompt(p Phase) string {
	return statePrompts[p]
}

// BuildDispatchBriefing produces the planning-phase instruction block that
// teaches the primary agent how to delegate: the employee roster, the tiered
// dispatch strategy, and the subtask JSON contract.
func BuildDispatchBriefing(prompt, worklogPath string, emps []Employee) string {
	var roster strings.Builder
	for _, e := range emps {
		role := e.Role
		if role == "" {
			role = "general developer"
		}
		fmt.Fprintf(&roster, "- %q (CLI: %s, role: %s)\n", e.Name, e.CLI, role)
	}

	return fmt.Sprintf(`## Task Request
%s

## Available Employees
%s
CRITICAL: agent names in subtask JSON must exactly match the list above.
Any other name causes the task to be skipped.

## Dispatch Strategy
Assess complexity first; minimizing dispatch calls is critical.

Tier 0 — direct response (0 employees). The default. If you can handle the
task alone, reply with:
`+"```json"+`
{"direct_answer": "your answer here", "subtasks": []}
`+"```"+`

Tier 1 — partial delegation (1-2 employees). Large but single-domain work.
You do the planning; the employee starts at phase 3 (coding) or later.

Tier 2 — full delegation (2-4 employees). Cross-domain work. Each employee
gets a non-overlapping file set; never assign the same file to two agents.

start_phase: 3 when you already planned, 4 when only testing remains,
1 for analysis from scratch. end_phase is optional and defaults to the
role's last phase.

checkpoint (optional, default false): true pauses after the assigned scope
and reports to the user instead of auto-continuing.

parallel (optional, default false): set true only for tasks with ZERO file
overlap, including shared config files. The server validates affected_files
overlap and downgrades conflicting tasks to sequential.

Every task instruction must name (1) the files to create or modify,
(2) the expected behavior, (3) constraints or libraries to use.

## Output Format
1. Explain your plan in natural language.
2. Include verification criteria per subtask.
3. Subtask JSON:
`+"```json"+`
{
  "subtasks": [
    {
      "agent": "ExactAgentName",
      "role": "frontend|backend|data|docs",
      "task": "Specific instruction with files, behavior, and constraints",
      "start_phase": 3,
      "end_phase": 3,
      "checkpoint": false,
      "parallel": false,
      "verification": {
        "pass_criteria": "one-line pass condition",
        "fail_criteria": "one-line fail condition",
        "affected_files": ["src/file.go"]
      }
    }
  ]
}
`+"```"+`

worklog path: %s
Record your plan in this file.`, prompt, roster.String(), worklogPath)
}
