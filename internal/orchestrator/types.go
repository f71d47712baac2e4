package orchestrator

import (
	"context"
)

// Phase names the PABCD workflow states. IDLE is the implicit rest state.
type Phase string

const (
	PhaseIdle  Phase = "IDLE"
	PhasePlan  Phase = "P"
	PhaseAudit Phase = "A"
	PhaseBuild Phase = "B"
	PhaseCheck Phase = "C"
	PhaseDone  Phase = "D"
)

// Source classifies who produced the message being fed to the primary agent.
type Source string

const (
	SourceUser   Source = "user"
	SourceWorker Source = "worker"
)

// WorkflowContext is the opaque JSON blob persisted alongside the phase.
type WorkflowContext struct {
	OriginalPrompt string   `json:"originalPrompt"`
	Plan           string   `json:"plan,omitempty"`
	WorkerResults  []string `json:"workerResults"`
	Origin         string   `json:"origin"`
	ChatID         string   `json:"chatId,omitempty"`
}

// Employee is a registered binding from a persona to a CLI backend and model.
type Employee struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	CLI   string `json:"cli"`
	Model string `json:"model"`
	Role  string `json:"role"`
}

// EmployeeSession records a resumable CLI session for one employee.
// Sessions are backend-specific: a session recorded under one CLI is not
// resumable after the employee's CLI is switched.
type EmployeeSession struct {
	SessionID string
	CLI       string
}

// StateStore persists the single named workflow row. An absent row reads as
// ("", nil, nil) and is interpreted as IDLE with no context.
type StateStore interface {
	GetWorkflowState(ctx context.Context) (state string, ctxJSON []byte, err error)
	SetWorkflowState(ctx context.Context, state string, ctxJSON []byte) error
	ResetWorkflowState(ctx context.Context) error
}

// EmployeeStore exposes the narrow employee/session operations the core needs.
type EmployeeStore interface {
	ListEmployees(ctx context.Context) ([]Employee, error)
	GetEmployeeSession(ctx context.Context, employeeID string) (*EmployeeSession, error)
	UpsertEmployeeSession(ctx context.Context, employeeID, sessionID, cli string) error
	ClearAllEmployeeSessions(ctx context.Context) error
}

// Broadcaster is the fire-and-forget pub/sub channel to connected front-ends.
type Broadcaster interface {
	Broadcast(name string, payload any)
}

// SpawnOptions parameterize one agent CLI subprocess run.
type SpawnOptions struct {
	AgentID           string
	CLI               string
	Model             string
	ForceNew          bool
	EmployeeSessionID string
	SysPrompt         string
	Origin            string
}

// SpawnResult is the terminal output of one subprocess run.
type SpawnResult struct {
	Code      int
	Text      string
	SessionID string
}

// Spawner launches or resumes an agent CLI subprocess and waits for its
// terminal result. The core never inspects subprocess internals.
type Spawner interface {
	Spawn(ctx context.Context, prompt string, opts SpawnOptions) (*SpawnResult, error)
}

// WorklogRef points at one worklog document.
type WorklogRef struct {
	Path    string
	Content string
}

// Worklog is the append-only round-by-round execution record.
type Worklog interface {
	Create(title string) (*WorklogRef, error)
	ReadLatest() (*WorklogRef, error)
	Append(path, section, text string) error
	UpdateStatus(path, status string) error
}
