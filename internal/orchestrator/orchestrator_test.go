package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// In-memory fakes shared by the package tests.

type memStateStore struct {
	mu    sync.Mutex
	state string
	raw   []byte
}

func (s *memStateStore) GetWorkflowState(context.Context) (string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.raw, nil
}

func (s *memStateStore) SetWorkflowState(_ context.Context, state string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.raw = state, raw
	return nil
}

func (s *memStateStore) ResetWorkflowState(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.raw = "", nil
	return nil
}

type memEmployeeStore struct {
	mu        sync.Mutex
	employees []Employee
	sessions  map[string]*EmployeeSession
	clears    int
}

func newMemEmployeeStore(emps ...Employee) *memEmployeeStore {
	return &memEmployeeStore{
		employees: emps,
		sessions:  make(map[string]*EmployeeSession),
	}
}

func (s *memEmployeeStore) ListEmployees(context.Context) ([]Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Employee(nil), s.employees...), nil
}

func (s *memEmployeeStore) GetEmployeeSession(_ context.Context, id string) (*EmployeeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.SessionID == "" {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

func (s *memEmployeeStore) UpsertEmployeeSession(_ context.Context, id, sessionID, cli string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &EmployeeSession{SessionID: sessionID, CLI: cli}
	return nil
}

func (s *memEmployeeStore) ClearAllEmployeeSessions(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*EmployeeSession)
	s.clears++
	return nil
}

type recordedEvent struct {
	Name    string
	Payload map[string]any
}

type memBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *memBus) Broadcast(name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, _ := payload.(map[string]any)
	b.events = append(b.events, recordedEvent{Name: name, Payload: m})
}

func (b *memBus) named(name string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, e := range b.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// scriptedSpawner returns canned responses keyed by prompt substring, in
// order of registration; unmatched prompts get the fallback.
type scriptedSpawner struct {
	mu            sync.Mutex
	scripts       []spawnScript
	fallback      *SpawnResult
	calls         []spawnCall
	err           error
	primaryResets int
}

func (s *scriptedSpawner) ResetPrimarySession() {
	s.mu.Lock()
	s.primaryResets++
	s.mu.Unlock()
}

type spawnScript struct {
	match string
	res   *SpawnResult
	once  bool
	used  bool
}

type spawnCall struct {
	Prompt string
	Opts   SpawnOptions
}

func (s *scriptedSpawner) on(match string, res *SpawnResult) {
	s.scripts = append(s.scripts, spawnScript{match: match, res: res})
}

func (s *scriptedSpawner) once(match string, res *SpawnResult) {
	s.scripts = append(s.scripts, spawnScript{match: match, res: res, once: true})
}

func (s *scriptedSpawner) Spawn(_ context.Context, prompt string, opts SpawnOptions) (*SpawnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, spawnCall{Prompt: prompt, Opts: opts})
	if s.err != nil {
		return nil, s.err
	}
	for i := range s.scripts {
		sc := &s.scripts[i]
		if sc.used {
			continue
		}
		if strings.Contains(prompt, sc.match) {
			if sc.once {
				sc.used = true
			}
			return sc.res, nil
		}
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return &SpawnResult{Code: 0, Text: "ack"}, nil
}

func (s *scriptedSpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type memWorklog struct {
	mu       sync.Mutex
	latest   *WorklogRef
	appends  []string
	statuses []string
}

func (w *memWorklog) Create(title string) (*WorklogRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latest = &WorklogRef{
		Path:    "/tmp/worklog/" + title + ".md",
		Content: fmt.Sprintf("# Worklog: %s\n\nStatus: active\n", title),
	}
	return w.latest, nil
}

func (w *memWorklog) ReadLatest() (*WorklogRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest, nil
}

func (w *memWorklog) Append(path, section, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appends = append(w.appends, section+"\n"+text)
	return nil
}

func (w *memWorklog) UpdateStatus(_, status string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statuses = append(w.statuses, status)
	if w.latest != nil {
		w.latest.Content = strings.Replace(w.latest.Content, "Status: active", "Status: "+status, 1)
	}
	return nil
}

func testLogger() *zap.Logger { return zap.NewNop() }
