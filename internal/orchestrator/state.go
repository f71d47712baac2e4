package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
)

// validTransitions is the full transition table: a strict linear cycle.
// The workflow models a sequential, auditable change process; skipping an
// audit step is a correctness violation, so no shortcut edges exist.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:  {PhasePlan},
	PhasePlan:  {PhaseAudit},
	PhaseAudit: {PhaseBuild},
	PhaseBuild: {PhaseCheck},
	PhaseCheck: {PhaseDone},
	PhaseDone:  {PhaseIdle},
}

// CanTransition reports whether from->to is a legal phase change.
func CanTransition(from, to Phase) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// LegalTargets lists the phases reachable from the given phase.
func LegalTargets(from Phase) []Phase {
	return validTransitions[from]
}

// StateMachine owns the persisted workflow phase, its opaque context, and
// the phase prompt/prefix vocabulary. One instance per deployment.
type StateMachine struct {
	store  StateStore
	bus    Broadcaster
	logger *zap.Logger
}

// NewStateMachine wires a state machine to its persistence and broadcast handles.
func NewStateMachine(store StateStore, b Broadcaster, logger *zap.Logger) *StateMachine {
	return &StateMachine{store: store, bus: b, logger: logger}
}

// State reads the persisted phase, defaulting to IDLE when no row exists.
func (m *StateMachine) State(ctx context.Context) Phase {
	state, _, err := m.store.GetWorkflowState(ctx)
	if err != nil {
		m.logger.Warn("read workflow state failed", zap.Error(err))
		return PhaseIdle
	}
	if state == "" {
		return PhaseIdle
	}
	return Phase(state)
}

// Context reads and parses the persisted workflow context. Returns nil on
// absence or parse failure; never an error.
func (m *StateMachine) Context(ctx context.Context) *WorkflowContext {
	_, raw, err := m.store.GetWorkflowState(ctx)
	if err != nil || len(raw) == 0 {
		return nil
	}
	var wc WorkflowContext
	if json.Unmarshal(raw, &wc) != nil {
		return nil
	}
	return &wc
}

// SetState writes the phase, preserving whatever context is stored.
// Broadcasts orc_state, the sole notification channel to front-ends.
func (m *StateMachine) SetState(ctx context.Context, p Phase) error {
	_, raw, err := m.store.GetWorkflowState(ctx)
	if err != nil {
		return fmt.Errorf("read workflow state: %w", err)
	}
	if err := m.store.SetWorkflowState(ctx, string(p), raw); err != nil {
		return fmt.Errorf("set workflow state: %w", err)
	}
	m.bus.Broadcast(bus.EventOrcState, map[string]any{"state": string(p)})
	return nil
}

// SetStateContext writes the phase and replaces the stored context.
// A nil context clears it.
func (m *StateMachine) SetStateContext(ctx context.Context, p Phase, wc *WorkflowContext) error {
	var raw []byte
	if wc != nil {
		var err error
		raw, err = json.Marshal(wc)
		if err != nil {
			return fmt.Errorf("marshal workflow context: %w", err)
		}
	}
	if err := m.store.SetWorkflowState(ctx, string(p), raw); err != nil {
		return fmt.Errorf("set workflow state: %w", err)
	}
	m.bus.Broadcast(bus.EventOrcState, map[string]any{"state": string(p)})
	return nil
}

// Reset force-writes IDLE with no context.
func (m *StateMachine) Reset(ctx context.Context) error {
	if err := m.store.ResetWorkflowState(ctx); err != nil {
		return fmt.Errorf("reset workflow state: %w", err)
	}
	m.bus.Broadcast(bus.EventOrcState, map[string]any{"state": string(PhaseIdle)})
	return nil
}
