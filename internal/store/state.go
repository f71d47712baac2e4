package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// The workflow state is a single named row so restarts resume exactly where
// the process left off.
const stateName = "default"

// GetWorkflowState returns the persisted workflow phase and its context
// document. An absent row means a fresh deployment and reports ("", nil, nil).
func (s *Store) GetWorkflowState(ctx context.Context) (string, []byte, error) {
	var state string
	var contextJSON []byte
	err := s.db.QueryRow(ctx,
		`SELECT state, context FROM workflow_state WHERE name = $1`,
		stateName,
	).Scan(&state, &contextJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("get workflow state: %w", err)
	}
	return state, contextJSON, nil
}

// SetWorkflowState upserts the workflow phase and context. A nil context
// clears the stored document.
func (s *Store) SetWorkflowState(ctx context.Context, state string, contextJSON []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_state (name, state, context, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (name) DO UPDATE
		 SET state = EXCLUDED.state, context = EXCLUDED.context, updated_at = now()`,
		stateName, state, contextJSON,
	)
	if err != nil {
		return fmt.Errorf("set workflow state: %w", err)
	}
	return nil
}

// ResetWorkflowState returns the workflow to its initial phase. The row is
// kept and rewritten rather than deleted; only a fresh deployment has no row.
func (s *Store) ResetWorkflowState(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_state (name, state, context, updated_at)
		 VALUES ($1, 'IDLE', NULL, now())
		 ON CONFLICT (name) DO UPDATE
		 SET state = 'IDLE', context = NULL, updated_at = now()`,
		stateName,
	)
	if err != nil {
		return fmt.Errorf("reset workflow state: %w", err)
	}
	return nil
}
