package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skoll/overmind/internal/orchestrator"
)

// UpsertEmployee registers an employee by name, updating its CLI, model, and
// role when the name already exists. Returns the employee ID.
func (s *Store) UpsertEmployee(ctx context.Context, name, cli, model, role string) (string, error) {
	id := uuid.NewString()
	err := s.db.QueryRow(ctx,
		`INSERT INTO employees (id, name, cli, model, role)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE
		 SET cli = EXCLUDED.cli, model = EXCLUDED.model, role = EXCLUDED.role
		 RETURNING id`,
		id, name, cli, model, role,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert employee: %w", err)
	}
	return id, nil
}

// ListEmployees returns the full roster, ordered by name so lookup behavior
// is deterministic.
func (s *Store) ListEmployees(ctx context.Context) ([]orchestrator.Employee, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, cli, model, role FROM employees ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var emps []orchestrator.Employee
	for rows.Next() {
		var e orchestrator.Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.CLI, &e.Model, &e.Role); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		emps = append(emps, e)
	}
	return emps, rows.Err()
}

// GetEmployeeSession returns the stored session for an employee, or nil when
// none exists or the stored session ID has been cleared.
func (s *Store) GetEmployeeSession(ctx context.Context, employeeID string) (*orchestrator.EmployeeSession, error) {
	var sessionID *string
	var cli string
	err := s.db.QueryRow(ctx,
		`SELECT session_id, cli FROM employee_sessions WHERE employee_id = $1`,
		employeeID,
	).Scan(&sessionID, &cli)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get employee session: %w", err)
	}
	if sessionID == nil || *sessionID == "" {
		return nil, nil
	}
	return &orchestrator.EmployeeSession{SessionID: *sessionID, CLI: cli}, nil
}

// UpsertEmployeeSession records the latest session for an employee. An empty
// sessionID stores NULL, which forces the next spawn to start fresh.
func (s *Store) UpsertEmployeeSession(ctx context.Context, employeeID, sessionID, cli string) error {
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO employee_sessions (employee_id, session_id, cli, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (employee_id) DO UPDATE
		 SET session_id = EXCLUDED.session_id, cli = EXCLUDED.cli, updated_at = now()`,
		employeeID, sid, cli,
	)
	if err != nil {
		return fmt.Errorf("upsert employee session: %w", err)
	}
	return nil
}

// ClearAllEmployeeSessions drops every stored session.
func (s *Store) ClearAllEmployeeSessions(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM employee_sessions`); err != nil {
		return fmt.Errorf("clear employee sessions: %w", err)
	}
	return nil
}
