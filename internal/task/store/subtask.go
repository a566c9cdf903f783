package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

// CreateSubtask persists a child work item for the given task.
func (s *Store) CreateSubtask(ctx context.Context, taskID, description string) (*task.Subtask, error) {
	if strings.TrimSpace(description) == "" {
		return nil, &task.ValidationError{Field: "description", Detail: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getTaskLocked(ctx, taskID); err != nil {
		return nil, err
	}

	now := s.now()
	st := &task.Subtask{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Description: description,
		Status:      task.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO subtasks (id, task_id, description, status, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), st.ID, st.TaskID, st.Description, st.Status, st.CreatedAt, st.UpdatedAt, nil)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateSubtaskStatus moves a subtask through the shared state machine.
func (s *Store) UpdateSubtaskStatus(ctx context.Context, id string, to task.Status) (*task.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getSubtaskLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != to && !task.CanTransition(st.Status, to) {
		return nil, &task.IllegalTransitionError{From: st.Status, To: to}
	}

	now := s.now()
	st.Status = to
	st.UpdatedAt = now
	if to == task.StatusCompleted || to == task.StatusFailed || to == task.StatusCancelled {
		st.CompletedAt = &now
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE subtasks SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?
	`), st.Status, st.UpdatedAt, st.CompletedAt, st.ID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListSubtasks returns the subtasks of a task in creation order.
func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]*task.Subtask, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, description, status, created_at, updated_at, completed_at
		FROM subtasks WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Subtask
	for rows.Next() {
		st := &task.Subtask{}
		var completedAt sql.NullTime
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Description, &st.Status,
			&st.CreatedAt, &st.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SubtasksSettled reports whether every non-cancelled subtask of the
// task has completed. Parent completion is gated on this.
func (s *Store) SubtasksSettled(ctx context.Context, taskID string) (bool, error) {
	var open int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM subtasks
		WHERE task_id = ? AND status NOT IN (?, ?)
	`), taskID, task.StatusCompleted, task.StatusCancelled).Scan(&open)
	if err != nil {
		return false, err
	}
	return open == 0, nil
}

func (s *Store) getSubtaskLocked(ctx context.Context, id string) (*task.Subtask, error) {
	st := &task.Subtask{}
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, task_id, description, status, created_at, updated_at, completed_at
		FROM subtasks WHERE id = ?
	`), id).Scan(&st.ID, &st.TaskID, &st.Description, &st.Status,
		&st.CreatedAt, &st.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

// Session is the active session pointer: the single row recording which
// task currently owns the interactive session.
type Session struct {
	TaskID    string
	StartedAt time.Time
}

// SetActiveSession records the task owning the session, replacing any
// previous pointer.
func (s *Store) SetActiveSession(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, task_id, started_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET task_id = excluded.task_id, started_at = excluded.started_at
	`), taskID, s.now())
	return err
}

// GetActiveSession returns the session pointer, or nil when none is set.
func (s *Store) GetActiveSession(ctx context.Context) (*Session, error) {
	var sess Session
	var taskID sql.NullString
	var startedAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, `SELECT task_id, started_at FROM sessions WHERE id = 1`).
		Scan(&taskID, &startedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !taskID.Valid {
		return nil, nil
	}
	sess.TaskID = taskID.String
	if startedAt.Valid {
		sess.StartedAt = startedAt.Time
	}
	return &sess, nil
}

// ClearActiveSession removes the session pointer; idempotent.
func (s *Store) ClearActiveSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = 1`)
	return err
}
