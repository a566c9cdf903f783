package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/tracing"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

const taskColumns = `id, description, acceptance_criteria, workflow, autonomy, priority, status,
	project_path, branch, current_stage, current_agent, pause_reason, resume_after,
	retry_count, max_retries, input_tokens, output_tokens, total_tokens, estimated_cost,
	created_at, updated_at, paused_at, completed_at`

// CreateTask validates the spec, assigns an id, and persists the task
// with status pending.
func (s *Store) CreateTask(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if strings.TrimSpace(spec.Description) == "" {
		return nil, &task.ValidationError{Field: "description", Detail: "must not be empty"}
	}
	if strings.TrimSpace(spec.Workflow) == "" {
		return nil, &task.ValidationError{Field: "workflow", Detail: "must not be empty"}
	}
	if spec.MaxRetries < 0 {
		return nil, &task.ValidationError{Field: "max_retries", Detail: "must not be negative"}
	}
	if spec.Priority == "" {
		spec.Priority = task.PriorityNormal
	} else if spec.Priority.Rank() == 0 {
		return nil, &task.ValidationError{Field: "priority", Detail: fmt.Sprintf("unknown value %q", spec.Priority)}
	}
	if spec.Autonomy == "" {
		spec.Autonomy = task.AutonomyAutonomous
	} else if spec.Autonomy != task.AutonomyAutonomous && spec.Autonomy != task.AutonomyInteractive {
		return nil, &task.ValidationError{Field: "autonomy", Detail: fmt.Sprintf("unknown value %q", spec.Autonomy)}
	}

	now := s.now()
	t := &task.Task{
		ID:                 uuid.New().String(),
		Description:        spec.Description,
		AcceptanceCriteria: spec.AcceptanceCriteria,
		Workflow:           spec.Workflow,
		Autonomy:           spec.Autonomy,
		Priority:           spec.Priority,
		Status:             task.StatusPending,
		ProjectPath:        spec.ProjectPath,
		Branch:             spec.Branch,
		ResumeAfter:        spec.ResumeAfter,
		MaxRetries:         spec.MaxRetries,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, description, acceptance_criteria, workflow, autonomy, priority, status,
			project_path, branch, current_stage, current_agent, pause_reason, resume_after,
			retry_count, max_retries, input_tokens, output_tokens, total_tokens, estimated_cost,
			created_at, updated_at, paused_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.Description, t.AcceptanceCriteria, t.Workflow, t.Autonomy, t.Priority, t.Status,
		t.ProjectPath, t.Branch, t.CurrentStage, t.CurrentAgent, nil, t.ResumeAfter,
		t.RetryCount, t.MaxRetries, 0, 0, 0, 0,
		t.CreatedAt, t.UpdatedAt, nil, nil)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask retrieves a task by id. Returns task.ErrNotFound on miss.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, task.ErrNotFound
	}
	return t, err
}

// Patch carries the mutable fields of an update. Nil fields are left
// unchanged. Pause bookkeeping (paused_at, pause_reason) is derived from
// the status transition, never set directly by callers.
type Patch struct {
	Status           *task.Status
	PauseReason      *task.PauseReason
	ResumeAfter      *time.Time
	ClearResumeAfter bool
	CurrentStage     *string
	CurrentAgent     *string
	Priority         *task.Priority
	IncrementRetry   bool
}

// UpdateTask applies the patch under the writer lock. Status changes are
// validated against the task state machine; a transition into paused
// requires a pause reason and stamps paused_at, a transition out of
// paused clears both, and a transition into a terminal status stamps
// completed_at. Returns IllegalTransitionError when the patch violates
// the state machine and the store is left unchanged.
func (s *Store) UpdateTask(ctx context.Context, id string, patch Patch) (*task.Task, error) {
	ctx, span := tracing.Tracer("apex-store").Start(ctx, "store.UpdateTask")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTaskLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if patch.Status != nil && *patch.Status != t.Status {
		to := *patch.Status
		if err := t.ValidTransition(to); err != nil {
			return nil, err
		}
		switch to {
		case task.StatusPaused:
			if patch.PauseReason == nil {
				return nil, &task.IllegalTransitionError{From: t.Status, To: to, Detail: "pause requires a reason"}
			}
			t.PauseReason = patch.PauseReason
			t.PausedAt = &now
		case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
			t.CompletedAt = &now
			t.PauseReason = nil
			t.PausedAt = nil
		default:
			// leaving paused (resume) or failed -> pending requeue
			t.PauseReason = nil
			t.PausedAt = nil
			t.CompletedAt = nil
		}
		t.Status = to
	} else if t.Status.Terminal() || t.Status == task.StatusFailed {
		// No status change requested on a settled task: reject mutation.
		return nil, &task.IllegalTransitionError{From: t.Status, To: t.Status, Detail: "task is terminal"}
	}

	if patch.IncrementRetry {
		if t.RetryCount >= t.MaxRetries {
			return nil, &task.IllegalTransitionError{From: t.Status, To: t.Status, Detail: "retry budget exhausted"}
		}
		t.RetryCount++
	}
	if patch.ResumeAfter != nil {
		t.ResumeAfter = patch.ResumeAfter
	}
	if patch.ClearResumeAfter {
		t.ResumeAfter = nil
	}
	if patch.CurrentStage != nil {
		t.CurrentStage = *patch.CurrentStage
	}
	if patch.CurrentAgent != nil {
		t.CurrentAgent = *patch.CurrentAgent
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET status = ?, priority = ?, current_stage = ?, current_agent = ?,
			pause_reason = ?, resume_after = ?, retry_count = ?,
			updated_at = ?, paused_at = ?, completed_at = ?
		WHERE id = ?
	`), t.Status, t.Priority, t.CurrentStage, t.CurrentAgent,
		pauseReasonValue(t.PauseReason), t.ResumeAfter, t.RetryCount,
		t.UpdatedAt, t.PausedAt, t.CompletedAt, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddUsage atomically applies a usage delta to the task rollup. Deltas
// must be non-negative on every axis; completed, failed, and cancelled
// tasks accept no further usage.
func (s *Store) AddUsage(ctx context.Context, id string, delta task.Usage) (*task.Task, error) {
	if delta.InputTokens < 0 || delta.OutputTokens < 0 || delta.TotalTokens < 0 || delta.EstimatedCost < 0 {
		return nil, fmt.Errorf("usage delta must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTaskLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		return nil, &task.IllegalTransitionError{From: t.Status, To: t.Status, Detail: "settled task accepts no usage"}
	}

	t.Usage = t.Usage.Add(delta)
	t.UpdatedAt = s.now()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET input_tokens = ?, output_tokens = ?, total_tokens = ?, estimated_cost = ?, updated_at = ?
		WHERE id = ?
	`), t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens, int64(t.Usage.EstimatedCost), t.UpdatedAt, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Filter selects tasks for ListTasks. Empty slices match everything.
type Filter struct {
	Statuses     []task.Status
	Priorities   []task.Priority
	PauseReasons []task.PauseReason
	// ResumeDue restricts to tasks whose resume_after is unset or has passed.
	ResumeDue bool
}

// ListTasks returns tasks matching the filter, ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]*task.Task, error) {
	ctx, span := tracing.Tracer("apex-store").Start(ctx, "store.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any

	if len(f.Statuses) > 0 {
		conds = append(conds, `status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, v := range f.Statuses {
			args = append(args, v)
		}
	}
	if len(f.Priorities) > 0 {
		conds = append(conds, `priority IN (`+placeholders(len(f.Priorities))+`)`)
		for _, v := range f.Priorities {
			args = append(args, v)
		}
	}
	if len(f.PauseReasons) > 0 {
		conds = append(conds, `pause_reason IN (`+placeholders(len(f.PauseReasons))+`)`)
		for _, v := range f.PauseReasons {
			args = append(args, v)
		}
	}
	if f.ResumeDue {
		conds = append(conds, `(resume_after IS NULL OR resume_after <= ?)`)
		args = append(args, s.now())
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// GetPausedTasksForResume returns paused tasks eligible for auto-resume:
// pause reason is resource-driven and any resume_after gate has passed.
// Order is priority desc, created_at asc, with a total tie-break on id.
func (s *Store) GetPausedTasksForResume(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		  AND pause_reason IN (?, ?, ?)
		  AND (resume_after IS NULL OR resume_after <= ?)
		ORDER BY CASE priority
			WHEN 'urgent' THEN 4
			WHEN 'high' THEN 3
			WHEN 'normal' THEN 2
			WHEN 'low' THEN 1
			ELSE 0 END DESC,
			created_at ASC, id ASC
	`), task.StatusPaused,
		task.PauseReasonCapacity, task.PauseReasonBudget, task.PauseReasonUsageLimit,
		s.now())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

func (s *Store) getTaskLocked(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, task.ErrNotFound
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var pauseReason sql.NullString
	var resumeAfter, pausedAt, completedAt sql.NullTime
	var cost int64

	err := row.Scan(&t.ID, &t.Description, &t.AcceptanceCriteria, &t.Workflow, &t.Autonomy,
		&t.Priority, &t.Status, &t.ProjectPath, &t.Branch, &t.CurrentStage, &t.CurrentAgent,
		&pauseReason, &resumeAfter, &t.RetryCount, &t.MaxRetries,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.TotalTokens, &cost,
		&t.CreatedAt, &t.UpdatedAt, &pausedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Usage.EstimatedCost = task.Money(cost)
	if pauseReason.Valid {
		r := task.PauseReason(pauseReason.String)
		t.PauseReason = &r
	}
	if resumeAfter.Valid {
		t.ResumeAfter = &resumeAfter.Time
	}
	if pausedAt.Valid {
		t.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func pauseReasonValue(r *task.PauseReason) any {
	if r == nil {
		return nil
	}
	return string(*r)
}
