package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/workflow"
)

// SubmitTask validates the spec against the workflow catalogue,
// persists the task as pending, and nudges the scheduler.
func (s *Service) SubmitTask(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if spec.Workflow != "" && !s.registry.Has(spec.Workflow) {
		return nil, &workflow.UnknownWorkflowError{Name: spec.Workflow}
	}

	created, err := s.store.CreateTask(ctx, spec)
	if err != nil {
		return nil, err
	}

	s.logger.Info("task submitted",
		zap.String("task_id", created.ID),
		zap.String("workflow", created.Workflow),
		zap.String("priority", string(created.Priority)))

	s.scheduler.Wake()
	return created, nil
}

// GetTask retrieves a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, f store.Filter) ([]*task.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// PauseTask suspends a running task. An empty reason records a manual
// pause, which is never auto-resumed.
func (s *Service) PauseTask(ctx context.Context, id string, reason task.PauseReason) (*task.Task, error) {
	if reason == "" {
		reason = task.PauseReasonManual
	}
	paused := task.StatusPaused
	updated, err := s.store.UpdateTask(ctx, id, store.Patch{
		Status:      &paused,
		PauseReason: &reason,
	})
	if err != nil {
		return nil, err
	}

	s.scheduler.Cancel(id)
	s.logger.Info("task paused",
		zap.String("task_id", id), zap.String("reason", string(reason)))
	s.bus.Publish(events.Event{
		Type:    events.TaskPaused,
		TaskID:  id,
		Payload: events.PausedPayload{Reason: reason},
	})
	return updated, nil
}

// ResumeTask brings a paused task back to running regardless of its
// pause reason and clears any resume_after hold.
func (s *Service) ResumeTask(ctx context.Context, id string) (*task.Task, error) {
	running := task.StatusRunning
	updated, err := s.store.UpdateTask(ctx, id, store.Patch{
		Status:           &running,
		ClearResumeAfter: true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task resumed", zap.String("task_id", id))
	s.bus.Publish(events.Event{Type: events.TaskResumed, TaskID: id})
	s.scheduler.Wake()
	return updated, nil
}

// CancelTask moves a task to cancelled from any non-terminal status and
// interrupts its worker. Cancelling an already cancelled task is a
// no-op.
func (s *Service) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	current, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == task.StatusCancelled {
		return current, nil
	}

	cancelled := task.StatusCancelled
	updated, err := s.store.UpdateTask(ctx, id, store.Patch{Status: &cancelled})
	if err != nil {
		return nil, err
	}

	s.scheduler.Cancel(id)
	s.logger.Info("task cancelled", zap.String("task_id", id))
	s.bus.Publish(events.Event{Type: events.TaskCancelled, TaskID: id})
	return updated, nil
}

// RequeueTask puts a failed task back into pending, consuming one unit
// of its retry budget.
func (s *Service) RequeueTask(ctx context.Context, id string) (*task.Task, error) {
	pending := task.StatusPending
	updated, err := s.store.UpdateTask(ctx, id, store.Patch{
		Status:         &pending,
		IncrementRetry: true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task requeued",
		zap.String("task_id", id), zap.Int("retry", updated.RetryCount))
	s.scheduler.Wake()
	return updated, nil
}

// CreateSubtask attaches a child work item to a task.
func (s *Service) CreateSubtask(ctx context.Context, taskID, description string) (*task.Subtask, error) {
	sub, err := s.store.CreateSubtask(ctx, taskID, description)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{
		Type:    events.SubtaskCreated,
		TaskID:  taskID,
		Payload: events.SubtaskPayload{SubtaskID: sub.ID, Description: description},
	})
	return sub, nil
}

// UpdateSubtask advances a subtask through the shared state machine.
// When the last open subtask settles and the parent is waiting on its
// children, the parent is resumed.
func (s *Service) UpdateSubtask(ctx context.Context, id string, to task.Status) (*task.Subtask, error) {
	sub, err := s.store.UpdateSubtaskStatus(ctx, id, to)
	if err != nil {
		return nil, err
	}

	if to == task.StatusCompleted {
		s.bus.Publish(events.Event{
			Type:    events.SubtaskCompleted,
			TaskID:  sub.TaskID,
			Payload: events.SubtaskPayload{SubtaskID: sub.ID},
		})
	}
	if to.Terminal() {
		s.resumeParentIfUnblocked(ctx, sub.TaskID)
	}
	return sub, nil
}

// ListSubtasks returns the children of a task.
func (s *Service) ListSubtasks(ctx context.Context, taskID string) ([]*task.Subtask, error) {
	return s.store.ListSubtasks(ctx, taskID)
}

// resumeParentIfUnblocked resumes a parent paused on its children once
// every subtask has settled.
func (s *Service) resumeParentIfUnblocked(ctx context.Context, taskID string) {
	parent, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to load parent task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if parent.Status != task.StatusPaused || parent.PauseReason == nil ||
		*parent.PauseReason != task.PauseReasonDependency {
		return
	}

	settled, err := s.store.SubtasksSettled(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to check subtasks", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if !settled {
		return
	}

	if _, err := s.ResumeTask(ctx, taskID); err != nil {
		s.logger.Error("failed to resume parent task",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// SetActiveSession records the task the interactive session is attached
// to; ActiveSession and ClearActiveSession complete the trio.
func (s *Service) SetActiveSession(ctx context.Context, taskID string) error {
	return s.store.SetActiveSession(ctx, taskID)
}

// ActiveSession returns the current session, or nil when none is set.
func (s *Service) ActiveSession(ctx context.Context) (*store.Session, error) {
	return s.store.GetActiveSession(ctx)
}

// ClearActiveSession detaches the interactive session; idempotent.
func (s *Service) ClearActiveSession(ctx context.Context) error {
	return s.store.ClearActiveSession(ctx)
}
