package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "apex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, spec task.Spec) *task.Task {
	t.Helper()
	if spec.Description == "" {
		spec.Description = "test task"
	}
	if spec.Workflow == "" {
		spec.Workflow = "standard"
	}
	tk, err := s.CreateTask(context.Background(), spec)
	require.NoError(t, err)
	return tk
}

func statusPtr(st task.Status) *task.Status          { return &st }
func reasonPtr(r task.PauseReason) *task.PauseReason { return &r }

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := mustCreate(t, s, task.Spec{
		Description: "implement feature",
		Workflow:    "standard",
		Priority:    task.PriorityHigh,
		MaxRetries:  2,
	})

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, task.StatusPending, tk.Status)

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "implement feature", got.Description)
	assert.Equal(t, task.PriorityHigh, got.Priority)
	assert.Equal(t, task.AutonomyAutonomous, got.Autonomy)
	assert.Equal(t, 2, got.MaxRetries)
	assert.Nil(t, got.PauseReason)
	assert.Nil(t, got.PausedAt)
}

func TestCreateTaskValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, task.Spec{Workflow: "standard"})
	assert.True(t, task.IsValidation(err), "missing description: %v", err)

	_, err = s.CreateTask(ctx, task.Spec{Description: "x"})
	assert.True(t, task.IsValidation(err), "missing workflow: %v", err)

	_, err = s.CreateTask(ctx, task.Spec{Description: "x", Workflow: "standard", Priority: "bogus"})
	assert.True(t, task.IsValidation(err), "bad priority: %v", err)
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestPauseStampsReasonAndTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	_, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)

	paused, err := s.UpdateTask(ctx, tk.ID, Patch{
		Status:      statusPtr(task.StatusPaused),
		PauseReason: reasonPtr(task.PauseReasonCapacity),
	})
	require.NoError(t, err)
	require.NotNil(t, paused.PauseReason)
	assert.Equal(t, task.PauseReasonCapacity, *paused.PauseReason)
	assert.NotNil(t, paused.PausedAt)

	// Resume clears both.
	resumed, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	assert.Nil(t, resumed.PauseReason)
	assert.Nil(t, resumed.PausedAt)
}

func TestPendingTaskPausesOnDenial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	// A fresh task that does not fit capacity is parked without ever
	// having run.
	parked, err := s.UpdateTask(ctx, tk.ID, Patch{
		Status:      statusPtr(task.StatusPaused),
		PauseReason: reasonPtr(task.PauseReasonCapacity),
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, parked.Status)
	require.NotNil(t, parked.PauseReason)
	assert.Equal(t, task.PauseReasonCapacity, *parked.PauseReason)
	assert.NotNil(t, parked.PausedAt)

	// And comes back through the normal resume path.
	resumed, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, resumed.Status)
	assert.Nil(t, resumed.PauseReason)
	assert.Nil(t, resumed.PausedAt)
}

func TestPauseWithoutReasonRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	_, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)

	_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusPaused)})
	assert.True(t, task.IsIllegalTransition(err))
}

func TestIllegalTransitionLeavesStoreUnchanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	_, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusCompleted)})
	assert.True(t, task.IsIllegalTransition(err), "pending -> completed must be rejected")

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestTerminalTasksAreFrozen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	_, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	done, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusCompleted)})
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	assert.True(t, task.IsIllegalTransition(err))

	stage := "review"
	_, err = s.UpdateTask(ctx, tk.ID, Patch{CurrentStage: &stage})
	assert.True(t, task.IsIllegalTransition(err), "field mutation on terminal task must be rejected")
}

func TestRetryRequeue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{MaxRetries: 1})

	_, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusFailed)})
	require.NoError(t, err)

	requeued, err := s.UpdateTask(ctx, tk.ID, Patch{
		Status:         statusPtr(task.StatusPending),
		IncrementRetry: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, task.StatusPending, requeued.Status)

	// Budget exhausted: fail again, second requeue rejected.
	_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusFailed)})
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusPending), IncrementRetry: true})
	assert.True(t, task.IsIllegalTransition(err))
}

func TestAddUsageMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	updated, err := s.AddUsage(ctx, tk.ID, task.Usage{
		InputTokens: 100, OutputTokens: 40, TotalTokens: 140,
		EstimatedCost: task.MoneyFromDollars(0.12),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(140), updated.Usage.TotalTokens)

	updated, err = s.AddUsage(ctx, tk.ID, task.Usage{
		InputTokens: 10, OutputTokens: 10, TotalTokens: 20,
		EstimatedCost: task.MoneyFromDollars(0.03),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(160), updated.Usage.TotalTokens)
	assert.Equal(t, task.MoneyFromDollars(0.15), updated.Usage.EstimatedCost)

	_, err = s.AddUsage(ctx, tk.ID, task.Usage{InputTokens: -1})
	assert.Error(t, err, "negative delta must be rejected")
}

func TestAddUsageSettledRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	settle := func(statuses ...task.Status) *task.Task {
		tk := mustCreate(t, s, task.Spec{})
		for _, st := range statuses {
			_, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(st)})
			require.NoError(t, err)
		}
		return tk
	}

	cancelled := settle(task.StatusCancelled)
	completed := settle(task.StatusRunning, task.StatusCompleted)
	failed := settle(task.StatusRunning, task.StatusFailed)

	for _, tk := range []*task.Task{cancelled, completed, failed} {
		_, err := s.AddUsage(ctx, tk.ID, task.Usage{TotalTokens: 10})
		assert.True(t, task.IsIllegalTransition(err), "usage on settled task %s", tk.ID)

		got, err := s.GetTask(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Usage.TotalTokens, "rejected delta must not persist")
	}
}

func TestListTasksFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, task.Spec{Description: "a", Priority: task.PriorityHigh})
	b := mustCreate(t, s, task.Spec{Description: "b"})
	_, err := s.UpdateTask(ctx, b.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)

	pending, err := s.ListTasks(ctx, Filter{Statuses: []task.Status{task.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	running, err := s.ListTasks(ctx, Filter{Statuses: []task.Status{task.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)

	all, err := s.ListTasks(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetPausedTasksForResumeOrderAndEligibility(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	current := base
	s.SetNowFunc(func() time.Time { return current })

	pause := func(spec task.Spec, reason task.PauseReason) *task.Task {
		tk := mustCreate(t, s, spec)
		_, err := s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
		require.NoError(t, err)
		_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusPaused), PauseReason: reasonPtr(reason)})
		require.NoError(t, err)
		return tk
	}

	// Created at 10:00 urgent, 11:00 normal, 12:00 low.
	urgent := pause(task.Spec{Description: "u", Priority: task.PriorityUrgent}, task.PauseReasonCapacity)
	current = base.Add(time.Hour)
	normal := pause(task.Spec{Description: "n", Priority: task.PriorityNormal}, task.PauseReasonBudget)
	current = base.Add(2 * time.Hour)
	low := pause(task.Spec{Description: "l", Priority: task.PriorityLow}, task.PauseReasonUsageLimit)

	// Non-resumable reason excluded.
	pause(task.Spec{Description: "m"}, task.PauseReasonManual)

	// resumeAfter in the future excluded; in the past included.
	future := current.Add(24 * time.Hour)
	gated := pause(task.Spec{Description: "gated", Priority: task.PriorityUrgent}, task.PauseReasonCapacity)
	_, err := s.UpdateTask(ctx, gated.ID, Patch{ResumeAfter: &future})
	require.NoError(t, err)

	eligible, err := s.GetPausedTasksForResume(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 3)
	assert.Equal(t, urgent.ID, eligible[0].ID)
	assert.Equal(t, normal.ID, eligible[1].ID)
	assert.Equal(t, low.ID, eligible[2].ID)

	// Gate passes once the clock moves beyond resumeAfter.
	current = future.Add(time.Minute)
	eligible, err = s.GetPausedTasksForResume(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 4)
	assert.Equal(t, gated.ID, eligible[1].ID, "urgent created earliest stays first, gated urgent second")
}

func TestSubtaskGate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	st1, err := s.CreateSubtask(ctx, tk.ID, "write tests")
	require.NoError(t, err)
	st2, err := s.CreateSubtask(ctx, tk.ID, "update docs")
	require.NoError(t, err)

	settled, err := s.SubtasksSettled(ctx, tk.ID)
	require.NoError(t, err)
	assert.False(t, settled)

	_, err = s.UpdateSubtaskStatus(ctx, st1.ID, task.StatusRunning)
	require.NoError(t, err)
	_, err = s.UpdateSubtaskStatus(ctx, st1.ID, task.StatusCompleted)
	require.NoError(t, err)

	// Cancelled subtasks do not block the parent.
	_, err = s.UpdateSubtaskStatus(ctx, st2.ID, task.StatusCancelled)
	require.NoError(t, err)

	settled, err = s.SubtasksSettled(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, settled)
}

func TestActiveSessionPointer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, s, task.Spec{})

	sess, err := s.GetActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	require.NoError(t, s.SetActiveSession(ctx, tk.ID))
	sess, err = s.GetActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, tk.ID, sess.TaskID)

	other := mustCreate(t, s, task.Spec{Description: "other"})
	require.NoError(t, s.SetActiveSession(ctx, other.ID))
	sess, err = s.GetActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, other.ID, sess.TaskID)

	require.NoError(t, s.ClearActiveSession(ctx))
	require.NoError(t, s.ClearActiveSession(ctx))
	sess, err = s.GetActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apex.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	tk := mustCreate(t, s, task.Spec{Description: "durable"})
	_, err = s.UpdateTask(ctx, tk.ID, Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close must be idempotent")

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, "durable", got.Description)
}
