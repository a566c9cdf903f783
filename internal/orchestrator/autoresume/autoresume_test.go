package autoresume

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
)

type fakeWaker struct {
	wakes atomic.Int64
}

func (w *fakeWaker) Wake() { w.wakes.Add(1) }

type sweepCapture struct {
	mu       sync.Mutex
	sweeps   []events.AutoResumedPayload
	resumed  []string
	resumeEv int
}

func (c *sweepCapture) install(t *testing.T, bus *events.Bus) {
	t.Helper()
	bus.Subscribe(events.TasksAutoResumed, func(ev events.Event) {
		payload, ok := ev.Payload.(events.AutoResumedPayload)
		if !ok {
			return
		}
		c.mu.Lock()
		c.sweeps = append(c.sweeps, payload)
		c.mu.Unlock()
	})
	bus.Subscribe(events.TaskResumed, func(ev events.Event) {
		c.mu.Lock()
		c.resumed = append(c.resumed, ev.TaskID)
		c.resumeEv++
		c.mu.Unlock()
	})
}

func (c *sweepCapture) waitForSweeps(t *testing.T, n int) []events.AutoResumedPayload {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.sweeps) >= n {
			out := make([]events.AutoResumedPayload, len(c.sweeps))
			copy(out, c.sweeps)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d resume sweeps", n)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir() + "/apex.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func pausedTask(t *testing.T, st *store.Store, priority task.Priority, reason task.PauseReason, resumeAfter *time.Time) *task.Task {
	t.Helper()
	ctx := context.Background()

	created, err := st.CreateTask(ctx, task.Spec{
		Description: "paused fixture",
		Workflow:    "standard",
		Priority:    priority,
	})
	require.NoError(t, err)

	running := task.StatusRunning
	_, err = st.UpdateTask(ctx, created.ID, store.Patch{Status: &running})
	require.NoError(t, err)

	paused := task.StatusPaused
	_, err = st.UpdateTask(ctx, created.ID, store.Patch{
		Status:      &paused,
		PauseReason: &reason,
		ResumeAfter: resumeAfter,
	})
	require.NoError(t, err)

	got, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	return got
}

func restore(bus *events.Bus, reason events.RestoreReason) {
	bus.Publish(events.Event{
		Type:    events.CapacityRestored,
		Payload: events.CapacityRestoredPayload{Reason: reason},
	})
}

func TestSweepResumesResourcePausedTasks(t *testing.T) {
	st := openTestStore(t)
	bus := events.NewBus(0, nil)
	t.Cleanup(bus.Close)

	low := pausedTask(t, st, task.PriorityLow, task.PauseReasonCapacity, nil)
	urgent := pausedTask(t, st, task.PriorityUrgent, task.PauseReasonBudget, nil)
	manual := pausedTask(t, st, task.PriorityHigh, task.PauseReasonManual, nil)

	capture := &sweepCapture{}
	capture.install(t, bus)

	waker := &fakeWaker{}
	coord := New(st, bus, waker, nil)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	restore(bus, events.RestoreModeSwitch)
	sweeps := capture.waitForSweeps(t, 1)

	require.Len(t, sweeps, 1)
	assert.Equal(t, events.RestoreModeSwitch, sweeps[0].Reason)
	assert.Equal(t, 2, sweeps[0].ResumedCount)
	assert.Empty(t, sweeps[0].Errors)

	capture.mu.Lock()
	resumed := append([]string(nil), capture.resumed...)
	capture.mu.Unlock()
	require.Len(t, resumed, 2)
	assert.Equal(t, urgent.ID, resumed[0], "priority order within the sweep")
	assert.Equal(t, low.ID, resumed[1])

	ctx := context.Background()
	for _, id := range []string{low.ID, urgent.ID} {
		got, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, got.Status)
		assert.Nil(t, got.PauseReason)
		assert.Nil(t, got.PausedAt)
	}

	still, err := st.GetTask(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, still.Status, "manual pause is never auto-resumed")

	assert.Eventually(t, func() bool { return waker.wakes.Load() >= 1 },
		time.Second, 5*time.Millisecond, "scheduler must be nudged after a sweep")
}

func TestResumeAfterGateHoldsUntilDue(t *testing.T) {
	st := openTestStore(t)
	bus := events.NewBus(0, nil)
	t.Cleanup(bus.Close)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	st.SetNowFunc(func() time.Time { return now })

	later := now.Add(time.Hour)
	gated := pausedTask(t, st, task.PriorityNormal, task.PauseReasonUsageLimit, &later)

	capture := &sweepCapture{}
	capture.install(t, bus)

	coord := New(st, bus, &fakeWaker{}, nil)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	restore(bus, events.RestoreCapacityDropped)
	sweeps := capture.waitForSweeps(t, 1)
	assert.Equal(t, 0, sweeps[0].ResumedCount, "resume_after in the future blocks the task")

	ctx := context.Background()
	got, err := st.GetTask(ctx, gated.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)

	// Once the hold expires the next sweep picks the task up and clears
	// the gate.
	now = later.Add(time.Minute)
	restore(bus, events.RestoreBudgetReset)
	sweeps = capture.waitForSweeps(t, 2)
	assert.Equal(t, 1, sweeps[1].ResumedCount)

	got, err = st.GetTask(ctx, gated.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Nil(t, got.ResumeAfter)
}

// resumeFailStore passes everything through to the real store except
// resume writes for one task id, which fail.
type resumeFailStore struct {
	*store.Store
	failID string
}

func (s *resumeFailStore) UpdateTask(ctx context.Context, id string, patch store.Patch) (*task.Task, error) {
	if id == s.failID {
		return nil, errors.New("resume write refused")
	}
	return s.Store.UpdateTask(ctx, id, patch)
}

func TestSweepToleratesPartialFailure(t *testing.T) {
	st := openTestStore(t)
	bus := events.NewBus(0, nil)
	t.Cleanup(bus.Close)

	first := pausedTask(t, st, task.PriorityUrgent, task.PauseReasonCapacity, nil)
	second := pausedTask(t, st, task.PriorityLow, task.PauseReasonCapacity, nil)

	capture := &sweepCapture{}
	capture.install(t, bus)

	waker := &fakeWaker{}
	coord := New(&resumeFailStore{Store: st, failID: second.ID}, bus, waker, nil)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	restore(bus, events.RestoreCapacityDropped)
	sweeps := capture.waitForSweeps(t, 1)

	require.Len(t, sweeps, 1)
	assert.Equal(t, 1, sweeps[0].ResumedCount)
	require.Len(t, sweeps[0].Errors, 1)
	assert.Equal(t, second.ID, sweeps[0].Errors[0].TaskID)

	ctx := context.Background()
	got, err := st.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)

	got, err = st.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status, "failed resume leaves the task paused")

	// The coordinator survives the failure and keeps sweeping.
	assert.True(t, coord.IsRunning())
	restore(bus, events.RestoreBudgetReset)
	sweeps = capture.waitForSweeps(t, 2)
	assert.Equal(t, events.RestoreBudgetReset, sweeps[1].Reason)
	require.Len(t, sweeps[1].Errors, 1, "second task is still eligible and still refused")
}

func TestResumeErrorIsReported(t *testing.T) {
	st := openTestStore(t)
	bus := events.NewBus(0, nil)
	t.Cleanup(bus.Close)

	coord := New(st, bus, nil, nil)
	err := coord.resumeTask(context.Background(), &task.Task{ID: "ghost"})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestEnqueueCoalescesDuplicateReasons(t *testing.T) {
	coord := New(nil, nil, nil, nil)
	coord.kick = make(chan struct{}, 1)

	coord.enqueue(events.RestoreModeSwitch)
	coord.enqueue(events.RestoreModeSwitch)
	coord.enqueue(events.RestoreBudgetReset)

	reason, ok := coord.popPending()
	require.True(t, ok)
	assert.Equal(t, events.RestoreModeSwitch, reason)

	reason, ok = coord.popPending()
	require.True(t, ok)
	assert.Equal(t, events.RestoreBudgetReset, reason)

	_, ok = coord.popPending()
	assert.False(t, ok)
}

func TestLifecycle(t *testing.T) {
	st := openTestStore(t)
	bus := events.NewBus(0, nil)
	t.Cleanup(bus.Close)

	coord := New(st, bus, nil, nil)
	assert.ErrorIs(t, coord.Stop(), ErrCoordinatorNotRunning)

	require.NoError(t, coord.Start(context.Background()))
	assert.True(t, coord.IsRunning())
	assert.ErrorIs(t, coord.Start(context.Background()), ErrCoordinatorAlreadyRunning)

	require.NoError(t, coord.Stop())
	assert.False(t, coord.IsRunning())
}
