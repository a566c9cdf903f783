package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/agent"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/workflow"
)

type fakeGate struct {
	mu      sync.Mutex
	denied  bool
	reason  task.PauseReason
	detail  string
	tokens  int64
	cost    task.Money
	active  int
	daily   task.Money
	updates int
}

func (g *fakeGate) IsCapacityAvailable(capacity.Estimate) capacity.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied {
		return capacity.Decision{Allowed: false, Reason: g.detail, WouldPauseAs: g.reason}
	}
	return capacity.Decision{Allowed: true}
}

func (g *fakeGate) OnUsageUpdate(tokens int64, cost task.Money, active int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens, g.cost, g.active = tokens, cost, active
	g.updates++
}

func (g *fakeGate) AddDailySpend(delta task.Money) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily += delta
}

func (g *fakeGate) deny(reason task.PauseReason, detail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denied, g.reason, g.detail = true, reason, detail
}

type capturePub struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePub) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePub) typesFor(taskID string) []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, ev := range p.events {
		if ev.TaskID == taskID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (p *capturePub) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	store   *store.Store
	gate    *fakeGate
	pub     *capturePub
	runtime *agent.ScriptedRuntime
	sched   *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.OpenSQLite(t.TempDir() + "/apex.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:   st,
		gate:    &fakeGate{},
		pub:     &capturePub{},
		runtime: agent.NewScriptedRuntime(),
	}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DrainTimeout = 2 * time.Second
	h.sched = New(st, workflow.NewDefaultRegistry(), h.runtime, h.gate, h.pub, nil, cfg)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sched.Start(context.Background()))
	t.Cleanup(func() {
		if h.sched.IsRunning() {
			_ = h.sched.Stop()
		}
	})
}

func (h *harness) submit(t *testing.T, wf string, maxRetries int) *task.Task {
	t.Helper()
	created, err := h.store.CreateTask(context.Background(), task.Spec{
		Description: "build the thing",
		Workflow:    wf,
		MaxRetries:  maxRetries,
	})
	require.NoError(t, err)
	h.sched.Wake()
	return created
}

func waitForStatus(t *testing.T, st *store.Store, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetTask(context.Background(), id)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := st.GetTask(context.Background(), id)
	t.Fatalf("task %s never reached %s (last: %s)", id, want, got.Status)
	return nil
}

func TestRunsTaskThroughWorkflow(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	created := h.submit(t, "standard", 0)
	done := waitForStatus(t, h.store, created.ID, task.StatusCompleted)

	// Four stages, each streaming the default 150-token usage delta.
	assert.Equal(t, int64(600), done.Usage.TotalTokens)
	assert.Equal(t, task.MoneyFromDollars(0.04), done.Usage.EstimatedCost)
	assert.Equal(t, "review", done.CurrentStage)
	assert.NotNil(t, done.CompletedAt)

	types := h.pub.typesFor(created.ID)
	assert.Equal(t, events.TaskStarted, types[0])
	assert.Equal(t, events.TaskCompleted, types[len(types)-1])

	stageChanges := 0
	for _, typ := range types {
		if typ == events.TaskStageChanged {
			stageChanges++
		}
	}
	assert.Equal(t, 4, stageChanges)

	assert.Equal(t, task.MoneyFromDollars(0.04), h.gate.daily)
	assert.Equal(t, int64(1), h.sched.Stats().TotalProcessed)
}

func TestParallelGroupRunsBothStages(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	created := h.submit(t, "full", 0)
	waitForStatus(t, h.store, created.ID, task.StatusCompleted)

	assert.Equal(t, 1, h.pub.count(events.StageParallelStarted))
	assert.Equal(t, 1, h.pub.count(events.StageParallelCompleted))

	agents := map[string]bool{}
	for _, call := range h.runtime.Calls() {
		agents[call.Agent] = true
	}
	for _, name := range []string{"planner", "architect", "developer", "tester", "reviewer"} {
		assert.True(t, agents[name], "agent %s never dispatched", name)
	}
}

func TestParallelGroupFailFast(t *testing.T) {
	h := newHarness(t)
	h.runtime.AddScript("reviewer", agent.Script{Err: agent.Fatal(errors.New("review rejected"))})
	h.start(t)

	created := h.submit(t, "full", 3)
	done := waitForStatus(t, h.store, created.ID, task.StatusFailed)

	// Fatal errors do not consume the retry budget.
	assert.Equal(t, 0, done.RetryCount)
	assert.Equal(t, 1, h.pub.count(events.TaskFailed))
	assert.Equal(t, 0, h.pub.count(events.StageParallelCompleted))
}

func TestCapacityDenialPausesTask(t *testing.T) {
	h := newHarness(t)
	h.gate.deny(task.PauseReasonUsageLimit, "token threshold reached")
	h.start(t)

	created := h.submit(t, "quick", 0)
	done := waitForStatus(t, h.store, created.ID, task.StatusPaused)

	require.NotNil(t, done.PauseReason)
	assert.Equal(t, task.PauseReasonUsageLimit, *done.PauseReason)
	assert.NotNil(t, done.PausedAt)
	assert.GreaterOrEqual(t, h.pub.count(events.TaskPaused), 1)
	assert.Empty(t, h.runtime.Calls(), "no stage may run while capacity is denied")
}

func TestTransientErrorConsumesRetryAndSucceeds(t *testing.T) {
	h := newHarness(t)
	h.runtime.AddScript("planner", agent.Script{Err: agent.Transient(errors.New("rate limited"))})
	h.start(t)

	created := h.submit(t, "standard", 2)
	done := waitForStatus(t, h.store, created.ID, task.StatusCompleted)

	assert.Equal(t, 1, done.RetryCount)
	assert.Nil(t, done.PauseReason)
	assert.GreaterOrEqual(t, h.sched.Stats().TotalRetried, int64(1))
}

func TestTransientErrorWithoutBudgetFails(t *testing.T) {
	h := newHarness(t)
	h.runtime.AddScript("developer", agent.Script{Err: agent.Transient(errors.New("rate limited"))})
	h.start(t)

	created := h.submit(t, "quick", 0)
	done := waitForStatus(t, h.store, created.ID, task.StatusFailed)

	assert.Equal(t, 0, done.RetryCount)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 1, h.pub.count(events.TaskFailed))
}

func TestOpenSubtasksBlockCompletion(t *testing.T) {
	h := newHarness(t)

	created := h.submit(t, "quick", 0)
	sub, err := h.store.CreateSubtask(context.Background(), created.ID, "write docs")
	require.NoError(t, err)

	h.start(t)
	done := waitForStatus(t, h.store, created.ID, task.StatusPaused)
	require.NotNil(t, done.PauseReason)
	assert.Equal(t, task.PauseReasonDependency, *done.PauseReason)

	// Settling the subtask and resuming lets the task finish.
	_, err = h.store.UpdateSubtaskStatus(context.Background(), sub.ID, task.StatusRunning)
	require.NoError(t, err)
	_, err = h.store.UpdateSubtaskStatus(context.Background(), sub.ID, task.StatusCompleted)
	require.NoError(t, err)
	_, err = h.store.UpdateTask(context.Background(), created.ID, store.Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	h.sched.Wake()

	waitForStatus(t, h.store, created.ID, task.StatusCompleted)
}

func TestRecoverRunningTaskOnStart(t *testing.T) {
	h := newHarness(t)

	created := h.submit(t, "quick", 0)
	_, err := h.store.UpdateTask(context.Background(), created.ID, store.Patch{Status: statusPtr(task.StatusRunning)})
	require.NoError(t, err)
	stage := "implement"
	agentName := "developer"
	_, err = h.store.UpdateTask(context.Background(), created.ID, store.Patch{CurrentStage: &stage, CurrentAgent: &agentName})
	require.NoError(t, err)

	h.start(t)
	waitForStatus(t, h.store, created.ID, task.StatusCompleted)
}

func TestPriorityOrderAcrossTick(t *testing.T) {
	h := newHarness(t)

	low, err := h.store.CreateTask(context.Background(), task.Spec{
		Description: "background chore", Workflow: "quick", Priority: task.PriorityLow,
	})
	require.NoError(t, err)
	urgent, err := h.store.CreateTask(context.Background(), task.Spec{
		Description: "hotfix", Workflow: "quick", Priority: task.PriorityUrgent,
	})
	require.NoError(t, err)

	h.start(t)
	waitForStatus(t, h.store, low.ID, task.StatusCompleted)
	waitForStatus(t, h.store, urgent.ID, task.StatusCompleted)

	// task:started events are published synchronously in dispatch order.
	h.pub.mu.Lock()
	var started []string
	for _, ev := range h.pub.events {
		if ev.Type == events.TaskStarted {
			started = append(started, ev.TaskID)
		}
	}
	h.pub.mu.Unlock()
	require.Len(t, started, 2)
	assert.Equal(t, urgent.ID, started[0], "urgent dispatches before low")
	assert.Equal(t, low.ID, started[1])
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.sched.Stop(), ErrSchedulerNotRunning)

	require.NoError(t, h.sched.Start(context.Background()))
	assert.True(t, h.sched.IsRunning())
	assert.ErrorIs(t, h.sched.Start(context.Background()), ErrSchedulerAlreadyRunning)

	require.NoError(t, h.sched.Stop())
	assert.False(t, h.sched.IsRunning())

	// Restart works after a clean stop.
	require.NoError(t, h.sched.Start(context.Background()))
	require.NoError(t, h.sched.Stop())
}
