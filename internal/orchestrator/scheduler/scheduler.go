// Package scheduler runs the daemon loop: it picks runnable tasks,
// enforces capacity, drives workflow stages through the agent runtime,
// and applies the pause/resume and retry policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/agent"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator/queue"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/workflow"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	// ErrDrainExceeded is returned by Stop when in-flight stages did not
	// finish within the drain deadline and were cancelled.
	ErrDrainExceeded = errors.New("shutdown drain deadline exceeded")
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration // tick interval of the main loop
	DrainTimeout time.Duration // how long Stop waits for in-flight stages

	// EstimateTokens/EstimateCost is the assumed footprint of a task
	// asking to start, fed to the capacity check.
	EstimateTokens int64
	EstimateCost   task.Money
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		DrainTimeout:   5 * time.Second,
		EstimateTokens: 1000,
		EstimateCost:   task.MoneyFromDollars(0.05),
	}
}

// CapacityGate is the slice of the capacity monitor the scheduler uses.
type CapacityGate interface {
	IsCapacityAvailable(capacity.Estimate) capacity.Decision
	OnUsageUpdate(tokens int64, cost task.Money, activeTasks int)
	AddDailySpend(delta task.Money)
}

// Publisher is the slice of the event bus the scheduler needs.
type Publisher interface {
	Publish(events.Event)
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	ActiveWorkers  int
	TotalProcessed int64
	TotalFailed    int64
	TotalRetried   int64
	TotalPaused    int64
}

// worker tracks one running task.
type worker struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the concurrency slot budget and the dispatch loop.
type Scheduler struct {
	store    *store.Store
	registry *workflow.Registry
	runtime  agent.Runtime
	gate     CapacityGate
	pub      Publisher
	logger   *logger.Logger
	config   Config

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wakeCh  chan struct{}
	wg      sync.WaitGroup

	workersMu   sync.Mutex
	workers     map[string]*worker
	activeUsage map[string]task.Usage

	totalProcessed atomic.Int64
	totalFailed    atomic.Int64
	totalRetried   atomic.Int64
	totalPaused    atomic.Int64
}

// New creates a scheduler.
func New(
	st *store.Store,
	registry *workflow.Registry,
	runtime agent.Runtime,
	gate CapacityGate,
	pub Publisher,
	log *logger.Logger,
	cfg Config,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		store:       st,
		registry:    registry,
		runtime:     runtime,
		gate:        gate,
		pub:         pub,
		logger:      log.WithFields(zap.String("component", "scheduler")),
		config:      cfg,
		workers:     map[string]*worker{},
		activeUsage: map[string]task.Usage{},
	}
}

// Start spawns the loop; errors on double-start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wakeCh = make(chan struct{}, 1)
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("poll_interval", s.config.PollInterval))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop signals the loop, waits up to the drain deadline for in-flight
// stages, then cancels them. Returns ErrDrainExceeded when the deadline
// was hit; idempotent otherwise.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	loopDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(loopDone)
	}()

	var drainErr error
	select {
	case <-loopDone:
	case <-time.After(s.config.DrainTimeout):
		drainErr = ErrDrainExceeded
		s.workersMu.Lock()
		for _, w := range s.workers {
			w.cancel()
		}
		s.workersMu.Unlock()
		<-loopDone
	}

	s.logger.Info("scheduler stopped", zap.Bool("drain_exceeded", drainErr != nil))
	return drainErr
}

// IsRunning returns true if the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Wake nudges the loop out of its poll sleep (new task, capacity event).
func (s *Scheduler) Wake() {
	s.mu.RLock()
	wakeCh := s.wakeCh
	s.mu.RUnlock()
	if wakeCh == nil {
		return
	}
	select {
	case wakeCh <- struct{}{}:
	default:
	}
}

// Cancel interrupts the worker of a task, if one is running. The store
// transition is the caller's responsibility; the worker observes the
// cancelled status and exits at its next suspension point.
func (s *Scheduler) Cancel(taskID string) {
	s.workersMu.Lock()
	w, ok := s.workers[taskID]
	s.workersMu.Unlock()
	if ok {
		w.cancel()
	}
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.workersMu.Lock()
	active := len(s.workers)
	s.workersMu.Unlock()
	return Stats{
		ActiveWorkers:  active,
		TotalProcessed: s.totalProcessed.Load(),
		TotalFailed:    s.totalFailed.Load(),
		TotalRetried:   s.totalRetried.Load(),
		TotalPaused:    s.totalPaused.Load(),
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	timer := time.NewTimer(s.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			s.waitForWorkers()
			return
		case <-ctx.Done():
			s.waitForWorkers()
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
		s.tick(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.config.PollInterval)
	}
}

func (s *Scheduler) waitForWorkers() {
	s.workersMu.Lock()
	var pending []*worker
	for _, w := range s.workers {
		pending = append(pending, w)
	}
	s.workersMu.Unlock()
	for _, w := range pending {
		<-w.done
	}
}

// tick runs one scheduling pass. Store failures abort the pass; the
// affected tasks stay in their pre-tick state and are retried next tick.
func (s *Scheduler) tick(ctx context.Context) {
	s.adoptRunning(ctx)

	pending, err := s.store.ListTasks(ctx, store.Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		s.logger.Error("tick aborted: listing pending tasks failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	// Order candidates by (priority desc, createdAt asc, id asc).
	q := queue.New(0)
	for _, t := range pending {
		if err := q.Enqueue(t); err != nil {
			s.logger.Warn("failed to enqueue pending task", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	for {
		t := q.Dequeue()
		if t == nil {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.dispatchOrPause(ctx, t)
	}
}

// adoptRunning dispatches tasks whose status is running but which have
// no worker: tasks left over from a previous process, and tasks resumed
// out of paused by the facade or the auto-resume sweep.
func (s *Scheduler) adoptRunning(ctx context.Context) {
	running, err := s.store.ListTasks(ctx, store.Filter{Statuses: []task.Status{task.StatusRunning}})
	if err != nil {
		s.logger.Error("running-task scan failed", zap.Error(err))
		return
	}
	for _, t := range running {
		s.workersMu.Lock()
		_, alive := s.workers[t.ID]
		s.workersMu.Unlock()
		if alive {
			continue
		}
		s.logger.Info("adopting running task without worker",
			zap.String("task_id", t.ID), zap.String("stage", t.CurrentStage))
		s.startWorker(ctx, t)
	}
}

// dispatchOrPause consults the capacity gate for one pending task and
// either transitions it to running and starts its worker, or pauses it
// with the decision's pause reason.
func (s *Scheduler) dispatchOrPause(ctx context.Context, t *task.Task) {
	decision := s.gate.IsCapacityAvailable(capacity.Estimate{
		Tokens: s.config.EstimateTokens,
		Cost:   s.config.EstimateCost,
	})

	if !decision.Allowed {
		s.totalPaused.Add(1)
		reason := decision.WouldPauseAs
		updated, err := s.store.UpdateTask(ctx, t.ID, store.Patch{
			Status:      statusPtr(task.StatusPaused),
			PauseReason: &reason,
		})
		if err != nil {
			s.logger.Error("failed to pause task on capacity denial",
				zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		s.logger.Info("task paused",
			zap.String("task_id", t.ID),
			zap.String("reason", string(reason)),
			zap.String("detail", decision.Reason))
		s.pub.Publish(events.Event{
			Type:    events.TaskPaused,
			TaskID:  updated.ID,
			Payload: events.PausedPayload{Reason: reason},
		})
		return
	}

	updated, err := s.store.UpdateTask(ctx, t.ID, store.Patch{Status: statusPtr(task.StatusRunning)})
	if err != nil {
		s.logger.Error("failed to start task", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	s.pub.Publish(events.Event{Type: events.TaskStarted, TaskID: updated.ID})
	s.startWorker(ctx, updated)
}

func (s *Scheduler) startWorker(ctx context.Context, t *task.Task) {
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{taskID: t.ID, cancel: cancel, done: make(chan struct{})}

	s.workersMu.Lock()
	s.workers[t.ID] = w
	s.activeUsage[t.ID] = t.Usage
	s.workersMu.Unlock()
	s.publishUsageSnapshot()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(w.done)
		defer cancel()
		s.runTask(wctx, t)

		s.workersMu.Lock()
		delete(s.workers, t.ID)
		delete(s.activeUsage, t.ID)
		s.workersMu.Unlock()
		s.publishUsageSnapshot()
		s.Wake()
	}()
}

// publishUsageSnapshot feeds the capacity gate the aggregate footprint
// of all active workers.
func (s *Scheduler) publishUsageSnapshot() {
	s.workersMu.Lock()
	var tokens int64
	var cost task.Money
	for _, u := range s.activeUsage {
		tokens += u.TotalTokens
		cost += u.EstimatedCost
	}
	active := len(s.workers)
	s.workersMu.Unlock()

	s.gate.OnUsageUpdate(tokens, cost, active)
}

// runTask drives a task through its workflow from the current stage.
func (s *Scheduler) runTask(ctx context.Context, t *task.Task) {
	log := s.logger.WithTaskID(t.ID)

	wf, err := s.registry.Get(t.Workflow)
	if err != nil {
		log.Error("task references unknown workflow", zap.Error(err))
		s.failTask(ctx, t.ID, err)
		return
	}

	blocks := wf.Blocks()
	start := resumeIndex(blocks, t.CurrentStage)

	for i := start; i < len(blocks); i++ {
		block := blocks[i]

		if err := s.runBlock(ctx, t, block); err != nil {
			s.handleStageError(ctx, t.ID, err, log)
			return
		}
	}

	s.completeTask(ctx, t.ID, log)
}

// resumeIndex finds the block containing the stage a recovered task was
// on; fresh tasks start at the beginning.
func resumeIndex(blocks []workflow.Block, currentStage string) int {
	if currentStage == "" {
		return 0
	}
	for i, b := range blocks {
		for _, st := range b.Stages {
			if st.Name == currentStage {
				return i
			}
		}
	}
	return 0
}

// runBlock dispatches one block: a single stage, or all stages of a
// parallel group with fail-fast sibling cancellation.
func (s *Scheduler) runBlock(ctx context.Context, t *task.Task, block workflow.Block) error {
	if !block.Parallel {
		return s.runStage(ctx, t, block.Stages[0])
	}

	names := make([]string, len(block.Stages))
	for i, st := range block.Stages {
		names[i] = st.Name
	}
	s.pub.Publish(events.Event{
		Type:    events.StageParallelStarted,
		TaskID:  t.ID,
		Payload: events.ParallelStagePayload{Stages: names},
	})

	// Fail fast: the errgroup context cancels siblings on first error.
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range block.Stages {
		stage := st
		g.Go(func() error {
			return s.runStage(gctx, t, stage)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.pub.Publish(events.Event{
		Type:    events.StageParallelCompleted,
		TaskID:  t.ID,
		Payload: events.ParallelStagePayload{Stages: names},
	})
	return nil
}

// runStage advances the workflow cursor to the stage and executes it on
// the agent runtime, routing streamed events to the bus and usage
// deltas into the store and capacity gate.
func (s *Scheduler) runStage(ctx context.Context, t *task.Task, stage workflow.Stage) error {
	prev, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("load task before stage %s: %w", stage.Name, err)
	}
	if prev.Status != task.StatusRunning {
		// Cancelled (or paused externally) between stages.
		return context.Canceled
	}

	if prev.CurrentAgent != stage.Agent {
		s.pub.Publish(events.Event{
			Type:    events.AgentTransition,
			TaskID:  t.ID,
			Payload: events.AgentTransitionPayload{From: prev.CurrentAgent, To: stage.Agent},
		})
	}

	if _, err := s.store.UpdateTask(ctx, t.ID, store.Patch{
		CurrentStage: &stage.Name,
		CurrentAgent: &stage.Agent,
	}); err != nil {
		return fmt.Errorf("advance cursor to stage %s: %w", stage.Name, err)
	}
	s.pub.Publish(events.Event{
		Type:    events.TaskStageChanged,
		TaskID:  t.ID,
		Payload: events.StageChangedPayload{Stage: stage.Name, Agent: stage.Agent},
	})

	req := agent.Request{
		Task:  prev,
		Stage: stage.Name,
		Agent: stage.Agent,
		Input: prev.Description,
	}
	_, err = s.runtime.Run(ctx, req, func(ev agent.Event) {
		s.routeAgentEvent(ctx, t.ID, stage, ev)
	})
	return err
}

func (s *Scheduler) routeAgentEvent(ctx context.Context, taskID string, stage workflow.Stage, ev agent.Event) {
	switch ev.Kind {
	case agent.EventUsageDelta:
		s.applyUsageDelta(ctx, taskID, ev.Usage)
	case agent.EventThinking:
		s.pub.Publish(events.Event{
			Type:    events.AgentThinking,
			TaskID:  taskID,
			Payload: events.AgentOutputPayload{Stage: stage.Name, Agent: stage.Agent, Content: ev.Content},
		})
	case agent.EventToolUse:
		s.pub.Publish(events.Event{
			Type:    events.AgentToolUse,
			TaskID:  taskID,
			Payload: events.AgentOutputPayload{Stage: stage.Name, Agent: stage.Agent, Content: ev.Content},
		})
	case agent.EventMessage:
		s.pub.Publish(events.Event{
			Type:    events.AgentMessage,
			TaskID:  taskID,
			Payload: events.AgentOutputPayload{Stage: stage.Name, Agent: stage.Agent, Content: ev.Content},
		})
	}
}

// applyUsageDelta persists the delta, refreshes the aggregate snapshot,
// and counts the spend against the daily budget.
func (s *Scheduler) applyUsageDelta(ctx context.Context, taskID string, delta task.Usage) {
	updated, err := s.store.AddUsage(ctx, taskID, delta)
	if err != nil {
		s.logger.Error("failed to apply usage delta",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}

	s.workersMu.Lock()
	if _, ok := s.activeUsage[taskID]; ok {
		s.activeUsage[taskID] = updated.Usage
	}
	s.workersMu.Unlock()

	s.publishUsageSnapshot()
	s.gate.AddDailySpend(delta.EstimatedCost)

	s.pub.Publish(events.Event{
		Type:    events.UsageUpdated,
		TaskID:  taskID,
		Payload: events.UsageUpdatedPayload{Usage: updated.Usage},
	})
}

// handleStageError applies the failure policy: cancelled contexts mean
// the task was cancelled or the process is draining, transient errors
// consume a retry and requeue, everything else fails the task.
func (s *Scheduler) handleStageError(ctx context.Context, taskID string, stageErr error, log *logger.Logger) {
	if errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded) {
		// Cancelled task: the store already holds the terminal status.
		// Drain cancellation: leave the task running for recovery on
		// next start.
		log.Info("stage interrupted", zap.Error(stageErr))
		return
	}

	current, err := s.store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		log.Error("failed to load task after stage error", zap.Error(err))
		return
	}

	if agent.IsTransient(stageErr) && current.RetryCount < current.MaxRetries {
		_, err := s.store.UpdateTask(context.WithoutCancel(ctx), taskID, store.Patch{
			Status:         statusPtr(task.StatusFailed),
			IncrementRetry: false,
		})
		if err != nil {
			log.Error("failed to mark task failed before requeue", zap.Error(err))
			return
		}
		_, err = s.store.UpdateTask(context.WithoutCancel(ctx), taskID, store.Patch{
			Status:         statusPtr(task.StatusPending),
			IncrementRetry: true,
		})
		if err != nil {
			log.Error("failed to requeue task for retry", zap.Error(err))
			return
		}
		s.totalRetried.Add(1)
		log.Info("task requeued for retry",
			zap.Int("retry", current.RetryCount+1),
			zap.Int("max_retries", current.MaxRetries),
			zap.Error(stageErr))
		s.Wake()
		return
	}

	s.failTask(context.WithoutCancel(ctx), taskID, stageErr)
}

func (s *Scheduler) failTask(ctx context.Context, taskID string, cause error) {
	s.totalFailed.Add(1)
	_, err := s.store.UpdateTask(ctx, taskID, store.Patch{Status: statusPtr(task.StatusFailed)})
	if err != nil {
		s.logger.Error("failed to mark task failed",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.pub.Publish(events.Event{
		Type:    events.TaskFailed,
		TaskID:  taskID,
		Payload: events.FailedPayload{Error: cause.Error()},
	})
}

// completeTask finishes a task whose final stage returned. Open
// subtasks block completion: the task pauses with reason dependency
// until they settle.
func (s *Scheduler) completeTask(ctx context.Context, taskID string, log *logger.Logger) {
	ctx = context.WithoutCancel(ctx)

	settled, err := s.store.SubtasksSettled(ctx, taskID)
	if err != nil {
		log.Error("failed to check subtasks", zap.Error(err))
		return
	}
	if !settled {
		reason := task.PauseReasonDependency
		_, err := s.store.UpdateTask(ctx, taskID, store.Patch{
			Status:      statusPtr(task.StatusPaused),
			PauseReason: &reason,
		})
		if err != nil {
			log.Error("failed to pause task on open subtasks", zap.Error(err))
			return
		}
		log.Info("task paused: open subtasks block completion")
		s.pub.Publish(events.Event{
			Type:    events.TaskPaused,
			TaskID:  taskID,
			Payload: events.PausedPayload{Reason: reason},
		})
		return
	}

	_, err = s.store.UpdateTask(ctx, taskID, store.Patch{Status: statusPtr(task.StatusCompleted)})
	if err != nil {
		log.Error("failed to mark task completed", zap.Error(err))
		return
	}
	s.totalProcessed.Add(1)
	log.Info("task completed")
	s.pub.Publish(events.Event{Type: events.TaskCompleted, TaskID: taskID})
}

func statusPtr(st task.Status) *task.Status { return &st }
