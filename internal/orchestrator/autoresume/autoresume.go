// Package autoresume watches for restored capacity and brings
// resource-paused tasks back to running, highest priority first.
package autoresume

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
)

// Common errors
var (
	ErrCoordinatorAlreadyRunning = errors.New("auto-resume coordinator is already running")
	ErrCoordinatorNotRunning     = errors.New("auto-resume coordinator is not running")
)

// Waker is the slice of the scheduler the coordinator nudges after a
// sweep brings tasks back to running.
type Waker interface {
	Wake()
}

// Store is the slice of the task store a sweep drives: the eligibility
// scan and the per-task resume write.
type Store interface {
	GetPausedTasksForResume(ctx context.Context) ([]*task.Task, error)
	UpdateTask(ctx context.Context, id string, patch store.Patch) (*task.Task, error)
}

// Coordinator subscribes to capacity:restored and runs resume sweeps.
// Sweeps are strictly sequential; restore signals arriving while one is
// queued or running are coalesced per reason.
type Coordinator struct {
	store  Store
	bus    *events.Bus
	waker  Waker
	logger *logger.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sub     events.Subscription

	pendingMu sync.Mutex
	pending   []events.RestoreReason
	kick      chan struct{}
}

// New creates a coordinator.
func New(st Store, bus *events.Bus, waker Waker, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		store:  st,
		bus:    bus,
		waker:  waker,
		logger: log.WithFields(zap.String("component", "autoresume")),
	}
}

// Start subscribes to restore events and spawns the sweep loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrCoordinatorAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.kick = make(chan struct{}, 1)
	c.mu.Unlock()

	c.sub = c.bus.Subscribe(events.CapacityRestored, func(ev events.Event) {
		payload, ok := ev.Payload.(events.CapacityRestoredPayload)
		if !ok {
			return
		}
		c.enqueue(payload.Reason)
	})

	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Stop unsubscribes and waits for an in-flight sweep to finish.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrCoordinatorNotRunning
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.bus.Unsubscribe(c.sub)
	c.wg.Wait()
	return nil
}

// IsRunning returns true if the coordinator is active.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// enqueue appends a restore reason unless an identical sweep is already
// waiting, then nudges the loop.
func (c *Coordinator) enqueue(reason events.RestoreReason) {
	c.pendingMu.Lock()
	queued := false
	for _, r := range c.pending {
		if r == reason {
			queued = true
			break
		}
	}
	if !queued {
		c.pending = append(c.pending, reason)
	}
	c.pendingMu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-c.kick:
		}
		for {
			reason, ok := c.popPending()
			if !ok {
				break
			}
			c.sweep(ctx, reason)
		}
	}
}

func (c *Coordinator) popPending() (events.RestoreReason, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return "", false
	}
	reason := c.pending[0]
	c.pending = c.pending[1:]
	return reason, true
}

// sweep resumes every eligible paused task in priority order. Failures
// are recorded per task and never abort the sweep.
func (c *Coordinator) sweep(ctx context.Context, reason events.RestoreReason) {
	eligible, err := c.store.GetPausedTasksForResume(ctx)
	if err != nil {
		c.logger.Error("resume sweep aborted: eligibility scan failed",
			zap.String("reason", string(reason)), zap.Error(err))
		return
	}

	resumed := 0
	var failures []events.ResumeError

	for _, t := range eligible {
		if err := c.resumeTask(ctx, t); err != nil {
			c.logger.Error("failed to resume task",
				zap.String("task_id", t.ID), zap.Error(err))
			failures = append(failures, events.ResumeError{TaskID: t.ID, Err: err.Error()})
			continue
		}
		resumed++
	}

	c.logger.Info("resume sweep finished",
		zap.String("reason", string(reason)),
		zap.Int("eligible", len(eligible)),
		zap.Int("resumed", resumed),
		zap.Int("failed", len(failures)))

	c.bus.Publish(events.Event{
		Type: events.TasksAutoResumed,
		Payload: events.AutoResumedPayload{
			Reason:       reason,
			ResumedCount: resumed,
			Errors:       failures,
		},
	})

	if resumed > 0 && c.waker != nil {
		c.waker.Wake()
	}
}

func (c *Coordinator) resumeTask(ctx context.Context, t *task.Task) error {
	running := task.StatusRunning
	_, err := c.store.UpdateTask(ctx, t.ID, store.Patch{
		Status:           &running,
		ClearResumeAfter: true,
	})
	if err != nil {
		return err
	}
	c.bus.Publish(events.Event{Type: events.TaskResumed, TaskID: t.ID})
	return nil
}
