// Package events defines the orchestrator's in-process event stream:
// typed events with monotonic sequence numbers, delivered in order
// through a bounded dispatcher.
package events

import (
	"time"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

// Type names an event kind on the bus.
type Type string

const (
	TaskStarted      Type = "task:started"
	TaskStageChanged Type = "task:stage-changed"
	TaskCompleted    Type = "task:completed"
	TaskFailed       Type = "task:failed"
	TaskCancelled    Type = "task:cancelled"
	TaskPaused       Type = "task:paused"
	TaskResumed      Type = "task:resumed"

	SubtaskCreated   Type = "subtask:created"
	SubtaskCompleted Type = "subtask:completed"

	AgentTransition Type = "agent:transition"
	AgentMessage    Type = "agent:message"
	AgentToolUse    Type = "agent:tool-use"
	AgentThinking   Type = "agent:thinking"

	StageParallelStarted   Type = "stage:parallel-started"
	StageParallelCompleted Type = "stage:parallel-completed"

	UsageUpdated     Type = "usage:updated"
	CapacityRestored Type = "capacity:restored"
	TasksAutoResumed Type = "tasks:auto-resumed"

	// EventsDropped is the stat event reporting overflow drops since the
	// previous report.
	EventsDropped Type = "events:dropped"
)

// AllTypes returns every event kind, in declaration order. Consumers
// that mirror the full stream subscribe to each of these.
func AllTypes() []Type {
	return []Type{
		TaskStarted, TaskStageChanged, TaskCompleted, TaskFailed,
		TaskCancelled, TaskPaused, TaskResumed,
		SubtaskCreated, SubtaskCompleted,
		AgentTransition, AgentMessage, AgentToolUse, AgentThinking,
		StageParallelStarted, StageParallelCompleted,
		UsageUpdated, CapacityRestored, TasksAutoResumed,
		EventsDropped,
	}
}

// Event is one value on the bus. Seq is monotonic across all events;
// TaskID is set where applicable.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// RestoreReason explains why capacity became available again.
type RestoreReason string

const (
	RestoreCapacityDropped RestoreReason = "capacity_dropped"
	RestoreModeSwitch      RestoreReason = "mode_switch"
	RestoreBudgetReset     RestoreReason = "budget_reset"
)

// CapacityRestoredPayload accompanies capacity:restored.
type CapacityRestoredPayload struct {
	Reason RestoreReason `json:"reason"`
}

// ResumeError records one failed resume attempt in an auto-resume sweep.
type ResumeError struct {
	TaskID string `json:"task_id"`
	Err    string `json:"error"`
}

// AutoResumedPayload accompanies tasks:auto-resumed.
type AutoResumedPayload struct {
	Reason       RestoreReason `json:"reason"`
	ResumedCount int           `json:"resumed_count"`
	Errors       []ResumeError `json:"errors,omitempty"`
}

// StageChangedPayload accompanies task:stage-changed.
type StageChangedPayload struct {
	Stage string `json:"stage"`
	Agent string `json:"agent"`
}

// PausedPayload accompanies task:paused.
type PausedPayload struct {
	Reason task.PauseReason `json:"reason"`
}

// FailedPayload accompanies task:failed.
type FailedPayload struct {
	Error string `json:"error"`
}

// AgentTransitionPayload accompanies agent:transition.
type AgentTransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AgentOutputPayload accompanies agent:message, agent:tool-use, and
// agent:thinking.
type AgentOutputPayload struct {
	Stage   string `json:"stage"`
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// UsageUpdatedPayload accompanies usage:updated with the new rollup.
type UsageUpdatedPayload struct {
	Usage task.Usage `json:"usage"`
}

// SubtaskPayload accompanies subtask:created and subtask:completed.
type SubtaskPayload struct {
	SubtaskID   string `json:"subtask_id"`
	Description string `json:"description,omitempty"`
}

// ParallelStagePayload accompanies stage:parallel-started/-completed.
type ParallelStagePayload struct {
	Stages []string `json:"stages"`
}

// DroppedPayload accompanies events:dropped.
type DroppedPayload struct {
	Dropped int64 `json:"dropped"`
}
