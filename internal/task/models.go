// Package task defines the task domain model: statuses, priorities,
// pause reasons, usage rollups, and the state machine that governs
// every task transition.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		// failed is terminal for the state machine only when retries are
		// exhausted; the retry requeue is validated separately.
		return false
	}
	return false
}

// transitions maps each status to the set of statuses it may move to.
// pending -> paused is the capacity-denial park: the scheduler pauses a
// fresh task that does not fit the current thresholds instead of
// dispatching it. failed -> pending is the retry requeue and
// additionally requires retryCount < maxRetries (checked by
// ValidateTransition callers that have the task at hand).
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPending: true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Priority orders tasks for dispatch and auto-resume.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric weight of a priority; higher runs first.
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Autonomy controls whether a task runs end-to-end or waits for user
// confirmation at defined points.
type Autonomy string

const (
	AutonomyAutonomous  Autonomy = "autonomous"
	AutonomyInteractive Autonomy = "interactive"
)

// PauseReason tags why a task entered the paused status. Resource-driven
// reasons are auto-resumable; user- and error-driven ones are not.
type PauseReason string

const (
	PauseReasonCapacity    PauseReason = "capacity"
	PauseReasonBudget      PauseReason = "budget"
	PauseReasonUsageLimit  PauseReason = "usage_limit"
	PauseReasonManual      PauseReason = "manual"
	PauseReasonUserRequest PauseReason = "user_request"
	PauseReasonError       PauseReason = "error"
	PauseReasonDependency  PauseReason = "dependency"
)

// AutoResumable reports whether the auto-resume coordinator may resume a
// task paused with this reason.
func (r PauseReason) AutoResumable() bool {
	switch r {
	case PauseReasonCapacity, PauseReasonBudget, PauseReasonUsageLimit:
		return true
	}
	return false
}

// Usage is the cumulative resource rollup for a task. It only grows
// while the task is not cancelled.
type Usage struct {
	InputTokens   int64 `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens" db:"output_tokens"`
	TotalTokens   int64 `json:"total_tokens" db:"total_tokens"`
	EstimatedCost Money `json:"estimated_cost" db:"estimated_cost"`
}

// Add returns the rollup with the delta applied.
func (u Usage) Add(delta Usage) Usage {
	return Usage{
		InputTokens:   u.InputTokens + delta.InputTokens,
		OutputTokens:  u.OutputTokens + delta.OutputTokens,
		TotalTokens:   u.TotalTokens + delta.TotalTokens,
		EstimatedCost: u.EstimatedCost + delta.EstimatedCost,
	}
}

// AtLeast reports whether every axis of u is >= the corresponding axis
// of prev. Used to enforce monotonic usage growth.
func (u Usage) AtLeast(prev Usage) bool {
	return u.InputTokens >= prev.InputTokens &&
		u.OutputTokens >= prev.OutputTokens &&
		u.TotalTokens >= prev.TotalTokens &&
		u.EstimatedCost >= prev.EstimatedCost
}

// Task is the unit of work the orchestrator drives through a workflow.
// The store owns all mutations.
type Task struct {
	ID                 string       `json:"id" db:"id"`
	Description        string       `json:"description" db:"description"`
	AcceptanceCriteria string       `json:"acceptance_criteria" db:"acceptance_criteria"`
	Workflow           string       `json:"workflow" db:"workflow"`
	Autonomy           Autonomy     `json:"autonomy" db:"autonomy"`
	Priority           Priority     `json:"priority" db:"priority"`
	Status             Status       `json:"status" db:"status"`
	ProjectPath        string       `json:"project_path" db:"project_path"`
	Branch             string       `json:"branch" db:"branch"`
	CurrentStage       string       `json:"current_stage" db:"current_stage"`
	CurrentAgent       string       `json:"current_agent" db:"current_agent"`
	PauseReason        *PauseReason `json:"pause_reason,omitempty" db:"pause_reason"`
	ResumeAfter        *time.Time   `json:"resume_after,omitempty" db:"resume_after"`
	RetryCount         int          `json:"retry_count" db:"retry_count"`
	MaxRetries         int          `json:"max_retries" db:"max_retries"`
	Usage              Usage        `json:"usage"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`
	PausedAt           *time.Time   `json:"paused_at,omitempty" db:"paused_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// Subtask is a child work item created by an agent during a stage. It
// shares the parent's lifetime and has no retry policy.
type Subtask struct {
	ID          string     `json:"id" db:"id"`
	TaskID      string     `json:"task_id" db:"task_id"`
	Description string     `json:"description" db:"description"`
	Status      Status     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Spec carries the caller-supplied fields for task creation.
type Spec struct {
	Description        string     `json:"description"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Workflow           string     `json:"workflow"`
	Autonomy           Autonomy   `json:"autonomy"`
	Priority           Priority   `json:"priority"`
	ProjectPath        string     `json:"project_path"`
	Branch             string     `json:"branch"`
	MaxRetries         int        `json:"max_retries"`
	ResumeAfter        *time.Time `json:"resume_after,omitempty"`
}

// ValidTransition checks the state machine for this task, including the
// retry-budget condition on the failed -> pending requeue.
func (t *Task) ValidTransition(to Status) error {
	if t.Status == to {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return &IllegalTransitionError{From: t.Status, To: to}
	}
	if t.Status == StatusFailed && to == StatusPending && t.RetryCount >= t.MaxRetries {
		return &IllegalTransitionError{From: t.Status, To: to, Detail: "retry budget exhausted"}
	}
	return nil
}
