// Package api provides REST API handlers for the orchestrator service.
package api

import (
	"time"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
)

// SubmitTaskRequest for creating a task
type SubmitTaskRequest struct {
	Description        string     `json:"description" binding:"required"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	Workflow           string     `json:"workflow" binding:"required"`
	Autonomy           string     `json:"autonomy,omitempty"`
	Priority           string     `json:"priority,omitempty"`
	ProjectPath        string     `json:"project_path,omitempty"`
	Branch             string     `json:"branch,omitempty"`
	MaxRetries         int        `json:"max_retries"`
	ResumeAfter        *time.Time `json:"resume_after,omitempty"`
}

// Spec converts the request into the store's task spec.
func (r SubmitTaskRequest) Spec() task.Spec {
	return task.Spec{
		Description:        r.Description,
		AcceptanceCriteria: r.AcceptanceCriteria,
		Workflow:           r.Workflow,
		Autonomy:           task.Autonomy(r.Autonomy),
		Priority:           task.Priority(r.Priority),
		ProjectPath:        r.ProjectPath,
		Branch:             r.Branch,
		MaxRetries:         r.MaxRetries,
		ResumeAfter:        r.ResumeAfter,
	}
}

// PauseTaskRequest for pausing a running task
type PauseTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CreateSubtaskRequest for attaching a child work item
type CreateSubtaskRequest struct {
	Description string `json:"description" binding:"required"`
}

// UpdateSubtaskRequest for advancing a subtask
type UpdateSubtaskRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetSessionRequest for attaching the interactive session
type SetSessionRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// TaskListResponse for task listing
type TaskListResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

// SubtaskListResponse for subtask listing
type SubtaskListResponse struct {
	Subtasks []*task.Subtask `json:"subtasks"`
	Total    int             `json:"total"`
}

// StatusResponse for the orchestrator status endpoint
type StatusResponse struct {
	Running        bool  `json:"running"`
	ActiveWorkers  int   `json:"active_workers"`
	TotalProcessed int64 `json:"total_processed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalRetried   int64 `json:"total_retried"`
	TotalPaused    int64 `json:"total_paused"`
}

// CapacityResponse for the capacity endpoint
type CapacityResponse struct {
	Mode           string    `json:"mode"`
	NextModeSwitch time.Time `json:"next_mode_switch"`
	NextMidnight   time.Time `json:"next_midnight"`

	CurrentTokens int64  `json:"current_tokens"`
	CurrentCost   string `json:"current_cost"`
	ActiveTasks   int    `json:"active_tasks"`
	DailySpent    string `json:"daily_spent"`

	TokenThreshold       int64  `json:"token_threshold"`
	CostThreshold        string `json:"cost_threshold"`
	BudgetThreshold      string `json:"budget_threshold"`
	ConcurrencyThreshold int    `json:"concurrency_threshold"`
}

func capacityResponse(mode capacity.ModeInfo, usage capacity.Usage, thresholds capacity.Thresholds) CapacityResponse {
	return CapacityResponse{
		Mode:                 string(mode.Mode),
		NextModeSwitch:       mode.NextModeSwitch,
		NextMidnight:         mode.NextMidnight,
		CurrentTokens:        usage.CurrentTokens,
		CurrentCost:          usage.CurrentCost.String(),
		ActiveTasks:          usage.ActiveTasks,
		DailySpent:           usage.DailySpent.String(),
		TokenThreshold:       thresholds.Tokens,
		CostThreshold:        thresholds.Cost.String(),
		BudgetThreshold:      thresholds.Budget.String(),
		ConcurrencyThreshold: thresholds.Concurrency,
	}
}
