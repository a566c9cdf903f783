package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/errors"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
)

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *orchestrator.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "orchestrator-api")),
	}
}

// SubmitTask creates a task and hands it to the scheduler
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	created, err := h.service.SubmitTask(c.Request.Context(), req.Spec())
	if err != nil {
		appErr := errors.FromDomain(err, "task", "")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, created)
}

// ListTasks returns tasks, optionally filtered by status
// GET /api/v1/tasks?status=pending&status=running
func (h *Handler) ListTasks(c *gin.Context) {
	var f store.Filter
	for _, s := range c.QueryArray("status") {
		f.Statuses = append(f.Statuses, task.Status(s))
	}
	for _, p := range c.QueryArray("priority") {
		f.Priorities = append(f.Priorities, task.Priority(p))
	}

	tasks, err := h.service.ListTasks(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		appErr := errors.InternalError("failed to list tasks", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// GetTask returns one task
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID := c.Param("taskId")

	t, err := h.service.GetTask(c.Request.Context(), taskID)
	if err != nil {
		appErr := errors.FromDomain(err, "task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, t)
}

// PauseTask suspends a running task
// POST /api/v1/tasks/:taskId/pause
func (h *Handler) PauseTask(c *gin.Context) {
	taskID := c.Param("taskId")

	var req PauseTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body; reason defaults to a manual pause
		req = PauseTaskRequest{}
	}

	t, err := h.service.PauseTask(c.Request.Context(), taskID, task.PauseReason(req.Reason))
	if err != nil {
		appErr := errors.FromDomain(err, "task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, t)
}

// ResumeTask brings a paused task back to running
// POST /api/v1/tasks/:taskId/resume
func (h *Handler) ResumeTask(c *gin.Context) {
	taskID := c.Param("taskId")

	t, err := h.service.ResumeTask(c.Request.Context(), taskID)
	if err != nil {
		appErr := errors.FromDomain(err, "task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, t)
}

// CancelTask moves a task to cancelled; repeated calls are no-ops
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")

	t, err := h.service.CancelTask(c.Request.Context(), taskID)
	if err != nil {
		appErr := errors.FromDomain(err, "task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, t)
}

// RequeueTask puts a failed task back into pending
// POST /api/v1/tasks/:taskId/requeue
func (h *Handler) RequeueTask(c *gin.Context) {
	taskID := c.Param("taskId")

	t, err := h.service.RequeueTask(c.Request.Context(), taskID)
	if err != nil {
		appErr := errors.FromDomain(err, "task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, t)
}

// ListSubtasks returns the children of a task
// GET /api/v1/tasks/:taskId/subtasks
func (h *Handler) ListSubtasks(c *gin.Context) {
	taskID := c.Param("taskId")

	subs, err := h.service.ListSubtasks(c.Request.Context(), taskID)
	if err != nil {
		appErr := errors.FromDomain(err, "task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, SubtaskListResponse{Subtasks: subs, Total: len(subs)})
}

// CreateSubtask attaches a child work item to a task
// POST /api/v1/tasks/:taskId/subtasks
func (h *Handler) CreateSubtask(c *gin.Context) {
	taskID := c.Param("taskId")

	var req CreateSubtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sub, err := h.service.CreateSubtask(c.Request.Context(), taskID, req.Description)
	if err != nil {
		appErr := errors.FromDomain(err, "task", taskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

// UpdateSubtask advances a subtask through its lifecycle
// POST /api/v1/subtasks/:subtaskId/status
func (h *Handler) UpdateSubtask(c *gin.Context) {
	subtaskID := c.Param("subtaskId")

	var req UpdateSubtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sub, err := h.service.UpdateSubtask(c.Request.Context(), subtaskID, task.Status(req.Status))
	if err != nil {
		appErr := errors.FromDomain(err, "subtask", subtaskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, sub)
}

// GetStatus returns the overall orchestrator status
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	stats := h.service.Stats()
	c.JSON(http.StatusOK, StatusResponse{
		Running:        h.service.IsRunning(),
		ActiveWorkers:  stats.ActiveWorkers,
		TotalProcessed: stats.TotalProcessed,
		TotalFailed:    stats.TotalFailed,
		TotalRetried:   stats.TotalRetried,
		TotalPaused:    stats.TotalPaused,
	})
}

// GetCapacity returns the capacity monitor's current view
// GET /api/v1/capacity
func (h *Handler) GetCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, capacityResponse(
		h.service.CapacityMode(),
		h.service.CapacitySnapshot(),
		h.service.CapacityThresholds(),
	))
}

// ListWorkflows returns the workflow catalogue names
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": h.service.Workflows()})
}

// GetWorkflow returns one workflow definition
// GET /api/v1/workflows/:name
func (h *Handler) GetWorkflow(c *gin.Context) {
	name := c.Param("name")

	wf, err := h.service.GetWorkflow(name)
	if err != nil {
		appErr := errors.FromDomain(err, "workflow", name)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, wf)
}

// SetSession attaches the interactive session to a task
// PUT /api/v1/session
func (h *Handler) SetSession(c *gin.Context) {
	var req SetSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.SetActiveSession(c.Request.Context(), req.TaskID); err != nil {
		appErr := errors.FromDomain(err, "task", req.TaskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": req.TaskID})
}

// GetSession returns the current interactive session, if any
// GET /api/v1/session
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.service.ActiveSession(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("failed to load session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// ClearSession detaches the interactive session
// DELETE /api/v1/session
func (h *Handler) ClearSession(c *gin.Context) {
	if err := h.service.ClearActiveSession(c.Request.Context()); err != nil {
		appErr := errors.InternalError("failed to clear session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}
