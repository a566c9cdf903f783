package api

import (
	"github.com/gin-gonic/gin"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator"
)

// SetupRoutes configures the orchestrator API routes
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	// Orchestrator control
	router.GET("/status", handler.GetStatus)
	router.GET("/capacity", handler.GetCapacity)

	// Workflow catalogue
	router.GET("/workflows", handler.ListWorkflows)
	router.GET("/workflows/:name", handler.GetWorkflow)

	// Tasks
	router.POST("/tasks", handler.SubmitTask)
	router.GET("/tasks", handler.ListTasks)
	tasks := router.Group("/tasks/:taskId")
	{
		tasks.GET("", handler.GetTask)
		tasks.POST("/pause", handler.PauseTask)
		tasks.POST("/resume", handler.ResumeTask)
		tasks.POST("/cancel", handler.CancelTask)
		tasks.POST("/requeue", handler.RequeueTask)
		tasks.GET("/subtasks", handler.ListSubtasks)
		tasks.POST("/subtasks", handler.CreateSubtask)
	}

	// Subtasks
	router.POST("/subtasks/:subtaskId/status", handler.UpdateSubtask)

	// Interactive session
	router.PUT("/session", handler.SetSession)
	router.GET("/session", handler.GetSession)
	router.DELETE("/session", handler.ClearSession)
}
