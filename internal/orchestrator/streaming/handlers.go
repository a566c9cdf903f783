package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local single-user daemon; no cross-origin policy enforced.
		return true
	},
}

// BindBus forwards every internal event onto the hub. The returned
// subscriptions must be removed from the bus before it is closed.
func BindBus(bus *events.Bus, hub *Hub) []events.Subscription {
	subs := make([]events.Subscription, 0, len(events.AllTypes()))
	for _, t := range events.AllTypes() {
		subs = append(subs, bus.Subscribe(t, hub.Broadcast))
	}
	return subs
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	if log == nil {
		log = logger.Default()
	}
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamTask streams events for a specific task
// WS /api/v1/tasks/:taskId/stream
func (h *WSHandler) StreamTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "MISSING_TASK_ID",
				"message": "Task ID is required",
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(taskID)

	h.logger.Info("websocket connection established",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll streams every event; clients may also narrow down with
// subscribe commands over the socket
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	client.SetFirehose(true)
	h.hub.Register(client)

	h.logger.Info("websocket firehose connection established",
		zap.String("client_id", client.ID))

	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds WebSocket routes to the router
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/tasks/:taskId/stream", handler.StreamTask)
	router.GET("/stream", handler.StreamAll)
}
