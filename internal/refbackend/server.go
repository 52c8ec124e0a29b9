package refbackend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Backend is the narrow surface Server needs; satisfied by *Store, and by a
// fake in tests.
type Backend interface {
	GetTaskStatus(ctx context.Context, taskID, subtaskID string) (status string, found bool, err error)
	UpdateTaskStatusByFields(ctx context.Context, taskID, subtaskID int64, progress int, executorName, executorNamespace, status, errorMessage, title string, result map[string]any) error
}

// Server exposes the two routes
// original_source/executor_manager/clients/task_api_client.py's
// TaskApiClient drives: a status read, keyed by (task_id, subtask_id) path
// segments, and a status write posted as a JSON body.
type Server struct {
	backend Backend
	log     zerolog.Logger
}

func NewServer(backend Backend, log zerolog.Logger) *Server {
	return &Server{backend: backend, log: log.With().Str("component", "refbackend_server").Logger()}
}

func (s *Server) SetupRoutes() *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	tasks := r.Group("/api/tasks")
	{
		tasks.GET("/:task_id/subtasks/:subtask_id", s.getTaskStatus)
		tasks.PUT("/callback", s.updateTaskStatus)
	}

	return r
}

func (s *Server) getTaskStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	subtaskID := c.Param("subtask_id")

	status, found, err := s.backend.GetTaskStatus(c.Request.Context(), taskID, subtaskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("task %s/%s not found", taskID, subtaskID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// updatePayload mirrors build_payload's fields from
// task_api_client.py's update_task_status_by_fields.
type updatePayload struct {
	TaskID            any            `json:"task_id" binding:"required"`
	SubtaskID         any            `json:"subtask_id"`
	ExecutorName      string         `json:"executor_name"`
	ExecutorNamespace string         `json:"executor_namespace"`
	Progress          int            `json:"progress"`
	Status            string         `json:"status"`
	ErrorMessage      string         `json:"error_message"`
	Result            map[string]any `json:"result"`
	Title             string         `json:"title"`
}

func (s *Server) updateTaskStatus(c *gin.Context) {
	var req updatePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.backend.UpdateTaskStatusByFields(c.Request.Context(),
		toInt64(req.TaskID), toInt64(req.SubtaskID), req.Progress,
		req.ExecutorName, req.ExecutorNamespace, req.Status, req.ErrorMessage, req.Title, req.Result)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}
