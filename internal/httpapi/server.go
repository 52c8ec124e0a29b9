// Package httpapi implements the manager-side HTTP surface (spec §6.2):
// the E2B-compatible sandbox lifecycle endpoints, task heartbeat, task
// cancellation, and an executor-delete route that only acknowledges the
// request (see deleteExecutor). The callback endpoint itself is
// mounted by internal/callback.Handler, grounded on §4.8's own dispatch
// logic; this package only wires it alongside the rest of the routes.
// Grounded on the teacher's cmd/control-plane/http_server.go gin.Engine
// setup (CORS middleware, route grouping, gin.H JSON responses).
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/callback"
	"github.com/wegent/sandbox-control-plane/internal/heartbeat"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

// CancelSender is the subset of internal/runner.Runner the cancel handler
// needs: a best-effort POST to the executor's own /api/tasks/cancel.
type CancelSender interface {
	SendCancelRequest(ctx context.Context, baseURL, taskID string) error
}

// Server wires every manager-side route onto a gin.Engine.
type Server struct {
	manager            *sandbox.Manager
	repo               *sandbox.Repository
	heartbeats         *heartbeat.Manager
	tasks              *heartbeat.Tracker
	callbackHandler    *callback.Handler
	cancelSender       CancelSender
	gracefulShutdown   time.Duration
	log                zerolog.Logger
}

// New wires a Server. gracefulShutdown is GRACEFUL_SHUTDOWN_TIMEOUT (spec
// §5 "Cancellation" step 3); 0 defaults to 10s.
func New(manager *sandbox.Manager, repo *sandbox.Repository, heartbeats *heartbeat.Manager, tasks *heartbeat.Tracker, callbackHandler *callback.Handler, cancelSender CancelSender, gracefulShutdown time.Duration, log zerolog.Logger) *Server {
	if gracefulShutdown <= 0 {
		gracefulShutdown = 10 * time.Second
	}
	return &Server{
		manager:          manager,
		repo:             repo,
		heartbeats:       heartbeats,
		tasks:            tasks,
		callbackHandler:  callbackHandler,
		cancelSender:     cancelSender,
		gracefulShutdown: gracefulShutdown,
		log:              log.With().Str("component", "httpapi").Logger(),
	}
}

// SetupRoutes builds the gin.Engine carrying every manager-side route.
func (s *Server) SetupRoutes() *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	if s.callbackHandler != nil {
		s.callbackHandler.Register(r)
	}

	r.POST("/tasks/:task_id/heartbeat", s.updateTaskHeartbeat)
	r.POST("/tasks/cancel", s.cancelTask)
	r.POST("/executor/delete", s.deleteExecutor)

	sandboxes := r.Group("/sandboxes")
	{
		sandboxes.POST("", s.createSandbox)
		sandboxes.GET("/:sandbox_id", s.getSandbox)
		sandboxes.DELETE("/:sandbox_id", s.terminateSandbox)
		sandboxes.POST("/:sandbox_id/pause", s.pauseSandbox)
		sandboxes.POST("/:sandbox_id/resume", s.resumeSandbox)
		sandboxes.POST("/:sandbox_id/timeout", s.keepAliveSandbox)
		sandboxes.POST("/:sandbox_id/executions", s.createExecution)
		sandboxes.GET("/:sandbox_id/executions", s.listExecutions)
		sandboxes.GET("/:sandbox_id/executions/:subtask_id", s.getExecution)
	}

	return r
}

func (s *Server) updateTaskHeartbeat(c *gin.Context) {
	taskID := c.Param("task_id")
	ok := s.heartbeats.UpdateHeartbeat(c.Request.Context(), taskID, heartbeat.KindTask)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "failed to update heartbeat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

type cancelRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// cancelTask orchestrates cancellation (spec §5 "Cancellation"): it sends
// a best-effort cancel signal to the executor container, waits up to
// gracefulShutdown for the running-task tracker entry to clear, then
// returns success regardless — a background callback resolves the
// terminal state asynchronously if cleanup outlives the wait.
func (s *Server) cancelTask(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	ctx := c.Request.Context()

	meta := s.tasks.GetTaskMetadata(ctx, req.TaskID)
	if meta != nil && s.cancelSender != nil {
		if sb := s.manager.GetSandbox(ctx, req.TaskID, false); sb != nil && sb.BaseURL != "" {
			if err := s.cancelSender.SendCancelRequest(ctx, sb.BaseURL, req.TaskID); err != nil {
				s.log.Warn().Err(err).Str("task_id", req.TaskID).Msg("best-effort cancel signal failed")
			}
		}
	}

	deadline := time.Now().Add(s.gracefulShutdown)
	for time.Now().Before(deadline) {
		if s.tasks.GetTaskMetadata(ctx, req.TaskID) == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("Cancellation requested for task %s", req.TaskID)})
}

type deleteExecutorRequest struct {
	ExecutorName string `json:"executor_name" binding:"required"`
}

// deleteExecutor validates the request and answers success. It does not
// stop or remove any container, and it leaves the running-task tracker and
// heartbeat keys untouched.
func (s *Server) deleteExecutor(c *gin.Context) {
	var req deleteExecutorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("Executor %s delete requested", req.ExecutorName)})
}

type createSandboxRequest struct {
	ShellType    string         `json:"shell_type" binding:"required"`
	UserID       string         `json:"user_id"`
	UserName     string         `json:"user_name"`
	TimeoutSecs  int            `json:"timeout"`
	WorkspaceRef string         `json:"workspace_ref"`
	BotConfig    map[string]any `json:"bot_config"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) createSandbox(c *gin.Context) {
	var req createSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	shellType, _ := sandbox.NormalizeShellType(req.ShellType)
	meta := sandbox.Metadata(req.Metadata)
	if meta == nil {
		meta = sandbox.Metadata{}
	}

	sb, err := s.manager.CreateSandbox(c.Request.Context(), shellType, req.UserID, req.UserName,
		time.Duration(req.TimeoutSecs)*time.Second, req.WorkspaceRef, req.BotConfig, meta)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error(), "sandbox": sb})
		return
	}
	c.JSON(http.StatusCreated, sb)
}

func (s *Server) getSandbox(c *gin.Context) {
	sb := s.manager.GetSandbox(c.Request.Context(), c.Param("sandbox_id"), true)
	if sb == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "sandbox not found"})
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (s *Server) terminateSandbox(c *gin.Context) {
	ok, msg := s.manager.TerminateSandbox(c.Request.Context(), c.Param("sandbox_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": msg})
}

func (s *Server) pauseSandbox(c *gin.Context) {
	ok, msg := s.manager.PauseSandbox(c.Request.Context(), c.Param("sandbox_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": msg})
}

func (s *Server) resumeSandbox(c *gin.Context) {
	ok, msg := s.manager.ResumeSandbox(c.Request.Context(), c.Param("sandbox_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": msg})
}

type keepAliveRequest struct {
	Additional int `json:"timeout"`
}

func (s *Server) keepAliveSandbox(c *gin.Context) {
	var req keepAliveRequest
	_ = c.ShouldBindJSON(&req)

	sb, err := s.manager.KeepAlive(c.Request.Context(), c.Param("sandbox_id"), time.Duration(req.Additional)*time.Second)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sb)
}

type createExecutionRequest struct {
	Prompt      string         `json:"prompt" binding:"required"`
	TimeoutSecs int            `json:"timeout"`
	Metadata    map[string]any `json:"metadata" binding:"required"`
}

func (s *Server) createExecution(c *gin.Context) {
	var req createExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	sandboxID := c.Param("sandbox_id")

	ex, err := s.manager.CreateExecution(c.Request.Context(), sandboxID, req.Prompt,
		time.Duration(req.TimeoutSecs)*time.Second, sandbox.Metadata(req.Metadata))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	sb := s.manager.GetSandbox(c.Request.Context(), sandboxID, false)
	timeout := time.Duration(req.TimeoutSecs) * time.Second
	go s.manager.RunExecution(context.Background(), sb, ex, timeout)

	c.JSON(http.StatusCreated, ex)
}

func (s *Server) getExecution(c *gin.Context) {
	ex := s.manager.GetExecution(c.Request.Context(), c.Param("sandbox_id"), c.Param("subtask_id"))
	if ex == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, ex)
}

func (s *Server) listExecutions(c *gin.Context) {
	execs, err := s.manager.ListExecutions(c.Request.Context(), c.Param("sandbox_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}
