// Package executorapi implements the executor-side HTTP surface (spec
// §6.1): the container's own health probe, the endpoint the manager posts
// task_data to, and the best-effort cancel endpoint. Grounded on the
// teacher's cmd/control-plane/http_server.go gin.Engine shape and the
// task-acceptance/terminal-callback contract visible from the caller side in
// original_source/executor_manager/services/sandbox/execution_runner.py and
// original_source/executor/tasks/cancel_handler.py.
package executorapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/callback"
	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/responseprocessor/agents"
	"github.com/wegent/sandbox-control-plane/internal/runner"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

// CallbackSender is the narrow contract the execute handler needs to report
// a terminal outcome back to the manager; satisfied by *callback.Client.
type CallbackSender interface {
	SendCallback(ctx context.Context, payload callback.Payload) callback.Result
}

// Server wires the executor-side routes onto a gin.Engine. One Server
// instance lives for the lifetime of the executor container.
type Server struct {
	factory  *agents.Factory
	callback CallbackSender
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]agents.Agent
}

// New wires a Server. factory constructs the agent engine for whatever
// shell_type a task_data payload carries; cb reports terminal outcomes back
// to the manager's /callback endpoint.
func New(factory *agents.Factory, cb CallbackSender, log zerolog.Logger) *Server {
	return &Server{
		factory:  factory,
		callback: cb,
		active:   make(map[string]agents.Agent),
		log:      log.With().Str("component", "executorapi").Logger(),
	}
}

// SetupRoutes builds the gin.Engine carrying the executor-side routes.
func (s *Server) SetupRoutes() *gin.Engine {
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := r.Group("/api/tasks")
	{
		api.POST("/execute", s.execute)
		api.POST("/cancel", s.cancel)
	}

	return r
}

// execute accepts one task_data payload, constructs the shell_type's agent
// engine, and drives it to a terminal outcome in the background — the HTTP
// response only confirms the request was accepted, mirroring
// SendExecutionRequest's "200 means accepted, not completed" contract.
func (s *Server) execute(c *gin.Context) {
	var data runner.TaskData
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if len(data.Bot) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "task_data.bot must carry at least one entry"})
		return
	}

	shellType, ok := sandbox.NormalizeShellType(data.Bot[0].ShellType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": fmt.Sprintf("unsupported shell_type %q", data.Bot[0].ShellType)})
		return
	}

	agent, err := s.factory.New(shellType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	if err := agent.Initialize(c.Request.Context(), data.Bot[0].AgentConfig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	sb, ex := buildSandboxAndExecution(data)
	taskID := sb.TaskID()

	s.mu.Lock()
	s.active[taskID] = agent
	s.mu.Unlock()

	go s.run(agent, sb, ex, data)

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "task_id": taskID})
}

// run drives one accepted execution to completion and reports the terminal
// outcome back to the manager. It always runs detached from the request
// that accepted it, so it carries its own background context.
func (s *Server) run(agent agents.Agent, sb *sandbox.Sandbox, ex *sandbox.Execution, data runner.TaskData) {
	ctx := context.Background()
	taskID := sb.TaskID()

	defer func() {
		s.mu.Lock()
		delete(s.active, taskID)
		s.mu.Unlock()
	}()

	if err := agent.PreExecute(ctx, sb, ex); err != nil {
		s.reportFailure(ctx, data, err.Error())
		return
	}

	outcome := agent.Execute(ctx, sb, ex)
	s.report(ctx, data, outcome)
}

func (s *Server) reportFailure(ctx context.Context, data runner.TaskData, message string) {
	s.sendCallback(ctx, data, "failed", message, "")
}

func (s *Server) report(ctx context.Context, data runner.TaskData, outcome responseprocessor.Outcome) {
	status := "completed"
	switch outcome.Status {
	case sandbox.ExecutionFailed:
		status = "failed"
	case sandbox.ExecutionCancelled:
		status = "cancelled"
	}
	s.sendCallback(ctx, data, status, outcome.ErrorMessage, outcome.Result)
}

func (s *Server) sendCallback(ctx context.Context, data runner.TaskData, status, errMsg, result string) {
	if s.callback == nil {
		return
	}
	payload := callback.Payload{
		TaskID:       toInt64(data.TaskID),
		SubtaskID:    toInt64(data.SubtaskID),
		TaskTitle:    data.TaskTitle,
		SubtaskTitle: data.SubtaskTitle,
		Progress:     100,
		Status:       status,
		ErrorMessage: errMsg,
		TaskType:     "sandbox",
	}
	if result != "" {
		payload.Result = map[string]any{"value": result}
	}
	res := s.callback.SendCallback(ctx, payload)
	if res.Status != "success" {
		s.log.Warn().Str("task_id", fmt.Sprint(data.TaskID)).Str("callback_error", res.ErrorMsg).Msg("terminal callback did not succeed")
	}
}

type cancelRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// cancel looks up the task's active agent engine and requests cancellation.
// Found=false (but still HTTP 200) mirrors the Python original's tolerant
// "nothing to cancel" response for a task that already finished.
func (s *Server) cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	s.mu.Lock()
	agent, ok := s.active[req.TaskID]
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "success", "cancelled": false, "message": "no active task found"})
		return
	}

	cancelled := agent.CancelRun(req.TaskID)
	c.JSON(http.StatusOK, gin.H{"status": "success", "cancelled": cancelled})
}

// buildSandboxAndExecution reconstructs the minimal Sandbox/Execution views
// an Agent needs from the task_data payload it was posted — the executor
// container never sees the manager's Redis-backed records, only this wire
// shape.
func buildSandboxAndExecution(data runner.TaskData) (*sandbox.Sandbox, *sandbox.Execution) {
	taskID := fmt.Sprint(data.TaskID)
	subtaskID := fmt.Sprint(data.SubtaskID)

	meta := sandbox.Metadata{}
	execMeta := sandbox.Metadata{}
	for k, v := range data.Metadata {
		meta[k] = v
		execMeta[k] = v
	}
	meta["task_id"] = taskID
	meta["subtask_id"] = subtaskID
	execMeta["task_id"] = taskID
	execMeta["subtask_id"] = subtaskID

	shellType := sandbox.ShellType("")
	if len(data.Bot) > 0 {
		shellType, _ = sandbox.NormalizeShellType(data.Bot[0].ShellType)
	}

	sb := &sandbox.Sandbox{
		SandboxID: taskID,
		ShellType: shellType,
		UserID:    data.User.ID,
		UserName:  data.User.Name,
		Status:    sandbox.StatusRunning,
		Metadata:  meta,
	}

	now := time.Now()
	ex := &sandbox.Execution{
		ExecutionID: data.SubtaskTitle,
		SandboxID:   taskID,
		Prompt:      data.Prompt,
		Status:      sandbox.ExecutionPending,
		CreatedAt:   now.Unix(),
		Metadata:    execMeta,
	}

	return sb, ex
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
