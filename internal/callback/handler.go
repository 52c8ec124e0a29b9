package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

// TaskStatusUpdater is the reference backend's task-status write surface, as
// consumed by the manager's regular-task callback branch. Grounded on
// original_source/executor_manager/routers/routers.py's
// api_client.update_task_status_by_fields call.
type TaskStatusUpdater interface {
	UpdateTaskStatusByFields(ctx context.Context, taskID, subtaskID int64, progress int, executorName, executorNamespace, status, errorMessage, title string, result map[string]any) error
}

// RunningTaskRemover removes a task from the heartbeat tracker once a
// terminal callback is observed, so heartbeat timeout detection does not
// fire a false positive against a task the callback already resolved.
type RunningTaskRemover interface {
	RemoveRunningTask(ctx context.Context, taskID string) bool
}

// Handler is the manager-side /callback endpoint, dispatching by task_type
// per spec §4.8: "validation" forwards to the reference backend's
// validation-status endpoint, "sandbox" updates the sandbox execution in
// Redis, anything else is a regular task status update.
type Handler struct {
	backend         TaskStatusUpdater
	tracker         RunningTaskRemover
	repo            *sandbox.Repository
	validationHTTP  *http.Client
	taskAPIDomain   string
	log             zerolog.Logger
}

// NewHandler wires a Handler. taskAPIDomain is the reference backend base
// URL used only for validation-task forwarding (TASK_API_DOMAIN upstream).
func NewHandler(backend TaskStatusUpdater, tracker RunningTaskRemover, repo *sandbox.Repository, taskAPIDomain string, log zerolog.Logger) *Handler {
	return &Handler{
		backend:        backend,
		tracker:        tracker,
		repo:           repo,
		validationHTTP: &http.Client{Timeout: 10 * time.Second},
		taskAPIDomain:  taskAPIDomain,
		log:            log.With().Str("component", "callback_handler").Logger(),
	}
}

// Register mounts POST /callback on engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.POST("/callback", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	var req Payload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	log := h.log.With().Int64("task_id", req.TaskID).Int64("subtask_id", req.SubtaskID).Logger()
	log.Info().Str("status", req.Status).Int("progress", req.Progress).Str("task_type", req.TaskType).Msg("received callback")

	isValidation := req.TaskType == "validation" || (req.Result != nil && req.Result["validation_id"] != nil)
	if isValidation {
		h.forwardValidationCallback(c.Request.Context(), req)
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": fmt.Sprintf("Successfully processed validation callback for task %d", req.TaskID),
		})
		return
	}

	if req.TaskType == "sandbox" {
		h.handleSandboxCallback(c.Request.Context(), req)
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": fmt.Sprintf("Successfully processed Sandbox callback for task %d", req.TaskID),
		})
		return
	}

	if h.backend != nil {
		err := h.backend.UpdateTaskStatusByFields(c.Request.Context(), req.TaskID, req.SubtaskID, req.Progress,
			req.ExecutorName, req.ExecutorNamespace, req.Status, req.ErrorMessage, req.TaskTitle, req.Result)
		if err != nil {
			log.Warn().Err(err).Msg("failed to update task status")
		}
	}

	if h.tracker != nil && isTerminalStatus(req.Status) {
		taskID := fmt.Sprintf("%d", req.TaskID)
		log.Info().Str("status_lower", strings.ToLower(req.Status)).Msg("removing task from running-task tracker")
		h.tracker.RemoveRunningTask(c.Request.Context(), taskID)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Successfully processed callback for task %d", req.TaskID),
	})
}

func isTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "failed", "cancelled", "success":
		return true
	default:
		return false
	}
}

// forwardValidationCallback relays a validation-task callback to the
// reference backend's validation-status endpoint for Redis status update.
// Validation tasks never exist in the task database, so no local status
// write happens here.
func (h *Handler) forwardValidationCallback(ctx context.Context, req Payload) {
	var validationID any
	if req.Result != nil {
		validationID = req.Result["validation_id"]
	}
	if validationID == nil {
		h.log.Warn().Int64("task_id", req.TaskID).Msg("validation callback missing validation_id, skipping forward")
		return
	}

	statusLower := strings.ToLower(req.Status)
	statusMapping := map[string]string{
		"running":   "running_checks",
		"completed": "completed",
		"failed":    "completed",
	}
	validationStatus, ok := statusMapping[statusLower]
	if !ok {
		validationStatus = req.Status
	}

	var validationResult map[string]any
	stage := "Running checks"
	if req.Result != nil {
		if vr, ok := req.Result["validation_result"].(map[string]any); ok {
			validationResult = vr
		}
		if s, ok := req.Result["stage"].(string); ok {
			stage = s
		}
	}

	var validValue any
	if validationResult != nil {
		validValue = validationResult["valid"]
	}
	if statusLower == "failed" && validValue == nil {
		validValue = false
	}

	var checks, errs any
	if validationResult != nil {
		checks = validationResult["checks"]
		errs = validationResult["errors"]
	}

	updatePayload := map[string]any{
		"status":       validationStatus,
		"stage":        stage,
		"progress":     req.Progress,
		"valid":        validValue,
		"checks":       checks,
		"errors":       errs,
		"errorMessage": req.ErrorMessage,
		"executor_name": req.ExecutorName,
	}

	body, err := json.Marshal(updatePayload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal validation-status update payload")
		return
	}

	url := fmt.Sprintf("%s/api/shells/validation-status/%v", h.taskAPIDomain, validationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build validation-status request")
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.validationHTTP.Do(httpReq)
	if err != nil {
		h.log.Error().Err(err).Msg("error forwarding validation callback")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		h.log.Info().Interface("validation_id", validationID).Str("validation_status", validationStatus).
			Interface("valid", validValue).Msg("forwarded validation callback")
		return
	}
	data, _ := io.ReadAll(resp.Body)
	h.log.Warn().Int("status", resp.StatusCode).Str("body", string(data)).Msg("failed to forward validation callback")
}

// handleSandboxCallback updates the execution recorded in sandbox Redis
// storage in response to a Sandbox-execution callback, grounded on
// original_source/executor_manager/routers/routers.py's
// _handle_sandbox_callback.
func (h *Handler) handleSandboxCallback(ctx context.Context, req Payload) {
	taskID := fmt.Sprintf("%d", req.TaskID)
	subtaskID := fmt.Sprintf("%d", req.SubtaskID)

	if h.repo == nil {
		h.log.Error().Str("task_id", taskID).Msg("sandbox callback received but no repository wired")
		return
	}

	execution := h.repo.LoadExecution(ctx, taskID, subtaskID)
	if execution == nil {
		h.log.Error().Str("task_id", taskID).Str("subtask_id", subtaskID).
			Msg("sandbox callback: execution not found in Redis")
		return
	}

	now := time.Now()
	switch strings.ToLower(req.Status) {
	case "completed":
		execution.SetCompleted(resultValue(req.Result), now)
	case "failed":
		execution.SetFailed(req.ErrorMessage, now)
	case "cancelled":
		execution.SetCancelled(now)
	case "running":
		if !execution.Status.IsTerminal() {
			execution.Progress = req.Progress
			execution.Status = sandbox.ExecutionRunning
		}
	default:
		h.log.Warn().Str("task_id", taskID).Str("status", req.Status).
			Msg("sandbox callback: unrecognized status ignored")
		return
	}

	h.repo.SaveExecution(ctx, execution)
}

func resultValue(result map[string]any) string {
	if result == nil {
		return ""
	}
	if v, ok := result["value"].(string); ok {
		return v
	}
	return ""
}
