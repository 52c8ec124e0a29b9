// Package client is a thin Go HTTP client for the two HTTP surfaces this
// module exposes: the manager's sandbox/execution API (internal/httpapi,
// spec §6.2) and the reference back-end's task-status API
// (internal/refbackend). It mirrors the shape of
// original_source/executor_manager/clients/task_api_client.py's
// TaskApiClient on the refbackend side, and gives operators/tests a typed
// way to drive the manager without hand-building requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

// Client talks to the manager's HTTP surface (internal/httpapi).
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new manager API client.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: time.Second * 30,
		},
	}
}

// request makes an HTTP request against the manager API.
func (c *Client) request(method, path string, body interface{}) (*http.Response, error) {
	url := c.BaseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	return c.HTTPClient.Do(req)
}

// CreateSandboxRequest mirrors internal/httpapi's createSandboxRequest.
type CreateSandboxRequest struct {
	ShellType    string         `json:"shell_type"`
	UserID       string         `json:"user_id"`
	UserName     string         `json:"user_name"`
	TimeoutSecs  int            `json:"timeout"`
	WorkspaceRef string         `json:"workspace_ref"`
	BotConfig    map[string]any `json:"bot_config"`
	Metadata     map[string]any `json:"metadata"`
}

// CreateSandbox creates a new sandbox.
func (c *Client) CreateSandbox(req CreateSandboxRequest) (*sandbox.Sandbox, error) {
	resp, err := c.request(http.MethodPost, "/sandboxes", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var sb sandbox.Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// GetSandbox retrieves a sandbox by id.
func (c *Client) GetSandbox(sandboxID string) (*sandbox.Sandbox, error) {
	resp, err := c.request(http.MethodGet, fmt.Sprintf("/sandboxes/%s", sandboxID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var sb sandbox.Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// TerminateSandbox tears down a sandbox.
func (c *Client) TerminateSandbox(sandboxID string) error {
	return c.simplePost(http.MethodDelete, fmt.Sprintf("/sandboxes/%s", sandboxID))
}

// PauseSandbox pauses a sandbox's container while keeping its record alive.
func (c *Client) PauseSandbox(sandboxID string) error {
	return c.simplePost(http.MethodPost, fmt.Sprintf("/sandboxes/%s/pause", sandboxID))
}

// ResumeSandbox resumes a previously paused sandbox.
func (c *Client) ResumeSandbox(sandboxID string) error {
	return c.simplePost(http.MethodPost, fmt.Sprintf("/sandboxes/%s/resume", sandboxID))
}

func (c *Client) simplePost(method, path string) error {
	resp, err := c.request(method, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// KeepAliveSandbox extends a sandbox's idle-timeout deadline by
// additionalSecs and returns its refreshed record.
func (c *Client) KeepAliveSandbox(sandboxID string, additionalSecs int) (*sandbox.Sandbox, error) {
	req := struct {
		Additional int `json:"timeout"`
	}{Additional: additionalSecs}

	resp, err := c.request(http.MethodPost, fmt.Sprintf("/sandboxes/%s/timeout", sandboxID), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var sb sandbox.Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// CreateExecutionRequest mirrors internal/httpapi's createExecutionRequest.
type CreateExecutionRequest struct {
	Prompt      string         `json:"prompt"`
	TimeoutSecs int            `json:"timeout"`
	Metadata    map[string]any `json:"metadata"`
}

// CreateExecution starts a new execution inside a sandbox.
func (c *Client) CreateExecution(sandboxID string, req CreateExecutionRequest) (*sandbox.Execution, error) {
	resp, err := c.request(http.MethodPost, fmt.Sprintf("/sandboxes/%s/executions", sandboxID), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var ex sandbox.Execution
	if err := json.NewDecoder(resp.Body).Decode(&ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// GetExecution retrieves one execution by sandbox and subtask id.
func (c *Client) GetExecution(sandboxID, subtaskID string) (*sandbox.Execution, error) {
	resp, err := c.request(http.MethodGet, fmt.Sprintf("/sandboxes/%s/executions/%s", sandboxID, subtaskID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var ex sandbox.Execution
	if err := json.NewDecoder(resp.Body).Decode(&ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// ListExecutions lists every execution recorded against a sandbox.
func (c *Client) ListExecutions(sandboxID string) ([]sandbox.Execution, error) {
	resp, err := c.request(http.MethodGet, fmt.Sprintf("/sandboxes/%s/executions", sandboxID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var wrapper struct {
		Executions []sandbox.Execution `json:"executions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, err
	}
	return wrapper.Executions, nil
}

// SendHeartbeat refreshes a task's liveness deadline (spec §4.5).
func (c *Client) SendHeartbeat(taskID string) error {
	return c.simplePost(http.MethodPost, fmt.Sprintf("/tasks/%s/heartbeat", taskID))
}

// CancelTask requests cancellation of a running task (spec §5).
func (c *Client) CancelTask(taskID string) error {
	req := struct {
		TaskID string `json:"task_id"`
	}{TaskID: taskID}

	resp, err := c.request(http.MethodPost, "/tasks/cancel", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SystemStatus reports the manager's own /health response.
type SystemStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// GetSystemStatus retrieves the manager's health status.
func (c *Client) GetSystemStatus() (*SystemStatus, error) {
	resp, err := c.request(http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var status SystemStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// TaskAPIClient talks to the external back-end Task API
// (internal/refbackend in this module's reference deployment), mirroring
// original_source/executor_manager/clients/task_api_client.py's
// TaskApiClient. It implements both internal/heartbeat.TaskAPIClient (the
// crash-path status check) and internal/callback.TaskStatusUpdater (the
// regular-task callback forward), so it can be wired into either directly
// in place of internal/refbackend.Store when the back-end lives outside
// this module.
type TaskAPIClient struct {
	BaseURL     string
	CallbackURL string
	HTTPClient  *http.Client
}

// NewTaskAPIClient creates a client for the back-end Task API. baseURL is
// used for status reads; callbackURL is the PUT endpoint status writes are
// sent to (these may point at the same refbackend deployment, or differ in
// production where the callback endpoint is reached through a separate
// ingress path).
func NewTaskAPIClient(baseURL, callbackURL string) *TaskAPIClient {
	return &TaskAPIClient{
		BaseURL:     baseURL,
		CallbackURL: callbackURL,
		HTTPClient:  &http.Client{Timeout: time.Second * 30},
	}
}

// GetTaskStatus implements internal/heartbeat.TaskAPIClient.
func (c *TaskAPIClient) GetTaskStatus(ctx context.Context, taskID, subtaskID string) (status string, found bool, err error) {
	url := fmt.Sprintf("%s/api/tasks/%s/subtasks/%s", c.BaseURL, taskID, subtaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("task API error %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return out.Status, true, nil
}

// taskStatusPayload mirrors task_api_client.py's build_payload.
type taskStatusPayload struct {
	TaskID            string         `json:"task_id"`
	SubtaskID         string         `json:"subtask_id"`
	ExecutorName      string         `json:"executor_name,omitempty"`
	ExecutorNamespace string         `json:"executor_namespace,omitempty"`
	Progress          int            `json:"progress"`
	Status            string         `json:"status"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Title             string         `json:"title,omitempty"`
}

func (c *TaskAPIClient) putCallback(ctx context.Context, payload taskStatusPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("task API callback error %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// UpdateTaskStatus implements internal/heartbeat.TaskAPIClient, used to
// report a zombie or vanished container's terminal status upstream.
func (c *TaskAPIClient) UpdateTaskStatus(ctx context.Context, taskID, subtaskID, status, errorMessage, executorName string) error {
	return c.putCallback(ctx, taskStatusPayload{
		TaskID:       taskID,
		SubtaskID:    subtaskID,
		ExecutorName: executorName,
		Status:       status,
		ErrorMessage: errorMessage,
		Progress:     100,
	})
}

// UpdateTaskStatusByFields implements internal/callback.TaskStatusUpdater,
// reporting a task's terminal or in-progress status to the back-end via its
// callback URL.
func (c *TaskAPIClient) UpdateTaskStatusByFields(ctx context.Context, taskID, subtaskID int64, progress int, executorName, executorNamespace, status, errorMessage, title string, result map[string]any) error {
	return c.putCallback(ctx, taskStatusPayload{
		TaskID:            fmt.Sprint(taskID),
		SubtaskID:         fmt.Sprint(subtaskID),
		ExecutorName:      executorName,
		ExecutorNamespace: executorNamespace,
		Progress:          progress,
		Status:            status,
		ErrorMessage:      errorMessage,
		Result:            result,
		Title:             title,
	})
}
