package refbackend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu    sync.Mutex
	tasks map[string]string
	last  map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tasks: map[string]string{}}
}

func key(taskID, subtaskID string) string { return taskID + "/" + subtaskID }

func (f *fakeBackend) GetTaskStatus(ctx context.Context, taskID, subtaskID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.tasks[key(taskID, subtaskID)]
	return status, ok, nil
}

func (f *fakeBackend) UpdateTaskStatusByFields(ctx context.Context, taskID, subtaskID int64, progress int, executorName, executorNamespace, status, errorMessage, title string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[key(itoa(taskID), itoa(subtaskID))] = status
	f.last = map[string]any{
		"progress": progress, "executor_name": executorName, "status": status,
		"error_message": errorMessage, "title": title, "result": result,
	}
	return nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestGetTaskStatusNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(newFakeBackend(), zerolog.Nop())
	router := srv.SetupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/1/subtasks/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateThenGetTaskStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	backend := newFakeBackend()
	srv := NewServer(backend, zerolog.Nop())
	router := srv.SetupRoutes()

	body := `{"task_id": 1, "subtask_id": 2, "status": "completed", "progress": 100, "executor_name": "wegent-executor-abc"}`
	req := httptest.NewRequest(http.MethodPut, "/api/tasks/callback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/1/subtasks/2", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "completed")
}

func TestUpdateRejectsMissingTaskID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(newFakeBackend(), zerolog.Nop())
	router := srv.SetupRoutes()

	req := httptest.NewRequest(http.MethodPut, "/api/tasks/callback", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
