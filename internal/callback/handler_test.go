package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/sandbox"
)

func toStr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// fakeRedis is a minimal in-memory stand-in for the sandbox.Repository's
// narrow redisConn surface, enough to exercise the sandbox-callback branch.
type fakeRedis struct {
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: map[string]map[string]string{}, zsets: map[string]map[string]float64{}}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		if s, ok := values[i+1].(string); ok {
			h[toStr(values[i])] = s
		} else if b, ok := values[i+1].([]byte); ok {
			h[toStr(values[i])] = string(b)
		}
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	h, ok := f.hashes[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	v, ok := h[field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(f.hashes[key])
	return cmd
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	for _, k := range keys {
		delete(f.hashes, k)
	}
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	z, ok := f.zsets[key]
	if !ok {
		z = map[string]float64{}
		f.zsets[key] = z
	}
	for _, m := range members {
		z[toStr(m.Member)] = m.Score
	}
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(nil)
	return cmd
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(nil)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

type fakeBackend struct {
	called bool
	status string
	err    error
}

func (b *fakeBackend) UpdateTaskStatusByFields(ctx context.Context, taskID, subtaskID int64, progress int, executorName, executorNamespace, status, errorMessage, title string, result map[string]any) error {
	b.called = true
	b.status = status
	return b.err
}

type fakeTracker struct {
	removed []string
}

func (t *fakeTracker) RemoveRunningTask(ctx context.Context, taskID string) bool {
	t.removed = append(t.removed, taskID)
	return true
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	h.Register(engine)
	return engine
}

func TestHandlerRegularTaskUpdatesBackendAndRemovesFromTracker(t *testing.T) {
	backend := &fakeBackend{}
	tracker := &fakeTracker{}
	h := NewHandler(backend, tracker, nil, "http://backend", zerolog.Nop())
	router := newTestRouter(h)

	rec := doCallback(t, router, Payload{TaskID: 10, SubtaskID: 1, Status: "completed", Progress: 100})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backend.called)
	require.Len(t, tracker.removed, 1)
	assert.Equal(t, "10", tracker.removed[0])
}

func TestHandlerRunningStatusDoesNotRemoveFromTracker(t *testing.T) {
	backend := &fakeBackend{}
	tracker := &fakeTracker{}
	h := NewHandler(backend, tracker, nil, "http://backend", zerolog.Nop())
	router := newTestRouter(h)

	doCallback(t, router, Payload{TaskID: 11, SubtaskID: 1, Status: "running", Progress: 40})

	assert.Empty(t, tracker.removed)
}

func TestHandlerValidationCallbackSkipsBackendAndTracker(t *testing.T) {
	backend := &fakeBackend{}
	tracker := &fakeTracker{}
	vsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer vsrv.Close()

	h := NewHandler(backend, tracker, nil, vsrv.URL, zerolog.Nop())
	router := newTestRouter(h)

	rec := doCallback(t, router, Payload{
		TaskID: 12, SubtaskID: 1, TaskType: "validation", Status: "completed",
		Result: map[string]any{"validation_id": "v-1", "validation_result": map[string]any{"valid": true}},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, backend.called)
	assert.Empty(t, tracker.removed)
}

func TestHandlerSandboxCallbackUpdatesExecution(t *testing.T) {
	rdb := newFakeRedis()
	repo := sandbox.NewRepository(rdb, time.Hour, zerolog.Nop())
	repo.SaveExecution(context.Background(), &sandbox.Execution{
		Status:   sandbox.ExecutionRunning,
		Metadata: sandbox.Metadata{"task_id": "13", "subtask_id": "1"},
	})

	h := NewHandler(&fakeBackend{}, &fakeTracker{}, repo, "http://backend", zerolog.Nop())
	router := newTestRouter(h)

	rec := doCallback(t, router, Payload{
		TaskID: 13, SubtaskID: 1, TaskType: "sandbox", Status: "completed",
		Result: map[string]any{"value": "42"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	updated := repo.LoadExecution(context.Background(), "13", "1")
	require.NotNil(t, updated)
	assert.Equal(t, sandbox.ExecutionCompleted, updated.Status)
	assert.Equal(t, "42", updated.Result)
}

func doCallback(t *testing.T, router *gin.Engine, payload Payload) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/callback", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}
