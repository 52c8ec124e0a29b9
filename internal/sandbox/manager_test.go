package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/dispatcher"
	dmock "github.com/wegent/sandbox-control-plane/internal/dispatcher/mock"
	"github.com/wegent/sandbox-control-plane/internal/heartbeat"
	"github.com/wegent/sandbox-control-plane/internal/lock"
)

// memRepoConn is a minimal in-memory Redis command surface good enough to
// exercise Repository, heartbeat.Manager, and lock.DistributedLock end to
// end from Manager tests, without a live Redis instance. It satisfies each
// package's own narrow redisConn interface structurally.
type memRepoConn struct {
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	strs   map[string]string
}

func newMemRepoConn() *memRepoConn {
	return &memRepoConn{hashes: map[string]map[string]string{}, zsets: map[string]map[string]float64{}, strs: map[string]string{}}
}

func (c *memRepoConn) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	h, ok := c.hashes[key]
	if !ok {
		h = map[string]string{}
		c.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[toStr(values[i])] = toStr(values[i+1])
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (c *memRepoConn) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	h, ok := c.hashes[key]
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

func (c *memRepoConn) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(c.hashes[key])
	return cmd
}

func (c *memRepoConn) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	h, ok := c.hashes[key]
	if !ok {
		cmd.SetVal(0)
		return cmd
	}
	var n int64
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (c *memRepoConn) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (c *memRepoConn) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := c.hashes[k]; ok {
			delete(c.hashes, k)
			n++
		}
		if _, ok := c.strs[k]; ok {
			delete(c.strs, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (c *memRepoConn) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := c.hashes[k]; ok {
			n++
		}
		if _, ok := c.strs[k]; ok {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (c *memRepoConn) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	z, ok := c.zsets[key]
	if !ok {
		z = map[string]float64{}
		c.zsets[key] = z
	}
	var n int64
	for _, m := range members {
		member := toStr(m.Member)
		if _, exists := z[member]; !exists {
			n++
		}
		z[member] = m.Score
	}
	cmd.SetVal(n)
	return cmd
}

func (c *memRepoConn) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	z, ok := c.zsets[key]
	if !ok {
		cmd.SetVal(0)
		return cmd
	}
	var n int64
	for _, m := range members {
		member := toStr(m)
		if _, exists := z[member]; exists {
			delete(z, member)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (c *memRepoConn) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	z := c.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return z[members[i]] < z[members[j]] })
	cmd.SetVal(members)
	return cmd
}

func (c *memRepoConn) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	z := c.zsets[key]
	max, _ := strconv.ParseFloat(opt.Max, 64)
	var out []string
	for m, score := range z {
		if opt.Max != "+inf" && score > max {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return z[out[i]] < z[out[j]] })
	cmd.SetVal(out)
	return cmd
}

func (c *memRepoConn) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	c.strs[key] = toStr(value)
	cmd.SetVal("OK")
	return cmd
}

func (c *memRepoConn) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := c.strs[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (c *memRepoConn) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if _, exists := c.strs[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	c.strs[key] = toStr(value)
	cmd.SetVal(true)
	return cmd
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func noopHooksRunner() *stubRunner { return &stubRunner{} }

type stubRunner struct {
	accept bool
}

func (s *stubRunner) RunWithTimeout(ctx context.Context, sb *Sandbox, ex *Execution, timeout int, hooks RunnerHooks) bool {
	now := time.Now()
	ex.SetRunning(now)
	if hooks.OnRunning != nil {
		hooks.OnRunning(ex)
	}
	if s.accept {
		if hooks.OnComplete != nil {
			hooks.OnComplete(ex)
		}
		return true
	}
	ex.SetFailed("stub failure", now)
	if hooks.OnError != nil {
		hooks.OnError(ex)
	}
	return false
}

func newTestManager(t *testing.T, disp dispatcher.ExecutorDispatcher, runner Runner, healthURL string) (*Manager, *memRepoConn) {
	t.Helper()
	conn := newMemRepoConn()
	repo := NewRepository(conn, time.Hour, zerolog.Nop())
	health := NewHealthChecker(2*time.Second, zerolog.Nop())
	hb := heartbeat.NewManager(conn, 20*time.Second, 30*time.Second, zerolog.Nop())
	dl := lock.New(conn, zerolog.Nop())
	m := NewManager(ManagerConfig{ContainerReadyTimeout: 2 * time.Second}, repo, health, disp, runner, hb, dl, zerolog.Nop())
	return m, conn
}

func TestCreateSandboxHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disp := dmock.New(srv.URL + "?c=%s")
	m, _ := newTestManager(t, disp, noopHooksRunner(), srv.URL)

	sb, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{"task_id": "100"})

	require.NoError(t, err)
	require.NotNil(t, sb)
	assert.Equal(t, StatusRunning, sb.Status)
	assert.Equal(t, "100", sb.SandboxID)
	assert.NotEmpty(t, sb.BaseURL)
}

func TestCreateSandboxRequiresTaskID(t *testing.T) {
	m, _ := newTestManager(t, dmock.New(""), noopHooksRunner(), "")
	_, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{})
	assert.Error(t, err)
}

func TestCreateSandboxReusesHealthyExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disp := dmock.New(srv.URL + "?c=%s")
	m, _ := newTestManager(t, disp, noopHooksRunner(), srv.URL)

	first, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{"task_id": "200"})
	require.NoError(t, err)

	second, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", 10*time.Minute, "", nil, Metadata{"task_id": "200"})
	require.NoError(t, err)

	assert.Equal(t, first.SandboxID, second.SandboxID)
	assert.Greater(t, second.ExpiresAt, first.ExpiresAt)
}

func TestTerminateSandboxIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disp := dmock.New(srv.URL + "?c=%s")
	m, _ := newTestManager(t, disp, noopHooksRunner(), srv.URL)
	_, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{"task_id": "300"})
	require.NoError(t, err)

	ok1, _ := m.TerminateSandbox(context.Background(), "300")
	assert.True(t, ok1)

	ok2, msg2 := m.TerminateSandbox(context.Background(), "300")
	assert.True(t, ok2)
	assert.Contains(t, msg2, "not found")
}

func TestPauseResumeSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disp := dmock.New(srv.URL + "?c=%s")
	m, _ := newTestManager(t, disp, noopHooksRunner(), srv.URL)
	_, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{"task_id": "400"})
	require.NoError(t, err)

	ok, _ := m.PauseSandbox(context.Background(), "400")
	require.True(t, ok)

	paused := m.GetSandbox(context.Background(), "400", false)
	assert.Equal(t, StatusPending, paused.Status)
	assert.True(t, paused.Metadata.GetBool("paused"))

	ok, _ = m.ResumeSandbox(context.Background(), "400")
	require.True(t, ok)

	resumed := m.GetSandbox(context.Background(), "400", false)
	assert.Equal(t, StatusRunning, resumed.Status)
	assert.False(t, resumed.Metadata.GetBool("paused"))
}

func TestCreateExecutionRequiresSubtaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disp := dmock.New(srv.URL + "?c=%s")
	m, _ := newTestManager(t, disp, noopHooksRunner(), srv.URL)
	_, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{"task_id": "500"})
	require.NoError(t, err)

	_, err = m.CreateExecution(context.Background(), "500", "hi", time.Minute, Metadata{})
	assert.Error(t, err)
}

func TestCreateAndRunExecutionAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disp := dmock.New(srv.URL + "?c=%s")
	runner := &stubRunner{accept: true}
	m, _ := newTestManager(t, disp, runner, srv.URL)
	sb, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{"task_id": "600"})
	require.NoError(t, err)

	ex, err := m.CreateExecution(context.Background(), "600", "hi", time.Minute, Metadata{"subtask_id": "1"})
	require.NoError(t, err)
	require.NotNil(t, ex)

	m.RunExecution(context.Background(), sb, ex, time.Minute)

	assert.Equal(t, ExecutionRunning, ex.Status)

	loaded := m.GetExecution(context.Background(), "600", "1")
	require.NotNil(t, loaded)
	assert.Equal(t, ex.ExecutionID, loaded.ExecutionID)
}

func TestHandleExecutorDeadMarksFailedButKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disp := dmock.New(srv.URL + "?c=%s")
	runner := &stubRunner{accept: true}
	m, _ := newTestManager(t, disp, runner, srv.URL)
	sb, err := m.CreateSandbox(context.Background(), ShellClaudeCode, "u1", "alice", time.Minute, "", nil, Metadata{"task_id": "700"})
	require.NoError(t, err)

	ex, err := m.CreateExecution(context.Background(), "700", "hi", time.Minute, Metadata{"subtask_id": "1"})
	require.NoError(t, err)
	m.RunExecution(context.Background(), sb, ex, time.Minute)
	require.Equal(t, ExecutionRunning, ex.Status)

	m.handleExecutorDead(context.Background(), "700", time.Now())

	sbAfter := m.repo.LoadSandbox(context.Background(), "700")
	require.NotNil(t, sbAfter)
	assert.Equal(t, StatusFailed, sbAfter.Status)

	exAfter := m.repo.LoadExecution(context.Background(), "700", "1")
	require.NotNil(t, exAfter)
	assert.Equal(t, ExecutionFailed, exAfter.Status)
	assert.Equal(t, "SubAgent crashed", exAfter.ErrorMessage)

	assert.NotContains(t, m.repo.GetActiveSandboxIDs(context.Background()), "700")
}
