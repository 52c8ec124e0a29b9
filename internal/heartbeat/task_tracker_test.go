package heartbeat

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/dispatcher"
	"github.com/wegent/sandbox-control-plane/internal/lock"
)

// trackerFakeRedis backs Manager, DistributedLock, and Tracker all at once
// with a single in-memory store, so tests can exercise the full
// add -> heartbeat timeout -> adjudicate -> cleanup path without a live
// Redis instance.
type trackerFakeRedis struct {
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
}

func newTrackerFakeRedis() *trackerFakeRedis {
	return &trackerFakeRedis{
		strings: map[string]string{},
		hashes:  map[string]map[string]string{},
		zsets:   map[string]map[string]float64{},
	}
}

func (f *trackerFakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	f.strings[key] = value.(string)
	cmd.SetVal("OK")
	return cmd
}

func (f *trackerFakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.strings[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *trackerFakeRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if _, exists := f.strings[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	f.strings[key] = "1"
	cmd.SetVal(true)
	return cmd
}

func (f *trackerFakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			n++
		}
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *trackerFakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	z, ok := f.zsets[key]
	if !ok {
		z = map[string]float64{}
		f.zsets[key] = z
	}
	var n int64
	for _, m := range members {
		member := m.Member.(string)
		if _, exists := z[member]; !exists {
			n++
		}
		z[member] = m.Score
	}
	cmd.SetVal(n)
	return cmd
}

func (f *trackerFakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	z, ok := f.zsets[key]
	if !ok {
		cmd.SetVal(0)
		return cmd
	}
	var n int64
	for _, m := range members {
		if _, exists := z[m.(string)]; exists {
			delete(z, m.(string))
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *trackerFakeRedis) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	z := f.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return z[members[i]] < z[members[j]] })
	cmd.SetVal(members)
	return cmd
}

func (f *trackerFakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	z := f.zsets[key]
	var out []string
	for m, score := range z {
		if opt.Max != "+inf" {
			var max float64
			_, _ = parseFloatLenient(opt.Max, &max)
			if score > max {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return z[out[i]] < z[out[j]] })
	cmd.SetVal(out)
	return cmd
}

func (f *trackerFakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *trackerFakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(f.hashes[key])
	return cmd
}

func (f *trackerFakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func parseFloatLenient(s string, out *float64) (int, error) {
	var f float64
	n, err := fscanFloat(s, &f)
	*out = f
	return n, err
}

// fscanFloat avoids pulling in strconv error wrapping noise for this tiny
// test-only scanner.
func fscanFloat(s string, out *float64) (int, error) {
	var f float64
	var sign float64 = 1
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		if s[i] == '-' {
			sign = -1
		}
		i++
	}
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		f = f*10 + float64(s[i]-'0')
	}
	if i < len(s) && s[i] == '.' {
		i++
		div := 10.0
		for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
			f += float64(s[i]-'0') / div
			div *= 10
		}
	}
	*out = f * sign
	return i, nil
}

type fakeBackend struct {
	statuses map[string]string
	failed   map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{statuses: map[string]string{}, failed: map[string]string{}}
}

func (b *fakeBackend) GetTaskStatus(ctx context.Context, taskID, subtaskID string) (string, bool, error) {
	s, ok := b.statuses[taskID]
	return s, ok, nil
}

func (b *fakeBackend) UpdateTaskStatus(ctx context.Context, taskID, subtaskID, status, errorMessage, executorName string) error {
	b.failed[taskID] = errorMessage
	b.statuses[taskID] = status
	return nil
}

func newTestTracker(rdb *trackerFakeRedis, disp dispatcher.ExecutorDispatcher, backend TaskAPIClient, now time.Time) *Tracker {
	hb := newTestManager(rdb, now)
	dl := lock.New(rdb, zerolog.Nop())
	tr := NewTracker(rdb, hb, dl, disp, backend, false, zerolog.Nop())
	tr.now = func() time.Time { return now }
	return tr
}

func TestAddGetRemoveRunningTask(t *testing.T) {
	ctx := context.Background()
	rdb := newTrackerFakeRedis()
	start := time.Unix(1_700_000_000, 0)
	tr := newTestTracker(rdb, mockDispatcherStub{}, nil, start)

	require.True(t, tr.AddRunningTask(ctx, "42", "7", "executor-42", "online"))
	assert.Equal(t, []string{"42"}, tr.GetRunningTaskIDs(ctx))

	meta := tr.GetTaskMetadata(ctx, "42")
	require.NotNil(t, meta)
	assert.Equal(t, "executor-42", meta["executor_name"])

	assert.True(t, tr.RemoveRunningTask(ctx, "42"))
	assert.Empty(t, tr.GetRunningTaskIDs(ctx))
	assert.Nil(t, tr.GetTaskMetadata(ctx, "42"))
}

func TestHandleTaskDeadStillRunningSkipsFailure(t *testing.T) {
	ctx := context.Background()
	rdb := newTrackerFakeRedis()
	start := time.Unix(1_700_000_000, 0)
	disp := &stubDispatcher{status: dispatcher.ContainerStatus{Exists: true, Status: "running"}}
	backend := newFakeBackend()
	tr := newTestTracker(rdb, disp, backend, start)
	require.True(t, tr.AddRunningTask(ctx, "1", "1", "executor-1", "online"))

	tr.handleTaskDead(ctx, "1", "1", "executor-1", start)

	assert.Empty(t, backend.failed)
	assert.NotEmpty(t, tr.GetRunningTaskIDs(ctx))
}

func TestHandleTaskDeadOOMMarksFailed(t *testing.T) {
	ctx := context.Background()
	rdb := newTrackerFakeRedis()
	start := time.Unix(1_700_000_000, 0)
	disp := &stubDispatcher{status: dispatcher.ContainerStatus{Exists: true, Status: "exited", OOMKilled: true, ExitCode: 137}}
	backend := newFakeBackend()
	tr := newTestTracker(rdb, disp, backend, start)
	require.True(t, tr.AddRunningTask(ctx, "1", "1", "executor-1", "online"))

	tr.handleTaskDead(ctx, "1", "1", "executor-1", start)

	assert.Contains(t, backend.failed["1"], "Out Of Memory")
	assert.Equal(t, "FAILED", backend.statuses["1"])
	assert.Empty(t, tr.GetRunningTaskIDs(ctx))
}

func TestHandleTaskDeadExitZeroCleansUpSilently(t *testing.T) {
	ctx := context.Background()
	rdb := newTrackerFakeRedis()
	start := time.Unix(1_700_000_000, 0)
	disp := &stubDispatcher{status: dispatcher.ContainerStatus{Exists: true, Status: "exited", ExitCode: 0}}
	backend := newFakeBackend()
	tr := newTestTracker(rdb, disp, backend, start)
	require.True(t, tr.AddRunningTask(ctx, "1", "1", "executor-1", "online"))

	tr.handleTaskDead(ctx, "1", "1", "executor-1", start)

	assert.Empty(t, backend.failed)
	assert.Empty(t, tr.GetRunningTaskIDs(ctx))
}

func TestHandleTaskDeadVanishedButAlreadyTerminalSkipsFailure(t *testing.T) {
	ctx := context.Background()
	rdb := newTrackerFakeRedis()
	start := time.Unix(1_700_000_000, 0)
	disp := &stubDispatcher{status: dispatcher.ContainerStatus{Exists: false}}
	backend := newFakeBackend()
	backend.statuses["1"] = "COMPLETED"
	tr := newTestTracker(rdb, disp, backend, start)
	require.True(t, tr.AddRunningTask(ctx, "1", "1", "executor-1", "online"))

	tr.handleTaskDead(ctx, "1", "1", "executor-1", start)

	assert.NotContains(t, backend.failed, "1")
	assert.Empty(t, tr.GetRunningTaskIDs(ctx))
}

type stubDispatcher struct {
	mockDispatcherStub
	status dispatcher.ContainerStatus
}

func (s *stubDispatcher) GetContainerStatus(ctx context.Context, name string) (dispatcher.ContainerStatus, error) {
	return s.status, nil
}

// mockDispatcherStub satisfies dispatcher.ExecutorDispatcher with no-ops for
// the methods a given test doesn't exercise.
type mockDispatcherStub struct{}

func (mockDispatcherStub) SubmitExecutor(ctx context.Context, task dispatcher.TaskData) (dispatcher.SubmitResult, error) {
	return dispatcher.SubmitResult{}, nil
}
func (mockDispatcherStub) DeleteExecutor(ctx context.Context, name string) (dispatcher.DeleteResult, error) {
	return dispatcher.DeleteResult{Success: true}, nil
}
func (mockDispatcherStub) PauseExecutor(ctx context.Context, name string) error   { return nil }
func (mockDispatcherStub) UnpauseExecutor(ctx context.Context, name string) error { return nil }
func (mockDispatcherStub) GetContainerAddress(ctx context.Context, name string) (dispatcher.AddressResult, error) {
	return dispatcher.AddressResult{}, nil
}
func (mockDispatcherStub) GetContainerStatus(ctx context.Context, name string) (dispatcher.ContainerStatus, error) {
	return dispatcher.ContainerStatus{}, nil
}
func (mockDispatcherStub) GetExecutorCount(ctx context.Context) (int, error) { return 0, nil }
func (mockDispatcherStub) GetExecutorTaskID(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}

var _ dispatcher.ExecutorDispatcher = (*stubDispatcher)(nil)
