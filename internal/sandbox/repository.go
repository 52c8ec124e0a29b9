package sandbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	sessionHashPrefix  = "wegent-sandbox-session:"
	sandboxFieldName   = "__sandbox__"
	activeSandboxesKey = "wegent-sandbox:active"

	executorBindingPrefix = "task_executor:"
)

func sessionKey(taskID string) string { return sessionHashPrefix + taskID }

// redisConn is the slice of go-redis's Cmdable surface the repository needs.
// Narrowing to an interface (rather than depending on *redis.Client directly)
// lets tests exercise the repository against a lightweight in-memory fake,
// matching the teacher's own preference for hand-rolled mocks over a heavy
// mocking framework (see internal/aor/scheduler.go's "Mock implementation"
// methods).
type redisConn interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Repository is the sole owner of Redis encoding/decoding for sandboxes,
// executions, the active-set ZSet, and executor bindings (spec §4.1).
//
// Failure policy: every method swallows underlying store errors, logs them,
// and returns a false/zero-value result — callers decide severity. This
// mirrors the Python source's repository.py, which never lets a Redis
// exception escape into the manager.
type Repository struct {
	rdb       redisConn
	log       zerolog.Logger
	sessionTTL time.Duration
}

// NewRepository constructs a Repository. sessionTTL is the rolling TTL
// applied to the per-task session hash on every write (default 24h, §6.3).
func NewRepository(rdb redisConn, sessionTTL time.Duration, log zerolog.Logger) *Repository {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Repository{rdb: rdb, sessionTTL: sessionTTL, log: log.With().Str("component", "sandbox_repository").Logger()}
}

// SaveSandbox writes the sandbox blob to the session hash, refreshes the
// hash TTL, and upserts the active-set ZSet with score = now. Fails fast
// (returns false, no Redis write attempted) if metadata.task_id is missing.
func (r *Repository) SaveSandbox(ctx context.Context, s *Sandbox) bool {
	taskID := s.TaskID()
	if taskID == "" {
		r.log.Error().Str("sandbox_id", s.SandboxID).Msg("save_sandbox: missing metadata.task_id")
		return false
	}
	blob, err := json.Marshal(s)
	if err != nil {
		r.log.Error().Err(err).Msg("save_sandbox: marshal failed")
		return false
	}
	key := sessionKey(taskID)
	if err := r.rdb.HSet(ctx, key, sandboxFieldName, blob).Err(); err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("save_sandbox: HSET failed")
		return false
	}
	if err := r.rdb.Expire(ctx, key, r.sessionTTL).Err(); err != nil {
		r.log.Error().Err(err).Msg("save_sandbox: EXPIRE failed")
	}
	now := float64(time.Now().Unix())
	if err := r.rdb.ZAdd(ctx, activeSandboxesKey, redis.Z{Score: now, Member: s.SandboxID}).Err(); err != nil {
		r.log.Error().Err(err).Msg("save_sandbox: ZADD failed")
	}
	return true
}

// LoadSandbox reads the sandbox field back. If the stored record predates
// the Status field (or it was cleared), status is inferred: "PENDING if no
// base_url else RUNNING" — preserving the original's fallback behavior.
func (r *Repository) LoadSandbox(ctx context.Context, sandboxID string) *Sandbox {
	key := sessionKey(sandboxID)
	raw, err := r.rdb.HGet(ctx, key, sandboxFieldName).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.Error().Err(err).Str("key", key).Msg("load_sandbox: HGET failed")
		}
		return nil
	}
	var s Sandbox
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.log.Error().Err(err).Msg("load_sandbox: unmarshal failed")
		return nil
	}
	if s.Status == "" {
		if s.BaseURL == "" {
			s.Status = StatusPending
		} else {
			s.Status = StatusRunning
		}
	}
	return &s
}

// DeleteSandbox removes the active-set member and deletes the entire
// session hash (sandbox + all execution fields).
func (r *Repository) DeleteSandbox(ctx context.Context, sandboxID string) {
	if err := r.rdb.ZRem(ctx, activeSandboxesKey, sandboxID).Err(); err != nil {
		r.log.Error().Err(err).Msg("delete_sandbox: ZREM failed")
	}
	if err := r.rdb.Del(ctx, sessionKey(sandboxID)).Err(); err != nil {
		r.log.Error().Err(err).Msg("delete_sandbox: DEL failed")
	}
}

// GetActiveSandboxIDs returns the full active-set scan, ascending by score.
func (r *Repository) GetActiveSandboxIDs(ctx context.Context) []string {
	ids, err := r.rdb.ZRange(ctx, activeSandboxesKey, 0, -1).Result()
	if err != nil {
		r.log.Error().Err(err).Msg("get_active_sandbox_ids: ZRANGE failed")
		return nil
	}
	return ids
}

// GetExpiredSandboxIDs returns sandboxes whose active-set score (last
// activity) is older than maxAge.
func (r *Repository) GetExpiredSandboxIDs(ctx context.Context, maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge).Unix()
	ids, err := r.rdb.ZRangeByScore(ctx, activeSandboxesKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		r.log.Error().Err(err).Msg("get_expired_sandbox_ids: ZRANGEBYSCORE failed")
		return nil
	}
	return ids
}

// RemoveFromActiveSet removes a sandbox_id from the active-set ZSet only,
// without touching the session hash (used by the crash path, §4.5.7, which
// deliberately retains the session hash for client polling).
func (r *Repository) RemoveFromActiveSet(ctx context.Context, sandboxID string) {
	if err := r.rdb.ZRem(ctx, activeSandboxesKey, sandboxID).Err(); err != nil {
		r.log.Error().Err(err).Msg("remove_from_active_set: ZREM failed")
	}
}

// UpdateActivityTimestamp refreshes the active-set score for a sandbox to now.
func (r *Repository) UpdateActivityTimestamp(ctx context.Context, sandboxID string) {
	now := float64(time.Now().Unix())
	if err := r.rdb.ZAdd(ctx, activeSandboxesKey, redis.Z{Score: now, Member: sandboxID}).Err(); err != nil {
		r.log.Error().Err(err).Msg("update_activity_timestamp: ZADD failed")
	}
}

// SaveExecution writes JSON to field {subtask_id} in the sandbox's session
// hash, refreshes the hash TTL, and touches the active-set score.
func (r *Repository) SaveExecution(ctx context.Context, e *Execution) bool {
	taskID := e.TaskID()
	subtaskID := e.SubtaskID()
	if taskID == "" || subtaskID == "" {
		r.log.Error().Msg("save_execution: missing metadata.task_id or subtask_id")
		return false
	}
	blob, err := json.Marshal(e)
	if err != nil {
		r.log.Error().Err(err).Msg("save_execution: marshal failed")
		return false
	}
	key := sessionKey(taskID)
	if err := r.rdb.HSet(ctx, key, subtaskID, blob).Err(); err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("save_execution: HSET failed")
		return false
	}
	if err := r.rdb.Expire(ctx, key, r.sessionTTL).Err(); err != nil {
		r.log.Error().Err(err).Msg("save_execution: EXPIRE failed")
	}
	r.UpdateActivityTimestamp(ctx, taskID)
	return true
}

// LoadExecution reads back a single Execution by (task_id, subtask_id).
func (r *Repository) LoadExecution(ctx context.Context, taskID, subtaskID string) *Execution {
	raw, err := r.rdb.HGet(ctx, sessionKey(taskID), subtaskID).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.Error().Err(err).Msg("load_execution: HGET failed")
		}
		return nil
	}
	var e Execution
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		r.log.Error().Err(err).Msg("load_execution: unmarshal failed")
		return nil
	}
	return &e
}

// ListExecutions returns every Execution stored under a sandbox's session
// hash, skipping the reserved __sandbox__ field.
func (r *Repository) ListExecutions(ctx context.Context, sandboxID string) []*Execution {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(sandboxID)).Result()
	if err != nil {
		r.log.Error().Err(err).Msg("list_executions: HGETALL failed")
		return nil
	}
	out := make([]*Execution, 0, len(fields))
	for field, raw := range fields {
		if field == sandboxFieldName {
			continue
		}
		var e Execution
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			r.log.Warn().Err(err).Str("field", field).Msg("list_executions: skipping undecodable field")
			continue
		}
		out = append(out, &e)
	}
	return out
}

// SaveExecutorBinding maps a task_id to its assigned executor name, with ttl.
func (r *Repository) SaveExecutorBinding(ctx context.Context, taskID, executorName string, ttl time.Duration) bool {
	key := executorBindingPrefix + taskID
	blob, _ := json.Marshal(executorName)
	if err := r.rdb.Set(ctx, key, blob, ttl).Err(); err != nil {
		r.log.Error().Err(err).Msg("save_executor_binding: SET failed")
		return false
	}
	return true
}

// LoadExecutorBinding returns the executor name bound to a task_id, if any.
func (r *Repository) LoadExecutorBinding(ctx context.Context, taskID string) (string, bool) {
	raw, err := r.rdb.Get(ctx, executorBindingPrefix+taskID).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.Error().Err(err).Msg("load_executor_binding: GET failed")
		}
		return "", false
	}
	var name string
	if err := json.Unmarshal([]byte(raw), &name); err != nil {
		// Tolerate a plain (non-JSON-quoted) value written by another client.
		return raw, true
	}
	return name, true
}
