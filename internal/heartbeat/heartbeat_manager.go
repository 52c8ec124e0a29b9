// Package heartbeat implements the two heartbeat key classes (sandbox,
// task) and the RunningTaskTracker's crash-adjudication logic (spec §4.2,
// §4.3, §4.5.8), grounded on original_source/executor_manager/services/
// heartbeat_manager.py and task_heartbeat_manager.py.
package heartbeat

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Kind distinguishes the two heartbeat key classes.
type Kind string

const (
	KindSandbox Kind = "sandbox"
	KindTask    Kind = "task"
)

func keyFor(kind Kind, id string) string {
	if kind == KindSandbox {
		return "sandbox:heartbeat:" + id
	}
	return "task:heartbeat:" + id
}

type redisConn interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Manager is a minimal typed wrapper over the two heartbeat key classes.
// check_heartbeat conflates "never heartbeated" with "timed out" by design
// (§4.2 note) — sweepers disambiguate using a separate grace period.
type Manager struct {
	rdb     redisConn
	keyTTL  time.Duration // default 20s, HEARTBEAT_KEY_TTL
	timeout time.Duration // default 30s, HEARTBEAT_TIMEOUT
	log     zerolog.Logger
	now     func() time.Time
}

func NewManager(rdb redisConn, keyTTL, timeout time.Duration, log zerolog.Logger) *Manager {
	if keyTTL <= 0 {
		keyTTL = 20 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		rdb:     rdb,
		keyTTL:  keyTTL,
		timeout: timeout,
		log:     log.With().Str("component", "heartbeat_manager").Logger(),
		now:     time.Now,
	}
}

// UpdateHeartbeat SETEXes the current Unix timestamp under the id/kind key.
func (m *Manager) UpdateHeartbeat(ctx context.Context, id string, kind Kind) bool {
	ts := strconv.FormatInt(m.now().Unix(), 10)
	if err := m.rdb.Set(ctx, keyFor(kind, id), ts, m.keyTTL).Err(); err != nil {
		m.log.Error().Err(err).Str("id", id).Msg("update_heartbeat failed")
		return false
	}
	return true
}

// CheckHeartbeat reports whether the heartbeat is within the timeout
// threshold. False if missing (expired or never written) or too old.
func (m *Manager) CheckHeartbeat(ctx context.Context, id string, kind Kind) bool {
	last, ok := m.GetLastHeartbeat(ctx, id, kind)
	if !ok {
		return false
	}
	elapsed := m.now().Sub(last)
	alive := elapsed < m.timeout
	if !alive {
		m.log.Warn().Str("id", id).Dur("elapsed", elapsed).Msg("heartbeat timeout")
	}
	return alive
}

// GetLastHeartbeat returns the last-recorded timestamp, or ok=false if the
// key has already expired or was never written.
func (m *Manager) GetLastHeartbeat(ctx context.Context, id string, kind Kind) (time.Time, bool) {
	raw, err := m.rdb.Get(ctx, keyFor(kind, id)).Result()
	if err != nil {
		if err != redis.Nil {
			m.log.Error().Err(err).Str("id", id).Msg("get_last_heartbeat failed")
		}
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		m.log.Error().Err(err).Str("id", id).Msg("get_last_heartbeat: unparsable value")
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// DeleteHeartbeat removes the heartbeat key for id/kind.
func (m *Manager) DeleteHeartbeat(ctx context.Context, id string, kind Kind) bool {
	if err := m.rdb.Del(ctx, keyFor(kind, id)).Err(); err != nil {
		m.log.Error().Err(err).Str("id", id).Msg("delete_heartbeat failed")
		return false
	}
	return true
}
