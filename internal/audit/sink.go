// Package audit is an optional ClickHouse sink recording terminal
// Sandboxes and Executions for retention beyond Redis's session TTL. It is
// purely an observability tail: no control-plane decision ever reads this
// data back. Grounded on teacher internal/db/clickhouse.go's
// connect-then-InitSchema shape, generalized to use golang-migrate for
// schema evolution instead of a hand-rolled query slice.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/golang-migrate/migrate/v4"
	chmigrate "github.com/golang-migrate/migrate/v4/database/clickhouse"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds ClickHouse connection parameters, mirroring the teacher's
// ClickHouseConfig struct shape.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Event is one terminal lifecycle record.
type Event struct {
	SandboxID    string
	TaskID       string
	SubtaskID    string
	EventType    string
	Status       string
	ShellType    string
	Progress     int
	ErrorMessage string
	Detail       string
}

// Sink writes terminal-state events into ClickHouse, one insert per Record
// call.
type Sink struct {
	conn driver.Conn
	log  zerolog.Logger
}

// Open connects to ClickHouse and pings it. Callers should also call
// Migrate once at process start to ensure the schema exists.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Sink{conn: conn, log: log.With().Str("component", "audit_sink").Logger()}, nil
}

// Migrate applies pending embedded migrations via golang-migrate's
// ClickHouse driver, run over database/sql rather than the native conn
// Open uses, since golang-migrate's database driver interface is
// database/sql-based.
func Migrate(cfg Config) error {
	dsn := fmt.Sprintf("clickhouse://%s:%s@%s/%s", cfg.User, cfg.Password, cfg.addr(), cfg.Database)
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return fmt.Errorf("open clickhouse sql driver: %w", err)
	}
	defer db.Close()

	driverInstance, err := chmigrate.WithInstance(db, &chmigrate.Config{
		DatabaseName:          cfg.Database,
		MigrationsTable:       "schema_migrations",
		MultiStatementEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("init clickhouse migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, cfg.Database, driverInstance)
	if err != nil {
		return fmt.Errorf("init migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Record inserts one terminal event. Failures are logged and swallowed —
// the audit trail is additive, never a dependency of request handling.
func (s *Sink) Record(ctx context.Context, evt Event) {
	err := s.conn.Exec(ctx, `
		INSERT INTO sandbox_audit_events
		(event_time, sandbox_id, task_id, subtask_id, event_type, status, shell_type, progress, error_message, detail)
		VALUES (now64(3), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SandboxID, evt.TaskID, evt.SubtaskID, evt.EventType, evt.Status, evt.ShellType, evt.Progress, evt.ErrorMessage, evt.Detail,
	)
	if err != nil {
		s.log.Warn().Err(err).Str("sandbox_id", evt.SandboxID).Str("event_type", evt.EventType).Msg("failed to record audit event")
	}
}

// Close releases the underlying ClickHouse connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}
