// Package refbackend is a minimal Postgres-backed reference implementation
// of the external "back-end Task API" (TASK_API_DOMAIN) that
// internal/heartbeat.RunningTaskTracker's crash path and
// internal/callback.Handler's regular-task forwarding call over HTTP in
// production. It gives integration tests and the standalone reference
// backend binary something real to run against instead of mocking the
// back-end away entirely. Grounded on teacher internal/db/clickhouse.go's
// connect-then-migrate shape (generalized here from ClickHouse to
// Postgres) and
// original_source/executor_manager/clients/task_api_client.py's field
// contract.
package refbackend

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds Postgres connection parameters, mirroring the teacher's
// DatabaseConfig struct shape.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c Config) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode)
}

// Store is the reference backend's task table, read and written the same
// way the real back-end's Task API is over HTTP.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to Postgres and pings it. Callers should also call Migrate
// once at process start to ensure the schema exists.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "refbackend_store").Logger()}, nil
}

// Migrate applies pending embedded migrations via golang-migrate's Postgres
// driver, run over its own *sql.DB since golang-migrate owns the connection
// used to track schema_migrations.
func Migrate(cfg Config) error {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return fmt.Errorf("open postgres sql driver: %w", err)
	}
	defer db.Close()

	driverInstance, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("init postgres migration driver: %w", err)
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

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const getTaskStatusQuery = `SELECT status FROM tasks WHERE task_id = $1 AND subtask_id = $2`

// GetTaskStatus implements internal/heartbeat.TaskAPIClient, consulted by
// RunningTaskTracker's crash path to adjudicate an ambiguous heartbeat
// timeout (spec §4.5.8).
func (s *Store) GetTaskStatus(ctx context.Context, taskID, subtaskID string) (status string, found bool, err error) {
	err = s.db.QueryRowContext(ctx, getTaskStatusQuery, taskID, subtaskID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query task status: %w", err)
	}
	return status, true, nil
}

const upsertTaskStatusQuery = `
INSERT INTO tasks (task_id, subtask_id, status, error_message, executor_name, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (task_id, subtask_id) DO UPDATE SET
	status = EXCLUDED.status,
	error_message = EXCLUDED.error_message,
	executor_name = EXCLUDED.executor_name,
	updated_at = now()`

// UpdateTaskStatus implements internal/heartbeat.TaskAPIClient, used to
// report a zombie or vanished container's terminal status upstream.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID, subtaskID, status, errorMessage, executorName string) error {
	if _, err := s.db.ExecContext(ctx, upsertTaskStatusQuery, taskID, subtaskID, status, errorMessage, executorName); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

const upsertTaskFieldsQuery = `
INSERT INTO tasks (task_id, subtask_id, task_title, progress, executor_name, executor_namespace, status, error_message, result, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (task_id, subtask_id) DO UPDATE SET
	task_title         = CASE WHEN EXCLUDED.task_title <> '' THEN EXCLUDED.task_title ELSE tasks.task_title END,
	progress           = EXCLUDED.progress,
	executor_name      = EXCLUDED.executor_name,
	executor_namespace = EXCLUDED.executor_namespace,
	status             = EXCLUDED.status,
	error_message      = EXCLUDED.error_message,
	result             = EXCLUDED.result,
	updated_at         = now()`

// UpdateTaskStatusByFields implements internal/callback.TaskStatusUpdater,
// called from the manager's /callback handler for every non-sandbox,
// non-validation task_type (spec §4.8).
func (s *Store) UpdateTaskStatusByFields(ctx context.Context, taskID, subtaskID int64, progress int, executorName, executorNamespace, status, errorMessage, title string, result map[string]any) error {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
	}

	_, err := s.db.ExecContext(ctx, upsertTaskFieldsQuery,
		fmt.Sprint(taskID), fmt.Sprint(subtaskID), title, progress, executorName, executorNamespace, status, errorMessage, resultJSON)
	if err != nil {
		return fmt.Errorf("update task status by fields: %w", err)
	}
	return nil
}
