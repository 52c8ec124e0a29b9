package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration tree loaded by the
// executor-manager, executor and reference back-end binaries (sandboxctl
// does not load it). Not every binary reads every sub-struct: Executor is
// read by cmd/executor-manager to dispatch executor containers, RefBackend
// by both cmd/executor-manager (TaskAPIDomain) and the reference back-end,
// and so on — each cmd/ package pulls the fields it needs.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`

	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Callback   CallbackConfig   `mapstructure:"callback"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Events     EventsConfig     `mapstructure:"events"`
	RefBackend RefBackendConfig `mapstructure:"ref_backend"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type ClickHouseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// RedisConfig also doubles as the DSN for HEARTBEAT_KEY_TTL / SANDBOX_REDIS_TTL-keyed
// data: §6.3's whole key layout lives in this one Redis instance.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	URL      string `mapstructure:"url"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type StorageConfig struct {
	Type   string `mapstructure:"type"` // s3, gcs, local
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
}

type AuthConfig struct {
	OpenFGAURL string `mapstructure:"openfga_url"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// HeartbeatConfig governs both the sandbox-heartbeat and task-heartbeat
// sweeps (§4.4/§4.5), grounded on heartbeat_manager.py / task_heartbeat_manager.py's
// env-overridable module constants.
type HeartbeatConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`             // HEARTBEAT_TIMEOUT
	CheckInterval     time.Duration `mapstructure:"check_interval"`      // HEARTBEAT_CHECK_INTERVAL
	GracePeriod       time.Duration `mapstructure:"grace_period"`        // HEARTBEAT_GRACE_PERIOD
	KeyTTL            time.Duration `mapstructure:"key_ttl"`             // HEARTBEAT_KEY_TTL
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`        // SANDBOX_DEFAULT_TIMEOUT reused as task default
	RunningTaskMetaTTL time.Duration `mapstructure:"running_task_meta_ttl"` // RUNNING_TASK_META_TTL
	DeleteZombies     bool          `mapstructure:"delete_zombie_containers"` // DELETE_ZOMBIE_CONTAINERS
}

// SandboxConfig governs sandbox lifecycle timeouts and the GC sweep (§4.6).
type SandboxConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"` // SANDBOX_DEFAULT_TIMEOUT
	RedisTTL       time.Duration `mapstructure:"redis_ttl"`       // SANDBOX_REDIS_TTL
	MaxConcurrent  int           `mapstructure:"max_concurrent"`  // SANDBOX_MAX_CONCURRENT
	GCInterval     time.Duration `mapstructure:"gc_interval"`     // GC_INTERVAL
}

// CallbackConfig carries the callback settings (§4.8), with defaults
// mirroring the Python client's constructor. URL and Timeout are passed to
// the manager's execution runner; internal/callback.New does not read this
// struct and uses its own built-in retry count, delay, backoff and timeout.
type CallbackConfig struct {
	URL         string        `mapstructure:"url"`          // CALLBACK_URL
	MaxRetries  int           `mapstructure:"max_retries"`  // SANDBOX_CALLBACK_MAX_RETRIES
	RetryDelay  time.Duration `mapstructure:"retry_delay"`  // SANDBOX_CALLBACK_RETRY_DELAY
	RetryBackoff float64      `mapstructure:"retry_backoff"`
	Timeout     time.Duration `mapstructure:"timeout"` // SANDBOX_CALLBACK_TIMEOUT
}

// SchedulerConfig governs internal/scheduler's three periodic jobs.
type SchedulerConfig struct {
	HeartbeatCheckInterval time.Duration `mapstructure:"heartbeat_check_interval"` // HEARTBEAT_CHECK_INTERVAL
	GCInterval             time.Duration `mapstructure:"gc_interval"`              // GC_INTERVAL
	MisfireGrace           time.Duration `mapstructure:"misfire_grace"`
}

// ExecutorConfig governs how the manager dispatches executor containers.
type ExecutorConfig struct {
	Image         string `mapstructure:"image"`           // EXECUTOR_IMAGE
	DockerHostAddr string `mapstructure:"docker_host_addr"` // DOCKER_HOST_ADDR
	PortRangeMin  int    `mapstructure:"port_range_min"`  // EXECUTOR_PORT_RANGE_MIN
	PortRangeMax  int    `mapstructure:"port_range_max"`  // EXECUTOR_PORT_RANGE_MAX
}

// TelemetryConfig governs the ambient logging/metrics/tracing stack, not
// named by any §6.4 key since the distilled spec treats it as ambient.
type TelemetryConfig struct {
	LogLevel     string `mapstructure:"log_level"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// AuditConfig is optional: when Enabled is false internal/audit is never
// opened, and no terminal Sandbox/Execution is ever durably retained beyond
// Redis's own TTL.
type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// EventsConfig is optional: when Enabled is false internal/events.Publisher
// is constructed with a nil JetStream context and every Publish call is a
// no-op.
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
}

// RefBackendConfig is read by the reference back-end binary
// (internal/refbackend); the executor-manager also reads TaskAPIDomain as
// the base URL of the back-end Task API it calls.
type RefBackendConfig struct {
	TaskAPIDomain string `mapstructure:"task_api_domain"` // TASK_API_DOMAIN
	DatabaseURL   string `mapstructure:"database_url"`
	Port          int    `mapstructure:"port"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/agentflow")

	// Set defaults
	setDefaults()

	// Read environment variables
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Database defaults
	viper.SetDefault("database.host", getEnvOrDefault("DB_HOST", "localhost"))
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", getEnvOrDefault("DB_USER", "agentflow"))
	viper.SetDefault("database.password", getEnvOrDefault("DB_PASSWORD", ""))
	viper.SetDefault("database.database", getEnvOrDefault("DB_NAME", "agentflow"))
	viper.SetDefault("database.ssl_mode", "disable")

	// ClickHouse defaults
	viper.SetDefault("clickhouse.host", getEnvOrDefault("CLICKHOUSE_HOST", "localhost"))
	viper.SetDefault("clickhouse.port", 9000)
	viper.SetDefault("clickhouse.user", getEnvOrDefault("CLICKHOUSE_USER", "default"))
	viper.SetDefault("clickhouse.password", getEnvOrDefault("CLICKHOUSE_PASSWORD", ""))
	viper.SetDefault("clickhouse.database", getEnvOrDefault("CLICKHOUSE_DB", "agentflow"))

	// Redis defaults
	viper.SetDefault("redis.host", getEnvOrDefault("REDIS_HOST", "localhost"))
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", getEnvOrDefault("REDIS_PASSWORD", ""))
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.url", getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"))

	// NATS defaults
	viper.SetDefault("nats.url", getEnvOrDefault("NATS_URL", "nats://localhost:4222"))

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Storage defaults
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.bucket", "agentflow-artifacts")
	viper.SetDefault("storage.region", "us-east-1")

	// Auth defaults
	viper.SetDefault("auth.openfga_url", getEnvOrDefault("OPENFGA_URL", "http://localhost:8080"))
	viper.SetDefault("auth.jwt_secret", getEnvOrDefault("JWT_SECRET", "your-secret-key"))

	// Heartbeat defaults — numbers pinned by heartbeat_manager.py / task_heartbeat_manager.py
	viper.SetDefault("heartbeat.timeout", getEnvDurationOrDefault("HEARTBEAT_TIMEOUT", 30*time.Second))
	viper.SetDefault("heartbeat.check_interval", getEnvDurationOrDefault("HEARTBEAT_CHECK_INTERVAL", 5*time.Second))
	viper.SetDefault("heartbeat.grace_period", getEnvDurationOrDefault("HEARTBEAT_GRACE_PERIOD", 30*time.Second))
	viper.SetDefault("heartbeat.key_ttl", getEnvDurationOrDefault("HEARTBEAT_KEY_TTL", 20*time.Second))
	viper.SetDefault("heartbeat.task_timeout", getEnvDurationOrDefault("SANDBOX_DEFAULT_TIMEOUT", 60*time.Second))
	viper.SetDefault("heartbeat.running_task_meta_ttl", getEnvDurationOrDefault("RUNNING_TASK_META_TTL", 7*24*time.Hour))
	viper.SetDefault("heartbeat.delete_zombie_containers", getEnvBoolOrDefault("DELETE_ZOMBIE_CONTAINERS", false))

	// Sandbox lifecycle defaults
	viper.SetDefault("sandbox.default_timeout", getEnvDurationOrDefault("SANDBOX_DEFAULT_TIMEOUT", 30*time.Minute))
	viper.SetDefault("sandbox.redis_ttl", getEnvDurationOrDefault("SANDBOX_REDIS_TTL", 24*time.Hour))
	viper.SetDefault("sandbox.max_concurrent", getEnvIntOrDefault("SANDBOX_MAX_CONCURRENT", 0))
	viper.SetDefault("sandbox.gc_interval", getEnvDurationOrDefault("GC_INTERVAL", time.Hour))

	// Callback client defaults — mirror the Python client's constructor exactly
	viper.SetDefault("callback.url", getEnvOrDefault("CALLBACK_URL", ""))
	viper.SetDefault("callback.max_retries", getEnvIntOrDefault("SANDBOX_CALLBACK_MAX_RETRIES", 10))
	viper.SetDefault("callback.retry_delay", getEnvDurationOrDefault("SANDBOX_CALLBACK_RETRY_DELAY", time.Second))
	viper.SetDefault("callback.retry_backoff", 2.0)
	viper.SetDefault("callback.timeout", getEnvDurationOrDefault("SANDBOX_CALLBACK_TIMEOUT", 10*time.Second))

	// Scheduler defaults
	viper.SetDefault("scheduler.heartbeat_check_interval", getEnvDurationOrDefault("HEARTBEAT_CHECK_INTERVAL", 5*time.Second))
	viper.SetDefault("scheduler.gc_interval", getEnvDurationOrDefault("GC_INTERVAL", time.Hour))
	viper.SetDefault("scheduler.misfire_grace", 30*time.Second)

	// Executor dispatch defaults
	viper.SetDefault("executor.image", getEnvOrDefault("EXECUTOR_IMAGE", "wegent/executor:latest"))
	viper.SetDefault("executor.docker_host_addr", getEnvOrDefault("DOCKER_HOST_ADDR", ""))
	viper.SetDefault("executor.port_range_min", getEnvIntOrDefault("EXECUTOR_PORT_RANGE_MIN", 30000))
	viper.SetDefault("executor.port_range_max", getEnvIntOrDefault("EXECUTOR_PORT_RANGE_MAX", 40000))

	// Telemetry defaults
	viper.SetDefault("telemetry.log_level", getEnvOrDefault("LOG_LEVEL", "info"))
	viper.SetDefault("telemetry.metrics_port", getEnvIntOrDefault("METRICS_PORT", 9090))
	viper.SetDefault("telemetry.otlp_endpoint", getEnvOrDefault("OTLP_ENDPOINT", ""))

	// Audit sink defaults — optional, off unless explicitly enabled
	viper.SetDefault("audit.enabled", getEnvBoolOrDefault("AUDIT_ENABLED", false))
	viper.SetDefault("audit.host", getEnvOrDefault("AUDIT_CLICKHOUSE_HOST", "localhost"))
	viper.SetDefault("audit.port", getEnvIntOrDefault("AUDIT_CLICKHOUSE_PORT", 9000))
	viper.SetDefault("audit.user", getEnvOrDefault("AUDIT_CLICKHOUSE_USER", "default"))
	viper.SetDefault("audit.password", getEnvOrDefault("AUDIT_CLICKHOUSE_PASSWORD", ""))
	viper.SetDefault("audit.database", getEnvOrDefault("AUDIT_CLICKHOUSE_DB", "agentflow_audit"))

	// Events fan-out defaults — optional, off unless explicitly enabled
	viper.SetDefault("events.enabled", getEnvBoolOrDefault("EVENTS_ENABLED", false))
	viper.SetDefault("events.url", getEnvOrDefault("NATS_URL", "nats://localhost:4222"))
	viper.SetDefault("events.stream", getEnvOrDefault("EVENTS_STREAM", "WEGENT_SANDBOX_EVENTS"))

	// Reference back-end defaults — task_api_domain is also read by the executor-manager
	viper.SetDefault("ref_backend.task_api_domain", getEnvOrDefault("TASK_API_DOMAIN", "http://localhost:8081"))
	viper.SetDefault("ref_backend.database_url", getEnvOrDefault("REF_BACKEND_DATABASE_URL", ""))
	viper.SetDefault("ref_backend.port", getEnvIntOrDefault("REF_BACKEND_PORT", 8081))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}
