// Command executor-manager runs the sandbox control plane's manager
// process (spec §4): the Redis-backed sandbox/task state, the heartbeat and
// garbage-collection scheduler, and the E2B-compatible HTTP surface. It is
// the Go analogue of original_source/executor_manager's FastAPI app,
// composed the way the teacher wires internal/aor/control_plane.go's
// redis.NewClient/nats.Connect+JetStream pair and cmd/control-plane/main.go's
// signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/audit"
	"github.com/wegent/sandbox-control-plane/internal/callback"
	"github.com/wegent/sandbox-control-plane/internal/client"
	"github.com/wegent/sandbox-control-plane/internal/config"
	"github.com/wegent/sandbox-control-plane/internal/dispatcher"
	"github.com/wegent/sandbox-control-plane/internal/dispatcher/containerd"
	"github.com/wegent/sandbox-control-plane/internal/dispatcher/mock"
	"github.com/wegent/sandbox-control-plane/internal/events"
	"github.com/wegent/sandbox-control-plane/internal/heartbeat"
	"github.com/wegent/sandbox-control-plane/internal/httpapi"
	"github.com/wegent/sandbox-control-plane/internal/lock"
	"github.com/wegent/sandbox-control-plane/internal/metrics"
	"github.com/wegent/sandbox-control-plane/internal/runner"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
	"github.com/wegent/sandbox-control-plane/internal/scheduler"
)

var dispatcherMode = flag.String("dispatcher", "containerd", "Executor dispatcher: containerd or mock")

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("service", "executor-manager").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Telemetry.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Telemetry.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	var js nats.JetStreamContext
	if cfg.Events.Enabled {
		nc, err := nats.Connect(cfg.Events.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
		js, err = nc.JetStream()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get JetStream context")
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.Events.Stream,
			Subjects: []string{"wegent.sandbox.>"},
		}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
			log.Warn().Err(err).Msg("failed to ensure events stream")
		}
	}
	eventPublisher := events.New(js, log)

	var disp dispatcher.ExecutorDispatcher
	switch *dispatcherMode {
	case "mock":
		disp = mock.New("")
		log.Warn().Msg("running with the in-memory mock dispatcher, no real containers will be started")
	default:
		disp, err = containerd.New(cfg.Executor.DockerHostAddr, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to containerd")
		}
	}

	repo := sandbox.NewRepository(rdb, cfg.Sandbox.RedisTTL, log)
	health := sandbox.NewHealthChecker(10*time.Second, log)
	heartbeats := heartbeat.NewManager(rdb, cfg.Heartbeat.KeyTTL, cfg.Heartbeat.Timeout, log)
	dl := lock.New(rdb, log)
	execRunner := runner.New(cfg.Callback.URL, cfg.Callback.Timeout, log)

	manager := sandbox.NewManager(sandbox.ManagerConfig{
		SandboxTimeoutDefault:   cfg.Sandbox.DefaultTimeout,
		HeartbeatGracePeriod:    cfg.Heartbeat.GracePeriod,
		RedisTTL:                cfg.Sandbox.RedisTTL,
		GCInterval:              cfg.Sandbox.GCInterval,
		ExecutorImage:           cfg.Executor.Image,
	}, repo, health, disp, execRunner, heartbeats, dl, log)
	manager.SetEventPublisher(eventPublisher)

	var taskBackend interface {
		heartbeat.TaskAPIClient
		callback.TaskStatusUpdater
	}
	taskBackend = client.NewTaskAPIClient(cfg.RefBackend.TaskAPIDomain, cfg.RefBackend.TaskAPIDomain+"/api/tasks/callback")

	tasks := heartbeat.NewTracker(rdb, heartbeats, dl, disp, taskBackend, cfg.Heartbeat.DeleteZombies, log)
	callbackHandler := callback.NewHandler(taskBackend, tasks, repo, cfg.RefBackend.TaskAPIDomain, log)

	sched, err := scheduler.New(scheduler.Config{
		HeartbeatCheckInterval: cfg.Scheduler.HeartbeatCheckInterval,
		GCInterval:             cfg.Scheduler.GCInterval,
	}, dl, manager, tasks, manager, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	var auditSink *audit.Sink
	if cfg.Audit.Enabled {
		auditCfg := audit.Config{
			Host: cfg.Audit.Host, Port: cfg.Audit.Port,
			User: cfg.Audit.User, Password: cfg.Audit.Password, Database: cfg.Audit.Database,
		}
		if err := audit.Migrate(auditCfg); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate audit sink")
		}
		auditSink, err = audit.Open(ctx, auditCfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open audit sink")
		}
		defer auditSink.Close()
	}

	srv := httpapi.New(manager, repo, heartbeats, tasks, callbackHandler, execRunner, 10*time.Second, log)
	engine := srv.SetupRoutes()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort), Handler: metricsMux}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("executor-manager listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down executor-manager")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during HTTP shutdown")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
}
