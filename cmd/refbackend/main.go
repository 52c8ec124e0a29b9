// Command refbackend runs the reference implementation of the external
// back-end Task API (TASK_API_DOMAIN) that a production executor-manager
// deployment calls over HTTP: a subtask status read and a terminal-status
// write. It exists so the control plane has something real to run against
// in integration tests and local demos instead of requiring the operator's
// own back-end. Follows the teacher's connect-then-migrate idiom from
// internal/db/clickhouse.go for its Postgres store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/config"
	"github.com/wegent/sandbox-control-plane/internal/refbackend"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("service", "refbackend").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Telemetry.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Telemetry.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	dbCfg := refbackend.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}

	if err := refbackend.Migrate(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate reference backend schema")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := refbackend.Open(ctx, dbCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open reference backend store")
	}
	defer store.Close()

	srv := refbackend.NewServer(store, log)
	engine := srv.SetupRoutes()

	port := cfg.RefBackend.Port
	if port == 0 {
		port = 8090
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("refbackend listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down refbackend")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during HTTP shutdown")
	}
}
