// Command executor runs the sandbox control plane's executor process
// (spec §6): the per-container HTTP surface that accepts task_data from
// the manager, drives whichever agent engine the task's shell_type names to
// a terminal outcome, and reports that outcome back over the callback
// client. It is the Go analogue of original_source/executor's FastAPI app,
// composed the way the teacher wires cmd/control-plane/http_server.go's
// gin.Engine and cmd/control-plane/main.go's signal-driven shutdown.
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

	"github.com/wegent/sandbox-control-plane/internal/callback"
	"github.com/wegent/sandbox-control-plane/internal/config"
	"github.com/wegent/sandbox-control-plane/internal/engineclients"
	"github.com/wegent/sandbox-control-plane/internal/executorapi"
	"github.com/wegent/sandbox-control-plane/internal/metrics"
	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/responseprocessor/agents"
	"github.com/wegent/sandbox-control-plane/internal/session"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("service", "executor").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Telemetry.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Telemetry.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	sessions := session.New(log)
	states := taskstate.New()
	proc := responseprocessor.New(log)

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	claudeCodeFactory := engineclients.NewClaudeCodeClientFactory(httpClient)
	agnoFactory := engineclients.NewAgnoClientFactory(httpClient)
	difyCaller := engineclients.NewDifyCaller()
	validator := engineclients.NewCommandValidator()

	factory := agents.NewFactory(
		func() agents.Agent { return agents.NewClaudeCodeAgent(sessions, states, proc, claudeCodeFactory, nil, log) },
		func() agents.Agent { return agents.NewAgnoAgent(sessions, states, proc, agnoFactory, nil, log) },
		func() agents.Agent { return agents.NewDifyAgent(difyCaller, proc, states, nil, log) },
		func() agents.Agent { return agents.NewImageValidatorAgent(validator, proc, states, nil, log) },
	)

	cb := callback.New(cfg.Callback.URL, log)

	srv := executorapi.New(factory, cb, log)
	engine := srv.SetupRoutes()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort), Handler: metricsMux}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("executor listening")
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

	log.Info().Msg("shutting down executor")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during HTTP shutdown")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
}
