// Command dialogflowd runs the dialog state-flow engine behind its HTTP
// service surface.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dialogflow/internal/config"
	"dialogflow/internal/ctxstore"
	"dialogflow/internal/engine"
	"dialogflow/internal/httpapi"
	"dialogflow/internal/observability"
	"dialogflow/internal/scenario"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay")
	logPath := flag.String("log-file", "", "optional log file (stdout when empty)")
	flag.Parse()

	observability.InitLogger(*logPath, os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	observability.InitLogger(*logPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitOTel(ctx, observability.TelemetryConfig{
		ServiceName:    "dialogflowd",
		ServiceVersion: "dev",
		Environment:    os.Getenv("DEPLOY_ENV"),
	})
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without telemetry")
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}

	var store ctxstore.Store
	if cfg.RedisURL != "" {
		rs, err := ctxstore.NewRedisStore(cfg.RedisURL, cfg.ContextTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect context store")
		}
		store = rs
		log.Info().Msg("context store: redis")
	} else {
		store = ctxstore.NewMemoryStore(cfg.ContextTTL)
		log.Info().Msg("context store: in-memory")
	}

	scenarios := scenario.NewRepository(cfg.ScenarioDir)
	eng := engine.New(scenarios, store)
	api := httpapi.NewServer(eng, scenarios)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(api, "dialog.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("scenario_dir", cfg.ScenarioDir).Msg("dialogflowd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
