package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"signforge/internal/adapters"
	"signforge/internal/archive"
	"signforge/internal/assistant"
	"signforge/internal/http/handlers"
	httpapi "signforge/internal/http/httpapi"
	"signforge/internal/inference"
	"signforge/internal/infra"
	"signforge/internal/metrics"
	"signforge/internal/pipeline"
	"signforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Adapter registry.
	registry := adapters.NewRegistry(cfg.LorasDir, logger)
	count, err := registry.Scan()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to scan adapters")
	}
	logger.Info().Int("adapters", count).Str("dir", cfg.LorasDir).Msg("adapter registry ready")

	// Output storage.
	files, err := storage.NewFileStore(cfg.OutputDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize output storage")
	}

	// Diffusion backend.
	var backend pipeline.Backend
	switch cfg.Backend {
	case "webui":
		backend = pipeline.NewWebUI(pipeline.WebUIOptions{
			BaseURL:     cfg.BackendURL,
			Logger:      logger,
			SamplerName: cfg.SamplerName,
		})
	default:
		backend = pipeline.NewSynthetic(logger, cfg.SyntheticStepDelay)
	}

	// Optional Postgres job archive.
	var jobArchive *archive.PostgresArchive
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		jobArchive = archive.NewPostgresArchive(pool, logger)
		if err := jobArchive.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure archive schema")
		}
		logger.Info().Msg("job archive enabled")
	}

	// Inference service. The archive interface value must stay nil when no
	// archive is configured.
	var archiver inference.Archiver
	if jobArchive != nil {
		archiver = jobArchive
	}
	svc := inference.NewService(logger, registry, backend, files, archiver, inference.Options{
		QueueMax:        cfg.QueueMaxSize,
		JobTimeout:      cfg.JobTimeout,
		CleanupAge:      cfg.JobRetention,
		CleanupInterval: cfg.CleanupInterval,
		DefaultWidth:    cfg.DefaultWidth,
		DefaultHeight:   cfg.DefaultHeight,
		DefaultSteps:    cfg.DefaultSteps,
		DefaultGuidance: cfg.DefaultGuidance,
	})
	svc.Start(ctx)
	defer svc.Stop()
	metrics.UpdateQueue(0, cfg.QueueMaxSize)

	// Design assistant.
	var chat assistant.Assistant = assistant.NewStaticAssistant(registry)
	if cfg.AssistantProvider == "openai" {
		chat, err = assistant.NewOpenAIAssistant(assistant.OpenAIOptions{
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.OpenAIModel,
			BaseURL:  cfg.OpenAIBaseURL,
			Fallback: assistant.NewStaticAssistant(registry),
			OnFallback: func(reason string, err error) {
				logger.Warn().Str("reason", reason).Err(err).Msg("assistant fell back to static")
			},
			Inventory: func() []string {
				var names []string
				for _, domainName := range registry.Domains() {
					for _, info := range registry.ByDomain(domainName) {
						names = append(names, info.Name)
					}
				}
				return names
			},
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize openai assistant")
		}
	}

	app := &handlers.App{
		Logger:    logger,
		Service:   svc,
		Registry:  registry,
		Files:     files,
		Assistant: chat,
		Archive:   jobArchive,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("backend", cfg.Backend).
			Str("session", svc.Session()).
			Msg("API listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
