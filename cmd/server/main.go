package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/imagenet-classifier/internal/app"
	"github.com/Brownie44l1/imagenet-classifier/internal/cache"
	"github.com/Brownie44l1/imagenet-classifier/internal/config"
	"github.com/Brownie44l1/imagenet-classifier/internal/handlers"
	"github.com/Brownie44l1/imagenet-classifier/internal/logger"
	"github.com/Brownie44l1/imagenet-classifier/internal/metrics"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Name); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	if cfg.Metrics.Enabled {
		metrics.Init(metrics.Options{
			Host:         cfg.Metrics.TelegrafHost,
			Port:         cfg.Metrics.TelegrafPort,
			SamplingRate: cfg.Metrics.SamplingRate,
			Tags:         []string{metrics.Tag("env", cfg.App.Env), metrics.Tag("service", cfg.App.Name)},
		})
		defer metrics.Close()
	}

	components, err := app.Build(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize classifier")
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Warm the model in the background; requests that arrive first join the
	// same load.
	go func() {
		if err := components.Classifier.Load(ctx); err != nil {
			log.Error().Err(err).Msg("Initial model load failed, retrying on first request")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(), cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", handlers.RequestIDHeader},
		ExposeHeaders:   []string{handlers.RequestIDHeader},
	}))

	predictions := cache.New(cfg.Cache.SizeBytes, cfg.Cache.TTL)
	if cfg.Metrics.Enabled {
		go predictions.PublishMetrics(ctx, cache.MetricsInterval)
	}

	handler := handlers.NewHandler(components.Classifier, components.Labels, predictions,
		handlers.Options{DefaultTopK: cfg.Predict.DefaultTopK, MaxUploadBytes: cfg.Predict.MaxUploadBytes})
	handler.Register(router)

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.App.Port).
			Str("model", cfg.Model.URL).
			Int("classes", components.Labels.Len()).
			Msg("Server starting")
		log.Info().Msg("Endpoints: GET /health, GET /labels, POST /predict, POST /predict/image")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Interrupt signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
