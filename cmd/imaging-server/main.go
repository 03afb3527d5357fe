package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/imaging/internal/config"
	"github.com/ehr/imaging/internal/domain/imaging"
	"github.com/ehr/imaging/internal/platform/auth"
	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/platform/db"
	"github.com/ehr/imaging/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "imaging-server",
		Short: "DICOM ingestion and patient identity reconciliation service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(renderCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the imaging API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func serviceConfig(cfg *config.Config) imaging.ServiceConfig {
	return imaging.ServiceConfig{
		Concurrency:    cfg.IngestConcurrency,
		MaxFiles:       cfg.MaxFilesPerUpload,
		RenderPreviews: cfg.RenderPreviews,
		PreviewSize:    cfg.PreviewSize,
		RenderCacheTTL: cfg.RenderCacheTTL,
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a token run as admin")
	}

	ctx := context.Background()

	meta, err := openMetadata(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open metadata store")
	}
	defer meta.close()

	store, closeStore, err := openBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open byte store")
	}
	defer closeStore()
	logger.Info().Str("metadata", cfg.MetadataBackend).Str("blobs", cfg.BlobBackend).Msg("backends ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := imaging.NewService(meta.studies, meta.patients, store, serviceConfig(cfg), logger)
	svc.SetMetrics(imaging.NewMetrics(reg))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Clinic-ID"},
	}))

	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthJWTSecret),
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
		})
	}
	clinicMW := db.ClinicMiddleware(meta.pool, cfg.DefaultClinic)

	apiV1 := e.Group("/api/v1", authMW, clinicMW)
	fhirGroup := e.Group("/fhir", authMW, clinicMW)
	imaging.NewHandler(svc, cfg.MaxFileSize()).RegisterRoutes(apiV1, fhirGroup)

	if cfg.BlobBackend != config.BlobGCS {
		blobstore.NewHandler(store).RegisterRoutes(e.Group(""), authMW)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(meta.checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
