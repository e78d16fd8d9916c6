package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/doc-extract/backend/internal/api"
	"github.com/doc-extract/backend/internal/config"
	"github.com/doc-extract/backend/internal/livestatus"
	"github.com/doc-extract/backend/internal/parseclient"
	"github.com/doc-extract/backend/internal/registry"
	"github.com/doc-extract/backend/internal/scheduler"
	"github.com/doc-extract/backend/internal/service"
	"github.com/doc-extract/backend/internal/storage"
	"github.com/doc-extract/backend/pkg/logger"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const configFileName = "doc-extract.yaml"

func main() {
	configPath, err := resolveConfigPath()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Advanced.LogLevel, cfg.Advanced.Development); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()
	api.SetDevelopment(cfg.Advanced.Development)

	store, err := newStore(cfg)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	variant, err := parseclient.ParseVariant(cfg.Backend.Variant)
	if err != nil {
		log.Fatal("invalid backend", zap.Error(err))
	}
	parser := parseclient.New(parseclient.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Variant:    variant,
		ParsePath:  cfg.Backend.ParsePath,
		HealthPath: cfg.Backend.HealthPath,
		OutputURL:  cfg.Backend.OutputURL,
		Timeout:    cfg.ParseTimeout(),
		MaxConns:   cfg.Backend.MaxConcurrent,
	}, logger.Named("parseclient"))

	reg := registry.New()
	sched := scheduler.New(reg, parser, store, cfg.Backend.MaxConcurrent, logger.Named("scheduler"))
	svc := service.New(reg, store, sched, cfg.ParseOptions, logger.Named("service"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional pushed status from the backend
	liveStatus := func() string { return "disabled" }
	liveDone := make(chan struct{})
	if cfg.LiveStatus.Enabled {
		url := cfg.LiveStatusURL()
		if url == "" {
			url = livestatus.DeriveURL(cfg.Backend.BaseURL)
		}
		ch := livestatus.New(livestatus.Config{
			URL:        url,
			MaxRetries: cfg.LiveStatus.MaxRetries,
			BaseDelay:  cfg.LiveStatusBaseDelay(),
		}, reg, logger.Named("livestatus"))
		liveStatus = func() string { return string(ch.State()) }

		go func() {
			defer close(liveDone)
			if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("live status channel stopped", zap.String("url", url), zap.Error(err))
			}
		}()
	} else {
		close(liveDone)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	api.SetupMiddleware(e, api.MiddlewareConfig{
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   cfg.Server.AllowOrigins,
		BodyLimit:      cfg.Server.BodyLimit,
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		Logger:         logger.Named("http"),
	})
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Service:    svc,
		Backend:    parser,
		LiveStatus: liveStatus,
		OutputDir:  cfg.Storage.OutputDirectory,
		Version:    Version,
		Logger:     log,
	}))

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, variant, sched.MaxConcurrent())

	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("batch shutdown", zap.Error(err))
	}
	<-liveDone
}

// resolveConfigPath prefers CONFIG_PATH, then the file next to the executable.
func resolveConfigPath() (string, error) {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p, nil
	}
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exePath), configFileName), nil
}

func newStore(cfg *config.AppConfig) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverS3:
		s3cfg := cfg.Storage.S3
		return storage.NewS3Store(storage.S3Config{
			Endpoint:     s3cfg.Endpoint,
			Region:       s3cfg.Region,
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			AccessKey:    s3cfg.AccessKey,
			SecretKey:    s3cfg.SecretKey,
			UsePathStyle: s3cfg.UsePathStyle,
		})
	default:
		return storage.NewLocalStore(cfg.Storage.UploadsDirectory)
	}
}

func printBanner(cfg *config.AppConfig, configPath string, variant parseclient.Variant, window int) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Document Extraction Server                      ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Backend:   %-46s║\n", fmt.Sprintf("%s (%s)", cfg.Backend.BaseURL, variant))
	fmt.Printf("║  Storage:   %-46s║\n", cfg.Storage.Driver)
	fmt.Printf("║  Window:    %-46d║\n", window)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
