// Package main provides the API server entry point for the cloud importer.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloud-importer/internal/api"
	"github.com/cloud-importer/internal/assetstore"
	"github.com/cloud-importer/internal/blob"
	"github.com/cloud-importer/internal/config"
	"github.com/cloud-importer/internal/job"
	"github.com/cloud-importer/internal/lock"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/metrics"
	"github.com/cloud-importer/internal/pipeline"
	"github.com/cloud-importer/internal/quota"
	"github.com/cloud-importer/internal/ratelimit"
	"github.com/cloud-importer/internal/source"
	"github.com/cloud-importer/internal/storage"
	"github.com/cloud-importer/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	fmt.Println("Cloud Importer API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	if cfg.Server.AutoMigrate {
		logger.WithField("path", cfg.Server.MigrationsPath).Info("Applying migrations...")
		if err := storage.NewMigrator(cfg.Database.Postgres.URL(), cfg.Server.MigrationsPath).Up(); err != nil {
			logger.WithError(err).Fatal("Failed to apply migrations")
		}
	}

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redisClient, err := storage.NewRedisClient(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	logger.Info("Database connections established")

	blobs, err := blob.New(ctx, &cfg.Blob)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize blob storage")
	}
	logger.WithField("backend", cfg.Blob.Backend).Info("Blob storage ready")

	// Initialize repositories
	jobRepo := storage.NewJobRepository(postgres)
	usageRepo := storage.NewUsageRepository(postgres)
	assetRepo := storage.NewAssetRepository(postgres)
	logRepo := storage.NewImportLogRepository(postgres)

	assets := assetstore.New(assetRepo, blobs)

	driveCfg := source.DriveConfig{
		APIBase:           cfg.Drive.APIBase,
		RequestsPerSecond: cfg.Drive.RequestsPerS,
		Timeout:           cfg.Drive.Timeout,
	}
	if cfg.Drive.Budget > 0 {
		budget, err := ratelimit.NewBudget(&ratelimit.Config{
			Redis:          redisClient.Client(),
			Prefix:         "import:drive:budget:",
			TotalBudget:    cfg.Drive.Budget,
			ReservedBudget: cfg.Drive.BudgetReserved,
			WindowSize:     cfg.Drive.BudgetWindow,
		})
		if err != nil {
			logger.WithError(err).Fatal("Invalid Drive budget configuration")
		}
		driveCfg.Budget = budget
		logger.WithField("budget", cfg.Drive.Budget).Info("Shared Drive request budget enabled")
	}

	sources := map[types.SourceType]source.Source{
		types.SourceDrive: source.NewDriveClient(driveCfg, driveTokens(cfg.Drive)),
	}
	if cfg.Drive.AccessToken == "" && cfg.Drive.RefreshToken == "" {
		logger.Warn("No Drive credentials configured; Drive imports will fail")
	}
	if cfg.Local.BaseDir != "" {
		local, err := source.NewLocalSource(cfg.Local.BaseDir)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open local source directory")
		}
		sources[types.SourceLocal] = local
		logger.WithField("dir", cfg.Local.BaseDir).Info("Local source enabled")
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	importService := job.NewImportService(job.Dependencies{
		Jobs: jobRepo,
		Quota: quota.NewChecker(usageRepo, quota.Policy{
			FreeLimit: cfg.Quota.FreeLimit,
			PaidLimit: cfg.Quota.PaidLimit,
		}, nil),
		Locker:   lock.NewLocker(redisClient.Client(), lock.Config{TTL: cfg.Import.LockTTL}),
		Pipeline: pipeline.New(assets, cfg.Import.TempDir),
		Assets:   assets,
		Sources:  sources,
		Logs:     logRepo,
		Metrics:  m,
	}, job.Config{
		DefaultBatchSize: cfg.Import.DefaultBatchSize,
		MaxBatchSize:     cfg.Import.MaxBatchSize,
		ListLimit:        cfg.Import.ListLimit,
	})

	// Create API server configuration
	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		RequestsPerSecond: float64(cfg.RateLimit.RequestsPerSecond),
		Burst:             cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, importService, m, prometheus.DefaultGatherer)
	server.AddHealthCheck("postgres", postgres.Ping)
	server.AddHealthCheck("redis", redisClient.Ping)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	logger.WithField("port", cfg.Server.Port).Info("Server listening")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// driveTokens prefers the refresh grant and falls back to a fixed token
func driveTokens(cfg config.DriveConfig) source.TokenSource {
	if cfg.RefreshToken != "" {
		return source.NewRefreshingTokenSource(source.RefreshConfig{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RefreshToken: cfg.RefreshToken,
			AccessToken:  cfg.AccessToken,
		}, nil)
	}
	return source.StaticToken(cfg.AccessToken)
}
