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

	"github.com/smartace-venus/docpipe/internal/api"
	"github.com/smartace-venus/docpipe/internal/api/middleware"
	"github.com/smartace-venus/docpipe/internal/config"
	"github.com/smartace-venus/docpipe/internal/logger"
	"github.com/smartace-venus/docpipe/internal/parser"
	"github.com/smartace-venus/docpipe/internal/repository"
	"github.com/smartace-venus/docpipe/internal/service"
	"github.com/smartace-venus/docpipe/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	documentRepo := repository.NewDocumentRepository(db, cfg.Ingest.UpsertRetries)
	qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		Collection:      cfg.Qdrant.Collection,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Embedding.Dimensions,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize Qdrant repository")
	}
	defer qdrantRepo.Close()

	// Ensure Qdrant collection exists
	ctx := context.Background()
	if err := qdrantRepo.EnsureCollection(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure Qdrant collection")
	}

	// Initialize storage (supports MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	// Initialize parse service client
	parseClient := parser.NewClient(cfg.Parser.BaseURL, cfg.Parser.APIKey)

	// Embedding and generation clients are process-wide: the dispatch queues
	// inside them are the only place rate ceilings are enforced, so they must
	// not be re-created per request.
	embeddingService := service.NewEmbeddingService(&service.EmbeddingConfig{
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	}, service.DispatchQueueConfig{
		RequestsPerWindow: cfg.Embedding.RequestsPerMinute,
		TokensPerWindow:   cfg.Embedding.TokensPerMinute,
		MaxInFlight:       cfg.Embedding.MaxInFlight,
	}, appLogger)

	enrichmentService := service.NewEnrichmentService(&service.EnrichmentConfig{
		Model:   cfg.Generate.Model,
		APIKey:  cfg.Generate.APIKey,
		BaseURL: cfg.Generate.BaseURL,
		Timeout: time.Duration(cfg.Generate.TimeoutSeconds) * time.Second,
	}, service.DispatchQueueConfig{
		RequestsPerWindow: cfg.Generate.RequestsPerMinute,
		TokensPerWindow:   cfg.Generate.TokensPerMinute,
	}, appLogger)

	ingestService := service.NewIngestService(
		enrichmentService,
		embeddingService,
		documentRepo,
		qdrantRepo,
		service.IngestConfig{
			BatchSize:       cfg.Ingest.BatchSize,
			UpsertBatchSize: cfg.Ingest.UpsertBatchSize,
			PageConcurrency: cfg.Ingest.PageConcurrency,
			Deadline:        cfg.Ingest.IngestDeadline(),
		},
		appLogger,
	)

	trackerService := service.NewTrackerService(
		objectStorage,
		parseClient,
		ingestService,
		service.TrackerConfig{
			MaxTotalSize: int64(cfg.Upload.MaxTotalSizeMB) << 20,
			PollInterval: time.Duration(cfg.Upload.PollIntervalSeconds) * time.Second,
			MaxPolls:     cfg.Upload.MaxPolls,
			ResetDelay:   time.Duration(cfg.Upload.ResetDelaySeconds) * time.Second,
		},
		appLogger,
	)

	searchService := service.NewSearchService(
		qdrantRepo,
		embeddingService,
		appLogger,
		&service.SearchConfig{
			ScoreThreshold: cfg.Search.ScoreThreshold,
			DefaultTopK:    cfg.Search.DefaultTopK,
		},
	)

	// Setup router
	router := api.SetupRouter(trackerService, ingestService, searchService, appLogger, cfg.Server.Mode, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
