package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartace-venus/docpipe/internal/config"
	"github.com/smartace-venus/docpipe/internal/logger"
	"github.com/smartace-venus/docpipe/internal/parser"
	"github.com/smartace-venus/docpipe/internal/repository"
	"github.com/smartace-venus/docpipe/internal/service"
)

// Ingests an already-parsed markdown file from disk, bypassing the upload and
// parse stages. Useful for re-ingesting documents and for local testing.
func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "docpipe-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	filePath := flag.String("file", "", "Path to a parsed markdown file (pages separated by ---)")
	fileName := flag.String("name", "", "Original document file name (defaults to the file path base)")
	userID := flag.String("user", "", "Owning user id")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *filePath == "" || *userID == "" {
		appLogger.Fatal("Both -file and -user are required")
	}
	if *fileName == "" {
		*fileName = *filePath
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	content, err := os.ReadFile(*filePath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read input file")
	}
	pages := parser.SplitPages(string(content))
	if len(pages) == 0 {
		appLogger.Fatal("Input file contains no pages")
	}

	appLogger.WithFields(logger.Fields{
		logger.FieldFile:   *fileName,
		logger.FieldUserID: *userID,
		logger.FieldCount:  len(pages),
	}).Info("Starting ingestion")

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := qdrantRepo.EnsureCollection(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure Qdrant collection")
	}

	// Initialize services
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

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	// Run ingestion
	result, err := ingestService.Ingest(ctx, pages, *fileName, *userID)
	if err != nil {
		appLogger.WithError(err).Fatal("Ingestion failed")
	}
	appLogger.WithFields(logger.Fields{
		logger.FieldFilterTag: result.FilterTag,
		"total_pages":         result.TotalPages,
		"pages_persisted":     result.PagesPersisted,
		"pages_skipped":       result.PagesSkipped,
		"upsert_failures":     result.UpsertFailures,
		"prompt_tokens":       result.Usage.PromptTokens,
		"completion_tokens":   result.Usage.CompletionTokens,
	}).Info("Ingestion completed")
}
