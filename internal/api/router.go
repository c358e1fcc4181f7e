package api

import (
	"github.com/gin-gonic/gin"
	"github.com/smartace-venus/docpipe/internal/api/handler"
	"github.com/smartace-venus/docpipe/internal/api/middleware"
	"github.com/smartace-venus/docpipe/internal/logger"
	"github.com/smartace-venus/docpipe/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	trackerService *service.TrackerService,
	ingestService *service.IngestService,
	searchService *service.SearchService,
	log *logger.Logger,
	mode string,
	cors middleware.CORSConfig,
) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cors))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	documentHandler := handler.NewDocumentHandler(trackerService, ingestService)
	searchHandler := handler.NewSearchHandler(searchService)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Documents
		v1.POST("/documents", documentHandler.SubmitUpload)
		v1.GET("/documents/jobs/:id", documentHandler.JobStatus)
		v1.POST("/documents/jobs/:id/ack", documentHandler.AcknowledgeJob)
		v1.POST("/documents/ingest", documentHandler.Ingest)

		// Search
		v1.POST("/search", searchHandler.Search)
	}

	return r
}
