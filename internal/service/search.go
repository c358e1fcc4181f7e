package service

import (
	"context"
	"fmt"

	"github.com/smartace-venus/docpipe/internal/logger"
	"github.com/smartace-venus/docpipe/internal/repository"
)

// SearchConfig holds configuration for the search service.
type SearchConfig struct {
	ScoreThreshold float32
	DefaultTopK    int
}

// QueryEmbedder produces query-side embedding vectors.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// SearchService performs semantic retrieval over ingested page records.
type SearchService struct {
	qdrantRepo     *repository.QdrantRepository
	embedding      QueryEmbedder
	logger         *logger.Logger
	scoreThreshold float32
	defaultTopK    int
}

// NewSearchService creates a new search service.
// Parameters:
//   - qdrantRepo: Qdrant repository holding page vectors.
//   - embedding: query-side embedding provider.
//   - log: logger instance.
//   - cfg: search configuration settings.
// Returns:
//   - *SearchService: initialized search service.
func NewSearchService(qdrantRepo *repository.QdrantRepository, embedding QueryEmbedder, log *logger.Logger, cfg *SearchConfig) *SearchService {
	var threshold float32
	topK := 10
	if cfg != nil {
		threshold = cfg.ScoreThreshold
		if cfg.DefaultTopK > 0 {
			topK = cfg.DefaultTopK
		}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &SearchService{
		qdrantRepo:     qdrantRepo,
		embedding:      embedding,
		logger:         log,
		scoreThreshold: threshold,
		defaultTopK:    topK,
	}
}

// log returns a logger from context if available, otherwise the default
func (s *SearchService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// SearchRequest represents a semantic page search.
type SearchRequest struct {
	Query      string   `json:"query" binding:"required"`
	UserID     string   `json:"user_id" binding:"required"`
	TopK       int      `json:"top_k"`
	FilterTags []string `json:"filter_tags,omitempty"`
}

// SearchResult represents a single matched page.
type SearchResult struct {
	Score       float32  `json:"score"`
	Title       string   `json:"title"`
	AITitle     string   `json:"ai_title"`
	PageNumber  int      `json:"page_number"`
	ChunkNumber int      `json:"chunk_number"`
	FilterTags  string   `json:"filter_tags"`
	MainTopics  []string `json:"main_topics,omitempty"`
	TextContent string   `json:"text_content"`
}

// SearchResponse represents the search response.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Query   string         `json:"query"`
}

// Search embeds the query and runs a filtered similarity search scoped to the
// requesting user, optionally narrowed to specific documents by filter tag.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: search request parameters.
// Returns:
//   - *SearchResponse: search results.
//   - error: non-nil if embedding or search fails.
func (s *SearchService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "user id is required")
	}
	if req.Query == "" {
		return nil, NewValidationError("query", "query is required")
	}
	if req.TopK <= 0 {
		req.TopK = s.defaultTopK
	}
	if req.TopK > 100 {
		req.TopK = 100
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldUserID: req.UserID,
		"top_k":            req.TopK,
	}).Info("Performing page search")

	queryEmbedding, err := s.embedding.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	filters := &repository.SearchFilters{
		UserID:     req.UserID,
		FilterTags: req.FilterTags,
	}

	qdrantResults, err := s.qdrantRepo.Search(ctx, queryEmbedding, req.TopK, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to search in Qdrant: %w", err)
	}

	results := make([]SearchResult, 0, req.TopK)
	for _, qr := range qdrantResults {
		if qr.Payload == nil {
			continue
		}
		if s.scoreThreshold > 0 && qr.Score < s.scoreThreshold {
			continue
		}
		results = append(results, SearchResult{
			Score:       qr.Score,
			Title:       qr.Payload.Title,
			AITitle:     qr.Payload.AITitle,
			PageNumber:  qr.Payload.PageNumber,
			ChunkNumber: qr.Payload.ChunkNumber,
			FilterTags:  qr.Payload.FilterTags,
			MainTopics:  qr.Payload.MainTopics,
			TextContent: qr.Payload.TextContent,
		})
	}

	return &SearchResponse{
		Results: results,
		Total:   len(results),
		Query:   req.Query,
	}, nil
}
