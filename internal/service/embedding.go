package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smartace-venus/docpipe/internal/logger"
)

const defaultEmbeddingEndpoint = "https://api.jina.ai/v1/embeddings"

// EmbeddingConfig holds configuration for the embedding service.
type EmbeddingConfig struct {
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
	Timeout    time.Duration
}

// EmbeddingService converts text into fixed-dimension vectors. Every call is
// routed through a rate-limited dispatch queue so the metered provider never
// sees a burst above its request/token ceilings. Vectors are opaque: they are
// not bit-exact across provider versions and must only be used for similarity
// search.
type EmbeddingService struct {
	client     *resty.Client
	endpoint   string
	model      string
	dimensions int
	queue      *DispatchQueue[[]float32]
}

// NewEmbeddingService creates a new embedding service behind a dispatch queue.
// Parameters:
//   - cfg: provider configuration including model and API key.
//   - queueCfg: rate ceilings for the dispatch queue.
//   - log: logger instance.
// Returns:
//   - *EmbeddingService: initialized service.
func NewEmbeddingService(cfg *EmbeddingConfig, queueCfg DispatchQueueConfig, log *logger.Logger) *EmbeddingService {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = defaultEmbeddingEndpoint
	}

	s := &EmbeddingService{
		client:     client,
		endpoint:   endpoint,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
	s.queue = NewDispatchQueue(queueCfg, s.embedDirect, log)
	return s
}

// GetModel returns the model name being used.
func (s *EmbeddingService) GetModel() string {
	return s.model
}

// Dimensions returns the configured vector dimension.
func (s *EmbeddingService) Dimensions() int {
	return s.dimensions
}

// Embed generates an embedding for text, gated by the dispatch queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - text: input text.
// Returns:
//   - []float32: embedding vector.
//   - error: provider error; the caller treats it as a per-page failure.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.queue.Submit(ctx, text)
}

// Embedding provider API request/response structures
type embeddingRequest struct {
	Model         string   `json:"model"`
	Task          string   `json:"task,omitempty"`
	Dimensions    int      `json:"dimensions,omitempty"`
	Input         []string `json:"input"`
	EmbeddingType string   `json:"embedding_type,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Detail string `json:"detail,omitempty"`
}

// embedDirect is the raw provider call. Only the dispatch queue invokes it.
func (s *EmbeddingService) embedDirect(ctx context.Context, text string) ([]float32, error) {
	req := embeddingRequest{
		Model:         s.model,
		Task:          "retrieval.passage",
		Dimensions:    s.dimensions,
		Input:         []string{text},
		EmbeddingType: "float",
	}

	var resp embeddingResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(s.endpoint)

	if err != nil {
		return nil, NewProviderError("embedding", err)
	}

	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return nil, NewProviderError("embedding", fmt.Errorf("%s", resp.Detail))
		}
		return nil, NewProviderError("embedding", fmt.Errorf("status %d", httpResp.StatusCode()))
	}

	if len(resp.Data) == 0 {
		return nil, NewProviderError("embedding", fmt.Errorf("no embedding returned"))
	}

	return resp.Data[0].Embedding, nil
}

// EmbedQuery generates an embedding optimized for query/search. Query-side
// traffic is interactive and low-volume, so it bypasses the document queue.
func (s *EmbeddingService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	req := embeddingRequest{
		Model:         s.model,
		Task:          "retrieval.query",
		Dimensions:    s.dimensions,
		Input:         []string{query},
		EmbeddingType: "float",
	}

	var resp embeddingResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(s.endpoint)

	if err != nil {
		return nil, NewProviderError("embedding", err)
	}

	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return nil, NewProviderError("embedding", fmt.Errorf("%s", resp.Detail))
		}
		return nil, NewProviderError("embedding", fmt.Errorf("status %d", httpResp.StatusCode()))
	}

	if len(resp.Data) == 0 {
		return nil, NewProviderError("embedding", fmt.Errorf("no embedding returned"))
	}

	return resp.Data[0].Embedding, nil
}
