package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smartace-venus/docpipe/internal/domain"
	"github.com/smartace-venus/docpipe/internal/logger"
	"github.com/smartace-venus/docpipe/internal/prompts"
)

const (
	defaultEnrichmentTimeout = 15 * time.Second
	defaultMetadataTimeout   = 30 * time.Second
)

// EnrichmentConfig holds configuration for the enrichment service.
type EnrichmentConfig struct {
	Model           string
	APIKey          string
	BaseURL         string
	Timeout         time.Duration // per-page analysis deadline; default 15s
	MetadataTimeout time.Duration // document metadata deadline; default 30s
}

// DocumentContext is the document-level context prepended to a page before
// analysis.
type DocumentContext struct {
	Title       string
	Description string
	MainTopics  []string
}

// chatOutcome is one structured-generation result with its token usage.
type chatOutcome struct {
	content string
	usage   domain.TokenUsage
}

// EnrichmentService turns raw page text into structured analytical
// annotations, and derives document-level metadata from a page sample.
//
// Per-page analysis is high-volume and metered, so it is routed through its
// own dispatch queue, configured independently from the embedding queue. The
// once-per-document metadata call bypasses the queue.
type EnrichmentService struct {
	client          *resty.Client
	model           string
	endpoint        string
	timeout         time.Duration
	metadataTimeout time.Duration
	queue           *DispatchQueue[chatOutcome]
	log             *logger.Logger
}

// NewEnrichmentService creates a new enrichment service.
// Parameters:
//   - cfg: model configuration including API key and timeouts.
//   - queueCfg: rate ceilings for the per-page analysis queue.
//   - log: logger instance.
// Returns:
//   - *EnrichmentService: initialized service.
func NewEnrichmentService(cfg *EnrichmentConfig, queueCfg DispatchQueueConfig, log *logger.Logger) *EnrichmentService {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEnrichmentTimeout
	}
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout <= 0 {
		metadataTimeout = defaultMetadataTimeout
	}
	if log == nil {
		log = logger.GetDefault()
	}

	s := &EnrichmentService{
		client:          client,
		model:           cfg.Model,
		endpoint:        baseURL + "/chat/completions",
		timeout:         timeout,
		metadataTimeout: metadataTimeout,
		log:             log,
	}
	s.queue = NewDispatchQueue(queueCfg, func(ctx context.Context, text string) (chatOutcome, error) {
		return s.chatJSON(ctx, prompts.EnrichmentSystemPrompt, text, s.timeout)
	}, log)
	return s
}

// GetModel returns the model name being used.
func (s *EnrichmentService) GetModel() string {
	return s.model
}

// Analyze runs the per-page analysis call for one page of text, prefixed with
// document-level context. The call is bounded by the configured timeout;
// timing out is a recoverable per-page failure, not a document-level abort.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - content: a single page's raw text.
//   - docCtx: document-level context (title, description, topics).
//   - userID: owning user, attached to telemetry only.
// Returns:
//   - *domain.PageAnalysis: validated analysis.
//   - domain.TokenUsage: tokens consumed, for observability.
//   - error: provider error, timeout, or SchemaViolation.
func (s *EnrichmentService) Analyze(ctx context.Context, content string, docCtx DocumentContext, userID string) (*domain.PageAnalysis, domain.TokenUsage, error) {
	var sb strings.Builder
	sb.WriteString("Title: " + docCtx.Title + "\n")
	sb.WriteString("Description: " + docCtx.Description + "\n")
	if len(docCtx.MainTopics) > 0 {
		sb.WriteString("Main Topics: " + strings.Join(docCtx.MainTopics, ", ") + "\n")
	}
	sb.WriteString("Document: " + content)

	outcome, err := s.queue.Submit(ctx, sb.String())
	if err != nil {
		return nil, domain.TokenUsage{}, err
	}

	analysis, err := parsePageAnalysis(outcome.content)
	if err != nil {
		return nil, outcome.usage, err
	}

	// Telemetry only, never authoritative.
	s.log.WithFields(logger.Fields{
		logger.FieldUserID:      userID,
		"prompt_tokens":         outcome.usage.PromptTokens,
		"completion_tokens":     outcome.usage.CompletionTokens,
		logger.FieldGenFunction: "upload_doc_preliminary",
	}).Debug("Page analysis completed")

	return analysis, outcome.usage, nil
}

// DeriveDocumentMetadata derives document-level metadata from the sampled page
// content. On generation or validation failure it falls back to naive
// text-slicing heuristics so ingestion never stalls on metadata.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - content: joined text of the sampled pages.
//   - userID: owning user, attached to telemetry only.
// Returns:
//   - *domain.DocumentMetadata: derived or fallback metadata, never nil.
//   - domain.TokenUsage: tokens consumed, zero on fallback without a call.
func (s *EnrichmentService) DeriveDocumentMetadata(ctx context.Context, content, userID string) (*domain.DocumentMetadata, domain.TokenUsage) {
	outcome, err := s.chatJSON(ctx, prompts.MetadataSystemPrompt, content, s.metadataTimeout)
	if err != nil {
		s.log.WithField(logger.FieldUserID, userID).WithError(err).
			Warn("Document metadata generation failed, using fallback")
		return fallbackMetadata(content), domain.TokenUsage{}
	}

	md, err := parseDocumentMetadata(outcome.content)
	if err != nil {
		s.log.WithField(logger.FieldUserID, userID).WithError(err).
			Warn("Document metadata output invalid, using fallback")
		return fallbackMetadata(content), outcome.usage
	}

	return md, outcome.usage
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// chatJSON performs one structured-generation call in JSON mode with
// temperature 0, bounded by timeout.
func (s *EnrichmentService) chatJSON(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) (chatOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0,
		ResponseFormat: &chatResponseFormat{Type: "json_object"},
	}

	var resp chatResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(s.endpoint)

	if err != nil {
		return chatOutcome{}, NewProviderError("generation", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		if resp.Error != nil {
			return chatOutcome{}, NewProviderError("generation",
				fmt.Errorf("HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message))
		}
		return chatOutcome{}, NewProviderError("generation",
			fmt.Errorf("HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body())))
	}

	if resp.Error != nil {
		return chatOutcome{}, NewProviderError("generation", fmt.Errorf("%s", resp.Error.Message))
	}

	if len(resp.Choices) == 0 {
		return chatOutcome{}, NewProviderError("generation", fmt.Errorf("no choices in response"))
	}

	return chatOutcome{
		content: resp.Choices[0].Message.Content,
		usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// parsePageAnalysis validates the raw model output against the fixed
// five-field schema. A shape mismatch surfaces as a SchemaViolation.
func parsePageAnalysis(raw string) (*domain.PageAnalysis, error) {
	cleaned := extractJSON(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, &SchemaViolation{}
	}

	required := []string{
		"preliminary_answer_1",
		"preliminary_answer_2",
		"tags",
		"hypothetical_question_1",
		"hypothetical_question_2",
	}
	var missing []string
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaViolation{Missing: missing}
	}

	var analysis domain.PageAnalysis
	if err := json.Unmarshal([]byte(cleaned), &analysis); err != nil {
		return nil, &SchemaViolation{}
	}
	return &analysis, nil
}

// parseDocumentMetadata validates the metadata call output.
func parseDocumentMetadata(raw string) (*domain.DocumentMetadata, error) {
	cleaned := extractJSON(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, &SchemaViolation{}
	}

	required := []string{"descriptiveTitle", "shortDescription", "mainTopics", "keyEntities", "primaryLanguage"}
	var missing []string
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaViolation{Missing: missing}
	}

	var md domain.DocumentMetadata
	if err := json.Unmarshal([]byte(cleaned), &md); err != nil {
		return nil, &SchemaViolation{}
	}
	return &md, nil
}

// fallbackMetadata builds best-effort metadata from the raw text: first line
// as title (capped at 100 characters), first 200 characters as description.
func fallbackMetadata(content string) *domain.DocumentMetadata {
	title := content
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = truncateRunes(strings.TrimSpace(title), 100)
	if title == "" {
		title = "Untitled Document"
	}

	description := strings.TrimSpace(truncateRunes(content, 200)) + "..."

	return &domain.DocumentMetadata{
		DescriptiveTitle: title,
		ShortDescription: description,
		MainTopics:       []string{},
		KeyEntities:      []string{},
		PrimaryLanguage:  "en",
	}
}

// truncateRunes caps s at max runes so a multibyte sequence is never split.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// extractJSON strips markdown code fences some models wrap around JSON mode
// output.
func extractJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	return strings.TrimSpace(trimmed)
}
