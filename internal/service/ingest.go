package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/smartace-venus/docpipe/internal/domain"
	"github.com/smartace-venus/docpipe/internal/logger"
	"github.com/smartace-venus/docpipe/internal/repository"
)

const (
	defaultProcessingBatchSize = 100
	defaultUpsertBatchSize     = 100
	defaultPageConcurrency     = 10

	// samplePages is taken from each end of the document when deriving
	// metadata for documents longer than 2*samplePages-1 pages.
	samplePages = 10
)

var (
	nonWordPattern    = regexp.MustCompile(`[^\w.-]`)
	underscorePattern = regexp.MustCompile(`_+`)
)

// IngestConfig holds the orchestrator's batching and deadline knobs.
type IngestConfig struct {
	BatchSize       int           // pages per processing batch
	UpsertBatchSize int           // records per upsert sub-batch
	PageConcurrency int           // concurrent pages within a batch
	Deadline        time.Duration // overall ingestion deadline, 0 = none
}

// IngestResult summarizes one completed ingestion run.
type IngestResult struct {
	FilterTag        string            `json:"filter_tag"`
	TotalPages       int               `json:"total_pages"`
	PagesPersisted   int               `json:"pages_persisted"`
	PagesSkipped     int               `json:"pages_skipped"`
	Usage            domain.TokenUsage `json:"usage"`
	UpsertFailures   int               `json:"upsert_failures"`
	MetadataTitle    string            `json:"metadata_title"`
	MetadataLanguage string            `json:"metadata_language"`
}

// VectorStore is the subset of the vector repository the orchestrator needs.
type VectorStore interface {
	UpsertBatch(ctx context.Context, points []repository.PagePoint) error
}

// PageStore is the subset of the relational repository the orchestrator needs.
type PageStore interface {
	UpsertBatch(ctx context.Context, records []domain.PageRecord) (int, error)
}

// Enricher produces per-page analysis and document metadata.
type Enricher interface {
	Analyze(ctx context.Context, content string, docCtx DocumentContext, userID string) (*domain.PageAnalysis, domain.TokenUsage, error)
	DeriveDocumentMetadata(ctx context.Context, content, userID string) (*domain.DocumentMetadata, domain.TokenUsage)
}

// Embedder produces embedding vectors for composite page text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IngestService is the batch ingestion orchestrator. It derives document
// metadata from a page sample, fans out enrichment and embedding per page
// within fixed-size batches, and persists the surviving records in upsert
// sub-batches. A page that fails embedding contributes no record; the rest of
// its batch proceeds.
//
// The relational store is authoritative. The vector store upsert is
// supplementary: its failure is logged and never fails the run.
type IngestService struct {
	enricher Enricher
	embedder Embedder
	pages    PageStore
	vectors  VectorStore // nil disables vector upserts
	cfg      IngestConfig
	log      *logger.Logger
}

// NewIngestService creates a new batch ingestion orchestrator.
// Parameters:
//   - enricher: per-page analysis and document metadata provider.
//   - embedder: embedding provider, already gated by its dispatch queue.
//   - pages: relational page store.
//   - vectors: vector store; may be nil.
//   - cfg: batching and deadline configuration.
//   - log: logger instance.
// Returns:
//   - *IngestService: initialized orchestrator.
func NewIngestService(enricher Enricher, embedder Embedder, pages PageStore, vectors VectorStore, cfg IngestConfig, log *logger.Logger) *IngestService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultProcessingBatchSize
	}
	if cfg.UpsertBatchSize <= 0 {
		cfg.UpsertBatchSize = defaultUpsertBatchSize
	}
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = defaultPageConcurrency
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &IngestService{
		enricher: enricher,
		embedder: embedder,
		pages:    pages,
		vectors:  vectors,
		cfg:      cfg,
		log:      log,
	}
}

// Ingest processes a parsed document end to end and returns its filter tag.
// Parameters:
//   - ctx: context for cancellation; the configured deadline is layered on top.
//   - pages: ordered page text of the parsed document.
//   - fileName: original source file name.
//   - userID: owning user.
// Returns:
//   - *IngestResult: run summary including the filter tag.
//   - error: ErrIngestTimeout if the deadline elapsed, validation error on
//     empty input.
func (s *IngestService) Ingest(ctx context.Context, pages []string, fileName, userID string) (*IngestResult, error) {
	if len(pages) == 0 {
		return nil, &ValidationError{Field: "pages", Reason: "document has no pages"}
	}
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "user id is required"}
	}

	if s.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Deadline)
		defer cancel()
	}

	start := time.Now()
	now := time.Now().UTC()
	timestamp := now.Format("2006-01-02")
	filterTag := FilterTag(fileName, now)
	totalPages := len(pages)

	// Metadata is derived once from a representative sample and embedded
	// into every record of the document.
	sample := SamplePages(pages)
	metadata, metaUsage := s.enricher.DeriveDocumentMetadata(ctx, strings.Join(sample, "\n\n"), userID)

	result := &IngestResult{
		FilterTag:        filterTag,
		TotalPages:       totalPages,
		MetadataTitle:    metadata.DescriptiveTitle,
		MetadataLanguage: metadata.PrimaryLanguage,
	}
	result.Usage.Add(metaUsage)

	log := s.log.WithFields(logger.Fields{
		logger.FieldUserID:    userID,
		logger.FieldFile:      fileName,
		logger.FieldFilterTag: filterTag,
	})
	log.WithField(logger.FieldCount, totalPages).Info("Starting document ingestion")

	// Batches run sequentially; pages within a batch fan out.
	for batchStart := 0; batchStart < totalPages; batchStart += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, s.wrapDeadline(err)
		}

		batchEnd := batchStart + s.cfg.BatchSize
		if batchEnd > totalPages {
			batchEnd = totalPages
		}
		batch := pages[batchStart:batchEnd]

		records := s.processBatch(ctx, batch, batchStart, totalPages, fileName, timestamp, filterTag, userID, metadata, result)
		result.PagesSkipped += len(batch) - len(records)

		if len(records) == 0 {
			log.WithField("batch_start", batchStart).Warn("No records to upsert for this batch")
			continue
		}

		s.persistBatch(ctx, records, log, result)
	}

	if err := ctx.Err(); err != nil {
		return result, s.wrapDeadline(err)
	}

	log.WithFields(logger.Fields{
		logger.FieldCount:      result.PagesPersisted,
		"pages_skipped":        result.PagesSkipped,
		"prompt_tokens":        result.Usage.PromptTokens,
		"completion_tokens":    result.Usage.CompletionTokens,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("Document ingestion completed")

	return result, nil
}

// processBatch fans out enrichment and embedding across one batch of pages and
// returns the records that survived.
func (s *IngestService) processBatch(ctx context.Context, batch []string, batchStart, totalPages int, fileName, timestamp, filterTag, userID string, metadata *domain.DocumentMetadata, result *IngestResult) []domain.PageRecord {
	var (
		mu      sync.Mutex
		records []domain.PageRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PageConcurrency)

	for i, pageText := range batch {
		pageNumber := batchStart + i + 1
		pageText := pageText

		g.Go(func() error {
			record, usage, ok := s.processPage(gctx, pageText, pageNumber, totalPages, fileName, timestamp, filterTag, userID, metadata)

			mu.Lock()
			result.Usage.Add(usage)
			if ok {
				records = append(records, record)
			}
			mu.Unlock()

			// Page failures never abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	return records
}

// processPage runs enrichment and embedding for one page. A schema violation
// from enrichment degrades to an empty analysis; any other enrichment error or
// an embedding error skips the page.
func (s *IngestService) processPage(ctx context.Context, pageText string, pageNumber, totalPages int, fileName, timestamp, filterTag, userID string, metadata *domain.DocumentMetadata) (domain.PageRecord, domain.TokenUsage, bool) {
	var usage domain.TokenUsage

	if strings.TrimSpace(pageText) == "" {
		s.log.WithField(logger.FieldPage, pageNumber).Warn("Page is empty, skipping")
		return domain.PageRecord{}, usage, false
	}

	analysis, aUsage, err := s.enricher.Analyze(ctx, pageText, DocumentContext{
		Title:       metadata.DescriptiveTitle,
		Description: metadata.ShortDescription,
		MainTopics:  metadata.MainTopics,
	}, userID)
	usage.Add(aUsage)
	if err != nil {
		if IsSchemaViolation(err) {
			// Malformed model output degrades to an un-enriched page.
			s.log.WithField(logger.FieldPage, pageNumber).WithError(err).
				Warn("Page analysis output invalid, continuing without enrichment")
			analysis = &domain.PageAnalysis{}
		} else {
			s.log.WithField(logger.FieldPage, pageNumber).WithError(err).
				Error("Page analysis failed, skipping page")
			return domain.PageRecord{}, usage, false
		}
	}

	composite := CompositeText(pageText, analysis, pageNumber, totalPages, fileName, timestamp, metadata)

	vector, err := s.embedder.Embed(ctx, composite)
	if err != nil {
		s.log.WithField(logger.FieldPage, pageNumber).WithError(err).
			Error("Embedding failed, skipping page")
		return domain.PageRecord{}, usage, false
	}

	record := domain.PageRecord{
		UserID:          userID,
		Title:           fileName,
		Timestamp:       timestamp,
		PageNumber:      pageNumber,
		ChunkNumber:     1,
		TotalPages:      totalPages,
		TotalChunks:     1,
		TextContent:     pageText,
		AITitle:         metadata.DescriptiveTitle,
		AIDescription:   metadata.ShortDescription,
		AIMainTopics:    domain.StringArray(metadata.MainTopics),
		AIKeyEntities:   domain.StringArray(metadata.KeyEntities),
		PrimaryLanguage: metadata.PrimaryLanguage,
		FilterTags:      filterTag,
	}
	if err := record.SetEmbedding(vector); err != nil {
		s.log.WithField(logger.FieldPage, pageNumber).WithError(err).
			Error("Embedding encode failed, skipping page")
		return domain.PageRecord{}, usage, false
	}

	return record, usage, true
}

// persistBatch upserts one batch's records in sub-batches. A failed sub-batch
// is counted and logged; later sub-batches still run. Vector upserts mirror
// the relational writes and are best-effort.
func (s *IngestService) persistBatch(ctx context.Context, records []domain.PageRecord, log *logger.Logger, result *IngestResult) {
	for subStart := 0; subStart < len(records); subStart += s.cfg.UpsertBatchSize {
		subEnd := subStart + s.cfg.UpsertBatchSize
		if subEnd > len(records) {
			subEnd = len(records)
		}
		sub := records[subStart:subEnd]

		persisted, err := s.pages.UpsertBatch(ctx, sub)
		if err != nil {
			result.UpsertFailures++
			log.WithError(err).WithField(logger.FieldCount, len(sub)).
				Error("Upsert sub-batch failed")
			continue
		}
		result.PagesPersisted += persisted

		if s.vectors != nil {
			if err := s.vectors.UpsertBatch(ctx, toPagePoints(sub)); err != nil {
				log.WithError(err).WithField(logger.FieldCount, len(sub)).
					Warn("Vector upsert failed")
			}
		}
	}
}

func toPagePoints(records []domain.PageRecord) []repository.PagePoint {
	points := make([]repository.PagePoint, 0, len(records))
	for _, r := range records {
		vector, err := r.EmbeddingVector()
		if err != nil || len(vector) == 0 {
			continue
		}
		points = append(points, repository.PagePoint{
			ID:     repository.PagePointID(r.UserID, r.Title, r.Timestamp, r.PageNumber, r.ChunkNumber),
			Vector: vector,
			Payload: repository.PagePayload{
				UserID:      r.UserID,
				Title:       r.Title,
				FilterTags:  r.FilterTags,
				PageNumber:  r.PageNumber,
				ChunkNumber: r.ChunkNumber,
				AITitle:     r.AITitle,
				MainTopics:  r.AIMainTopics,
				TextContent: r.TextContent,
			},
		})
	}
	return points
}

func (s *IngestService) wrapDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrIngestTimeout
	}
	return err
}

// SamplePages returns the representative sample used for metadata derivation:
// first 10 and last 10 pages for documents longer than 19 pages, otherwise all
// pages, in original order.
func SamplePages(pages []string) []string {
	if len(pages) <= 2*samplePages-1 {
		return pages
	}
	sample := make([]string, 0, 2*samplePages)
	sample = append(sample, pages[:samplePages]...)
	sample = append(sample, pages[len(pages)-samplePages:]...)
	return sample
}

// SanitizeFilename normalizes a file name for use in filter tags: Unicode NFD
// normalization, non-word characters (except dot and dash) replaced with
// underscore, repeated underscores collapsed, edge underscores trimmed.
// Idempotent.
func SanitizeFilename(fileName string) string {
	normalized := norm.NFD.String(fileName)
	sanitized := nonWordPattern.ReplaceAllString(normalized, "_")
	sanitized = underscorePattern.ReplaceAllString(sanitized, "_")
	return strings.Trim(sanitized, "_")
}

// FilterTag derives the deterministic tag grouping all records of one
// ingestion run: sanitized file name plus the ingestion date.
func FilterTag(fileName string, now time.Time) string {
	return fmt.Sprintf("%s[[%s]]", SanitizeFilename(fileName), now.Format("2006-01-02"))
}

// CompositeText assembles the text blob a page is embedded from: provenance
// header, document metadata, raw content, and the enrichment summary. Pages
// without enrichment get a reduced blob.
func CompositeText(pageText string, analysis *domain.PageAnalysis, pageNumber, totalPages int, fileName, timestamp string, metadata *domain.DocumentMetadata) string {
	var sb strings.Builder
	sb.WriteString("File Name: " + fileName + "\n")
	sb.WriteString("Date: " + timestamp + "\n")
	sb.WriteString(fmt.Sprintf("Page: %d of %d\n", pageNumber, totalPages))
	sb.WriteString("Title: " + metadata.DescriptiveTitle + "\n")

	summary := analysis.Summary()
	if summary != "" {
		sb.WriteString("Description: " + metadata.ShortDescription + "\n")
		sb.WriteString("Main Topics: " + strings.Join(metadata.MainTopics, ", ") + "\n")
		sb.WriteString("Key Entities: " + strings.Join(metadata.KeyEntities, ", ") + "\n")
	}

	sb.WriteString("\nContent:\n" + pageText + "\n")

	if summary != "" {
		sb.WriteString("\nPreliminary Analysis:\n" + summary + "\n")
	}

	return sb.String()
}
