package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/smartace-venus/docpipe/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pageConflictColumns is the natural key for a page chunk. An upsert on this
// key makes re-ingestion of the same document idempotent.
var pageConflictColumns = []clause.Column{
	{Name: "user_id"},
	{Name: "title"},
	{Name: "timestamp"},
	{Name: "page_number"},
	{Name: "chunk_number"},
}

// DocumentRepository handles page record persistence.
type DocumentRepository struct {
	db         *gorm.DB
	maxRetries int
	retryDelay time.Duration
}

// NewDocumentRepository creates a new DocumentRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - maxRetries: number of attempts per upsert sub-batch before giving up.
// Returns:
//   - *DocumentRepository: repository instance bound to db.
func NewDocumentRepository(db *gorm.DB, maxRetries int) *DocumentRepository {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &DocumentRepository{
		db:         db,
		maxRetries: maxRetries,
		retryDelay: time.Second,
	}
}

// UpsertBatch creates or updates page records keyed by the natural page key.
// Each attempt covers the whole batch; failed batches are retried up to the
// configured limit with linear backoff.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - records: page records to create or update.
// Returns:
//   - int: number of records persisted (0 or len(records)).
//   - error: non-nil if the upsert fails after all retries.
func (r *DocumentRepository) UpsertBatch(ctx context.Context, records []domain.PageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   pageConflictColumns,
			UpdateAll: true,
		}).Create(&records).Error
		if err == nil {
			return len(records), nil
		}
		lastErr = err

		if attempt < r.maxRetries {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * r.retryDelay):
			}
		}
	}
	return 0, fmt.Errorf("upsert batch of %d failed after %d attempts: %w", len(records), r.maxRetries, lastErr)
}

// GetByUser retrieves page records for a user with pagination.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owner of the records.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.PageRecord: matching records ordered by document and page.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) GetByUser(ctx context.Context, userID string, limit, offset int) ([]domain.PageRecord, error) {
	var records []domain.PageRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("title, page_number, chunk_number").
		Limit(limit).
		Offset(offset).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// GetByFilterTag retrieves a user's page records carrying a filter tag.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owner of the records.
//   - filterTag: document-scoped filter tag.
// Returns:
//   - []domain.PageRecord: matching records ordered by page.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) GetByFilterTag(ctx context.Context, userID, filterTag string) ([]domain.PageRecord, error) {
	var records []domain.PageRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND filter_tags = ?", userID, filterTag).
		Order("page_number, chunk_number").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListFilterTags retrieves the distinct filter tags a user has ingested.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owner of the records.
// Returns:
//   - []string: distinct filter tags.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) ListFilterTags(ctx context.Context, userID string) ([]string, error) {
	var tags []string
	if err := r.db.WithContext(ctx).
		Model(&domain.PageRecord{}).
		Where("user_id = ?", userID).
		Distinct("filter_tags").
		Pluck("filter_tags", &tags).Error; err != nil {
		return nil, err
	}
	return tags, nil
}

// CountByUser counts a user's page records.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owner of the records.
// Returns:
//   - int64: number of matching records.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.PageRecord{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteByFilterTag removes all of a user's page records for a document.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: owner of the records.
//   - filterTag: document-scoped filter tag.
// Returns:
//   - int64: number of records removed.
//   - error: non-nil if the delete fails.
func (r *DocumentRepository) DeleteByFilterTag(ctx context.Context, userID, filterTag string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND filter_tags = ?", userID, filterTag).
		Delete(&domain.PageRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
