package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartace-venus/docpipe/internal/domain"
	"github.com/smartace-venus/docpipe/internal/logger"
	"github.com/smartace-venus/docpipe/internal/parser"
	"github.com/smartace-venus/docpipe/internal/storage"
)

const (
	defaultMaxTotalSize = 150 << 20 // 150 MB across all of a user's stored files
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 60
	defaultResetDelay   = 3 * time.Second
)

// TrackerConfig holds the upload tracker's limits and timing knobs.
type TrackerConfig struct {
	MaxTotalSize int64         // combined stored + new size ceiling in bytes
	PollInterval time.Duration // parse status poll interval
	MaxPolls     int           // poll attempts before giving up
	ResetDelay   time.Duration // delay before a success job resets to idle
}

// UploadFile is one file in a submission.
type UploadFile struct {
	Name    string
	Size    int64
	Content []byte
}

// ParseClient is the subset of the parse service client the tracker needs.
type ParseClient interface {
	Submit(ctx context.Context, fileName string, reader io.Reader) (string, error)
	Status(ctx context.Context, jobID string) (string, error)
	FetchPages(ctx context.Context, jobID string) ([]string, error)
}

// Ingestor runs the batch ingestion pipeline for a parsed document.
type Ingestor interface {
	Ingest(ctx context.Context, pages []string, fileName, userID string) (*IngestResult, error)
}

// TrackerService drives upload jobs through their lifecycle: quota check,
// sequential blob uploads, parse submission and polling, then ingestion.
// State is held in memory; a restart loses in-flight jobs, which matches the
// manual-retry model (a failed or lost job is re-submitted fresh).
type TrackerService struct {
	store    storage.ObjectStorage
	parse    ParseClient
	ingestor Ingestor
	cfg      TrackerConfig
	log      *logger.Logger

	mu   sync.RWMutex
	jobs map[string]*domain.UploadJob

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTrackerService creates a new upload job tracker.
// Parameters:
//   - store: blob storage used for uploads, quota accounting, and cleanup.
//   - parse: parse service client.
//   - ingestor: batch ingestion orchestrator.
//   - cfg: limits and timing configuration.
//   - log: logger instance.
// Returns:
//   - *TrackerService: initialized tracker.
func NewTrackerService(store storage.ObjectStorage, parse ParseClient, ingestor Ingestor, cfg TrackerConfig, log *logger.Logger) *TrackerService {
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = defaultMaxTotalSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = defaultMaxPolls
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = defaultResetDelay
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &TrackerService{
		store:    store,
		parse:    parse,
		ingestor: ingestor,
		cfg:      cfg,
		log:      log,
		jobs:     make(map[string]*domain.UploadJob),
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Submit validates a submission against the storage quota, registers a job,
// and starts processing it in the background. The quota check runs before any
// upload, so an oversized submission never reaches storage.
// Parameters:
//   - ctx: context for the quota check; processing uses a detached context.
//   - userID: owning user.
//   - files: files to upload and ingest.
// Returns:
//   - string: job id for status polling.
//   - error: ValidationError on empty input or quota breach.
func (s *TrackerService) Submit(ctx context.Context, userID string, files []UploadFile) (string, error) {
	if userID == "" {
		return "", NewValidationError("user_id", "user id is required")
	}
	if len(files) == 0 {
		return "", NewValidationError("files", "at least one file is required")
	}

	if err := s.checkQuota(ctx, userID, files); err != nil {
		return "", err
	}

	job := &domain.UploadJob{
		ID:            uuid.New().String(),
		UserID:        userID,
		FileName:      files[0].Name,
		State:         domain.JobStateUploading,
		StatusMessage: "Uploading files",
		Severity:      domain.SeverityInfo,
		CreatedAt:     s.now(),
		UpdatedAt:     s.now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	// The HTTP request that triggered the submission returns immediately;
	// processing continues against a fresh context.
	go s.run(context.Background(), job.ID, userID, files)

	return job.ID, nil
}

// Status returns a snapshot of a job.
func (s *TrackerService) Status(jobID string) (*domain.UploadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// Acknowledge resets a job in the error state back to idle. Success jobs reset
// themselves; error jobs stay visible until acknowledged.
func (s *TrackerService) Acknowledge(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != domain.JobStateError {
		return NewValidationError("state", fmt.Sprintf("job is %s, not error", job.State))
	}
	job.State = domain.JobStateIdle
	job.Progress = 0
	job.StatusMessage = ""
	job.Severity = domain.SeverityInfo
	job.UpdatedAt = s.now()
	return nil
}

// checkQuota sums the user's stored objects plus the new files against the
// size ceiling.
func (s *TrackerService) checkQuota(ctx context.Context, userID string, files []UploadFile) error {
	objects, err := s.store.List(ctx, userID+"/")
	if err != nil {
		return NewProviderError("storage", err)
	}

	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	for _, f := range files {
		size := f.Size
		if size == 0 {
			size = int64(len(f.Content))
		}
		total += size
	}

	if total > s.cfg.MaxTotalSize {
		return NewValidationError("files", fmt.Sprintf(
			"combined size %d bytes exceeds the %d MB storage limit",
			total, s.cfg.MaxTotalSize>>20))
	}
	return nil
}

// run processes the files of one job sequentially. Each file contributes four
// progress increments of 25/fileCount: upload, parse, analyze, finalize.
func (s *TrackerService) run(ctx context.Context, jobID, userID string, files []UploadFile) {
	step := 25.0 / float64(len(files))
	log := s.log.WithFields(logger.Fields{
		logger.FieldJobID:  jobID,
		logger.FieldUserID: userID,
	})

	var lastResult *IngestResult
	for _, file := range files {
		result, err := s.processFile(ctx, jobID, userID, file, step, log)
		if err != nil {
			log.WithError(err).WithField(logger.FieldFile, file.Name).Error("Upload job failed")
			s.fail(jobID, err)
			s.cleanup(ctx, jobID, log)
			return
		}
		lastResult = result
	}

	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.State = domain.JobStateSuccess
		job.Progress = 100
		job.StatusMessage = "Documents ready"
		job.Severity = domain.SeveritySuccess
		if lastResult != nil {
			job.FilterTags = lastResult.FilterTag
		}
		job.UpdatedAt = s.now()
	}
	s.mu.Unlock()

	log.Info("Upload job completed")
	s.scheduleReset(jobID)
}

// processFile drives a single file through upload, parse, and ingestion.
func (s *TrackerService) processFile(ctx context.Context, jobID, userID string, file UploadFile, step float64, log *logger.Logger) (*IngestResult, error) {
	// Upload
	key := objectKey(userID, file.Name)
	size := file.Size
	if size == 0 {
		size = int64(len(file.Content))
	}
	if err := s.store.Upload(ctx, key, bytes.NewReader(file.Content), size, "application/octet-stream"); err != nil {
		return nil, NewProviderError("storage", err)
	}
	s.recordUpload(jobID, key)
	s.advance(jobID, domain.JobStateUploading, step, fmt.Sprintf("Uploaded %s", file.Name))

	// Parse submission
	providerJobID, err := s.parse.Submit(ctx, file.Name, bytes.NewReader(file.Content))
	if err != nil {
		return nil, NewProviderError("parser", err)
	}
	s.setProviderJob(jobID, providerJobID)
	s.advance(jobID, domain.JobStateParsing, 0, fmt.Sprintf("Parsing %s", file.Name))

	// Poll until terminal status, fixed interval, bounded attempts
	if err := s.pollParse(ctx, jobID, providerJobID, file.Name); err != nil {
		return nil, err
	}
	s.advance(jobID, domain.JobStateAnalyzing, step, fmt.Sprintf("Analyzing %s", file.Name))

	pages, err := s.parse.FetchPages(ctx, providerJobID)
	if err != nil {
		return nil, NewProviderError("parser", err)
	}
	if len(pages) == 0 {
		return nil, ErrParseFailed
	}

	result, err := s.ingestor.Ingest(ctx, pages, file.Name, userID)
	if err != nil {
		return nil, err
	}
	s.advance(jobID, domain.JobStateFinalizing, step, fmt.Sprintf("Finalizing %s", file.Name))

	log.WithFields(logger.Fields{
		logger.FieldFile:      file.Name,
		logger.FieldFilterTag: result.FilterTag,
		logger.FieldCount:     result.PagesPersisted,
	}).Info("File ingested")

	s.advance(jobID, domain.JobStateFinalizing, step, fmt.Sprintf("Finished %s", file.Name))
	return result, nil
}

// pollParse polls the parse service until SUCCESS, failing on a terminal error
// status or when the attempt limit is reached.
func (s *TrackerService) pollParse(ctx context.Context, jobID, providerJobID, fileName string) error {
	for attempt := 1; attempt <= s.cfg.MaxPolls; attempt++ {
		status, err := s.parse.Status(ctx, providerJobID)
		if err != nil {
			return NewProviderError("parser", err)
		}

		switch status {
		case parser.StatusSuccess:
			return nil
		case parser.StatusError, "FAILED":
			return ErrParseFailed
		case parser.StatusPending:
			s.setMessage(jobID, fmt.Sprintf("Parsing %s (%d)", fileName, attempt))
		default:
			s.setMessage(jobID, fmt.Sprintf("Parsing %s: %s", fileName, status))
		}

		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
	return ErrPollLimitExceeded
}

// cleanup deletes the blobs uploaded for this job. Best-effort: failures are
// logged and the job's error state stands.
func (s *TrackerService) cleanup(ctx context.Context, jobID string, log *logger.Logger) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	var keys []string
	if ok {
		keys = append(keys, job.UploadedKeys...)
	}
	s.mu.RUnlock()

	if len(keys) == 0 {
		return
	}
	if err := s.store.Remove(ctx, keys); err != nil {
		log.WithError(err).WithField(logger.FieldCount, len(keys)).
			Warn("Cleanup of uploaded files failed")
	}
}

func (s *TrackerService) scheduleReset(jobID string) {
	time.AfterFunc(s.cfg.ResetDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[jobID]
		if !ok || job.State != domain.JobStateSuccess {
			return
		}
		job.State = domain.JobStateIdle
		job.Progress = 0
		job.StatusMessage = ""
		job.Severity = domain.SeverityInfo
		job.UpdatedAt = s.now()
	})
}

func (s *TrackerService) fail(jobID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.State = domain.JobStateError
	job.StatusMessage = userMessage(err)
	job.Severity = domain.SeverityError
	job.UpdatedAt = s.now()
}

func (s *TrackerService) advance(jobID string, state domain.JobState, progressDelta float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.State = state
	job.Progress += progressDelta
	if job.Progress > 100 {
		job.Progress = 100
	}
	job.StatusMessage = message
	job.UpdatedAt = s.now()
}

func (s *TrackerService) setMessage(jobID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.StatusMessage = message
		job.UpdatedAt = s.now()
	}
}

func (s *TrackerService) setProviderJob(jobID, providerJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.ProviderJobID = providerJobID
		job.UpdatedAt = s.now()
	}
}

func (s *TrackerService) recordUpload(jobID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.UploadedKeys = append(job.UploadedKeys, key)
	}
}

// objectKey builds the storage key for a user's file. The name component is
// base64url-encoded so arbitrary file names stay within key-safe characters.
func objectKey(userID, fileName string) string {
	return userID + "/" + base64.RawURLEncoding.EncodeToString([]byte(fileName))
}

// userMessage flattens an error into the short status string shown to users.
func userMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return err.Error()
	case err == ErrParseFailed:
		return "Document parsing failed"
	case err == ErrPollLimitExceeded:
		return "Document parsing timed out"
	case err == ErrIngestTimeout:
		return "Document processing timed out"
	default:
		return "Document processing failed"
	}
}
