package domain

import "time"

// JobState represents the lifecycle state of an upload job.
// A job moves idle -> uploading -> parsing -> analyzing -> finalizing and ends
// in success or error. Success resets back to idle after a fixed delay.
type JobState string

const (
	JobStateIdle       JobState = "idle"
	JobStateUploading  JobState = "uploading"
	JobStateParsing    JobState = "parsing"
	JobStateAnalyzing  JobState = "analyzing"
	JobStateFinalizing JobState = "finalizing"
	JobStateSuccess    JobState = "success"
	JobStateError      JobState = "error"
)

// Terminal reports whether the state is a terminal outcome.
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateError
}

// StatusSeverity classifies the user-visible status message.
type StatusSeverity string

const (
	SeverityInfo    StatusSeverity = "info"
	SeveritySuccess StatusSeverity = "success"
	SeverityError   StatusSeverity = "error"
)

// UploadJob tracks one file-submission round through upload, parsing, and
// ingestion. The parse-provider job identifier is assigned only after the
// external parse service accepts the file; until then ProviderJobID is empty.
type UploadJob struct {
	ID            string         `json:"id"`
	ProviderJobID string         `json:"provider_job_id,omitempty"`
	UserID        string         `json:"user_id"`
	FileName      string         `json:"file_name"`
	State         JobState       `json:"state"`
	Progress      float64        `json:"progress"`
	StatusMessage string         `json:"status_message"`
	Severity      StatusSeverity `json:"severity"`
	FilterTags    string         `json:"filter_tags,omitempty"`
	UploadedKeys  []string       `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
