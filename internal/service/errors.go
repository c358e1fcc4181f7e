package service

import (
	"errors"
	"fmt"
)

var (
	// ErrIngestTimeout is returned when the overall ingestion deadline expires
	// before all batches finish.
	ErrIngestTimeout = errors.New("ingestion deadline exceeded")

	// ErrJobNotFound is returned when a job id is not known to the tracker.
	ErrJobNotFound = errors.New("upload job not found")

	// ErrParseFailed is returned when the parse provider reports a FAILED status.
	ErrParseFailed = errors.New("parse service reported failure")

	// ErrPollLimitExceeded is returned when parse polling hits its maximum
	// attempt count without a terminal status.
	ErrPollLimitExceeded = errors.New("parse status poll limit exceeded")
)

// ValidationError reports bad input that is rejected before any external call
// is made, such as an oversized upload or missing required fields.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError wraps a failure from an external collaborator (parse service,
// generative model, embedding provider, blob storage, database).
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err with the provider name.
func NewProviderError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

// SchemaViolation reports a structured-model output that did not match the
// required shape. It is contained per page: the caller logs it and falls back
// to an empty analysis instead of aborting the document.
type SchemaViolation struct {
	Missing []string
}

func (e *SchemaViolation) Error() string {
	if len(e.Missing) == 0 {
		return "model output violated the expected schema"
	}
	return fmt.Sprintf("model output violated the expected schema: missing %v", e.Missing)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSchemaViolation reports whether err is a SchemaViolation.
func IsSchemaViolation(err error) bool {
	var sv *SchemaViolation
	return errors.As(err, &sv)
}
