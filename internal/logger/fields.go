package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the upload job ID
	FieldJobID = "job_id"

	// FieldUserID is the owning user ID
	FieldUserID = "user_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldFile is the source file name being ingested
	FieldFile = "file"

	// FieldPage is the 1-based page number within a document
	FieldPage = "page"

	// FieldFilterTag is the derived ingestion-run filter tag
	FieldFilterTag = "filter_tag"

	// FieldGenFunction identifies the generative call site for telemetry
	FieldGenFunction = "function_id"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
