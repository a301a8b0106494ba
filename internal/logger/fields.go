package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldUploadID is the upload job the work belongs to
	FieldUploadID = "upload_id"

	// FieldBatchID is the claim token of a processor batch
	FieldBatchID = "batch_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldOperator is the identity behind a manual or destructive action
	FieldOperator = "operator"

	// FieldTask is the scheduled task name
	FieldTask = "task"
)

// Metric fields, attached per entry for aggregation and alerting.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldRecordType is the TDDF record identifier (DT, BH, ...)
	FieldRecordType = "record_type"

	// FieldPhase is an upload pipeline phase
	FieldPhase = "phase"

	// FieldObjectKey is an object storage key
	FieldObjectKey = "object_key"
)
