package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a call chain.
const (
	FieldRequestID    = "request_id"
	FieldComponent    = "component"
	FieldJobID        = "job_id"
	FieldJobType      = "job_type"
	FieldOwnerID      = "owner_id"
	FieldCallerID     = "caller_id"
	FieldStage        = "stage"
	FieldSubscriberID = "subscriber_id"
)

// Metric fields, attached per entry and used for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldProgress   = "progress"
	FieldStatus     = "status"
	FieldSize       = "size"
)
