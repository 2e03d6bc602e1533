package logger

// Standard field names for consistent structured logging across the world
// model. Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldSessionID = "session_id"
	FieldRole      = "role"
	FieldOrigin    = "origin"
	FieldURI       = "uri"
	FieldAttribute = "attribute"
	FieldTicket    = "ticket"
	FieldPattern   = "pattern"

	// Components
	FieldComponent = "component"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// Errors
	FieldError = "error"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
)
