package models

import "time"

// Failure types for dead-letter records.
const (
	FailureTypePermanent  = "permanent"
	FailureTypeValidation = "validation"
	FailureTypeNotFound   = "not_found"
	FailureTypeUnknown    = "unknown"
)

// DeadLetter describes a notification the dispatcher gave up on. The original
// record bytes are kept verbatim (base64 in JSON) so an operator can replay
// them even when they do not decode.
type DeadLetter struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	Action        string            `json:"action,omitempty"`
	Topic         string            `json:"topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Original      []byte            `json:"original"`
	FailureType   string            `json:"failure_type"`
	LastError     string            `json:"last_error,omitempty"`
	FailedAt      time.Time         `json:"failed_at"`
	TraceID       string            `json:"trace_id,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}
