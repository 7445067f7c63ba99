// Package output encodes job artifacts.
//
// Encoders are pooled plugins: a job checks one out, opens it on an
// artifact file, streams object, error and summary records through it, and
// returns it. JSONL and YAML artifacts carry typed record envelopes; CSV
// artifacts carry object rows only.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for artifact records.
// These follow the pattern: taskd.<type>.v<version>
const (
	// TypeObject identifies object listing records.
	TypeObject = "taskd.object.v1"

	// TypeError identifies error records.
	TypeError = "taskd.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "taskd.summary.v1"
)

// Record is the envelope for JSONL output.
//
// The type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "taskd.object.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the id of the job that produced the artifact.
	JobID int64 `json:"job_id"`

	// Source identifies the listing backend (e.g., "s3", "file").
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ObjectRecord is the data payload for object listings.
type ObjectRecord struct {
	// Key is the full object key (path) in the bucket or directory.
	Key string `json:"key" yaml:"key"`

	// Size is the object size in bytes.
	Size int64 `json:"size" yaml:"size"`

	// ETag is the entity tag, empty for local files.
	ETag string `json:"etag,omitempty" yaml:"etag,omitempty"`

	// LastModified is when the object was last modified.
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole job,
// allowing partial results when some operations fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code" yaml:"code"`

	// Message is a human-readable error description.
	Message string `json:"message" yaml:"message"`

	// Key is the object key related to this error, if applicable.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeThrottled    = "THROTTLED"
	ErrCodeUnavailable  = "PROVIDER_UNAVAILABLE"
	ErrCodeInternal     = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// ObjectsFound is the total number of objects seen.
	ObjectsFound int64 `json:"objects_found" yaml:"objects_found"`

	// ObjectsMatched is the number of objects matching patterns.
	ObjectsMatched int64 `json:"objects_matched" yaml:"objects_matched"`

	// BytesTotal is the cumulative size of matched objects in bytes.
	BytesTotal int64 `json:"bytes_total" yaml:"bytes_total"`

	// Duration is the total listing duration.
	Duration time.Duration `json:"duration_ns" yaml:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration" yaml:"duration"`

	// Errors is the count of errors encountered.
	Errors int64 `json:"errors" yaml:"errors"`
}

// Encoder errors.
var (
	// ErrNotOpen is returned when writing before Open or after Finish.
	ErrNotOpen = errors.New("encoder is not open")

	// ErrAlreadyOpen is returned when Open is called twice without Finish.
	ErrAlreadyOpen = errors.New("encoder is already open")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
