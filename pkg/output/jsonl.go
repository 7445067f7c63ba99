package output

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/viper"

	"github.com/3leaps/taskd/pkg/plugin"
)

// JSONLEncoder writes records as newline-delimited JSON envelopes.
//
//	encoders:
//	  jsonl:
//	    classname: JSONLEncoder
//	    errors: true   # emit error records (default true)
type JSONLEncoder struct {
	plugin.InitFlag
	stream

	name       string
	emitErrors bool
	now        func() time.Time
}

type jsonlConfig struct {
	Errors *bool `mapstructure:"errors"`
}

// Configure implements plugin.Plugin.
func (e *JSONLEncoder) Configure(name string, cfg *viper.Viper) error {
	var c jsonlConfig
	if err := plugin.Decode(cfg, &c); err != nil {
		return err
	}
	e.name = name
	e.emitErrors = c.Errors == nil || *c.Errors
	e.now = time.Now
	return nil
}

// Extension implements Encoder.
func (e *JSONLEncoder) Extension() string { return "jsonl" }

// Open implements Encoder.
func (e *JSONLEncoder) Open(w io.Writer, jobID int64, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open(w, jobID, source)
}

// WriteObject emits an object record.
func (e *JSONLEncoder) WriteObject(ctx context.Context, obj *ObjectRecord) error {
	return e.writeRecord(ctx, TypeObject, obj)
}

// WriteError emits an error record, unless error records are disabled.
func (e *JSONLEncoder) WriteError(ctx context.Context, rec *ErrorRecord) error {
	if !e.emitErrors {
		return ctx.Err()
	}
	return e.writeRecord(ctx, TypeError, rec)
}

// WriteSummary emits a summary record.
func (e *JSONLEncoder) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return e.writeRecord(ctx, TypeSummary, sum)
}

// Finish unbinds the writer. The underlying writer is not closed.
func (e *JSONLEncoder) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return ErrNotOpen
	}
	e.reset()
	return nil
}

// writeRecord marshals data and writes a complete record line while
// holding the lock, so lines never interleave.
func (e *JSONLEncoder) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now
	if e.now != nil {
		now = e.now
	}
	record := Record{
		Type:   recordType,
		TS:     now().UTC(),
		JobID:  e.jobID,
		Source: e.source,
		Data:   dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	recordBytes = append(recordBytes, '\n')
	if err := writeAll(e.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

var _ Encoder = (*JSONLEncoder)(nil)
