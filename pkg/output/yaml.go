package output

import (
	"context"
	"io"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/taskd/pkg/plugin"
)

// YAMLEncoder writes one YAML document per record.
//
//	encoders:
//	  yaml:
//	    classname: YAMLEncoder
//	    indent: 4
type YAMLEncoder struct {
	plugin.InitFlag
	stream

	indent int
	enc    *yaml.Encoder
}

// yamlRecord mirrors Record with a structured payload.
type yamlRecord struct {
	Type   string    `yaml:"type"`
	TS     time.Time `yaml:"ts"`
	JobID  int64     `yaml:"job_id"`
	Source string    `yaml:"source"`
	Data   any       `yaml:"data"`
}

type yamlConfig struct {
	Indent int `mapstructure:"indent"`
}

// Configure implements plugin.Plugin.
func (e *YAMLEncoder) Configure(name string, cfg *viper.Viper) error {
	var c yamlConfig
	if err := plugin.Decode(cfg, &c); err != nil {
		return err
	}
	e.indent = c.Indent
	if e.indent <= 0 {
		e.indent = 2
	}
	return nil
}

// Extension implements Encoder.
func (e *YAMLEncoder) Extension() string { return "yaml" }

// Open implements Encoder.
func (e *YAMLEncoder) Open(w io.Writer, jobID int64, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.open(w, jobID, source); err != nil {
		return err
	}
	e.enc = yaml.NewEncoder(w)
	e.enc.SetIndent(e.indent)
	return nil
}

// WriteObject emits an object document.
func (e *YAMLEncoder) WriteObject(ctx context.Context, obj *ObjectRecord) error {
	return e.writeDoc(ctx, TypeObject, obj)
}

// WriteError emits an error document.
func (e *YAMLEncoder) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return e.writeDoc(ctx, TypeError, rec)
}

// WriteSummary emits a summary document.
func (e *YAMLEncoder) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return e.writeDoc(ctx, TypeSummary, sum)
}

// Finish closes the document stream and unbinds the writer.
func (e *YAMLEncoder) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return ErrNotOpen
	}
	err := e.enc.Close()
	e.enc = nil
	e.reset()
	if err != nil {
		return &WriteError{Op: "close", Err: err}
	}
	return nil
}

func (e *YAMLEncoder) writeDoc(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return ErrNotOpen
	}

	doc := yamlRecord{
		Type:   recordType,
		TS:     time.Now().UTC(),
		JobID:  e.jobID,
		Source: e.source,
		Data:   data,
	}
	if err := e.enc.Encode(doc); err != nil {
		return &WriteError{Op: "encode", Err: err}
	}
	return nil
}

var _ Encoder = (*YAMLEncoder)(nil)
