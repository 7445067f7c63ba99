package output

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"

	"github.com/3leaps/taskd/pkg/plugin"
)

// CSV columns.
const (
	ColumnKey          = "key"
	ColumnSize         = "size"
	ColumnETag         = "etag"
	ColumnLastModified = "last_modified"
)

var defaultColumns = []string{ColumnKey, ColumnSize, ColumnETag, ColumnLastModified}

// CSVEncoder writes object rows. Error and summary records are dropped;
// they belong in the job status, not the spreadsheet.
//
//	encoders:
//	  csv:
//	    classname: CSVEncoder
//	    delimiter: ";"
//	    header: true
//	    columns: key,size
type CSVEncoder struct {
	plugin.InitFlag
	stream

	delimiter rune
	header    bool
	columns   []string

	cw *csv.Writer
}

type csvConfig struct {
	Delimiter string   `mapstructure:"delimiter"`
	Header    *bool    `mapstructure:"header"`
	Columns   []string `mapstructure:"columns"`
}

// Configure implements plugin.Plugin.
func (e *CSVEncoder) Configure(name string, cfg *viper.Viper) error {
	var c csvConfig
	if err := plugin.Decode(cfg, &c); err != nil {
		return err
	}

	e.delimiter = ','
	if c.Delimiter != "" {
		if c.Delimiter == `\t` {
			c.Delimiter = "\t"
		}
		r, size := utf8.DecodeRuneInString(c.Delimiter)
		if size != len(c.Delimiter) || r == '"' || r == '\r' || r == '\n' {
			return fmt.Errorf("csv encoder %s: invalid delimiter %q", name, c.Delimiter)
		}
		e.delimiter = r
	}

	e.header = c.Header == nil || *c.Header

	e.columns = defaultColumns
	if len(c.Columns) > 0 {
		e.columns = nil
		for _, col := range c.Columns {
			col = strings.ToLower(strings.TrimSpace(col))
			switch col {
			case ColumnKey, ColumnSize, ColumnETag, ColumnLastModified:
				e.columns = append(e.columns, col)
			case "":
			default:
				return fmt.Errorf("csv encoder %s: unknown column %q", name, col)
			}
		}
	}
	return nil
}

// Extension implements Encoder.
func (e *CSVEncoder) Extension() string { return "csv" }

// Open implements Encoder. The header row is written immediately.
func (e *CSVEncoder) Open(w io.Writer, jobID int64, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.open(w, jobID, source); err != nil {
		return err
	}

	e.cw = csv.NewWriter(w)
	if e.delimiter != 0 {
		e.cw.Comma = e.delimiter
	}
	if e.header {
		if err := e.cw.Write(e.columns); err != nil {
			e.reset()
			return &WriteError{Op: "write_header", Err: err}
		}
	}
	return nil
}

// WriteObject appends one row.
func (e *CSVEncoder) WriteObject(ctx context.Context, obj *ObjectRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	row := make([]string, 0, len(e.columns))
	for _, col := range e.columns {
		switch col {
		case ColumnKey:
			row = append(row, obj.Key)
		case ColumnSize:
			row = append(row, strconv.FormatInt(obj.Size, 10))
		case ColumnETag:
			row = append(row, obj.ETag)
		case ColumnLastModified:
			row = append(row, obj.LastModified.UTC().Format(time.RFC3339))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cw == nil {
		return ErrNotOpen
	}
	if err := e.cw.Write(row); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// WriteError implements Encoder; CSV artifacts carry no error rows.
func (e *CSVEncoder) WriteError(ctx context.Context, _ *ErrorRecord) error {
	return ctx.Err()
}

// WriteSummary implements Encoder; CSV artifacts carry no summary row.
func (e *CSVEncoder) WriteSummary(ctx context.Context, _ *SummaryRecord) error {
	return ctx.Err()
}

// Finish flushes buffered rows and unbinds the writer.
func (e *CSVEncoder) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cw == nil {
		return ErrNotOpen
	}
	e.cw.Flush()
	err := e.cw.Error()
	e.cw = nil
	e.reset()
	if err != nil {
		return &WriteError{Op: "flush", Err: err}
	}
	return nil
}

var _ Encoder = (*CSVEncoder)(nil)
