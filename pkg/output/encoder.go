package output

import (
	"context"
	"io"
	"sync"

	"github.com/3leaps/taskd/pkg/plugin"
)

// Implementation ids registered by RegisterEncoders. With "output" on the
// plugin search path, configuration may use the bare type name.
const (
	JSONLClassname = "output.JSONLEncoder"
	CSVClassname   = "output.CSVEncoder"
	YAMLClassname  = "output.YAMLEncoder"
)

// Encoder writes one artifact stream at a time.
//
// Open binds the encoder to w; Finish flushes and unbinds it so the
// instance can go back to its pool. Encoders are safe for concurrent
// writes while open.
type Encoder interface {
	plugin.Pooled

	// Extension is the artifact file extension, without the dot.
	Extension() string

	Open(w io.Writer, jobID int64, source string) error
	WriteObject(ctx context.Context, obj *ObjectRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Finish() error
}

// RegisterEncoders adds the built-in encoders to catalog.
func RegisterEncoders(catalog *plugin.Catalog[Encoder]) error {
	ctors := map[string]plugin.Constructor[Encoder]{
		JSONLClassname: func() (Encoder, error) { return &JSONLEncoder{}, nil },
		CSVClassname:   func() (Encoder, error) { return &CSVEncoder{}, nil },
		YAMLClassname:  func() (Encoder, error) { return &YAMLEncoder{}, nil },
	}
	for id, ctor := range ctors {
		if err := catalog.Register(id, ctor); err != nil {
			return err
		}
	}
	return nil
}

// NewCatalog returns a catalog holding the built-in encoders.
func NewCatalog() *plugin.Catalog[Encoder] {
	c := plugin.NewCatalog[Encoder]()
	if err := RegisterEncoders(c); err != nil {
		panic(err)
	}
	return c
}

// stream is the per-artifact state shared by the encoders.
type stream struct {
	mu     sync.Mutex
	w      io.Writer
	jobID  int64
	source string
}

func (s *stream) open(w io.Writer, jobID int64, source string) error {
	if s.w != nil {
		return ErrAlreadyOpen
	}
	if w == nil {
		return &WriteError{Op: "open", Err: io.ErrClosedPipe}
	}
	s.w, s.jobID, s.source = w, jobID, source
	return nil
}

func (s *stream) reset() {
	s.w, s.jobID, s.source = nil, 0, ""
}

// writeAll writes all bytes to w, handling short writes.
//
// io.Writer.Write may return n < len(p) with a nil error (short write).
// This function loops until all bytes are written or an error occurs.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
