// Package alarm records operational failures on a site-wide channel.
//
// Recorders are collaborators: jobs that opt into failure reporting call
// Record when their body fails. Storage and display are up to the
// implementation.
package alarm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severity grades an alarm.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

// String returns the upper-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the severity name in JSON output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	v, ok := ParseSeverity(string(text))
	if !ok {
		return fmt.Errorf("unknown alarm severity %q", text)
	}
	*s = v
	return nil
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return SeverityInfo, true
	case "WARNING", "WARN":
		return SeverityWarning, true
	case "ERROR":
		return SeverityError, true
	case "FATAL":
		return SeverityFatal, true
	}
	return SeverityInfo, false
}

// Visibility controls who may see an alarm.
type Visibility string

const (
	// VisibilityOperators restricts the alarm to operators.
	VisibilityOperators Visibility = "operators"

	// VisibilityEveryone shows the alarm to every user.
	VisibilityEveryone Visibility = "everyone"
)

// Recorder accepts alarms.
//
// Implementations must be safe for concurrent use; jobs record from their
// own goroutines.
type Recorder interface {
	Record(severity Severity, service, component, message string, visibility Visibility)
}

// Event is one recorded alarm.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	At         time.Time  `json:"at"`
	Severity   Severity   `json:"severity"`
	Service    string     `json:"service"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Visibility Visibility `json:"visibility"`
}

// Nop discards every alarm.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Severity, string, string, string, Visibility) {}

// LogRecorder writes alarms to a zap logger.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a recorder that logs through logger.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger.Named("alarm")}
}

// Record implements Recorder.
func (r *LogRecorder) Record(severity Severity, service, component, message string, visibility Visibility) {
	fields := []zap.Field{
		zap.String("severity", severity.String()),
		zap.String("service", service),
		zap.String("component", component),
		zap.String("visibility", string(visibility)),
	}
	switch severity {
	case SeverityInfo:
		r.logger.Info(message, fields...)
	case SeverityWarning:
		r.logger.Warn(message, fields...)
	default:
		// FATAL alarms are reported, not acted on: never zap.Fatal here.
		r.logger.Error(message, fields...)
	}
}

// Ring keeps the most recent alarms in memory.
type Ring struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	next     int
	full     bool
	now      func() time.Time
}

// DefaultRingCapacity is used when NewRing gets a non-positive capacity.
const DefaultRingCapacity = 256

// NewRing creates a ring holding up to capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		events:   make([]Event, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Record implements Recorder.
func (r *Ring) Record(severity Severity, service, component, message string, visibility Visibility) {
	ev := Event{
		ID:         uuid.New(),
		At:         r.now().UTC(),
		Severity:   severity,
		Service:    service,
		Component:  component,
		Message:    message,
		Visibility: visibility,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Events returns recorded alarms, oldest first.
func (r *Ring) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, r.capacity)
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}

// Visible returns recorded alarms a viewer may see, oldest first.
func (r *Ring) Visible(operator bool) []Event {
	all := r.Events()
	if operator {
		return all
	}
	out := all[:0]
	for _, ev := range all {
		if ev.Visibility == VisibilityEveryone {
			out = append(out, ev)
		}
	}
	return out
}

// Multi fans an alarm out to several recorders.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(severity Severity, service, component, message string, visibility Visibility) {
	for _, r := range m {
		if r != nil {
			r.Record(severity, service, component, message, visibility)
		}
	}
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*LogRecorder)(nil)
	_ Recorder = (*Ring)(nil)
	_ Recorder = Multi(nil)
)
