// Package match selects object keys for inventory jobs using doublestar
// globs, with static prefix derivation so listings can be narrowed.
package match

import (
	"errors"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns; a key must match at least one.
	Includes []string `mapstructure:"include"`

	// Excludes are glob patterns; a key must match none.
	Excludes []string `mapstructure:"exclude"`

	// IncludeHidden lets keys with a dot-prefixed segment through.
	IncludeHidden bool `mapstructure:"include_hidden"`

	// MinSize and MaxSize bound object sizes ("10MB", "1GiB", "512").
	MinSize string `mapstructure:"min_size"`
	MaxSize string `mapstructure:"max_size"`

	// ModifiedAfter keeps objects modified at or after the given date
	// ("2024-01-15" or RFC 3339).
	ModifiedAfter string `mapstructure:"modified_after"`
}

// Errors returned by New.
var (
	ErrNoIncludes     = errors.New("at least one include pattern is required")
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError names the pattern that failed validation.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	prefixes      []string
	includeHidden bool

	minSize       int64
	maxSize       int64
	modifiedAfter time.Time
}

// New validates cfg and builds a Matcher.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	m := &Matcher{
		includes:      includes,
		excludes:      excludes,
		prefixes:      DerivePrefixes(includes),
		includeHidden: cfg.IncludeHidden,
		maxSize:       -1,
	}

	if cfg.MinSize != "" {
		if m.minSize, err = ParseSize(cfg.MinSize); err != nil {
			return nil, err
		}
	}
	if cfg.MaxSize != "" {
		if m.maxSize, err = ParseSize(cfg.MaxSize); err != nil {
			return nil, err
		}
		if m.maxSize < m.minSize {
			return nil, errors.New("max_size must not be below min_size")
		}
	}
	if cfg.ModifiedAfter != "" {
		if m.modifiedAfter, err = ParseDate(cfg.ModifiedAfter); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether key passes the include, exclude and hidden rules.
// Keys are opaque and matched as-is.
func (m *Matcher) Match(key string) bool {
	if !m.includeHidden && IsHidden(key) {
		return false
	}
	if !anyMatch(m.includes, key) {
		return false
	}
	return !anyMatch(m.excludes, key)
}

// Accept is Match plus the size and modification filters.
func (m *Matcher) Accept(key string, size int64, modified time.Time) bool {
	if !m.Match(key) {
		return false
	}
	if size < m.minSize || (m.maxSize >= 0 && size > m.maxSize) {
		return false
	}
	if !m.modifiedAfter.IsZero() && modified.Before(m.modifiedAfter) {
		return false
	}
	return true
}

// Prefixes returns the deduplicated listing prefixes. A single empty
// prefix means a full listing is required.
func (m *Matcher) Prefixes() []string {
	return append([]string(nil), m.prefixes...)
}

// IncludePatterns returns the include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

func anyMatch(patterns []string, key string) bool {
	for _, p := range patterns {
		// Patterns were validated in New; Match only errors on bad patterns.
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}

// IsHidden reports whether any '/'-separated segment of key starts with a dot.
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
