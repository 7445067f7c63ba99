package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors for plugin resolution.
var (
	// ErrNotDeclared indicates the short name was never declared under the
	// configured radix.
	ErrNotDeclared = errors.New("plugin not declared")

	// ErrNotInstantiable indicates the implementation could not be resolved,
	// constructed, or configured.
	ErrNotInstantiable = errors.New("plugin not instantiable")
)

// Error wraps plugin resolution errors with context.
type Error struct {
	// Op is the operation that failed (e.g., "Get", "configure").
	Op string

	// Radix is the configuration radix the factory was built from.
	Radix string

	// Name is the declared short name.
	Name string

	// Classname is the implementation id, if known.
	Classname string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Classname != "" {
		return fmt.Sprintf("plugin %s %s.%s (%s): %v", e.Op, e.Radix, e.Name, e.Classname, e.Err)
	}
	return fmt.Sprintf("plugin %s %s.%s: %v", e.Op, e.Radix, e.Name, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotDeclared returns true if the error indicates an undeclared plugin name.
func IsNotDeclared(err error) bool {
	return errors.Is(err, ErrNotDeclared)
}

// IsNotInstantiable returns true if the error indicates the plugin could not
// be built.
func IsNotInstantiable(err error) bool {
	return errors.Is(err, ErrNotInstantiable)
}

// notInstantiable builds an ErrNotInstantiable chain that keeps the cause.
func notInstantiable(cause error) error {
	if cause == nil {
		return ErrNotInstantiable
	}
	return fmt.Errorf("%w: %w", ErrNotInstantiable, cause)
}
