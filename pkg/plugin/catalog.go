package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a fresh, unconfigured plugin instance.
type Constructor[T any] func() (T, error)

// Catalog maps implementation ids to constructors.
//
// A Catalog is the compiled-in half of plugin resolution: configuration
// names an implementation id (the "classname"), the catalog knows how to
// build it. Catalogs are created explicitly by whatever assembles the
// service and handed to factories; there is no process-wide catalog.
//
// Catalog is safe for concurrent use.
type Catalog[T any] struct {
	mu    sync.RWMutex
	ctors map[string]Constructor[T]
}

// NewCatalog creates an empty catalog.
func NewCatalog[T any]() *Catalog[T] {
	return &Catalog[T]{ctors: make(map[string]Constructor[T])}
}

// Register adds a constructor under the given implementation id.
// Registering the same id twice is an error.
func (c *Catalog[T]) Register(id string, ctor Constructor[T]) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("implementation id is required")
	}
	if ctor == nil {
		return fmt.Errorf("constructor for %s is nil", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.ctors[id]; exists {
		return fmt.Errorf("implementation %s already registered", id)
	}
	c.ctors[id] = ctor
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (c *Catalog[T]) MustRegister(id string, ctor Constructor[T]) {
	if err := c.Register(id, ctor); err != nil {
		panic(err)
	}
}

// IDs returns the registered implementation ids, sorted.
func (c *Catalog[T]) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.ctors))
	for id := range c.ctors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve finds the constructor for classname.
//
// The classname is tried as-is first, then qualified by each search path
// in order ("<path>.<classname>"). It returns the id that matched.
func (c *Catalog[T]) Resolve(classname string, searchPaths []string) (string, Constructor[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ctor, ok := c.ctors[classname]; ok {
		return classname, ctor, true
	}
	for _, p := range searchPaths {
		p = strings.TrimSuffix(strings.TrimSpace(p), ".")
		if p == "" {
			continue
		}
		id := p + "." + classname
		if ctor, ok := c.ctors[id]; ok {
			return id, ctor, true
		}
	}
	return "", nil, false
}
