// Package plugin builds objects whose concrete type is chosen by
// configuration rather than by compile-time reference.
//
// Configuration declares entries under a radix:
//
//	encoders:
//	  search_paths: [output]
//	  csv:
//	    classname: CSVEncoder
//	    delimiter: ";"
//
// A Catalog maps implementation ids ("output.CSVEncoder") to constructors.
// A Factory joins the two: Get("csv") builds a CSVEncoder and hands it its
// own sub-tree through Plugin.Configure. PooledFactory reuses configured
// instances instead of building one per call.
package plugin

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Plugin is implemented by every configurable plugin.
type Plugin interface {
	// Configure receives the short name the plugin was declared under and
	// its private configuration sub-tree.
	Configure(name string, cfg *viper.Viper) error
}

// resolved is a descriptor bound to its constructor at configure time.
type resolved[T any] struct {
	desc Descriptor
	id   string
	ctor Constructor[T]
}

// Factory resolves declared short names to configured plugin instances.
//
// Configure must be called before Get; after that the factory is read-only
// and safe for concurrent use.
type Factory[T Plugin] struct {
	catalog *Catalog[T]
	logger  *zap.Logger

	mu          sync.RWMutex
	descriptors *Descriptors
	entries     map[string]resolved[T]
}

// NewFactory creates a factory backed by catalog.
func NewFactory[T Plugin](catalog *Catalog[T], logger *zap.Logger) *Factory[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil {
		catalog = NewCatalog[T]()
	}
	return &Factory[T]{
		catalog:     catalog,
		logger:      logger,
		descriptors: &Descriptors{entries: make(map[string]Descriptor)},
		entries:     make(map[string]resolved[T]),
	}
}

// Configure loads the descriptors under radix and binds each declared
// classname to a catalog constructor. root is a nested map that keeps the
// declared case of entry names (see LoadDescriptors).
//
// Classnames that do not resolve stay declared; Get reports them as
// ErrNotInstantiable.
func (f *Factory[T]) Configure(root map[string]any, radix string) error {
	if root == nil {
		return fmt.Errorf("plugin factory %q: configuration root is nil", radix)
	}

	descs, err := LoadDescriptors(root, radix)
	if err != nil {
		return fmt.Errorf("plugin factory %q: %w", radix, err)
	}
	for _, name := range descs.Skipped() {
		f.logger.Debug("Skipping plugin entry without classname",
			zap.String("radix", radix),
			zap.String("plugin", name))
	}

	paths := descs.SearchPaths()
	entries := make(map[string]resolved[T], len(descs.entries))
	for _, name := range descs.Names() {
		desc, _ := descs.Lookup(name)
		id, ctor, ok := f.catalog.Resolve(desc.Classname, paths)
		if !ok {
			f.logger.Warn("Plugin implementation not found",
				zap.String("radix", radix),
				zap.String("plugin", name),
				zap.String("classname", desc.Classname),
				zap.Strings("search_paths", paths))
		}
		entries[name] = resolved[T]{desc: desc, id: id, ctor: ctor}
	}

	f.mu.Lock()
	f.descriptors = descs
	f.entries = entries
	f.mu.Unlock()

	f.logger.Debug("Plugin factory configured",
		zap.String("radix", radix),
		zap.Int("declared", len(entries)))
	return nil
}

// Radix returns the radix passed to Configure.
func (f *Factory[T]) Radix() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.descriptors.Radix()
}

// Names returns the declared short names, sorted.
func (f *Factory[T]) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.descriptors.Names()
}

// Descriptor returns the declared entry for name.
func (f *Factory[T]) Descriptor(name string) (Descriptor, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.descriptors.Lookup(name)
}

// Get builds and configures a new instance of the plugin declared as name.
func (f *Factory[T]) Get(name string) (T, error) {
	var zero T

	entry, err := f.lookup("Get", name)
	if err != nil {
		return zero, err
	}

	inst, err := f.construct(entry)
	if err != nil {
		return zero, err
	}

	if err := inst.Configure(name, entry.desc.Config); err != nil {
		return zero, f.wrap("configure", entry, notInstantiable(err))
	}
	return inst, nil
}

// lookup returns the resolved entry or an ErrNotDeclared/ErrNotInstantiable.
func (f *Factory[T]) lookup(op, name string) (resolved[T], error) {
	f.mu.RLock()
	entry, ok := f.entries[name]
	radix := f.descriptors.Radix()
	f.mu.RUnlock()

	if !ok {
		return entry, &Error{Op: op, Radix: radix, Name: name, Err: ErrNotDeclared}
	}
	if entry.ctor == nil {
		return entry, f.wrap(op, entry, notInstantiable(fmt.Errorf("classname %s not found in catalog", entry.desc.Classname)))
	}
	return entry, nil
}

// construct runs the constructor, converting failures and panics into
// ErrNotInstantiable.
func (f *Factory[T]) construct(entry resolved[T]) (inst T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.wrap("construct", entry, notInstantiable(fmt.Errorf("constructor panic: %v", r)))
		}
	}()

	inst, err = entry.ctor()
	if err != nil {
		return inst, f.wrap("construct", entry, notInstantiable(err))
	}
	if isNil(inst) {
		return inst, f.wrap("construct", entry, notInstantiable(fmt.Errorf("constructor returned nil")))
	}
	return inst, nil
}

func (f *Factory[T]) wrap(op string, entry resolved[T], err error) error {
	f.mu.RLock()
	radix := f.descriptors.Radix()
	f.mu.RUnlock()
	return &Error{Op: op, Radix: radix, Name: entry.desc.Name, Classname: entry.desc.Classname, Err: err}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
