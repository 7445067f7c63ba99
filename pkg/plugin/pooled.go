package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"
)

// PoolSizeKey overrides the pool capacity of a single declared entry.
const PoolSizeKey = "pool_size"

// DefaultPoolSize is the per-entry pool capacity when none is configured.
const DefaultPoolSize = 8

// Pooled is a plugin that can be checked out, returned, and handed out
// again. Configure runs only for instances that report !IsInitialized.
//
// Pooled plugins must be pointer types: the factory tracks checked-out
// instances by identity.
type Pooled interface {
	Plugin
	IsInitialized() bool
	MarkInitialized()
}

// InitFlag implements the initialization half of Pooled for embedding.
type InitFlag struct {
	initialized atomic.Bool
}

// IsInitialized reports whether Configure already ran on this instance.
func (f *InitFlag) IsInitialized() bool { return f.initialized.Load() }

// MarkInitialized records that Configure ran.
func (f *InitFlag) MarkInitialized() { f.initialized.Store(true) }

// PoolConfig configures a PooledFactory.
type PoolConfig struct {
	// MaxSize caps the instances alive per declared entry.
	// Default: DefaultPoolSize
	MaxSize int32
}

// PoolStats is a snapshot of one entry's pool.
type PoolStats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

// PooledFactory hands out configured plugin instances from per-entry
// pools instead of building one per call.
//
// Pools are keyed by declared entry, which pins both the implementation
// type and the configuration an instance was initialized with.
type PooledFactory[T Pooled] struct {
	base   *Factory[T]
	config PoolConfig
	logger *zap.Logger

	mu     sync.Mutex
	pools  map[string]*puddle.Pool[T]
	out    map[any]*puddle.Resource[T]
	closed bool
}

// NewPooledFactory creates a pooled factory backed by catalog.
func NewPooledFactory[T Pooled](catalog *Catalog[T], cfg PoolConfig, logger *zap.Logger) *PooledFactory[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultPoolSize
	}
	return &PooledFactory[T]{
		base:   NewFactory(catalog, logger),
		config: cfg,
		logger: logger,
		pools:  make(map[string]*puddle.Pool[T]),
		out:    make(map[any]*puddle.Resource[T]),
	}
}

// Configure loads descriptors under radix and creates one pool per
// resolvable entry. Pools from a previous Configure are closed.
func (f *PooledFactory[T]) Configure(root map[string]any, radix string) error {
	if err := f.base.Configure(root, radix); err != nil {
		return err
	}

	pools := make(map[string]*puddle.Pool[T])
	for _, name := range f.base.Names() {
		entry, err := f.base.lookup("Configure", name)
		if err != nil {
			// Unresolvable classnames surface on Get.
			continue
		}

		size := f.config.MaxSize
		if n := entry.desc.Config.GetInt(PoolSizeKey); n > 0 {
			size = int32(n)
		}

		pool, err := puddle.NewPool(&puddle.Config[T]{
			Constructor: func(context.Context) (T, error) {
				return f.base.construct(entry)
			},
			Destructor: func(v T) {
				if c, ok := any(v).(io.Closer); ok {
					_ = c.Close()
				}
			},
			MaxSize: size,
		})
		if err != nil {
			for _, p := range pools {
				p.Close()
			}
			return fmt.Errorf("create pool for %s.%s: %w", radix, name, err)
		}
		pools[name] = pool
	}

	f.mu.Lock()
	old := f.pools
	f.pools = pools
	f.closed = false
	f.mu.Unlock()

	for _, p := range old {
		p.Close()
	}
	return nil
}

// Names returns the declared short names, sorted.
func (f *PooledFactory[T]) Names() []string {
	return f.base.Names()
}

// Descriptor returns the declared entry for name.
func (f *PooledFactory[T]) Descriptor(name string) (Descriptor, bool) {
	return f.base.Descriptor(name)
}

// Get checks out an instance of the plugin declared as name, configuring it
// if it has never been handed out before. Get blocks while the entry's pool
// is exhausted, until ctx is done.
//
// Every instance obtained from Get must be returned with Put.
func (f *PooledFactory[T]) Get(ctx context.Context, name string) (T, error) {
	var zero T

	entry, err := f.base.lookup("Get", name)
	if err != nil {
		return zero, err
	}

	f.mu.Lock()
	pool := f.pools[name]
	closed := f.closed
	f.mu.Unlock()
	if pool == nil || closed {
		return zero, f.base.wrap("Get", entry, notInstantiable(puddle.ErrClosedPool))
	}

	res, err := pool.Acquire(ctx)
	if err != nil {
		var perr *Error
		switch {
		case errors.As(err, &perr):
			return zero, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, err
		default:
			return zero, f.base.wrap("Get", entry, notInstantiable(err))
		}
	}

	inst := res.Value()
	if !inst.IsInitialized() {
		if err := inst.Configure(name, entry.desc.Config); err != nil {
			res.Destroy()
			return zero, f.base.wrap("configure", entry, notInstantiable(err))
		}
		inst.MarkInitialized()
	}

	f.mu.Lock()
	f.out[any(inst)] = res
	f.mu.Unlock()

	return inst, nil
}

// Put returns an instance obtained from Get. It reports false when the
// instance is not currently checked out from this factory.
func (f *PooledFactory[T]) Put(inst T) bool {
	if isNil(inst) {
		return false
	}

	f.mu.Lock()
	res, ok := f.out[any(inst)]
	if ok {
		delete(f.out, any(inst))
	}
	f.mu.Unlock()

	if !ok {
		f.logger.Debug("Ignoring return of unknown plugin instance")
		return false
	}
	res.Release()
	return true
}

// Run checks out name, runs fn with it, and returns the instance on every
// exit path, including errors and panics raised by fn.
func (f *PooledFactory[T]) Run(ctx context.Context, name string, fn func(T) error) error {
	inst, err := f.Get(ctx, name)
	if err != nil {
		return err
	}
	defer f.Put(inst)

	return fn(inst)
}

// Call is Run for bodies that produce a value.
func Call[T Pooled, R any](ctx context.Context, f *PooledFactory[T], name string, fn func(T) (R, error)) (R, error) {
	var out R
	err := f.Run(ctx, name, func(inst T) error {
		var err error
		out, err = fn(inst)
		return err
	})
	return out, err
}

// Stats returns a snapshot of the pool behind name.
func (f *PooledFactory[T]) Stats(name string) (PoolStats, bool) {
	f.mu.Lock()
	pool := f.pools[name]
	f.mu.Unlock()
	if pool == nil {
		return PoolStats{}, false
	}

	st := pool.Stat()
	return PoolStats{
		Total:    st.TotalResources(),
		Idle:     st.IdleResources(),
		Acquired: st.AcquiredResources(),
		Max:      st.MaxResources(),
	}, true
}

// Close closes every pool. It blocks until checked-out instances have been
// returned.
func (f *PooledFactory[T]) Close() {
	f.mu.Lock()
	pools := f.pools
	f.pools = make(map[string]*puddle.Pool[T])
	f.closed = true
	f.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
