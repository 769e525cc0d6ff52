// Package engine wires a backend, the settings manager and the external
// change watcher together from a bootstrap configuration.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/prefstore/internal/backend"
	"github.com/dshills/prefstore/internal/codec"
	"github.com/dshills/prefstore/internal/coalesce"
	"github.com/dshills/prefstore/internal/config"
	"github.com/dshills/prefstore/internal/logging"
	"github.com/dshills/prefstore/internal/notify"
	"github.com/dshills/prefstore/internal/setting"
	"github.com/dshills/prefstore/internal/watcher"
)

// Engine errors.
var (
	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("engine closed")

	// ErrWatchDisabled indicates change subscription with watching turned off.
	ErrWatchDisabled = errors.New("change watching disabled")
)

// InitError reports which component failed to start.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Option configures Open.
type Option func(*options)

type options struct {
	catalog    *setting.Catalog
	log        *logging.Logger
	store      backend.Store
	autoReload bool
	codecOpts  []codec.Option
	watchOpts  []watcher.Option
}

// WithCatalog registers the settings declared in c with the manager.
func WithCatalog(c *setting.Catalog) Option {
	return func(o *options) {
		o.catalog = c
	}
}

// WithLogger sets the logger for every component.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithStore uses s instead of opening the configured backend.
// The engine does not take ownership of s.
func WithStore(s backend.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithAutoReload reloads registered settings whose backend entry is
// changed by another process. Requires watching to be enabled.
func WithAutoReload() Option {
	return func(o *options) {
		o.autoReload = true
	}
}

// WithCodecOptions passes extra options to the codec, such as converters.
func WithCodecOptions(opts ...codec.Option) Option {
	return func(o *options) {
		o.codecOpts = append(o.codecOpts, opts...)
	}
}

// WithWatchOptions passes extra options to the watcher.
func WithWatchOptions(opts ...watcher.Option) Option {
	return func(o *options) {
		o.watchOpts = append(o.watchOpts, opts...)
	}
}

// Engine owns the components of one application's settings.
type Engine struct {
	id        string
	cfg       *config.Config
	store     backend.Store
	ownsStore bool
	manager   *setting.Manager
	watcher   *watcher.Watcher
	log       *logging.Logger

	mu         sync.Mutex
	autoReload *watcher.Subscription
	closed     bool
}

// Open builds an engine from cfg. A nil cfg uses config.Default.
// The application root is fixed for the lifetime of the engine.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Get()
	}

	e := &Engine{
		id:  uuid.NewString(),
		cfg: cfg,
		log: o.log.WithComponent("engine").With("app", cfg.AppName),
	}

	if o.store != nil {
		if o.store.Root() != cfg.AppName {
			return nil, &InitError{Component: "backend", Err: fmt.Errorf("%w: store root %q does not match app %q", backend.ErrInvalidRoot, o.store.Root(), cfg.AppName)}
		}
		e.store = o.store
	} else {
		s, err := openStore(cfg, e.id)
		if err != nil {
			return nil, &InitError{Component: "backend", Err: err}
		}
		e.store = s
		e.ownsStore = true
	}

	ledger := watcher.NewLedger(watcher.DefaultLedgerTTL)

	copts := append([]codec.Option{codec.WithMalformedPolicy(cfg.Policy())}, o.codecOpts...)
	mopts := []setting.Option{
		setting.WithCodec(codec.New(copts...)),
		setting.WithWriteDelay(cfg.WriteDelay.Std()),
		setting.WithCoalesceOptions(coalesce.WithOnWrite(ledger.Record)),
		setting.WithLogger(o.log),
	}
	if o.catalog != nil {
		mopts = append(mopts, setting.WithCatalog(o.catalog))
	}
	e.manager = setting.NewManager(e.store, mopts...)

	if cfg.Watch.Enabled {
		wopts := append([]watcher.Option{
			watcher.WithLedger(ledger),
			watcher.WithRestartDelay(cfg.Watch.RestartDelay.Std()),
			watcher.WithLogger(o.log),
		}, o.watchOpts...)
		e.watcher = watcher.New(e.store, watcher.SourceFor(e.store, cfg.Watch.Interval.Std()), wopts...)
	}

	if o.autoReload {
		if e.watcher == nil {
			e.Close()
			return nil, &InitError{Component: "auto reload", Err: ErrWatchDisabled}
		}
		sub, err := e.watcher.Subscribe(e.reloadChanged, false)
		if err != nil {
			e.Close()
			return nil, &InitError{Component: "auto reload", Err: err}
		}
		e.autoReload = sub
	}

	e.log.Debug("engine opened", "id", e.id, "backend", cfg.Backend.Kind)
	return e, nil
}

// openStore creates the backend selected by cfg. writerID attributes
// writes in stores that record writers.
func openStore(cfg *config.Config, writerID string) (backend.Store, error) {
	path, err := cfg.BackendPath()
	if err != nil {
		return nil, err
	}

	switch cfg.Backend.Kind {
	case config.BackendMemory:
		return backend.NewMemoryStore(cfg.AppName), nil
	case config.BackendFile:
		return backend.NewFileStore(path, cfg.AppName)
	case config.BackendSQLite:
		return backend.OpenSQLite(path, cfg.AppName, backend.WithWriterID(writerID))
	case config.BackendKeyring:
		return backend.NewKeyringStore(cfg.AppName)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// ID returns the unique id of this engine instance.
func (e *Engine) ID() string { return e.id }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store returns the backend.
func (e *Engine) Store() backend.Store { return e.store }

// Manager returns the settings manager.
func (e *Engine) Manager() *setting.Manager { return e.manager }

// Watcher returns the change watcher, or nil when watching is disabled.
func (e *Engine) Watcher() *watcher.Watcher { return e.watcher }

// InitializeAll instantiates every setting in the catalog.
func (e *Engine) InitializeAll() error {
	return e.manager.InitializeAll()
}

// FlushAll persists every pending write.
func (e *Engine) FlushAll() error {
	return e.manager.FlushAll()
}

// Subscribe registers cb for backend changes made by other processes, and
// by this one too when includeSelf is set.
func (e *Engine) Subscribe(cb watcher.Callback, includeSelf bool) (*watcher.Subscription, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if e.watcher == nil {
		return nil, ErrWatchDisabled
	}
	return e.watcher.Subscribe(cb, includeSelf)
}

// reloadChanged re-reads a registered setting after an external change and
// publishes the result on the manager's notifier.
func (e *Engine) reloadChanged(c watcher.Change) {
	entry, ok := e.manager.Lookup(c.Key)
	if !ok {
		return
	}
	if entry.Pending() {
		e.log.Warn("external change overlaps a pending write", "key", c.Key)
	}

	old := entry.Current()
	if err := entry.Reload(); err != nil {
		e.log.Warn("reload after external change failed", "key", c.Key, "err", err)
		return
	}
	e.manager.Notifier().Notify(notify.Change{
		Key:      c.Key,
		Type:     notify.ChangeExternal,
		OldValue: old,
		NewValue: entry.Current(),
		Source:   notify.SourceExternal,
	})
}

// Close stops watching, flushes pending writes and releases the backend.
// It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sub := e.autoReload
	e.autoReload = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	var errs []error
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing watcher: %w", err))
		}
	}
	if err := e.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing settings: %w", err))
	}
	if c, ok := e.store.(backend.Closer); ok && e.ownsStore {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backend: %w", err))
		}
	}

	e.log.Debug("engine closed", "id", e.id)
	return errors.Join(errs...)
}
