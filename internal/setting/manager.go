package setting

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dshills/prefstore/internal/backend"
	"github.com/dshills/prefstore/internal/coalesce"
	"github.com/dshills/prefstore/internal/codec"
	"github.com/dshills/prefstore/internal/logging"
	"github.com/dshills/prefstore/internal/notify"
)

// Kind identifies the shape of a registered setting.
type Kind uint8

const (
	// KindValue is a single typed value.
	KindValue Kind = iota
	// KindCollection is an ordered list persisted as one array.
	KindCollection
	// KindDictionary is a key-unique map persisted as one object.
	KindDictionary
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindCollection:
		return "collection"
	case KindDictionary:
		return "dictionary"
	default:
		return "unknown"
	}
}

// Entry is the type-erased view of a registered setting used for
// enumeration and global operations.
type Entry interface {
	Key() string
	DisplayName() string
	Kind() Kind
	// Current returns a copy of the in-memory value.
	Current() any
	IsDefault() bool
	Pending() bool
	Reset() error
	Reload() error
	// Flush writes a pending value now and returns the backend error.
	Flush() error

	reset(emit func(notify.Change)) error
}

type slot struct {
	entry Entry
	ready chan struct{}
	err   error
}

// Manager owns the singletons for one backend root. All settings created
// through a Manager share its codec, coalescer and notifier.
type Manager struct {
	store     backend.Store
	codec     *codec.Codec
	coalescer *coalesce.Coalescer
	notifier  *notify.Notifier
	catalog   *Catalog
	log       *logging.Logger

	delay        time.Duration
	coalesceOpts []coalesce.Option
	ownCoalescer bool
	ownNotifier  bool

	mu      sync.Mutex
	slots   map[string]*slot
	entries []Entry
	closed  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithCodec sets the codec. The default is codec.New().
func WithCodec(c *codec.Codec) Option {
	return func(m *Manager) {
		m.codec = c
	}
}

// WithCoalescer supplies an existing coalescer. The Manager will not
// close it.
func WithCoalescer(c *coalesce.Coalescer) Option {
	return func(m *Manager) {
		m.coalescer = c
	}
}

// WithWriteDelay sets the debounce window of the coalescer the Manager
// creates.
func WithWriteDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.delay = d
	}
}

// WithCoalesceOptions passes extra options to the coalescer the Manager
// creates.
func WithCoalesceOptions(opts ...coalesce.Option) Option {
	return func(m *Manager) {
		m.coalesceOpts = append(m.coalesceOpts, opts...)
	}
}

// WithNotifier supplies an existing notifier. The Manager will not close it.
func WithNotifier(n *notify.Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithCatalog sets the catalog used by InitializeAll.
func WithCatalog(c *Catalog) Option {
	return func(m *Manager) {
		m.catalog = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a Manager over store.
func NewManager(store backend.Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		delay: coalesce.DefaultDelay,
		slots: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = logging.Get()
	}
	m.log = m.log.WithComponent("setting")
	if m.codec == nil {
		m.codec = codec.New()
	}
	if m.coalescer == nil {
		copts := append([]coalesce.Option{
			coalesce.WithDelay(m.delay),
			coalesce.WithLogger(m.log),
		}, m.coalesceOpts...)
		m.coalescer = coalesce.New(store, copts...)
		m.ownCoalescer = true
	}
	if m.notifier == nil {
		m.notifier = m.newNotifier()
		m.ownNotifier = true
	}
	return m
}

// newNotifier returns a notifier that logs observer panics instead of
// unwinding the mutation that triggered them.
func (m *Manager) newNotifier() *notify.Notifier {
	return notify.New(notify.WithPanicHandler(func(c notify.Change, r any) {
		m.log.Error("setting observer panicked", "key", c.Key, "change", c.Type, "panic", r)
	}))
}

// Store returns the backend store.
func (m *Manager) Store() backend.Store { return m.store }

// Codec returns the codec.
func (m *Manager) Codec() *codec.Codec { return m.codec }

// Coalescer returns the write coalescer.
func (m *Manager) Coalescer() *coalesce.Coalescer { return m.coalescer }

// Catalog returns the catalog, which may be nil.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// Notifier returns the notifier setting changes are published on.
func (m *Manager) Notifier() *notify.Notifier { return m.notifier }

// Subscribe registers an observer for changes to every setting.
func (m *Manager) Subscribe(observer notify.Observer) *notify.Subscription {
	return m.notifier.Subscribe(observer)
}

// SubscribeKey registers an observer for changes to one setting.
func (m *Manager) SubscribeKey(key string, observer notify.Observer) *notify.Subscription {
	return m.notifier.SubscribeKey(key, observer)
}

// acquire returns the singleton for key, creating it with build on first
// access. When redirect is false an existing singleton is an error.
func acquire[E Entry](m *Manager, key string, redirect bool, build func() (E, error), after func(E)) (E, error) {
	var zero E
	if err := backend.ValidateKey(key); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return zero, ErrClosed
	}
	if sl, ok := m.slots[key]; ok {
		m.mu.Unlock()
		if !redirect {
			return zero, &DuplicateError{Key: key}
		}
		<-sl.ready
		if sl.err != nil {
			return zero, sl.err
		}
		e, ok := sl.entry.(E)
		if !ok {
			return zero, &TypeError{
				Key:      key,
				Expected: fmt.Sprintf("%T", sl.entry),
				Actual:   reflect.TypeFor[E]().String(),
			}
		}
		return e, nil
	}
	sl := &slot{ready: make(chan struct{})}
	m.slots[key] = sl
	m.mu.Unlock()

	e, err := build()

	m.mu.Lock()
	if err != nil {
		delete(m.slots, key)
		sl.err = &SetupError{Key: key, Err: err}
	} else {
		sl.entry = e
		m.entries = append(m.entries, e)
	}
	m.mu.Unlock()

	if err != nil {
		close(sl.ready)
		m.log.Error("setting setup failed", "key", key, "error", err)
		return zero, sl.err
	}
	m.log.Debug("setting registered", "key", key, "kind", e.Kind())

	// Concurrent callers for key wait until the hook returns. The hook must
	// not look up its own key.
	func() {
		defer close(sl.ready)
		if after != nil {
			after(e)
		}
	}()
	return e, nil
}

// load reads and decodes key into ptr. It reports false when no usable
// value is persisted. Malformed data is an error under codec.PolicyError
// and is treated as absent under codec.PolicyDefault.
func (m *Manager) load(key string, ptr any) (bool, error) {
	raw, ok := m.store.Read(key)
	if !ok {
		return false, nil
	}
	if err := m.codec.DecodeStrict(raw, ptr); err != nil {
		if m.codec.Policy() == codec.PolicyDefault {
			m.log.Warn("malformed setting data, using default", "key", key, "error", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// persist encodes v and hands it to the coalescer. A failed immediate
// write is logged by the coalescer and stays pending, so a later flush
// retries it.
func (m *Manager) persist(key string, v any, immediate bool) error {
	data, err := m.codec.Encode(v)
	if err != nil {
		m.log.Error("encoding setting failed", "key", key, "error", err)
		return err
	}
	if immediate {
		return m.coalescer.WriteNow(key, data)
	}
	return m.coalescer.Schedule(key, data)
}

// InitializeAll instantiates every definition in the catalog. Settings
// that fail to load are reported together; the rest are still created.
func (m *Manager) InitializeAll() error {
	if m.catalog == nil {
		return nil
	}
	var errs []error
	for _, d := range m.catalog.Declarations() {
		if _, err := d.Instantiate(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// All returns every registered setting in creation order.
func (m *Manager) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Lookup returns the registered setting for key.
func (m *Manager) Lookup(key string) (Entry, bool) {
	m.mu.Lock()
	sl, ok := m.slots[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-sl.ready:
		return sl.entry, sl.entry != nil
	default:
		return nil, false
	}
}

// ResetAll resets every registered setting. Change notifications are
// delivered after all settings have been reset.
func (m *Manager) ResetAll() error {
	batch := m.notifier.NewBatch()
	var errs []error
	for _, e := range m.All() {
		if err := e.reset(batch.Add); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", e.Key(), err))
		}
	}
	batch.Commit()
	return errors.Join(errs...)
}

// FlushAll persists every pending write, first in registry order and then
// any writes scheduled for keys without a registered setting.
func (m *Manager) FlushAll() error {
	var errs []error
	for _, e := range m.All() {
		if err := e.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.coalescer.FlushAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CancelAll discards every pending write. In-memory values are kept.
func (m *Manager) CancelAll() int {
	return m.coalescer.CancelAll()
}

// Close flushes all pending writes and releases the coalescer and notifier
// if the Manager created them. It is safe to call Close multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.FlushAll()
	if m.ownCoalescer {
		if cerr := m.coalescer.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if m.ownNotifier {
		m.notifier.Close()
	}
	return err
}
