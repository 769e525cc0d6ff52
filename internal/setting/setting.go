package setting

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dshills/prefstore/internal/notify"
)

// Definition describes a single-value setting.
type Definition[T any] struct {
	// Key is the backend key. It is the setting's identity.
	Key string

	// DisplayName is a human label, independent of Key.
	DisplayName string

	// Default is the value used when nothing is persisted.
	Default T

	// DefaultFunc computes the default. It takes precedence over Default.
	DefaultFunc func() T

	// Clamp adjusts an incoming value before validation.
	Clamp func(v *T)

	// Validate rejects an incoming value by returning false.
	Validate func(v T) bool

	// Equal compares values. The default is reflect.DeepEqual.
	Equal func(a, b T) bool

	// Immediate writes on every change instead of debouncing.
	Immediate bool

	// AfterSetup runs once after the singleton is loaded and registered.
	AfterSetup func(s *Setting[T])
}

// Event describes a change to a Setting.
type Event[T any] struct {
	Type   notify.ChangeType
	Old    T
	New    T
	Source string
}

// Setting is the singleton handle for one persisted value.
type Setting[T any] struct {
	m   *Manager
	def Definition[T]

	mu    sync.RWMutex
	value T

	settingUp atomic.Bool
}

// Of returns the singleton for def.Key, creating and loading it on first
// access. Later calls return the same instance and ignore def.
func Of[T any](m *Manager, def Definition[T]) (*Setting[T], error) {
	return ofSetting(m, def, true)
}

// MustOf is like Of but panics on error.
func MustOf[T any](m *Manager, def Definition[T]) *Setting[T] {
	s, err := Of(m, def)
	if err != nil {
		panic(err)
	}
	return s
}

// New creates the singleton for def.Key. It fails with
// ErrDuplicateSingleton if one already exists.
func New[T any](m *Manager, def Definition[T]) (*Setting[T], error) {
	return ofSetting(m, def, false)
}

func ofSetting[T any](m *Manager, def Definition[T], redirect bool) (*Setting[T], error) {
	build := func() (*Setting[T], error) {
		s := &Setting[T]{m: m, def: def}
		if err := s.setup(); err != nil {
			return nil, err
		}
		return s, nil
	}
	return acquire(m, def.Key, redirect, build, func(s *Setting[T]) {
		if def.AfterSetup != nil {
			def.AfterSetup(s)
		}
	})
}

func (s *Setting[T]) setup() error {
	s.settingUp.Store(true)
	defer s.settingUp.Store(false)

	v, err := s.read()
	if err != nil {
		return err
	}
	s.value = v
	return nil
}

// read loads the persisted value or the default.
func (s *Setting[T]) read() (T, error) {
	var v T
	found, err := s.m.load(s.def.Key, &v)
	if err != nil {
		return v, err
	}
	if !found {
		return s.Default(), nil
	}
	return v, nil
}

// Key returns the backend key.
func (s *Setting[T]) Key() string {
	return s.def.Key
}

// DisplayName returns the human label, or the key when none is set.
func (s *Setting[T]) DisplayName() string {
	if s.def.DisplayName != "" {
		return s.def.DisplayName
	}
	return s.def.Key
}

// Kind returns KindValue.
func (s *Setting[T]) Kind() Kind {
	return KindValue
}

// Default returns the default value.
func (s *Setting[T]) Default() T {
	if s.def.DefaultFunc != nil {
		return s.def.DefaultFunc()
	}
	return s.def.Default
}

// Value returns the current value.
func (s *Setting[T]) Value() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Current returns the current value as an interface.
func (s *Setting[T]) Current() any {
	return s.Value()
}

// IsDefault reports whether the current value equals the default.
func (s *Setting[T]) IsDefault() bool {
	return s.equal(s.Value(), s.Default())
}

// Pending reports whether a write for this setting is waiting.
func (s *Setting[T]) Pending() bool {
	return s.m.coalescer.Pending(s.def.Key)
}

// Set assigns v after clamping and validation and schedules a write. It
// reports whether the value changed. A value rejected by Validate or equal
// to the current value is a no-op.
//
// A failed write is logged and stays pending; Flush, FlushAll and Close
// return its error. Use SetNow to get the error directly.
func (s *Setting[T]) Set(v T) bool {
	changed, err := s.set(v, s.def.Immediate)
	if err != nil {
		s.m.log.Debug("set left a write pending", "key", s.def.Key, "error", err)
	}
	return changed
}

// SetNow is like Set but writes synchronously. If v equals the current
// value any pending write is flushed instead.
func (s *Setting[T]) SetNow(v T) (bool, error) {
	changed, err := s.set(v, true)
	if err != nil || changed {
		return changed, err
	}
	return false, s.Flush()
}

func (s *Setting[T]) set(v T, immediate bool) (bool, error) {
	if s.def.Clamp != nil {
		s.def.Clamp(&v)
	}
	if s.def.Validate != nil && !s.def.Validate(v) {
		return false, nil
	}

	s.mu.Lock()
	if s.equal(s.value, v) {
		s.mu.Unlock()
		return false, nil
	}
	old := s.value
	s.value = v
	s.mu.Unlock()

	// The write is queued before observers run.
	var err error
	if !s.settingUp.Load() {
		err = s.m.persist(s.def.Key, v, immediate)
	}
	s.m.notifier.NotifySet(s.def.Key, old, v, notify.SourceUser)
	return true, err
}

// Flush writes a pending value now and returns the backend error.
func (s *Setting[T]) Flush() error {
	return s.m.coalescer.Flush(s.def.Key)
}

// Reset restores the default and deletes the backend entry. Any pending
// write is cancelled; no new write is scheduled.
func (s *Setting[T]) Reset() error {
	return s.reset(s.m.notifier.Notify)
}

func (s *Setting[T]) reset(emit func(notify.Change)) error {
	def := s.Default()

	s.mu.Lock()
	old := s.value
	s.value = def
	s.mu.Unlock()

	err := s.m.coalescer.Delete(s.def.Key)
	emit(notify.Deleted(s.def.Key, old, def))
	return err
}

// Reload re-reads the value from the backend, bypassing the coalescer.
// Pending writes are left in place.
func (s *Setting[T]) Reload() error {
	v, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.value
	s.value = v
	s.mu.Unlock()

	s.m.notifier.NotifyReload(s.def.Key, old, v)
	return nil
}

// OnChange registers fn for every change to this setting.
func (s *Setting[T]) OnChange(fn func(Event[T])) *notify.Subscription {
	return s.m.notifier.SubscribeKey(s.def.Key, func(c notify.Change) {
		ev := Event[T]{Type: c.Type, Source: c.Source}
		ev.Old, _ = c.OldValue.(T)
		ev.New, _ = c.NewValue.(T)
		fn(ev)
	})
}

func (s *Setting[T]) equal(a, b T) bool {
	if s.def.Equal != nil {
		return s.def.Equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}
