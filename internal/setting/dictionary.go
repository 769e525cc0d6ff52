package setting

import (
	"encoding"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dshills/prefstore/internal/notify"
)

// DictionaryChange describes one structural change to a Dictionary.
// ActionReset carries no key.
type DictionaryChange[K comparable, V any] struct {
	Action   Action
	Key      K
	OldValue V
	NewValue V
}

// DictionaryDefinition describes a map-valued setting.
type DictionaryDefinition[K comparable, V any] struct {
	Key         string
	DisplayName string

	// DefaultItems seed the dictionary when nothing is persisted.
	DefaultItems map[K]V

	// Equal compares values for Set. The default is reflect.DeepEqual.
	Equal func(a, b V) bool

	Immediate bool

	AfterSetup func(d *Dictionary[K, V])
}

// Dictionary is a key-unique map setting persisted as a single JSON object.
// Keys are enumerated in insertion order; keys loaded from the backend are
// ordered by their printed form.
type Dictionary[K comparable, V any] struct {
	m   *Manager
	def DictionaryDefinition[K, V]

	mu      sync.Mutex
	items   map[K]V
	order   []K
	cancels map[K]func()

	events    *notify.Notifier
	settingUp atomic.Bool
}

// OfDictionary returns the singleton dictionary for def.Key, creating it on
// first access.
func OfDictionary[K comparable, V any](m *Manager, def DictionaryDefinition[K, V]) (*Dictionary[K, V], error) {
	return ofDictionary(m, def, true)
}

// NewDictionary creates the singleton dictionary for def.Key. It fails with
// ErrDuplicateSingleton if one already exists.
func NewDictionary[K comparable, V any](m *Manager, def DictionaryDefinition[K, V]) (*Dictionary[K, V], error) {
	return ofDictionary(m, def, false)
}

var (
	textMarshalerType   = reflect.TypeFor[encoding.TextMarshaler]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
)

// jsonObjectKey reports whether values of t can be JSON object keys in
// both directions.
func jsonObjectKey(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return t.Implements(textMarshalerType) && reflect.PointerTo(t).Implements(textUnmarshalerType)
}

func ofDictionary[K comparable, V any](m *Manager, def DictionaryDefinition[K, V], redirect bool) (*Dictionary[K, V], error) {
	if kt := reflect.TypeFor[K](); !jsonObjectKey(kt) {
		return nil, fmt.Errorf("%w: %s: key type %s is not a string, integer or text marshaler", ErrInvalidDefinition, def.Key, kt)
	}
	build := func() (*Dictionary[K, V], error) {
		d := &Dictionary[K, V]{m: m, def: def, events: m.newNotifier()}
		d.settingUp.Store(true)
		defer d.settingUp.Store(false)

		items, err := d.read()
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.replaceAll(items)
		d.mu.Unlock()
		return d, nil
	}
	return acquire(m, def.Key, redirect, build, func(d *Dictionary[K, V]) {
		if def.AfterSetup != nil {
			def.AfterSetup(d)
		}
	})
}

func (d *Dictionary[K, V]) read() (map[K]V, error) {
	var items map[K]V
	found, err := d.m.load(d.def.Key, &items)
	if err != nil {
		return nil, err
	}
	if !found {
		return maps.Clone(d.def.DefaultItems), nil
	}
	if items == nil {
		items = map[K]V{}
	}
	return items, nil
}

// Key returns the backend key.
func (d *Dictionary[K, V]) Key() string { return d.def.Key }

// DisplayName returns the human label, or the key when none is set.
func (d *Dictionary[K, V]) DisplayName() string {
	if d.def.DisplayName != "" {
		return d.def.DisplayName
	}
	return d.def.Key
}

// Kind returns KindDictionary.
func (d *Dictionary[K, V]) Kind() Kind { return KindDictionary }

// Current returns a copy of the items.
func (d *Dictionary[K, V]) Current() any { return d.Items() }

// Pending reports whether a save is waiting.
func (d *Dictionary[K, V]) Pending() bool {
	return d.m.coalescer.Pending(d.def.Key)
}

// IsDefault reports whether the items equal the default items.
func (d *Dictionary[K, V]) IsDefault() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) != len(d.def.DefaultItems) {
		return false
	}
	for k, v := range d.def.DefaultItems {
		cur, ok := d.items[k]
		if !ok || !d.equal(cur, v) {
			return false
		}
	}
	return true
}

// Get returns the value for k.
func (d *Dictionary[K, V]) Get(k K) (V, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.items[k]
	return v, ok
}

// ContainsKey reports whether k is present.
func (d *Dictionary[K, V]) ContainsKey(k K) bool {
	_, ok := d.Get(k)
	return ok
}

// Keys returns the keys in enumeration order.
func (d *Dictionary[K, V]) Keys() []K {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.order)
}

// Items returns a copy of the map.
func (d *Dictionary[K, V]) Items() map[K]V {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.items)
}

// Len returns the number of entries.
func (d *Dictionary[K, V]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Add inserts k if it is absent. It returns false, without error, if k is
// already present.
func (d *Dictionary[K, V]) Add(k K, v V) bool {
	d.mu.Lock()
	if _, ok := d.items[k]; ok {
		d.mu.Unlock()
		return false
	}
	d.insertLocked(k, v)
	d.mu.Unlock()

	d.changed(DictionaryChange[K, V]{Action: ActionAdd, Key: k, NewValue: v})
	return true
}

// Set inserts or replaces the value for k. Replacing a value with an equal
// one is a no-op.
func (d *Dictionary[K, V]) Set(k K, v V) {
	d.mu.Lock()
	old, exists := d.items[k]
	if exists && d.equal(old, v) {
		d.mu.Unlock()
		return
	}
	if exists {
		if cancel := d.cancels[k]; cancel != nil {
			cancel()
		}
		d.items[k] = v
		d.cancels[k] = d.watch(v)
	} else {
		d.insertLocked(k, v)
	}
	d.mu.Unlock()

	if exists {
		d.changed(DictionaryChange[K, V]{Action: ActionReplace, Key: k, OldValue: old, NewValue: v})
		return
	}
	d.changed(DictionaryChange[K, V]{Action: ActionAdd, Key: k, NewValue: v})
}

// Remove deletes k and reports whether it was present.
func (d *Dictionary[K, V]) Remove(k K) bool {
	d.mu.Lock()
	old, ok := d.items[k]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.removeLocked(k)
	d.mu.Unlock()

	d.changed(DictionaryChange[K, V]{Action: ActionRemove, Key: k, OldValue: old})
	return true
}

// Clear removes every entry and saves the empty map.
func (d *Dictionary[K, V]) Clear() {
	d.mu.Lock()
	if len(d.items) == 0 {
		d.mu.Unlock()
		return
	}
	d.replaceAll(map[K]V{})
	d.mu.Unlock()

	d.changed(DictionaryChange[K, V]{Action: ActionReset})
}

// Reset clears the dictionary and deletes its backend entry.
func (d *Dictionary[K, V]) Reset() error {
	return d.reset(d.m.notifier.Notify)
}

func (d *Dictionary[K, V]) reset(emit func(notify.Change)) error {
	d.mu.Lock()
	old := maps.Clone(d.items)
	d.replaceAll(map[K]V{})
	d.mu.Unlock()

	err := d.m.coalescer.Delete(d.def.Key)
	d.emit(DictionaryChange[K, V]{Action: ActionReset})
	emit(notify.Deleted(d.def.Key, old, map[K]V{}))
	return err
}

// Reload replaces the entries with the persisted map, or with the default
// items when nothing is persisted.
func (d *Dictionary[K, V]) Reload() error {
	items, err := d.read()
	if err != nil {
		return err
	}

	d.mu.Lock()
	old := maps.Clone(d.items)
	d.replaceAll(items)
	d.mu.Unlock()

	d.emit(DictionaryChange[K, V]{Action: ActionReset})
	d.m.notifier.NotifyReload(d.def.Key, old, maps.Clone(items))
	return nil
}

// OnDictionaryChange registers fn for structural changes.
func (d *Dictionary[K, V]) OnDictionaryChange(fn func(DictionaryChange[K, V])) *notify.Subscription {
	return d.events.Subscribe(func(ch notify.Change) {
		if dc, ok := ch.NewValue.(DictionaryChange[K, V]); ok {
			fn(dc)
		}
	})
}

func (d *Dictionary[K, V]) changed(dc DictionaryChange[K, V]) {
	d.save()
	d.emit(dc)
	d.m.notifier.NotifySet(d.def.Key, nil, d.Items(), notify.SourceUser)
}

func (d *Dictionary[K, V]) emit(dc DictionaryChange[K, V]) {
	d.events.Notify(notify.Change{Key: d.def.Key, Type: notify.ChangeSet, NewValue: dc})
}

func (d *Dictionary[K, V]) save() {
	if d.settingUp.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Write failures are logged and stay pending until the next Flush.
	_ = d.m.persist(d.def.Key, d.items, d.def.Immediate)
}

// Flush writes a pending save now and returns the backend error.
func (d *Dictionary[K, V]) Flush() error {
	return d.m.coalescer.Flush(d.def.Key)
}

func (d *Dictionary[K, V]) watch(v V) func() {
	return observe(v, d.save)
}

// insertLocked adds a new key. d.mu must be held.
func (d *Dictionary[K, V]) insertLocked(k K, v V) {
	d.items[k] = v
	d.order = append(d.order, k)
	d.cancels[k] = d.watch(v)
}

// removeLocked deletes k. d.mu must be held.
func (d *Dictionary[K, V]) removeLocked(k K) {
	if cancel := d.cancels[k]; cancel != nil {
		cancel()
	}
	delete(d.items, k)
	delete(d.cancels, k)
	d.order = slices.DeleteFunc(d.order, func(o K) bool { return o == k })
}

// replaceAll swaps in items, rewiring observers. d.mu must be held.
func (d *Dictionary[K, V]) replaceAll(items map[K]V) {
	for _, cancel := range d.cancels {
		if cancel != nil {
			cancel()
		}
	}
	if items == nil {
		items = map[K]V{}
	}
	d.items = items
	d.cancels = make(map[K]func(), len(items))
	d.order = make([]K, 0, len(items))
	for k, v := range items {
		d.order = append(d.order, k)
		d.cancels[k] = d.watch(v)
	}
	sort.Slice(d.order, func(i, j int) bool {
		return fmt.Sprint(d.order[i]) < fmt.Sprint(d.order[j])
	})
}

func (d *Dictionary[K, V]) equal(a, b V) bool {
	if d.def.Equal != nil {
		return d.def.Equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}
