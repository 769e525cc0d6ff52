package setting

import (
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dshills/prefstore/internal/notify"
)

// Action describes a structural change to a collection or dictionary.
type Action uint8

const (
	// ActionAdd means items were inserted.
	ActionAdd Action = iota
	// ActionRemove means items were removed.
	ActionRemove
	// ActionReplace means an item was replaced in place.
	ActionReplace
	// ActionReset means the contents changed in bulk.
	ActionReset
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	case ActionReplace:
		return "replace"
	case ActionReset:
		return "reset"
	default:
		return "unknown"
	}
}

// CollectionChange describes one structural change to a Collection.
// Bulk operations are reported as ActionReset with the affected items.
type CollectionChange[T any] struct {
	Action   Action
	Index    int
	NewItems []T
	OldItems []T
}

// CollectionDefinition describes a list-valued setting.
type CollectionDefinition[T any] struct {
	Key         string
	DisplayName string

	// DefaultItems seed the collection when nothing is persisted.
	DefaultItems []T

	// AllowDuplicates disables duplicate rejection in Add and Insert.
	AllowDuplicates bool

	// IsDuplicate decides whether two items are the same for duplicate
	// rejection and IndexOf. The default is reflect.DeepEqual.
	IsDuplicate func(a, b T) bool

	// Immediate writes on every change instead of debouncing.
	Immediate bool

	AfterSetup func(c *Collection[T])
}

// Collection is an ordered list setting persisted as a single JSON array.
// Items implementing Observable are watched, and their changes re-save the
// whole list.
type Collection[T any] struct {
	m   *Manager
	def CollectionDefinition[T]

	mu      sync.Mutex
	items   []T
	cancels []func()

	events    *notify.Notifier
	settingUp atomic.Bool
}

// OfCollection returns the singleton collection for def.Key, creating it on
// first access.
func OfCollection[T any](m *Manager, def CollectionDefinition[T]) (*Collection[T], error) {
	return ofCollection(m, def, true)
}

// NewCollection creates the singleton collection for def.Key. It fails
// with ErrDuplicateSingleton if one already exists.
func NewCollection[T any](m *Manager, def CollectionDefinition[T]) (*Collection[T], error) {
	return ofCollection(m, def, false)
}

func ofCollection[T any](m *Manager, def CollectionDefinition[T], redirect bool) (*Collection[T], error) {
	build := func() (*Collection[T], error) {
		c := &Collection[T]{m: m, def: def, events: m.newNotifier()}
		c.settingUp.Store(true)
		defer c.settingUp.Store(false)

		items, err := c.read()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.replaceAll(items)
		c.mu.Unlock()
		return c, nil
	}
	return acquire(m, def.Key, redirect, build, func(c *Collection[T]) {
		if def.AfterSetup != nil {
			def.AfterSetup(c)
		}
	})
}

// read loads the persisted items, or the default items when no blob exists.
func (c *Collection[T]) read() ([]T, error) {
	var items []T
	found, err := c.m.load(c.def.Key, &items)
	if err != nil {
		return nil, err
	}
	if !found {
		return slices.Clone(c.def.DefaultItems), nil
	}
	return items, nil
}

// Key returns the backend key.
func (c *Collection[T]) Key() string { return c.def.Key }

// DisplayName returns the human label, or the key when none is set.
func (c *Collection[T]) DisplayName() string {
	if c.def.DisplayName != "" {
		return c.def.DisplayName
	}
	return c.def.Key
}

// Kind returns KindCollection.
func (c *Collection[T]) Kind() Kind { return KindCollection }

// Current returns a copy of the items.
func (c *Collection[T]) Current() any { return c.Items() }

// Pending reports whether a save is waiting.
func (c *Collection[T]) Pending() bool {
	return c.m.coalescer.Pending(c.def.Key)
}

// IsDefault reports whether the items equal the default items.
func (c *Collection[T]) IsDefault() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) != len(c.def.DefaultItems) {
		return false
	}
	for i := range c.items {
		if !c.same(c.items[i], c.def.DefaultItems[i]) {
			return false
		}
	}
	return true
}

// Items returns a copy of the items.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// Len returns the number of items.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// At returns the item at index i.
func (c *Collection[T]) At(i int) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.items) {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

// IndexOf returns the index of the first item equal to v, or -1.
func (c *Collection[T]) IndexOf(v T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexOf(v)
}

// Contains reports whether an item equal to v is present.
func (c *Collection[T]) Contains(v T) bool {
	return c.IndexOf(v) >= 0
}

// Add appends v. It returns false if v is a rejected duplicate.
func (c *Collection[T]) Add(v T) bool {
	c.mu.Lock()
	if c.rejects(v) {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items, v)
	c.cancels = append(c.cancels, c.watch(v))
	index := len(c.items) - 1
	c.mu.Unlock()

	c.changed(CollectionChange[T]{Action: ActionAdd, Index: index, NewItems: []T{v}})
	return true
}

// AddRange appends every item of vs that is not a rejected duplicate and
// returns how many were added.
func (c *Collection[T]) AddRange(vs []T) int {
	c.mu.Lock()
	start := len(c.items)
	var added []T
	for _, v := range vs {
		if c.rejects(v) {
			continue
		}
		c.items = append(c.items, v)
		c.cancels = append(c.cancels, c.watch(v))
		added = append(added, v)
	}
	c.mu.Unlock()

	if len(added) == 0 {
		return 0
	}
	c.changed(CollectionChange[T]{Action: ActionReset, Index: start, NewItems: added})
	return len(added)
}

// Insert places v at index i, shifting later items. It returns false if i
// is out of range or v is a rejected duplicate.
func (c *Collection[T]) Insert(i int, v T) bool {
	c.mu.Lock()
	if i < 0 || i > len(c.items) || c.rejects(v) {
		c.mu.Unlock()
		return false
	}
	c.items = slices.Insert(c.items, i, v)
	c.cancels = slices.Insert(c.cancels, i, c.watch(v))
	c.mu.Unlock()

	c.changed(CollectionChange[T]{Action: ActionAdd, Index: i, NewItems: []T{v}})
	return true
}

// Remove deletes the first item equal to v and reports whether one was
// found.
func (c *Collection[T]) Remove(v T) bool {
	c.mu.Lock()
	i := c.indexOf(v)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	old := c.removeLocked(i, 1)
	c.mu.Unlock()

	c.changed(CollectionChange[T]{Action: ActionRemove, Index: i, OldItems: old})
	return true
}

// RemoveAt deletes the item at index i.
func (c *Collection[T]) RemoveAt(i int) bool {
	c.mu.Lock()
	if i < 0 || i >= len(c.items) {
		c.mu.Unlock()
		return false
	}
	old := c.removeLocked(i, 1)
	c.mu.Unlock()

	c.changed(CollectionChange[T]{Action: ActionRemove, Index: i, OldItems: old})
	return true
}

// RemoveRange deletes count items starting at index i.
func (c *Collection[T]) RemoveRange(i, count int) bool {
	c.mu.Lock()
	if i < 0 || count < 0 || i+count > len(c.items) {
		c.mu.Unlock()
		return false
	}
	if count == 0 {
		c.mu.Unlock()
		return true
	}
	old := c.removeLocked(i, count)
	c.mu.Unlock()

	c.changed(CollectionChange[T]{Action: ActionReset, Index: i, OldItems: old})
	return true
}

// Replace sets the item at index i to v. It returns false if i is out of
// range, v equals the current item, or v duplicates another item.
func (c *Collection[T]) Replace(i int, v T) bool {
	c.mu.Lock()
	if i < 0 || i >= len(c.items) || c.same(c.items[i], v) {
		c.mu.Unlock()
		return false
	}
	if !c.def.AllowDuplicates {
		if j := c.indexOf(v); j >= 0 && j != i {
			c.mu.Unlock()
			return false
		}
	}
	old := c.items[i]
	if cancel := c.cancels[i]; cancel != nil {
		cancel()
	}
	c.items[i] = v
	c.cancels[i] = c.watch(v)
	c.mu.Unlock()

	c.changed(CollectionChange[T]{Action: ActionReplace, Index: i, NewItems: []T{v}, OldItems: []T{old}})
	return true
}

// Clear removes every item and saves the empty list.
func (c *Collection[T]) Clear() {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return
	}
	old := c.removeLocked(0, len(c.items))
	c.mu.Unlock()

	c.changed(CollectionChange[T]{Action: ActionReset, OldItems: old})
}

// Reset clears the collection and deletes its backend entry. The default
// items return on the next Reload.
func (c *Collection[T]) Reset() error {
	return c.reset(c.m.notifier.Notify)
}

func (c *Collection[T]) reset(emit func(notify.Change)) error {
	c.mu.Lock()
	old := c.removeLocked(0, len(c.items))
	c.mu.Unlock()

	err := c.m.coalescer.Delete(c.def.Key)
	c.emit(CollectionChange[T]{Action: ActionReset, OldItems: old})
	emit(notify.Deleted(c.def.Key, old, []T{}))
	return err
}

// Reload replaces the items with the persisted list, or with the default
// items when nothing is persisted.
func (c *Collection[T]) Reload() error {
	items, err := c.read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := slices.Clone(c.items)
	c.replaceAll(items)
	c.mu.Unlock()

	c.emit(CollectionChange[T]{Action: ActionReset, NewItems: slices.Clone(items), OldItems: old})
	c.m.notifier.NotifyReload(c.def.Key, old, slices.Clone(items))
	return nil
}

// OnCollectionChange registers fn for structural changes.
func (c *Collection[T]) OnCollectionChange(fn func(CollectionChange[T])) *notify.Subscription {
	return c.events.Subscribe(func(ch notify.Change) {
		if cc, ok := ch.NewValue.(CollectionChange[T]); ok {
			fn(cc)
		}
	})
}

// changed saves the list and then emits a structural change.
func (c *Collection[T]) changed(cc CollectionChange[T]) {
	c.save()
	c.emit(cc)
	c.m.notifier.NotifySet(c.def.Key, nil, c.Items(), notify.SourceUser)
}

func (c *Collection[T]) emit(cc CollectionChange[T]) {
	c.events.Notify(notify.Change{Key: c.def.Key, Type: notify.ChangeSet, NewValue: cc})
}

// save schedules a write of the current items.
func (c *Collection[T]) save() {
	if c.settingUp.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.items
	if items == nil {
		items = []T{}
	}
	// Encoding under the lock keeps saves in mutation order. Write failures
	// are logged and stay pending until the next Flush.
	_ = c.m.persist(c.def.Key, items, c.def.Immediate)
}

// Flush writes a pending save now and returns the backend error.
func (c *Collection[T]) Flush() error {
	return c.m.coalescer.Flush(c.def.Key)
}

// watch observes v and returns the cancel func, or nil.
func (c *Collection[T]) watch(v T) func() {
	return observe(v, c.save)
}

// replaceAll swaps in items, rewiring observers. c.mu must be held.
func (c *Collection[T]) replaceAll(items []T) {
	for _, cancel := range c.cancels {
		if cancel != nil {
			cancel()
		}
	}
	c.items = items
	c.cancels = make([]func(), len(items))
	for i, v := range items {
		c.cancels[i] = c.watch(v)
	}
}

// removeLocked deletes items[i:i+n], detaching observers, and returns the
// removed items. c.mu must be held.
func (c *Collection[T]) removeLocked(i, n int) []T {
	old := slices.Clone(c.items[i : i+n])
	for _, cancel := range c.cancels[i : i+n] {
		if cancel != nil {
			cancel()
		}
	}
	c.items = slices.Delete(c.items, i, i+n)
	c.cancels = slices.Delete(c.cancels, i, i+n)
	return old
}

func (c *Collection[T]) rejects(v T) bool {
	return !c.def.AllowDuplicates && c.indexOf(v) >= 0
}

func (c *Collection[T]) indexOf(v T) int {
	for i, item := range c.items {
		if c.same(item, v) {
			return i
		}
	}
	return -1
}

func (c *Collection[T]) same(a, b T) bool {
	if c.def.IsDuplicate != nil {
		return c.def.IsDuplicate(a, b)
	}
	return reflect.DeepEqual(a, b)
}
