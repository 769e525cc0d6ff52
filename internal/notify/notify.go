// Package notify provides change notification for setting updates.
//
// The notify package implements an observer pattern that allows components
// to subscribe to setting changes and receive callbacks when values are
// set, reset or reloaded. Subscriptions return a token; calling
// Unsubscribe on the token detaches the observer, including from inside the
// observer itself.
package notify

import (
	"sort"
	"sync"
)

// ChangeType represents the type of setting change.
type ChangeType int

const (
	// ChangeSet indicates a value was set through the setter.
	ChangeSet ChangeType = iota

	// ChangeDelete indicates a value was reset and its backend entry removed.
	ChangeDelete

	// ChangeReload indicates a value was re-read from the backend.
	ChangeReload

	// ChangeExternal indicates the backend entry was modified outside the
	// normal write path.
	ChangeExternal
)

// String returns the change type name.
func (c ChangeType) String() string {
	switch c {
	case ChangeSet:
		return "set"
	case ChangeDelete:
		return "delete"
	case ChangeReload:
		return "reload"
	case ChangeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Sources recorded on a Change.
const (
	SourceUser     = "user"
	SourceBackend  = "backend"
	SourceReset    = "reset"
	SourceExternal = "external"
)

// Change represents a setting change event.
type Change struct {
	// Key is the backend key of the changed setting.
	// Empty for global reload events.
	Key string

	// Type is the type of change.
	Type ChangeType

	// OldValue is the previous value (may be nil).
	OldValue any

	// NewValue is the new value.
	NewValue any

	// Source identifies where the change came from.
	Source string
}

// Observer is called when setting changes occur.
type Observer func(change Change)

// Subscription represents an active observer subscription.
type Subscription struct {
	id       uint64
	key      string
	notifier *Notifier
	once     sync.Once
}

// Unsubscribe removes this subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.notifier == nil {
		return
	}
	s.once.Do(func() {
		s.notifier.unsubscribe(s.id, s.key)
	})
}

type entry struct {
	id       uint64
	observer Observer
}

// Notifier manages setting change subscriptions.
type Notifier struct {
	mu sync.RWMutex

	// Observers that receive all changes
	global map[uint64]Observer

	// Key-specific observers
	keyed map[string]map[uint64]Observer

	nextID uint64
	closed bool

	onPanic func(change Change, recovered any)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithPanicHandler recovers observer panics and reports them to fn.
// Without a handler, observer panics propagate to the notifying goroutine.
func WithPanicHandler(fn func(change Change, recovered any)) Option {
	return func(n *Notifier) {
		n.onPanic = fn
	}
}

// New creates a new Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		global: make(map[uint64]Observer),
		keyed:  make(map[string]map[uint64]Observer),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Subscribe registers an observer for all changes.
func (n *Notifier) Subscribe(observer Observer) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.global[id] = observer

	return &Subscription{id: id, notifier: n}
}

// SubscribeKey registers an observer for changes to one key. Global reload
// events (empty key) are delivered too.
func (n *Notifier) SubscribeKey(key string, observer Observer) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	if n.keyed[key] == nil {
		n.keyed[key] = make(map[uint64]Observer)
	}
	n.keyed[key][id] = observer

	return &Subscription{id: id, key: key, notifier: n}
}

// Notify sends a change notification to all relevant observers.
func (n *Notifier) Notify(change Change) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	n.mu.RUnlock()

	n.deliver(change)
}

// NotifySet is a convenience method for set changes.
func (n *Notifier) NotifySet(key string, oldValue, newValue any, source string) {
	n.Notify(Change{
		Key:      key,
		Type:     ChangeSet,
		OldValue: oldValue,
		NewValue: newValue,
		Source:   source,
	})
}

// Deleted builds the change published when a setting is reset to its
// default and its backend entry removed.
func Deleted(key string, oldValue, defaultValue any) Change {
	return Change{
		Key:      key,
		Type:     ChangeDelete,
		OldValue: oldValue,
		NewValue: defaultValue,
		Source:   SourceReset,
	}
}

// NotifyReload is a convenience method for reload events.
func (n *Notifier) NotifyReload(key string, oldValue, newValue any) {
	n.Notify(Change{
		Key:      key,
		Type:     ChangeReload,
		OldValue: oldValue,
		NewValue: newValue,
		Source:   SourceBackend,
	})
}

// Close stops delivery. Later notifications are dropped. It is safe to
// call Close multiple times.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
}

func (n *Notifier) unsubscribe(id uint64, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if key == "" {
		delete(n.global, id)
		return
	}
	if obs, ok := n.keyed[key]; ok {
		delete(obs, id)
		if len(obs) == 0 {
			delete(n.keyed, key)
		}
	}
}

// deliver sends a change to all matching observers in subscription order.
func (n *Notifier) deliver(change Change) {
	n.mu.RLock()

	matched := make([]entry, 0, len(n.global))
	for id, obs := range n.global {
		matched = append(matched, entry{id, obs})
	}
	if change.Key != "" {
		for id, obs := range n.keyed[change.Key] {
			matched = append(matched, entry{id, obs})
		}
	} else {
		for _, keyObs := range n.keyed {
			for id, obs := range keyObs {
				matched = append(matched, entry{id, obs})
			}
		}
	}

	n.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	// Call observers outside the lock
	for _, e := range matched {
		n.call(e.observer, change)
	}
}

func (n *Notifier) call(obs Observer, change Change) {
	if n.onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				n.onPanic(change, r)
			}
		}()
	}
	obs(change)
}

// Batch collects multiple changes and delivers them as a group.
type Batch struct {
	notifier *Notifier
	changes  []Change
	mu       sync.Mutex
}

// NewBatch creates a new batch for collecting changes.
func (n *Notifier) NewBatch() *Batch {
	return &Batch{notifier: n}
}

// Add adds a change to the batch.
func (b *Batch) Add(change Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, change)
}

// Commit sends all batched changes to observers.
func (b *Batch) Commit() {
	b.mu.Lock()
	changes := b.changes
	b.changes = nil
	b.mu.Unlock()

	for _, change := range changes {
		b.notifier.Notify(change)
	}
}
