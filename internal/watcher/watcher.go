// Package watcher reports changes made to a backend by other processes.
//
// A Watcher runs a Source (fsnotify for file stores, polling elsewhere),
// debounces bursts per key and classifies each settled change as coming
// from this process or from somewhere else. The watch starts lazily with
// the first subscriber and stops when the last one leaves. A failed watch
// is restarted after a delay.
package watcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"

	"github.com/dshills/prefstore/internal/backend"
	"github.com/dshills/prefstore/internal/logging"
)

// Defaults for watcher timing.
const (
	DefaultSettle       = 100 * time.Millisecond
	DefaultRestartDelay = time.Second
)

// Origin says who produced a change.
type Origin int

const (
	// OriginExternal is a change made by another process or by hand.
	OriginExternal Origin = iota
	// OriginSelf is a change written by this process.
	OriginSelf
)

// String returns the origin name.
func (o Origin) String() string {
	switch o {
	case OriginExternal:
		return "external"
	case OriginSelf:
		return "self"
	default:
		return "unknown"
	}
}

// Change is a settled modification of one backend key.
type Change struct {
	Key     string
	Origin  Origin
	Deleted bool
	// Value is the stored value after the change; empty when Deleted.
	Value string
	Time  time.Time
}

// Callback receives changes.
type Callback func(Change)

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettle sets how long a key must be quiet before its change is
// reported.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithRestartDelay sets the pause before a failed watch is restarted.
func WithRestartDelay(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.restartDelay = d
		}
	}
}

// WithLedger uses an existing ledger for self-write detection.
func WithLedger(l *Ledger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.ledger = l
		}
	}
}

// WithLedgerTTL sets the expiry of the watcher's own ledger.
// Ignored when WithLedger is also given.
func WithLedgerTTL(d time.Duration) Option {
	return func(w *Watcher) {
		w.ledgerTTL = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// Watcher delivers external changes of a Store to subscribers.
type Watcher struct {
	store  backend.Store
	source Source
	ledger *Ledger
	log    *logging.Logger

	settle       time.Duration
	restartDelay time.Duration
	ledgerTTL    time.Duration

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	dispatchMu sync.Mutex
	restarts   atomic.Int64

	// settling counts keys with a live debouncer in consume.
	settling atomic.Int64
}

// New creates a watcher over store using source. Nothing is watched until
// the first Subscribe.
func New(store backend.Store, source Source, opts ...Option) *Watcher {
	w := &Watcher{
		store:        store,
		source:       source,
		log:          logging.Get().WithComponent("watcher"),
		settle:       DefaultSettle,
		restartDelay: DefaultRestartDelay,
		subs:         make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.ledger == nil {
		w.ledger = NewLedger(w.ledgerTTL)
	}
	return w
}

// SourceFor picks the natural source for store: fsnotify for a FileStore
// and polling at interval for everything else.
func SourceFor(store backend.Store, interval time.Duration) Source {
	if fs, ok := store.(*backend.FileStore); ok {
		return NewFSNotifySource(fs)
	}
	return NewPollSource(store, interval)
}

// Ledger returns the ledger used to recognise self writes.
func (w *Watcher) Ledger() *Ledger {
	return w.ledger
}

// RecordWrite notes a write made by this process. It can be passed to
// coalesce.WithOnWrite.
func (w *Watcher) RecordWrite(key, value string, deleted bool) {
	w.ledger.Record(key, value, deleted)
}

// Running reports whether the watch is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Restarts returns how many times a failed watch has been restarted.
func (w *Watcher) Restarts() int64 {
	return w.restarts.Load()
}

// Subscription is a registered callback.
type Subscription struct {
	w           *Watcher
	id          uint64
	cb          Callback
	includeSelf bool
	once        sync.Once
}

// Unsubscribe removes the subscription. The watch stops once no
// subscriptions remain.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.w.remove(s.id)
	})
}

// Subscribe registers cb for external changes, and for self changes too
// when includeSelf is set. The first subscription starts the watch.
func (w *Watcher) Subscribe(cb Callback, includeSelf bool) (*Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, fmt.Errorf("watcher: subscribe: %w", ErrClosed)
	}

	w.nextID++
	sub := &Subscription{w: w, id: w.nextID, cb: cb, includeSelf: includeSelf}
	w.subs[sub.id] = sub

	if w.cancel == nil {
		w.startLocked()
	}
	return sub, nil
}

func (w *Watcher) remove(id uint64) {
	w.mu.Lock()
	delete(w.subs, id)
	var done chan struct{}
	if len(w.subs) == 0 {
		done = w.stopLocked()
	}
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close stops the watch and drops every subscription.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.subs = make(map[uint64]*Subscription)
	done := w.stopLocked()
	w.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

func (w *Watcher) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	w.log.Debug("watch started", "root", w.store.Root())
}

// stopLocked cancels the watch and returns a channel closed when it has
// exited. Returns nil if nothing was running.
func (w *Watcher) stopLocked() chan struct{} {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	w.cancel = nil
	done := w.done
	w.done = nil
	w.log.Debug("watch stopped", "root", w.store.Root())
	return done
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	keys := make(chan string, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume(ctx, keys)
	}()

	for {
		err := w.source.Run(ctx, keys)
		if ctx.Err() != nil {
			break
		}
		w.restarts.Add(1)
		w.log.Warn("watch failed, restarting", "root", w.store.Root(), "err", err, "delay", w.restartDelay)

		timer := time.NewTimer(w.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	wg.Wait()
}

type keyDebouncer struct {
	debounce func(func())
	gen      uint64
}

type settled struct {
	key string
	gen uint64
}

// consume debounces raw key notifications and classifies each key once it
// settles. A key's debouncer is dropped after it fires unless another
// notification for the key arrived in the meantime.
func (w *Watcher) consume(ctx context.Context, keys <-chan string) {
	debouncers := make(map[string]*keyDebouncer)
	done := make(chan settled)
	defer w.settling.Store(0)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-done:
			if d, ok := debouncers[s.key]; ok && d.gen == s.gen {
				delete(debouncers, s.key)
			}
		case key := <-keys:
			d, ok := debouncers[key]
			if !ok {
				d = &keyDebouncer{debounce: debounce.New(w.settle)}
				debouncers[key] = d
			}
			d.gen++
			gen := d.gen
			d.debounce(func() {
				if ctx.Err() != nil {
					return
				}
				w.dispatch(w.classify(key))
				select {
				case done <- settled{key: key, gen: gen}:
				case <-ctx.Done():
				}
			})
		}
		w.settling.Store(int64(len(debouncers)))
	}
}

func (w *Watcher) classify(key string) Change {
	value, ok := w.store.Read(key)
	c := Change{Key: key, Deleted: !ok, Value: value, Time: time.Now()}

	if w.ledger.Claim(key, value, !ok) {
		c.Origin = OriginSelf
		return c
	}
	if a, isAttr := w.store.(backend.Attributor); isAttr && ok {
		if writer, found := a.LastWriter(key); found && writer == a.WriterID() {
			c.Origin = OriginSelf
			return c
		}
	}
	c.Origin = OriginExternal
	return c
}

func (w *Watcher) dispatch(c Change) {
	w.mu.Lock()
	subs := make([]*Subscription, 0, len(w.subs))
	for _, s := range w.subs {
		if c.Origin == OriginSelf && !s.includeSelf {
			continue
		}
		subs = append(subs, s)
	}
	w.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	w.log.Debug("change", "key", c.Key, "origin", c.Origin, "deleted", c.Deleted)
	for _, s := range subs {
		w.safeCall(s.cb, c)
	}
}

// safeCall invokes cb, recovering from panics.
func (w *Watcher) safeCall(cb Callback, c Change) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watch callback panicked", "key", c.Key, "panic", r)
		}
	}()
	cb(c)
}
