// Package coalesce debounces writes to a backend store.
//
// A Coalescer keeps at most one pending write per key. Scheduling a new
// value for a key cancels the previous pending write for that key and
// restarts its delay. When the delay elapses the value is handed to a single
// writer goroutine that owns all backend access. Every write carries a
// sequence number, and the writer drops any write older than the last one
// it applied for the same key, so per-key order is preserved even when a
// timer fires while a flush is in progress.
//
// A synchronous write (WriteNow, Flush, FlushAll) that fails stays pending
// with a fresh delay unless a newer value was scheduled meanwhile, so the
// next flush or Close retries it. A debounced write that fails when its
// timer fires is logged, reported to the error hook and dropped.
package coalesce

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/prefstore/internal/logging"
)

// DefaultDelay is the debounce window used when none is configured.
const DefaultDelay = 500 * time.Millisecond

// ErrClosed is returned by operations on a closed Coalescer.
var ErrClosed = errors.New("coalescer closed")

// Store is the subset of a backend the coalescer writes to.
type Store interface {
	Write(key, value string) error
	Delete(key string) error
}

// WriteHook is called on the writer goroutine after each successful write
// or delete.
type WriteHook func(key, value string, deleted bool)

// ErrorHook is called when a write fails. Debounced failures are reported
// on the writer goroutine, synchronous ones on the caller's.
type ErrorHook func(key string, err error)

// Stats holds coalescer counters.
type Stats struct {
	Scheduled  int64
	Superseded int64
	Written    int64
	Deleted    int64
	Failed     int64
	Cancelled  int64
	Stale      int64
	Pending    int
}

type pendingWrite struct {
	key   string
	value string
	seq   uint64
	timer *time.Timer
}

type request struct {
	key    string
	value  string
	delete bool
	seq    uint64
	result chan error
}

// Coalescer debounces writes to a Store.
type Coalescer struct {
	store   Store
	delay   time.Duration
	buffer  int
	log     *logging.Logger
	onWrite WriteHook
	onError ErrorHook

	mu       sync.Mutex
	pending  map[string]*pendingWrite
	seq      uint64
	closed   bool
	inflight sync.WaitGroup

	requests chan *request
	loopDone chan struct{}

	// applied is owned by the writer goroutine.
	applied map[string]uint64

	scheduled  atomic.Int64
	superseded atomic.Int64
	written    atomic.Int64
	deleted    atomic.Int64
	failed     atomic.Int64
	cancelled  atomic.Int64
	stale      atomic.Int64
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithDelay sets the debounce window.
func WithDelay(d time.Duration) Option {
	return func(c *Coalescer) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithBuffer sets the capacity of the writer queue.
func WithBuffer(n int) Option {
	return func(c *Coalescer) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coalescer) {
		if l != nil {
			c.log = l
		}
	}
}

// WithOnWrite registers a hook called after each persisted write or delete.
func WithOnWrite(fn WriteHook) Option {
	return func(c *Coalescer) {
		c.onWrite = fn
	}
}

// WithOnError registers a hook called when a write fails.
func WithOnError(fn ErrorHook) Option {
	return func(c *Coalescer) {
		c.onError = fn
	}
}

// New creates a Coalescer writing to store and starts its writer goroutine.
func New(store Store, opts ...Option) *Coalescer {
	c := &Coalescer{
		store:    store,
		delay:    DefaultDelay,
		buffer:   64,
		pending:  make(map[string]*pendingWrite),
		loopDone: make(chan struct{}),
		applied:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Get()
	}
	c.log = c.log.WithComponent("coalesce")
	c.requests = make(chan *request, c.buffer)

	go c.writeLoop()
	return c
}

// Delay returns the debounce window.
func (c *Coalescer) Delay() time.Duration {
	return c.delay
}

// Schedule queues value to be written to key after the debounce window.
// A pending write for the same key is cancelled. Schedule never blocks on
// backend I/O.
func (c *Coalescer) Schedule(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if old := c.pending[key]; old != nil {
		old.timer.Stop()
		c.superseded.Add(1)
	}

	c.seq++
	p := &pendingWrite{key: key, value: value, seq: c.seq}
	c.pending[key] = p
	p.timer = time.AfterFunc(c.delay, func() { c.fire(p) })
	c.scheduled.Add(1)
	return nil
}

// fire runs when p's delay elapses.
func (c *Coalescer) fire(p *pendingWrite) {
	c.mu.Lock()
	if c.pending[p.key] != p {
		// Superseded, flushed or cancelled while the timer was firing.
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.key)
	c.inflight.Add(1)
	c.mu.Unlock()

	c.requests <- &request{key: p.key, value: p.value, seq: p.seq}
	c.inflight.Done()
}

// WriteNow cancels any pending write for key and writes value
// synchronously.
func (c *Coalescer) WriteNow(key, value string) error {
	req, err := c.take(key, func(seq uint64) *request {
		return &request{key: key, value: value, seq: seq}
	})
	if err != nil {
		return err
	}
	if err := c.do(req); err != nil {
		c.failedSync(req, err)
		return err
	}
	return nil
}

// Delete cancels any pending write for key and deletes it synchronously.
func (c *Coalescer) Delete(key string) error {
	req, err := c.take(key, func(seq uint64) *request {
		return &request{key: key, delete: true, seq: seq}
	})
	if err != nil {
		return err
	}
	return c.do(req)
}

// take cancels the pending write for key and reserves a sequence number
// for a new synchronous request.
func (c *Coalescer) take(key string, build func(seq uint64) *request) (*request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if p := c.pending[key]; p != nil {
		p.timer.Stop()
		delete(c.pending, key)
		c.superseded.Add(1)
	}
	c.seq++
	c.inflight.Add(1)
	return build(c.seq), nil
}

// do submits a synchronous request and waits for its result.
// The caller must have called inflight.Add(1).
func (c *Coalescer) do(req *request) error {
	req.result = make(chan error, 1)
	c.requests <- req
	c.inflight.Done()
	return <-req.result
}

// Flush writes the pending value for key immediately, if there is one.
func (c *Coalescer) Flush(key string) error {
	c.mu.Lock()
	p := c.pending[key]
	if p == nil {
		c.mu.Unlock()
		return nil
	}
	p.timer.Stop()
	delete(c.pending, key)
	c.inflight.Add(1)
	c.mu.Unlock()

	req := &request{key: p.key, value: p.value, seq: p.seq}
	if err := c.do(req); err != nil {
		c.failedSync(req, err)
		return err
	}
	return nil
}

// failedSync reports a failed synchronous write and puts it back in the
// pending set. A value scheduled after the write was taken wins, and
// nothing is requeued once the coalescer is closing.
func (c *Coalescer) failedSync(req *request, err error) {
	c.log.Error("write failed, keeping it pending", "key", req.key, "error", err)
	if c.onError != nil {
		c.onError(req.key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, newer := c.pending[req.key]; newer {
		return
	}
	p := &pendingWrite{key: req.key, value: req.value, seq: req.seq}
	c.pending[req.key] = p
	p.timer = time.AfterFunc(c.delay, func() { c.fire(p) })
}

// FlushAll writes every pending value immediately, in the order the
// writes were scheduled. Writes scheduled after FlushAll takes its snapshot
// are left pending.
func (c *Coalescer) FlushAll() error {
	return c.flushAll(false)
}

func (c *Coalescer) flushAll(closing bool) error {
	c.mu.Lock()
	if closing {
		c.closed = true
	}
	snapshot := make([]*pendingWrite, 0, len(c.pending))
	for _, p := range c.pending {
		p.timer.Stop()
		snapshot = append(snapshot, p)
	}
	clear(c.pending)
	c.inflight.Add(len(snapshot))
	c.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].seq < snapshot[j].seq
	})

	reqs := make([]*request, len(snapshot))
	for i, p := range snapshot {
		reqs[i] = &request{key: p.key, value: p.value, seq: p.seq, result: make(chan error, 1)}
		c.requests <- reqs[i]
		c.inflight.Done()
	}

	var errs []error
	for _, req := range reqs {
		if err := <-req.result; err != nil {
			c.failedSync(req, err)
			errs = append(errs, err)
		}
	}
	if len(snapshot) > 0 {
		c.log.Debug("flushed pending writes", "count", len(snapshot))
	}
	return errors.Join(errs...)
}

// CancelAll discards every pending write without persisting it and
// returns how many were discarded.
func (c *Coalescer) CancelAll() int {
	c.mu.Lock()
	n := len(c.pending)
	for _, p := range c.pending {
		p.timer.Stop()
	}
	clear(c.pending)
	c.mu.Unlock()

	c.cancelled.Add(int64(n))
	if n > 0 {
		c.log.Warn("discarded pending writes", "count", n)
	}
	return n
}

// Pending reports whether key has a write waiting for its delay.
func (c *Coalescer) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// PendingValue returns the value waiting to be written for key.
func (c *Coalescer) PendingValue(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[key]; ok {
		return p.value, true
	}
	return "", false
}

// PendingKeys returns the keys with pending writes, sorted.
func (c *Coalescer) PendingKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns a snapshot of the coalescer counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Scheduled:  c.scheduled.Load(),
		Superseded: c.superseded.Load(),
		Written:    c.written.Load(),
		Deleted:    c.deleted.Load(),
		Failed:     c.failed.Load(),
		Cancelled:  c.cancelled.Load(),
		Stale:      c.stale.Load(),
		Pending:    pending,
	}
}

// Close flushes every pending write and stops the writer goroutine.
// It is safe to call Close multiple times.
func (c *Coalescer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.loopDone
		return nil
	}
	c.mu.Unlock()

	err := c.flushAll(true)

	c.inflight.Wait()
	close(c.requests)
	<-c.loopDone
	return err
}

// writeLoop is the only goroutine that touches the store.
func (c *Coalescer) writeLoop() {
	defer close(c.loopDone)

	for req := range c.requests {
		err := c.apply(req)
		if req.result != nil {
			req.result <- err
			continue
		}
		if err != nil {
			c.log.Error("debounced write failed", "key", req.key, "error", err)
			if c.onError != nil {
				c.onError(req.key, err)
			}
		}
	}
}

func (c *Coalescer) apply(req *request) error {
	if last, ok := c.applied[req.key]; ok && req.seq < last {
		c.stale.Add(1)
		return nil
	}
	c.applied[req.key] = req.seq

	if req.delete {
		if err := c.store.Delete(req.key); err != nil {
			c.failed.Add(1)
			return err
		}
		c.deleted.Add(1)
		if c.onWrite != nil {
			c.onWrite(req.key, "", true)
		}
		return nil
	}

	if err := c.store.Write(req.key, req.value); err != nil {
		c.failed.Add(1)
		return err
	}
	c.written.Add(1)
	c.log.Debug("write persisted", "key", req.key)
	if c.onWrite != nil {
		c.onWrite(req.key, req.value, false)
	}
	return nil
}
