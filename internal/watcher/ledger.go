package watcher

import (
	"sync"
	"time"
)

// DefaultLedgerTTL is how long a recorded self write stays claimable.
const DefaultLedgerTTL = 5 * time.Second

type ledgerEntry struct {
	value   string
	deleted bool
	at      time.Time
}

// Ledger remembers the writes this process made so that the watcher can
// tell them apart from external changes. Only the latest write per key is
// kept.
type Ledger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ledgerEntry
	now     func() time.Time
}

// NewLedger creates a ledger whose entries expire after ttl.
func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &Ledger{
		ttl:     ttl,
		entries: make(map[string]ledgerEntry),
		now:     time.Now,
	}
}

// Record notes that this process wrote value to key, or deleted it.
// Its signature matches coalesce.WriteHook.
func (l *Ledger) Record(key, value string, deleted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = ledgerEntry{value: value, deleted: deleted, at: l.now()}
}

// Claim reports whether the current state of key matches a recent self
// write. A matching entry is consumed.
func (l *Ledger) Claim(key, value string, deleted bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return false
	}
	if l.now().Sub(e.at) > l.ttl {
		delete(l.entries, key)
		return false
	}
	if e.deleted != deleted || (!deleted && e.value != value) {
		return false
	}
	delete(l.entries, key)
	return true
}

// Len returns the number of unclaimed entries, expired ones included.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
