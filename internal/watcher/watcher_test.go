package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/prefstore/internal/backend"
	"github.com/dshills/prefstore/internal/logging"
)

// chanSource forwards keys pushed by the test. The first fails runs return
// an error immediately.
type chanSource struct {
	keys  chan string
	fails atomic.Int32
	runs  atomic.Int32
}

func newChanSource(fails int32) *chanSource {
	s := &chanSource{keys: make(chan string, 16)}
	s.fails.Store(fails)
	return s
}

func (s *chanSource) Run(ctx context.Context, out chan<- string) error {
	s.runs.Add(1)
	if s.fails.Add(-1) >= 0 {
		return errors.New("source failed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case k := <-s.keys:
			out <- k
		}
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestWatcher(t *testing.T, store backend.Store, src Source, opts ...Option) *Watcher {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Null()),
		WithSettle(10 * time.Millisecond),
		WithRestartDelay(10 * time.Millisecond),
	}, opts...)
	w := New(store, src, opts...)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestOrigin_String(t *testing.T) {
	if OriginExternal.String() != "external" || OriginSelf.String() != "self" || Origin(7).String() != "unknown" {
		t.Error("unexpected origin names")
	}
}

func TestLedger_Claim(t *testing.T) {
	l := NewLedger(time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Record("A", "1", false)
	if l.Claim("A", "2", false) {
		t.Error("claimed a different value")
	}
	if l.Claim("A", "", true) {
		t.Error("claimed a delete for a write")
	}
	if !l.Claim("A", "1", false) {
		t.Error("did not claim matching write")
	}
	if l.Claim("A", "1", false) {
		t.Error("entry claimed twice")
	}

	l.Record("B", "", true)
	if !l.Claim("B", "", true) {
		t.Error("did not claim matching delete")
	}

	l.Record("C", "x", false)
	now = now.Add(2 * time.Minute)
	if l.Claim("C", "x", false) {
		t.Error("claimed an expired entry")
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}

func TestLedger_DefaultTTL(t *testing.T) {
	if l := NewLedger(0); l.ttl != DefaultLedgerTTL {
		t.Errorf("ttl = %v, want %v", l.ttl, DefaultLedgerTTL)
	}
}

func TestDiff(t *testing.T) {
	prev := map[string]string{"a": "1", "b": "2", "c": "3"}
	cur := map[string]string{"a": "1", "b": "20", "d": "4"}

	got := diff(prev, cur)
	sort.Strings(got)
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("diff() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("diff()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSourceFor(t *testing.T) {
	fs, err := backend.NewFileStore(t.TempDir(), "app")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := SourceFor(fs, 0).(*FSNotifySource); !ok {
		t.Error("file store did not get an fsnotify source")
	}
	if _, ok := SourceFor(backend.NewMemoryStore("app"), 0).(*PollSource); !ok {
		t.Error("memory store did not get a poll source")
	}
}

func TestWatcher_LazyStartStop(t *testing.T) {
	w := newTestWatcher(t, backend.NewMemoryStore("app"), newChanSource(0))

	if w.Running() {
		t.Fatal("running before any subscriber")
	}

	s1, err := w.Subscribe(func(Change) {}, false)
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := w.Subscribe(func(Change) {}, false)
	if !w.Running() {
		t.Fatal("not running after Subscribe")
	}

	s1.Unsubscribe()
	s1.Unsubscribe()
	if !w.Running() {
		t.Error("stopped while a subscriber remains")
	}

	s2.Unsubscribe()
	if w.Running() {
		t.Error("still running after last Unsubscribe")
	}

	// Resubscribing starts it again.
	s3, _ := w.Subscribe(func(Change) {}, false)
	if !w.Running() {
		t.Error("did not restart on new subscriber")
	}
	s3.Unsubscribe()
}

func TestWatcher_SubscribeAfterClose(t *testing.T) {
	w := newTestWatcher(t, backend.NewMemoryStore("app"), newChanSource(0))
	w.Close()
	if _, err := w.Subscribe(func(Change) {}, false); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() error = %v, want ErrClosed", err)
	}
}

func TestWatcher_ExternalChange(t *testing.T) {
	store := backend.NewMemoryStore("app")
	src := newChanSource(0)
	w := newTestWatcher(t, store, src)

	var rec recorder
	if _, err := w.Subscribe(rec.record, false); err != nil {
		t.Fatal(err)
	}

	store.Write("Opacity", "0.5")
	src.keys <- "Opacity"
	waitFor(t, time.Second, func() bool { return rec.len() == 1 })

	c := rec.snapshot()[0]
	if c.Key != "Opacity" || c.Origin != OriginExternal || c.Deleted || c.Value != "0.5" {
		t.Errorf("change = %+v", c)
	}

	store.Delete("Opacity")
	src.keys <- "Opacity"
	waitFor(t, time.Second, func() bool { return rec.len() == 2 })
	if c := rec.snapshot()[1]; !c.Deleted || c.Value != "" {
		t.Errorf("delete change = %+v", c)
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	store := backend.NewMemoryStore("app")
	src := newChanSource(0)
	w := newTestWatcher(t, store, src, WithSettle(50*time.Millisecond))

	var rec recorder
	w.Subscribe(rec.record, false)

	for i := 0; i < 5; i++ {
		src.keys <- "Burst"
	}
	store.Write("Burst", "5")
	waitFor(t, time.Second, func() bool { return rec.len() >= 1 })
	time.Sleep(100 * time.Millisecond)

	if n := rec.len(); n != 1 {
		t.Errorf("delivered %d changes, want 1", n)
	}
}

func TestWatcher_ReleasesSettledKeys(t *testing.T) {
	store := backend.NewMemoryStore("app")
	src := newChanSource(0)
	w := newTestWatcher(t, store, src)

	var rec recorder
	w.Subscribe(rec.record, false)

	for i := range 20 {
		key := fmt.Sprintf("K%d", i)
		store.Write(key, "1")
		src.keys <- key
	}
	waitFor(t, time.Second, func() bool { return rec.len() == 20 })
	waitFor(t, time.Second, func() bool { return w.settling.Load() == 0 })

	// A released key settles again on its next change.
	store.Write("K3", "2")
	src.keys <- "K3"
	waitFor(t, time.Second, func() bool { return rec.len() == 21 })
	if c := rec.snapshot()[20]; c.Key != "K3" || c.Value != "2" {
		t.Errorf("change after release = %+v", c)
	}
}

func TestWatcher_SelfWrites(t *testing.T) {
	store := backend.NewMemoryStore("app")
	src := newChanSource(0)
	w := newTestWatcher(t, store, src)

	var external, all recorder
	w.Subscribe(external.record, false)
	w.Subscribe(all.record, true)

	w.RecordWrite("Opacity", "0.5", false)
	store.Write("Opacity", "0.5")
	src.keys <- "Opacity"
	waitFor(t, time.Second, func() bool { return all.len() == 1 })

	if c := all.snapshot()[0]; c.Origin != OriginSelf {
		t.Errorf("origin = %v, want self", c.Origin)
	}

	// An outside edit after our own write is external again.
	store.Write("Opacity", "0.9")
	src.keys <- "Opacity"
	waitFor(t, time.Second, func() bool { return all.len() == 2 })

	if got := external.snapshot(); len(got) != 1 || got[0].Value != "0.9" {
		t.Errorf("external subscriber saw %+v", got)
	}
}

func TestWatcher_RestartsFailedSource(t *testing.T) {
	store := backend.NewMemoryStore("app")
	src := newChanSource(2)
	w := newTestWatcher(t, store, src)

	var rec recorder
	w.Subscribe(rec.record, false)

	waitFor(t, time.Second, func() bool { return src.runs.Load() == 3 })
	if w.Restarts() != 2 {
		t.Errorf("Restarts() = %d, want 2", w.Restarts())
	}

	store.Write("K", `"v"`)
	src.keys <- "K"
	waitFor(t, time.Second, func() bool { return rec.len() == 1 })
}

func TestWatcher_CallbackPanicIsRecovered(t *testing.T) {
	store := backend.NewMemoryStore("app")
	src := newChanSource(0)
	w := newTestWatcher(t, store, src)

	var rec recorder
	w.Subscribe(func(Change) { panic("boom") }, false)
	w.Subscribe(rec.record, false)

	store.Write("K", "1")
	src.keys <- "K"
	waitFor(t, time.Second, func() bool { return rec.len() == 1 })
}

func TestPollSource_DetectsChanges(t *testing.T) {
	store := backend.NewMemoryStore("app")
	store.Write("Existing", "1")
	w := newTestWatcher(t, store, NewPollSource(store, 10*time.Millisecond))

	var rec recorder
	w.Subscribe(rec.record, false)
	// Let the initial snapshot happen before changing anything.
	time.Sleep(30 * time.Millisecond)

	store.Write("Existing", "2")
	store.Write("Added", "x")
	waitFor(t, time.Second, func() bool { return rec.len() == 2 })

	keys := make([]string, 0, 2)
	for _, c := range rec.snapshot() {
		keys = append(keys, c.Key)
	}
	sort.Strings(keys)
	if keys[0] != "Added" || keys[1] != "Existing" {
		t.Errorf("changed keys = %v", keys)
	}
}

func TestFSNotifySource_SeesOtherStore(t *testing.T) {
	base := t.TempDir()
	ours, err := backend.NewFileStore(base, "app")
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := backend.NewFileStore(base, "app")
	if err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, ours, NewFSNotifySource(ours))
	var rec recorder
	w.Subscribe(rec.record, false)
	time.Sleep(50 * time.Millisecond)

	if err := theirs.Write("Theme", `"dark"`); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, c := range rec.snapshot() {
			if c.Key == "Theme" && c.Value == `"dark"` && c.Origin == OriginExternal {
				return true
			}
		}
		return false
	})

	if err := theirs.Delete("Theme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got := rec.snapshot()
		return len(got) > 0 && got[len(got)-1].Deleted
	})
}

func TestWatcher_SQLiteAttribution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	ours, err := backend.OpenSQLite(path, "app", backend.WithWriterID("ours"))
	if err != nil {
		t.Fatal(err)
	}
	defer ours.Close()
	theirs, err := backend.OpenSQLite(path, "app", backend.WithWriterID("theirs"))
	if err != nil {
		t.Fatal(err)
	}
	defer theirs.Close()

	w := newTestWatcher(t, ours, newChanSource(0))

	if err := ours.Write("A", "1"); err != nil {
		t.Fatal(err)
	}
	if c := w.classify("A"); c.Origin != OriginSelf {
		t.Errorf("own write classified %v", c.Origin)
	}

	if err := theirs.Write("A", "2"); err != nil {
		t.Fatal(err)
	}
	if c := w.classify("A"); c.Origin != OriginExternal || c.Value != "2" {
		t.Errorf("foreign write classified %+v", c)
	}
}
