package setting

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/prefstore/internal/backend"
	"github.com/dshills/prefstore/internal/coalesce"
	"github.com/dshills/prefstore/internal/codec"
	"github.com/dshills/prefstore/internal/logging"
	"github.com/dshills/prefstore/internal/notify"
)

// newTestManager returns a Manager with a one-hour write delay, so writes
// only reach the store through FlushAll unless a test overrides it.
func newTestManager(t *testing.T, store backend.Store, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Null()), WithWriteDelay(time.Hour)}, opts...)
	m := NewManager(store, opts...)
	t.Cleanup(func() { m.Close() })
	return m
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

var opacityDef = Definition[float64]{
	Key:         "Opacity",
	DisplayName: "Window opacity",
	Default:     1.0,
}

func TestSetting_OpacityScenario(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store, WithWriteDelay(20*time.Millisecond))

	op, err := Of(m, opacityDef)
	if err != nil {
		t.Fatalf("Of() error = %v", err)
	}
	if op.Value() != 1.0 {
		t.Errorf("Value() = %v, want 1.0", op.Value())
	}

	if !op.Set(0.4) {
		t.Fatal("Set(0.4) = false, want true")
	}
	if !op.Pending() {
		t.Error("expected pending write after Set")
	}

	waitFor(t, 2*time.Second, func() bool {
		v, ok := store.Read("Opacity")
		return ok && v == "0.4"
	})

	if op.Set(0.4) {
		t.Error("Set(0.4) again = true, want false")
	}
	if op.Pending() {
		t.Error("unchanged Set scheduled a write")
	}
	if store.WriteCount() != 1 {
		t.Errorf("WriteCount() = %d, want 1", store.WriteCount())
	}

	if err := op.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, ok := store.Read("Opacity"); ok {
		t.Error("backend entry still present after Reset")
	}
	if op.Value() != 1.0 {
		t.Errorf("Value() after Reset = %v, want 1.0", op.Value())
	}
}

func TestSetting_DefaultAndReset(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)

	s := MustOf(m, Definition[string]{Key: "Theme", Default: "light"})
	if !s.IsDefault() || s.Value() != "light" {
		t.Fatalf("fresh setting = %q, IsDefault %v", s.Value(), s.IsDefault())
	}

	s.Set("dark")
	if s.IsDefault() {
		t.Error("IsDefault() = true after Set")
	}
	if err := m.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Read("Theme"); v != `"dark"` {
		t.Errorf("stored %q, want \"dark\"", v)
	}

	s.Set("blue")
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if s.Pending() {
		t.Error("Reset left a pending write")
	}
	if _, ok := store.Read("Theme"); ok {
		t.Error("backend entry present after Reset")
	}
	if !s.IsDefault() {
		t.Error("IsDefault() = false after Reset")
	}

	// Reset must not have been undone by the cancelled write.
	m.FlushAll()
	if _, ok := store.Read("Theme"); ok {
		t.Error("cancelled write reached the backend")
	}
}

func TestSetting_LoadsPersistedValue(t *testing.T) {
	store := backend.NewMemoryStore("app")
	store.Write("Opacity", "0.25")
	m := newTestManager(t, store)

	op := MustOf(m, opacityDef)
	if op.Value() != 0.25 {
		t.Errorf("Value() = %v, want 0.25", op.Value())
	}
	if store.WriteCount() != 1 {
		t.Errorf("setup wrote to the backend; WriteCount() = %d", store.WriteCount())
	}
}

func TestSetting_Singleton(t *testing.T) {
	m := newTestManager(t, backend.NewMemoryStore("app"))

	var setups int
	def := opacityDef
	def.AfterSetup = func(*Setting[float64]) { setups++ }

	a := MustOf(m, def)
	b := MustOf(m, def)
	if a != b {
		t.Error("Of returned different instances for the same key")
	}
	if setups != 1 {
		t.Errorf("AfterSetup ran %d times, want 1", setups)
	}

	if _, err := New(m, def); !errors.Is(err, ErrDuplicateSingleton) {
		t.Errorf("New() error = %v, want ErrDuplicateSingleton", err)
	}
	if _, err := NewCollection(m, CollectionDefinition[string]{Key: "Opacity"}); !errors.Is(err, ErrDuplicateSingleton) {
		t.Errorf("NewCollection() error = %v, want ErrDuplicateSingleton", err)
	}

	_, err := Of(m, Definition[int]{Key: "Opacity"})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Of[int]() error = %v, want ErrTypeMismatch", err)
	}
	var te *TypeError
	if errors.As(err, &te) && te.Key != "Opacity" {
		t.Errorf("TypeError.Key = %q", te.Key)
	}

	if _, err := OfCollection(m, CollectionDefinition[float64]{Key: "Opacity"}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("OfCollection() error = %v, want ErrTypeMismatch", err)
	}
}

func TestSetting_SingletonConcurrent(t *testing.T) {
	m := newTestManager(t, backend.NewMemoryStore("app"))

	const n = 20
	got := make(chan *Setting[float64], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- MustOf(m, opacityDef)
		}()
	}
	wg.Wait()
	close(got)

	first := <-got
	for s := range got {
		if s != first {
			t.Fatal("concurrent Of returned different instances")
		}
	}
	if len(m.All()) != 1 {
		t.Errorf("registered %d entries, want 1", len(m.All()))
	}
}

func TestSetting_InvalidKey(t *testing.T) {
	m := newTestManager(t, backend.NewMemoryStore("app"))

	for _, key := range []string{"", "a/b", "..", ".hidden"} {
		if _, err := Of(m, Definition[int]{Key: key}); !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("Of(%q) error = %v, want ErrInvalidDefinition", key, err)
		}
	}
}

func TestSetting_ClampAndValidate(t *testing.T) {
	m := newTestManager(t, backend.NewMemoryStore("app"))

	s := MustOf(m, Definition[int]{
		Key:      "FontSize",
		Default:  12,
		Clamp:    func(v *int) { *v = min(max(*v, 6), 72) },
		Validate: func(v int) bool { return v%2 == 0 },
	})

	var events int
	s.OnChange(func(Event[int]) { events++ })

	tests := []struct {
		in      int
		want    int
		changed bool
	}{
		{100, 72, true},
		{1, 6, true},
		{13, 6, false},
		{14, 14, true},
		{14, 14, false},
	}
	for _, tt := range tests {
		if got := s.Set(tt.in); got != tt.changed {
			t.Errorf("Set(%d) = %v, want %v", tt.in, got, tt.changed)
		}
		if s.Value() != tt.want {
			t.Errorf("after Set(%d) Value() = %d, want %d", tt.in, s.Value(), tt.want)
		}
	}
	if events != 3 {
		t.Errorf("change events = %d, want 3", events)
	}
}

func TestSetting_RejectedValueNotPersisted(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)

	s := MustOf(m, Definition[string]{
		Key:      "Name",
		Validate: func(v string) bool { return v != "" },
		Default:  "x",
	})
	if s.Set("") {
		t.Error("Set(\"\") accepted")
	}
	if s.Pending() {
		t.Error("rejected value scheduled a write")
	}
}

func TestSetting_Events(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)
	op := MustOf(m, opacityDef)

	var events []Event[float64]
	sub := op.OnChange(func(ev Event[float64]) {
		events = append(events, ev)
	})

	op.Set(0.5)
	op.Reset()
	store.Write("Opacity", "0.75")
	if err := op.Reload(); err != nil {
		t.Fatal(err)
	}

	want := []Event[float64]{
		{Type: notify.ChangeSet, Old: 1.0, New: 0.5, Source: notify.SourceUser},
		{Type: notify.ChangeDelete, Old: 0.5, New: 1.0, Source: notify.SourceReset},
		{Type: notify.ChangeReload, Old: 1.0, New: 0.75, Source: notify.SourceBackend},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}

	sub.Unsubscribe()
	op.Set(0.9)
	if len(events) != len(want) {
		t.Error("observer called after Unsubscribe")
	}
}

func TestSetting_ReloadBypassesCoalescer(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)
	op := MustOf(m, opacityDef)

	op.Set(0.3)
	store.Write("Opacity", "0.6")
	if err := op.Reload(); err != nil {
		t.Fatal(err)
	}
	if op.Value() != 0.6 {
		t.Errorf("Value() after Reload = %v, want 0.6", op.Value())
	}
	if !op.Pending() {
		t.Error("Reload discarded the pending write")
	}

	store.Delete("Opacity")
	op.Reload()
	if op.Value() != 1.0 {
		t.Errorf("Value() after Reload with no entry = %v, want default", op.Value())
	}
}

func TestSetting_MalformedData(t *testing.T) {
	t.Run("error policy", func(t *testing.T) {
		store := backend.NewMemoryStore("app")
		store.Write("Opacity", "not-json")
		m := newTestManager(t, store)

		_, err := Of(m, opacityDef)
		if !errors.Is(err, codec.ErrMalformed) {
			t.Fatalf("Of() error = %v, want ErrMalformed", err)
		}
		var se *SetupError
		if !errors.As(err, &se) || se.Key != "Opacity" {
			t.Errorf("error = %#v, want *SetupError for Opacity", err)
		}
		if _, ok := m.Lookup("Opacity"); ok {
			t.Error("failed setting was registered")
		}

		// Once the data is fixed the setting can be created.
		store.Write("Opacity", "0.5")
		op, err := Of(m, opacityDef)
		if err != nil {
			t.Fatalf("Of() after fix error = %v", err)
		}

		store.Write("Opacity", "{")
		if err := op.Reload(); !errors.Is(err, codec.ErrMalformed) {
			t.Errorf("Reload() error = %v, want ErrMalformed", err)
		}
		if op.Value() != 0.5 {
			t.Errorf("failed Reload changed value to %v", op.Value())
		}
	})

	t.Run("default policy", func(t *testing.T) {
		store := backend.NewMemoryStore("app")
		store.Write("Opacity", "not-json")
		m := newTestManager(t, store, WithCodec(codec.New(codec.WithMalformedPolicy(codec.PolicyDefault))))

		op, err := Of(m, opacityDef)
		if err != nil {
			t.Fatalf("Of() error = %v", err)
		}
		if op.Value() != 1.0 {
			t.Errorf("Value() = %v, want default", op.Value())
		}
	})
}

func TestSetting_Immediate(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)

	s := MustOf(m, Definition[bool]{Key: "Maximized", Immediate: true})
	s.Set(true)
	if v, ok := store.Read("Maximized"); !ok || v != "true" {
		t.Errorf("stored %q, %v; want true", v, ok)
	}
	if s.Pending() {
		t.Error("immediate setting left a pending write")
	}
}

func TestSetting_SetNow(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)
	s := MustOf(m, Definition[int]{Key: "Count"})

	s.Set(1)
	changed, err := s.SetNow(1)
	if err != nil || changed {
		t.Errorf("SetNow(same) = %v, %v; want false, nil", changed, err)
	}
	if v, _ := store.Read("Count"); v != "1" {
		t.Errorf("pending write not flushed by SetNow; stored %q", v)
	}

	changed, err = s.SetNow(2)
	if err != nil || !changed {
		t.Errorf("SetNow(2) = %v, %v; want true, nil", changed, err)
	}
	if v, _ := store.Read("Count"); v != "2" {
		t.Errorf("stored %q, want 2", v)
	}

	store.FailWrites(errors.New("read-only"))
	if _, err := s.SetNow(3); err == nil {
		t.Error("SetNow() with failing backend returned nil error")
	}
}

func TestSetting_ComputedDefault(t *testing.T) {
	m := newTestManager(t, backend.NewMemoryStore("app"))

	calls := 0
	s := MustOf(m, Definition[codec.Rect]{
		Key: "WindowBounds",
		DefaultFunc: func() codec.Rect {
			calls++
			return codec.Rect{Width: 800, Height: 600}
		},
	})
	if s.Value() != (codec.Rect{Width: 800, Height: 600}) {
		t.Errorf("Value() = %+v", s.Value())
	}
	if calls == 0 {
		t.Error("DefaultFunc not called")
	}
	if s.DisplayName() != "WindowBounds" {
		t.Errorf("DisplayName() = %q, want key fallback", s.DisplayName())
	}
}

func TestSetting_RectPersistence(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)

	s := MustOf(m, Definition[codec.Rect]{Key: "WindowBounds"})
	s.Set(codec.Rect{X: 10, Y: 20, Width: 640, Height: 480})
	m.FlushAll()

	if v, _ := store.Read("WindowBounds"); v != `{"X":10,"Y":20,"Width":640,"Height":480}` {
		t.Errorf("stored %s", v)
	}
}

func TestSetting_ImmediateWriteFailureStaysPending(t *testing.T) {
	store := backend.NewMemoryStore("app")

	var mu sync.Mutex
	var failed []string
	m := newTestManager(t, store, WithCoalesceOptions(coalesce.WithOnError(func(key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, key)
	})))

	def := opacityDef
	def.Immediate = true
	s := MustOf(m, def)

	store.FailWrites(errors.New("disk full"))
	if !s.Set(0.4) {
		t.Fatal("Set(0.4) = false")
	}
	if s.Value() != 0.4 {
		t.Errorf("Value() = %v, want 0.4", s.Value())
	}
	if !s.Pending() {
		t.Error("failed immediate write is not pending")
	}
	mu.Lock()
	if len(failed) != 1 || failed[0] != "Opacity" {
		t.Errorf("OnError keys = %v, want [Opacity]", failed)
	}
	mu.Unlock()
	if err := m.FlushAll(); err == nil {
		t.Error("FlushAll() with failing backend returned nil")
	}

	store.FailWrites(nil)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if v, ok := store.Read("Opacity"); !ok || v != "0.4" {
		t.Errorf("stored %q, %v; want 0.4", v, ok)
	}
	if s.Pending() {
		t.Error("write still pending after Flush")
	}
}

func TestSetting_PanickingObserverKeepsWrite(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)
	s := MustOf(m, opacityDef)

	s.OnChange(func(Event[float64]) { panic("observer bug") })
	var later bool
	s.OnChange(func(Event[float64]) { later = true })

	if !s.Set(0.4) {
		t.Fatal("Set(0.4) = false")
	}
	if !later {
		t.Error("observer after the panicking one was not called")
	}
	if err := m.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Read("Opacity"); v != "0.4" {
		t.Errorf("stored %q, want 0.4", v)
	}
}
