package setting

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/dshills/prefstore/internal/backend"
)

func TestDictionary_Operations(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)

	d, err := OfDictionary(m, DictionaryDefinition[string, int]{Key: "Counts"})
	if err != nil {
		t.Fatal(err)
	}

	var changes []DictionaryChange[string, int]
	d.OnDictionaryChange(func(dc DictionaryChange[string, int]) {
		changes = append(changes, dc)
	})

	if !d.Add("a", 1) {
		t.Error("Add(a) = false")
	}
	if d.Add("a", 2) {
		t.Error("duplicate Add(a) = true")
	}
	if v, _ := d.Get("a"); v != 1 {
		t.Errorf("Get(a) = %d after rejected Add, want 1", v)
	}

	d.Set("b", 2)
	d.Set("a", 3)
	d.Set("a", 3)

	if got := fmt.Sprint(d.Keys()); got != "[a b]" {
		t.Errorf("Keys() = %s, want [a b]", got)
	}
	if !d.ContainsKey("b") || d.ContainsKey("z") || d.Len() != 2 {
		t.Error("ContainsKey/Len mismatch")
	}

	if err := m.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Read("Counts"); v != `{"a":3,"b":2}` {
		t.Errorf("persisted %s", v)
	}

	if !d.Remove("b") {
		t.Error("Remove(b) = false")
	}
	if d.Remove("b") {
		t.Error("second Remove(b) = true")
	}

	want := []DictionaryChange[string, int]{
		{Action: ActionAdd, Key: "a", NewValue: 1},
		{Action: ActionAdd, Key: "b", NewValue: 2},
		{Action: ActionReplace, Key: "a", OldValue: 1, NewValue: 3},
		{Action: ActionRemove, Key: "b", OldValue: 2},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, changes[i], want[i])
		}
	}

	items := d.Items()
	items["z"] = 9
	if d.ContainsKey("z") {
		t.Error("Items() exposed internal storage")
	}
}

func TestDictionary_LoadReloadReset(t *testing.T) {
	store := backend.NewMemoryStore("app")
	store.Write("Aliases", `{"zz":"last","aa":"first"}`)
	m := newTestManager(t, store)

	d, err := OfDictionary(m, DictionaryDefinition[string, string]{
		Key:          "Aliases",
		DefaultItems: map[string]string{"ls": "list"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(d.Keys()); got != "[aa zz]" {
		t.Errorf("Keys() = %s, want [aa zz]", got)
	}

	d.Set("mm", "middle")
	if got := fmt.Sprint(d.Keys()); got != "[aa zz mm]" {
		t.Errorf("Keys() = %s, want insertion order", got)
	}

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 0 {
		t.Errorf("Len() after Reset = %d", d.Len())
	}
	if _, ok := store.Read("Aliases"); ok {
		t.Error("backend entry present after Reset")
	}

	if err := d.Reload(); err != nil {
		t.Fatal(err)
	}
	if v, ok := d.Get("ls"); !ok || v != "list" {
		t.Errorf("Reload without blob did not seed defaults: %v", d.Items())
	}
	if !d.IsDefault() {
		t.Error("IsDefault() = false after re-seeding")
	}
}

func TestDictionary_Clear(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)

	d, err := OfDictionary(m, DictionaryDefinition[string, bool]{Key: "Flags"})
	if err != nil {
		t.Fatal(err)
	}
	d.Set("x", true)

	var resets int
	d.OnDictionaryChange(func(dc DictionaryChange[string, bool]) {
		if dc.Action == ActionReset {
			resets++
		}
	})
	d.Clear()
	d.Clear()
	if resets != 1 {
		t.Errorf("reset events = %d, want 1", resets)
	}

	m.FlushAll()
	if v, _ := store.Read("Flags"); v != "{}" {
		t.Errorf("persisted %s, want {}", v)
	}
}

func TestDictionary_ObservableValues(t *testing.T) {
	m := newTestManager(t, backend.NewMemoryStore("app"))
	d, err := OfDictionary(m, DictionaryDefinition[string, *bookmark]{Key: "Named"})
	if err != nil {
		t.Fatal(err)
	}

	b := &bookmark{Name: "home"}
	d.Set("h", b)
	before := m.Coalescer().Stats().Scheduled
	b.Changed()
	if m.Coalescer().Stats().Scheduled != before+1 {
		t.Error("value change did not schedule a save")
	}

	d.Set("h", &bookmark{Name: "other"})
	if b.ObserverCount() != 0 {
		t.Error("replaced value still observed")
	}
}

type gridCell struct{ X, Y int }

func TestDictionary_KeyTypeMustBeJSONObjectKey(t *testing.T) {
	m := newTestManager(t, backend.NewMemoryStore("app"))

	_, err := OfDictionary(m, DictionaryDefinition[gridCell, string]{Key: "Cells"})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("OfDictionary(struct key) error = %v, want ErrInvalidDefinition", err)
	}
	if _, ok := m.Lookup("Cells"); ok {
		t.Error("rejected dictionary was registered")
	}

	if _, err := OfDictionary(m, DictionaryDefinition[int, string]{Key: "ByID"}); err != nil {
		t.Errorf("OfDictionary(int key) error = %v", err)
	}
	hosts, err := OfDictionary(m, DictionaryDefinition[netip.Addr, string]{Key: "Hosts"})
	if err != nil {
		t.Fatalf("OfDictionary(text marshaler key) error = %v", err)
	}
	hosts.Set(netip.MustParseAddr("10.0.0.1"), "gateway")
	if err := m.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Store().Read("Hosts"); v != `{"10.0.0.1":"gateway"}` {
		t.Errorf("stored %q", v)
	}
}

func TestDictionary_ImmediateWriteFailureStaysPending(t *testing.T) {
	store := backend.NewMemoryStore("app")
	m := newTestManager(t, store)
	d, err := OfDictionary(m, DictionaryDefinition[string, string]{Key: "Aliases", Immediate: true})
	if err != nil {
		t.Fatal(err)
	}

	store.FailWrites(errors.New("disk full"))
	d.Set("ll", "ls -l")
	if !d.Pending() {
		t.Error("failed immediate save is not pending")
	}

	store.FailWrites(nil)
	if err := d.Flush(); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Read("Aliases"); v != `{"ll":"ls -l"}` {
		t.Errorf("stored %q", v)
	}
}
