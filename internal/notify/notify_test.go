package notify

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestChangeType_String(t *testing.T) {
	tests := []struct {
		ct   ChangeType
		want string
	}{
		{ChangeSet, "set"},
		{ChangeDelete, "delete"},
		{ChangeReload, "reload"},
		{ChangeExternal, "external"},
		{ChangeType(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.ct.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.ct, got, tt.want)
		}
	}
}

func TestNotifier_Subscribe(t *testing.T) {
	n := New()
	defer n.Close()

	var received atomic.Bool
	sub := n.Subscribe(func(change Change) {
		received.Store(true)
	})

	n.NotifySet("app.Opacity", 1.0, 0.4, SourceUser)
	if !received.Load() {
		t.Error("observer did not receive notification")
	}

	sub.Unsubscribe()
	received.Store(false)
	n.NotifySet("app.Opacity", 0.4, 0.5, SourceUser)
	if received.Load() {
		t.Error("unsubscribed observer received notification")
	}

	// Unsubscribe again should be safe
	sub.Unsubscribe()
}

func TestNotifier_SubscribeKey(t *testing.T) {
	n := New()
	defer n.Close()

	var opacity, recent atomic.Int32
	n.SubscribeKey("app.Opacity", func(change Change) {
		opacity.Add(1)
	})
	sub := n.SubscribeKey("app.RecentFiles", func(change Change) {
		recent.Add(1)
	})

	n.NotifySet("app.Opacity", 1.0, 0.4, SourceUser)
	n.NotifySet("app.Opacity.Extra", nil, 1, SourceUser)
	n.Notify(Deleted("app.RecentFiles", []string{"a"}, []string(nil)))

	if opacity.Load() != 1 {
		t.Errorf("opacity observer received %d changes, want 1", opacity.Load())
	}
	if recent.Load() != 1 {
		t.Errorf("recent observer received %d changes, want 1", recent.Load())
	}

	sub.Unsubscribe()
	n.Notify(Deleted("app.RecentFiles", nil, nil))
	if recent.Load() != 1 {
		t.Errorf("unsubscribed key observer received %d changes, want 1", recent.Load())
	}
}

func TestNotifier_ChangeFields(t *testing.T) {
	n := New()
	defer n.Close()

	var got Change
	n.Subscribe(func(change Change) {
		got = change
	})

	n.NotifySet("app.Opacity", 1.0, 0.4, SourceUser)
	if got.Key != "app.Opacity" || got.Type != ChangeSet || got.OldValue != 1.0 || got.NewValue != 0.4 || got.Source != SourceUser {
		t.Errorf("NotifySet delivered %+v", got)
	}

	n.Notify(Deleted("app.Opacity", 0.4, 1.0))
	if got.Type != ChangeDelete || got.OldValue != 0.4 || got.NewValue != 1.0 || got.Source != SourceReset {
		t.Errorf("Deleted delivered %+v", got)
	}

	n.NotifyReload("app.Opacity", 1.0, 0.7)
	if got.Type != ChangeReload || got.NewValue != 0.7 || got.Source != SourceBackend {
		t.Errorf("NotifyReload delivered %+v", got)
	}
}

func TestNotifier_GlobalReloadReachesKeyObservers(t *testing.T) {
	n := New()
	defer n.Close()

	var keyed atomic.Bool
	n.SubscribeKey("app.Opacity", func(change Change) {
		keyed.Store(true)
	})

	n.Notify(Change{Type: ChangeReload, Source: SourceBackend})
	if !keyed.Load() {
		t.Error("key observer did not receive global reload")
	}
}

func TestNotifier_DeliveryOrder(t *testing.T) {
	n := New()
	defer n.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if i%2 == 0 {
			n.Subscribe(func(Change) { order = append(order, i) })
		} else {
			n.SubscribeKey("k", func(Change) { order = append(order, i) })
		}
	}

	n.NotifySet("k", nil, 1, SourceUser)

	for i, v := range order {
		if v != i {
			t.Fatalf("delivery order = %v, want subscription order", order)
		}
	}
	if len(order) != 5 {
		t.Errorf("delivered to %d observers, want 5", len(order))
	}
}

func TestNotifier_UnsubscribeDuringCallback(t *testing.T) {
	n := New()
	defer n.Close()

	var count atomic.Int32
	var sub *Subscription
	sub = n.SubscribeKey("k", func(Change) {
		count.Add(1)
		sub.Unsubscribe()
	})

	n.NotifySet("k", nil, 1, SourceUser)
	n.NotifySet("k", nil, 2, SourceUser)

	if count.Load() != 1 {
		t.Errorf("count = %d, want 1", count.Load())
	}
}

func TestNotifier_PanicHandler(t *testing.T) {
	var recovered atomic.Value
	n := New(WithPanicHandler(func(change Change, r any) {
		recovered.Store(r)
	}))
	defer n.Close()

	var after atomic.Bool
	n.Subscribe(func(Change) { panic("boom") })
	n.Subscribe(func(Change) { after.Store(true) })

	n.NotifySet("k", nil, 1, SourceUser)

	if recovered.Load() != "boom" {
		t.Errorf("recovered = %v, want boom", recovered.Load())
	}
	if !after.Load() {
		t.Error("observer after panicking one was not called")
	}
}

func TestBatch(t *testing.T) {
	n := New()
	defer n.Close()

	var mu sync.Mutex
	var changes []Change
	n.Subscribe(func(change Change) {
		mu.Lock()
		changes = append(changes, change)
		mu.Unlock()
	})

	batch := n.NewBatch()
	batch.Add(Change{Key: "a", Type: ChangeDelete})
	batch.Add(Change{Key: "b", Type: ChangeDelete})

	mu.Lock()
	if len(changes) != 0 {
		t.Error("changes sent before Commit()")
	}
	mu.Unlock()

	batch.Commit()

	mu.Lock()
	if len(changes) != 2 || changes[0].Key != "a" || changes[1].Key != "b" {
		t.Errorf("received %+v after Commit()", changes)
	}
	mu.Unlock()

	// A committed batch is empty.
	batch.Commit()
	mu.Lock()
	if len(changes) != 2 {
		t.Errorf("second Commit() delivered %d more changes", len(changes)-2)
	}
	mu.Unlock()
}

func TestNotifier_ConcurrentAccess(t *testing.T) {
	n := New()
	defer n.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Subscribe(func(change Change) {
				count.Add(1)
			})
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n.NotifySet("test", nil, i, SourceUser)
		}(i)
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("count = %d, want 100", count.Load())
	}
}

func TestNotifier_CloseIdempotent(t *testing.T) {
	n := New()
	var called atomic.Bool
	n.Subscribe(func(Change) { called.Store(true) })
	n.Close()
	n.Close()

	n.NotifySet("test", nil, 1, SourceUser)
	if called.Load() {
		t.Error("observer called after Close()")
	}
}
