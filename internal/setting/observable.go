package setting

import (
	"reflect"
	"sort"
	"sync"
)

// Observable is implemented by collection elements that report their own
// mutations. A change reported by an element causes its containing
// collection or dictionary to be saved again.
type Observable interface {
	// Observe registers fn and returns a function that removes it.
	Observe(fn func()) (cancel func())
}

// Subject is an embeddable Observable implementation. The zero value is
// ready to use. Embed it by pointer receiver, for example in a struct
// stored in a Collection[*Bookmark].
type Subject struct {
	mu        sync.Mutex
	nextID    uint64
	observers map[uint64]func()
}

// Observe registers fn to be called by Changed.
func (s *Subject) Observe(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.observers == nil {
		s.observers = make(map[uint64]func())
	}
	s.nextID++
	id := s.nextID
	s.observers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Changed notifies every observer. Call it after mutating the element.
func (s *Subject) Changed() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ObserverCount returns the number of registered observers.
func (s *Subject) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// observe attaches fn to v if v is a non-nil Observable.
func observe[T any](v T, fn func()) func() {
	o, ok := any(v).(Observable)
	if !ok {
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	return o.Observe(fn)
}
