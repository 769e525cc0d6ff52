package setting

import (
	"fmt"
	"sync"
)

// Declaration is a catalog entry that can be instantiated on a Manager.
type Declaration struct {
	Key         string
	DisplayName string
	Kind        Kind

	instantiate func(m *Manager) (Entry, error)
}

// Instantiate returns the singleton for this declaration on m.
func (d Declaration) Instantiate(m *Manager) (Entry, error) {
	return d.instantiate(m)
}

// Catalog lists every setting a program knows about, so a Manager can
// instantiate them all up front. Declarations are usually made from
// package-level variables.
type Catalog struct {
	mu    sync.Mutex
	decls []Declaration
	keys  map[string]struct{}
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{keys: make(map[string]struct{})}
}

// Declarations returns the declarations in the order they were made.
func (c *Catalog) Declarations() []Declaration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Declaration, len(c.decls))
	copy(out, c.decls)
	return out
}

// Len returns the number of declarations.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.decls)
}

// add records d. Declaring the same key twice is a programming error and
// panics.
func (c *Catalog) add(d Declaration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[d.Key]; ok {
		panic(fmt.Sprintf("setting: %s declared twice", d.Key))
	}
	c.keys[d.Key] = struct{}{}
	c.decls = append(c.decls, d)
}

// Ref is the accessor returned by Declare.
type Ref[T any] struct {
	def Definition[T]
}

// Declare adds a value setting to c and returns its accessor.
func Declare[T any](c *Catalog, def Definition[T]) *Ref[T] {
	r := &Ref[T]{def: def}
	c.add(Declaration{
		Key:         def.Key,
		DisplayName: def.DisplayName,
		Kind:        KindValue,
		instantiate: func(m *Manager) (Entry, error) { return r.Get(m) },
	})
	return r
}

// Key returns the backend key.
func (r *Ref[T]) Key() string { return r.def.Key }

// Get returns the singleton on m.
func (r *Ref[T]) Get(m *Manager) (*Setting[T], error) { return Of(m, r.def) }

// MustGet is like Get but panics on error.
func (r *Ref[T]) MustGet(m *Manager) *Setting[T] { return MustOf(m, r.def) }

// CollectionRef is the accessor returned by DeclareCollection.
type CollectionRef[T any] struct {
	def CollectionDefinition[T]
}

// DeclareCollection adds a collection setting to c and returns its accessor.
func DeclareCollection[T any](c *Catalog, def CollectionDefinition[T]) *CollectionRef[T] {
	r := &CollectionRef[T]{def: def}
	c.add(Declaration{
		Key:         def.Key,
		DisplayName: def.DisplayName,
		Kind:        KindCollection,
		instantiate: func(m *Manager) (Entry, error) { return r.Get(m) },
	})
	return r
}

// Key returns the backend key.
func (r *CollectionRef[T]) Key() string { return r.def.Key }

// Get returns the singleton on m.
func (r *CollectionRef[T]) Get(m *Manager) (*Collection[T], error) {
	return OfCollection(m, r.def)
}

// MustGet is like Get but panics on error.
func (r *CollectionRef[T]) MustGet(m *Manager) *Collection[T] {
	c, err := r.Get(m)
	if err != nil {
		panic(err)
	}
	return c
}

// DictionaryRef is the accessor returned by DeclareDictionary.
type DictionaryRef[K comparable, V any] struct {
	def DictionaryDefinition[K, V]
}

// DeclareDictionary adds a dictionary setting to c and returns its accessor.
func DeclareDictionary[K comparable, V any](c *Catalog, def DictionaryDefinition[K, V]) *DictionaryRef[K, V] {
	r := &DictionaryRef[K, V]{def: def}
	c.add(Declaration{
		Key:         def.Key,
		DisplayName: def.DisplayName,
		Kind:        KindDictionary,
		instantiate: func(m *Manager) (Entry, error) { return r.Get(m) },
	})
	return r
}

// Key returns the backend key.
func (r *DictionaryRef[K, V]) Key() string { return r.def.Key }

// Get returns the singleton on m.
func (r *DictionaryRef[K, V]) Get(m *Manager) (*Dictionary[K, V], error) {
	return OfDictionary(m, r.def)
}

// MustGet is like Get but panics on error.
func (r *DictionaryRef[K, V]) MustGet(m *Manager) *Dictionary[K, V] {
	d, err := r.Get(m)
	if err != nil {
		panic(err)
	}
	return d
}
