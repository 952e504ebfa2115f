package cache

import (
	"sort"
	"sync"
)

// Registry enumerates the named cache instances owned by one process. It
// exists for monitoring and orchestration; callers that need isolation (tests
// in particular) construct stores directly.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*BoundedStore
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*BoundedStore)}
}

// Register adds a store under its name, replacing any previous registration.
func (r *Registry) Register(store *BoundedStore) {
	if store == nil || store.Name() == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.Name()] = store
}

// Get returns the store registered under name, or nil.
func (r *Registry) Get(name string) *BoundedStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stores[name]
}

// Names returns the registered instance names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each invokes fn for every registered store in name order.
func (r *Registry) Each(fn func(store *BoundedStore)) {
	if fn == nil {
		return
	}
	for _, name := range r.Names() {
		if store := r.Get(name); store != nil {
			fn(store)
		}
	}
}

// ClearAll empties every registered store and returns the number of instances
// cleared.
func (r *Registry) ClearAll() int {
	cleared := 0
	r.Each(func(store *BoundedStore) {
		store.Clear()
		cleared++
	})
	return cleared
}

// StopAll terminates the sweep goroutines of every registered store.
func (r *Registry) StopAll() {
	r.Each(func(store *BoundedStore) {
		store.Stop()
	})
}
