package source

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps source keys to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding adapters
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}

	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds an adapter under its lower cased name
func (r *Registry) Register(a Adapter) error {
	key := strings.ToLower(a.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, key)
	}

	r.adapters[key] = a

	return nil
}

// Get returns the adapter for a source key
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}

	return a, nil
}

// Has reports whether a source key is registered
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)

	return err == nil
}

// Names returns the registered source keys in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
