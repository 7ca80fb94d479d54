package cache

import (
	"sort"
	"sync"
)

// MemoryBackend is an in-memory cache backend for testing.
type MemoryBackend struct {
	mu          sync.RWMutex
	generations map[string]map[string]*Entry

	// FailPut, when set, is returned by every Put.
	FailPut error
}

// NewMemoryBackend creates a new in-memory cache backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{generations: make(map[string]map[string]*Entry)}
}

// Get returns a copy of the entry, or nil when absent.
func (b *MemoryBackend) Get(generation, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e, ok := b.generations[generation][key]; ok {
		return e.clone(), nil
	}
	return nil, nil
}

// Put stores copies of entries.
func (b *MemoryBackend) Put(generation string, entries ...*Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailPut != nil {
		return b.FailPut
	}
	gen, ok := b.generations[generation]
	if !ok {
		gen = make(map[string]*Entry)
		b.generations[generation] = gen
	}
	for _, e := range entries {
		gen[e.Key] = e.clone()
	}
	return nil
}

// Delete removes one entry. Missing entries are ignored.
func (b *MemoryBackend) Delete(generation, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.generations[generation], key)
	return nil
}

// List returns copies of a generation's entries in key order.
func (b *MemoryBackend) List(generation string) ([]*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	gen := b.generations[generation]
	out := make([]*Entry, 0, len(gen))
	for _, e := range gen {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Generations returns stored generation names, sorted.
func (b *MemoryBackend) Generations() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.generations))
	for name := range b.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteGeneration drops a generation and its entries.
func (b *MemoryBackend) DeleteGeneration(generation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.generations, generation)
	return nil
}

// Seed adds entries directly (for testing).
func (b *MemoryBackend) Seed(generation string, entries ...*Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen, ok := b.generations[generation]
	if !ok {
		gen = make(map[string]*Entry)
		b.generations[generation] = gen
	}
	for _, e := range entries {
		gen[e.Key] = e.clone()
	}
}

// Reset clears all generations (for testing).
func (b *MemoryBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generations = make(map[string]map[string]*Entry)
}
