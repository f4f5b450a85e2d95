package compiler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/OpenTraceLab/OpenTracePulse/pkg/memory"
)

// Registry keeps compiled waveforms by name and returns their memory to the
// allocator when they are deleted.
type Registry struct {
	mu        sync.RWMutex
	alloc     *memory.Allocator
	waveforms map[string]*Waveform
}

// NewRegistry creates an empty registry releasing into alloc.
func NewRegistry(alloc *memory.Allocator) *Registry {
	return &Registry{
		alloc:     alloc,
		waveforms: make(map[string]*Waveform),
	}
}

// Add registers a waveform. A waveform already registered under the same
// name is deleted first so its memory is not leaked.
func (r *Registry) Add(w *Waveform) error {
	if w == nil || w.Name == "" {
		return fmt.Errorf("compiler: waveform must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.waveforms[w.Name]; ok && old != w {
		if err := r.alloc.Release(old.StartMemory, old.Len()); err != nil {
			return err
		}
	}
	r.waveforms[w.Name] = w
	return nil
}

// Get looks up a waveform by name.
func (r *Registry) Get(name string) (*Waveform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.waveforms[name]
	return w, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.waveforms))
	for name := range r.waveforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delete removes the named waveforms, releasing their memory, and returns the
// names that were actually deleted.
func (r *Registry) Delete(names ...string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []string
	for _, name := range names {
		w, ok := r.waveforms[name]
		if !ok {
			continue
		}
		if err := r.alloc.Release(w.StartMemory, w.Len()); err != nil {
			return deleted, fmt.Errorf("compiler: delete %q: %w", name, err)
		}
		delete(r.waveforms, name)
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Clear deletes every waveform.
func (r *Registry) Clear() error {
	_, err := r.Delete(r.Names()...)
	return err
}
