package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSealed    = errors.New("directory is sealed")
	ErrDuplicate = errors.New("name already registered")
	ErrNotFound  = errors.New("name not registered")
	ErrEmptyName = errors.New("name must not be empty")
)

// Directory holds the named objects a process exposes to its peers.
// It is populated during boot and sealed before serving; after that only
// Replace may change an entry.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]any
	sealed  bool
}

func New() *Directory {
	return &Directory{entries: make(map[string]any)}
}

// adds a new name, fails once sealed or when the name is taken
func (d *Directory) Register(name string, obj any) error {
	if name == "" {
		return ErrEmptyName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sealed {
		return fmt.Errorf("register %q: %w", name, ErrSealed)
	}
	if _, ok := d.entries[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicate)
	}
	d.entries[name] = obj
	return nil
}

// Seal freezes the set of names.
func (d *Directory) Seal() {
	d.mu.Lock()
	d.sealed = true
	d.mu.Unlock()
}

func (d *Directory) Sealed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sealed
}

// swaps the object behind an existing name, allowed after sealing
func (d *Directory) Replace(name string, obj any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[name]; !ok {
		return fmt.Errorf("replace %q: %w", name, ErrNotFound)
	}
	d.entries[name] = obj
	return nil
}

func (d *Directory) Lookup(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.entries[name]
	return obj, ok
}

// sorted list of registered names
func (d *Directory) Names() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Lookup typed as T, false when missing or of another type
func LookupAs[T any](d *Directory, name string) (T, bool) {
	obj, ok := d.Lookup(name)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := obj.(T)
	return v, ok
}
