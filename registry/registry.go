// Package registry keeps the singletons a bootstrap creates, looked up by
// name or by type.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
)

var (
	// ErrDuplicateName is returned when a name is registered twice
	ErrDuplicateName = errors.New("registry: name already registered")
	// ErrNotFound is returned when no entry matches the requested type
	ErrNotFound = errors.New("registry: no matching entry")
)

// AmbiguousError is returned by Get when more than one entry matches.
type AmbiguousError struct {
	Type  string
	Names []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("registry: %d entries of type %s: %s", len(e.Names), e.Type, strings.Join(e.Names, ", "))
}

type entry struct {
	name  string
	value any
}

// Registry holds named singletons in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	names   map[string]struct{}
}

// New creates an empty registry
func New() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds v under name.
func Register[T any](r *Registry, name string, v T) error {
	if name == "" {
		return errors.New("registry: name cannot be empty")
	}
	if isNil(v) {
		return fmt.Errorf("registry: %s: value cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.names[name] = struct{}{}
	r.entries = append(r.entries, entry{name: name, value: v})
	return nil
}

// Candidates returns every entry assignable to T, in registration order.
func Candidates[T any](r *Registry) []T {
	named := candidates[T](r)
	out := make([]T, len(named))
	for i, c := range named {
		out[i] = c.value
	}
	return out
}

type candidate[T any] struct {
	name  string
	value T
}

func candidates[T any](r *Registry) []candidate[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []candidate[T]
	for _, e := range r.entries {
		if v, ok := e.value.(T); ok {
			out = append(out, candidate[T]{name: e.name, value: v})
		}
	}
	return out
}

// Contains reports whether any entry is assignable to T.
func Contains[T any](r *Registry) bool {
	return len(candidates[T](r)) > 0
}

// Get returns the single entry assignable to T.
func Get[T any](r *Registry) (T, error) {
	var zero T
	found := candidates[T](r)
	switch len(found) {
	case 0:
		return zero, fmt.Errorf("%w: %s", ErrNotFound, typeName[T]())
	case 1:
		return found[0].value, nil
	default:
		names := make([]string, len(found))
		for i, c := range found {
			names[i] = c.name
		}
		return zero, &AmbiguousError{Type: typeName[T](), Names: names}
	}
}

// Unique returns the entry assignable to T when there is exactly one.
func Unique[T any](r *Registry) (T, bool) {
	v, err := Get[T](r)
	return v, err == nil
}

// Lookup returns the entry registered under name.
func Lookup[T any](r *Registry, name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	for _, e := range r.entries {
		if e.name == name {
			v, ok := e.value.(T)
			return v, ok
		}
	}
	return zero, false
}

// Remove deletes the entry registered under name and returns its value.
// The value is not closed.
func (r *Registry) Remove(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.name == name {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			delete(r.names, name)
			return e.value, true
		}
	}
	return nil, false
}

// Names lists registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Close closes every io.Closer entry in reverse registration order and
// empties the registry. All close errors are joined.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.names = make(map[string]struct{})
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		c, ok := entries[i].value.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", entries[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// isNil also catches nil pointers, maps and the like held in an interface
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
