package messaging

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeRegistry maps type id strings to Go struct types for converters that
// carry a type id header.
type TypeRegistry interface {
	// Register registers a struct type under a type id
	Register(typeName string, msgType any) error

	// RegisterType registers a struct type under its package-qualified name
	RegisterType(msgType any) error

	// Get retrieves the type for a given type id
	Get(typeName string) (reflect.Type, error)

	// CreateInstance returns a pointer to a new zero value of the type
	CreateInstance(typeName string) (any, error)

	// GetTypeName gets the registered type id for a value
	GetTypeName(msg any) (string, error)

	// IsRegistered checks if a type id is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered type ids, sorted
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a struct type under typeName
func (r *DefaultTypeRegistry) Register(typeName string, msgType any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := structType(msgType)
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers a struct type using its package path and name
func (r *DefaultTypeRegistry) RegisterType(msgType any) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := structType(msgType)
	typeName := t.Name()
	if typeName == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	if t.PkgPath() != "" {
		typeName = t.PkgPath() + "." + typeName
	}

	return r.Register(typeName, msgType)
}

// Get retrieves the type for a given type id
func (r *DefaultTypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}
	return t, nil
}

// CreateInstance creates a new instance of the registered type as a pointer
func (r *DefaultTypeRegistry) CreateInstance(typeName string) (any, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// GetTypeName gets the registered type id for a value
func (r *DefaultTypeRegistry) GetTypeName(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := structType(msg)

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("type %v not registered", t)
	}
	return name, nil
}

// IsRegistered checks if a type id is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type ids
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}

func structType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
