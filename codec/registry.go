package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps registered struct types to the names used for their type
// tags, so decoded payloads can be revived to their concrete Go types.
// A registry belongs to the codec instance that owns it; there is no global
// registry.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register associates a struct type (or pointer to struct) with a tag name.
// Registering the same type under a different name is an error.
func (r *TypeRegistry) Register(value any, name string) error {
	if name == "" {
		return fmt.Errorf("type name must not be empty")
	}
	t := reflect.TypeOf(value)
	if t == nil {
		return fmt.Errorf("cannot register a nil value")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("type %s must be a struct or pointer to struct", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[t]; ok && existing != name {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("name %s already registered for %v", name, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// nameOf returns the tag name registered for t, dereferencing pointers.
func (r *TypeRegistry) nameOf(t reflect.Type) (string, bool) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

// typeOf returns the type registered under name.
func (r *TypeRegistry) typeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}
