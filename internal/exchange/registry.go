package exchange

import (
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps stable type names to Go types so custom bodies and
// headers can be persisted under a name instead of Go type metadata.
//
// Registration normally happens during start-up; lookups are safe for
// concurrent use.
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

// Register associates name with the dynamic type of prototype.
// Values of that type are encoded as JSON under name.
func (r *TypeRegistry) Register(name string, prototype any) error {
	if name == "" {
		return fmt.Errorf("register type: empty name")
	}
	if _, builtin := builtinTags[name]; builtin {
		return fmt.Errorf("register type: %q is a reserved tag", name)
	}
	if prototype == nil {
		return fmt.Errorf("register type %q: nil prototype", name)
	}
	t := reflect.TypeOf(prototype)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("register type %q: already bound to %s", name, existing)
	}
	if existing, ok := r.byType[t]; ok && existing != name {
		return fmt.Errorf("register type %s: already registered as %q", t, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// MustRegister is Register that panics on error.
func (r *TypeRegistry) MustRegister(name string, prototype any) {
	if err := r.Register(name, prototype); err != nil {
		panic(err)
	}
}

func (r *TypeRegistry) nameOf(v any) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[reflect.TypeOf(v)]
	return name, ok
}

func (r *TypeRegistry) typeOf(name string) (reflect.Type, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}
