package ontology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sentinel errors for definition lookups.
var (
	ErrNotFound          = errors.New("ontology: definition not found")
	ErrAlreadyRegistered = errors.New("ontology: definition already registered")
	ErrInvalidDefinition = errors.New("ontology: invalid definition")
	ErrUnknownLink       = errors.New("ontology: unknown link")
)

// Registry holds the definitions known to one client.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Registration is write-once per api name.
type Registry struct {
	mu         sync.RWMutex
	objects    map[string]ObjectTypeDefinition
	interfaces map[string]InterfaceDefinition
	actions    map[string]ActionDefinition
	queries    map[string]QueryDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		objects:    make(map[string]ObjectTypeDefinition),
		interfaces: make(map[string]InterfaceDefinition),
		actions:    make(map[string]ActionDefinition),
		queries:    make(map[string]QueryDefinition),
	}
}

func register[T any](mu *sync.RWMutex, m map[string]T, apiName string, def T) error {
	apiName = strings.TrimSpace(apiName)
	if apiName == "" {
		return fmt.Errorf("%w: api name is required", ErrInvalidDefinition)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := m[apiName]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, apiName)
	}
	m[apiName] = def
	return nil
}

func lookup[T any](mu *sync.RWMutex, m map[string]T, kind, apiName string) (T, error) {
	mu.RLock()
	def, ok := m[apiName]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrNotFound, kind, apiName)
	}
	return def, nil
}

// RegisterObjectType adds an object type definition.
func (r *Registry) RegisterObjectType(def ObjectTypeDefinition) error {
	if def.PrimaryKeyApiName == "" {
		return fmt.Errorf("%w: object type %q has no primary key", ErrInvalidDefinition, def.ApiName)
	}
	return register(&r.mu, r.objects, def.ApiName, def)
}

// RegisterInterface adds an interface definition.
func (r *Registry) RegisterInterface(def InterfaceDefinition) error {
	return register(&r.mu, r.interfaces, def.ApiName, def)
}

// RegisterAction adds an action definition.
func (r *Registry) RegisterAction(def ActionDefinition) error {
	return register(&r.mu, r.actions, def.ApiName, def)
}

// RegisterQuery adds a function definition.
func (r *Registry) RegisterQuery(def QueryDefinition) error {
	return register(&r.mu, r.queries, def.ApiName, def)
}

// ObjectType returns the object type definition for apiName.
func (r *Registry) ObjectType(apiName string) (ObjectTypeDefinition, error) {
	return lookup(&r.mu, r.objects, "object type", apiName)
}

// Interface returns the interface definition for apiName.
func (r *Registry) Interface(apiName string) (InterfaceDefinition, error) {
	return lookup(&r.mu, r.interfaces, "interface", apiName)
}

// Action returns the action definition for apiName.
func (r *Registry) Action(apiName string) (ActionDefinition, error) {
	return lookup(&r.mu, r.actions, "action", apiName)
}

// Query returns the function definition for apiName.
func (r *Registry) Query(apiName string) (QueryDefinition, error) {
	return lookup(&r.mu, r.queries, "query", apiName)
}

// IsInterface reports whether apiName names a registered interface.
func (r *Registry) IsInterface(apiName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.interfaces[apiName]
	return ok
}

// Implementers returns the object types implementing iface, sorted.
func (r *Registry) Implementers(iface string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, def := range r.objects {
		for _, impl := range def.Implements {
			if impl == iface {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// LinkTarget returns the api name a link on sourceType points at.
// sourceType may be an object type or an interface.
func (r *Registry) LinkTarget(_ context.Context, sourceType, link string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.objects[sourceType]; ok {
		if l, ok := def.Links[link]; ok {
			return l.TargetType, nil
		}
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownLink, sourceType, link)
	}
	if def, ok := r.interfaces[sourceType]; ok {
		if l, ok := def.Links[link]; ok {
			return l.TargetType, nil
		}
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownLink, sourceType, link)
	}
	return "", fmt.Errorf("%w: type %q", ErrNotFound, sourceType)
}

// ObjectTypes returns registered object type names, sorted.
func (r *Registry) ObjectTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.objects))
	for name := range r.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
