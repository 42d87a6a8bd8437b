package permkit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the modules an application protects.
// Modules defined in code are permanent. A service with a registry also
// registers every module of its permission catalog, so the registry grows
// with CreatePermission and shrinks with DeletePermission.
// Lookups are case-insensitive and return the canonical (registered) spelling.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*ModuleDefinition
}

// ModuleDefinition describes one protected module.
type ModuleDefinition struct {
	name        string
	description string
	actions     ActionSet
	registry    *Registry
	fromCatalog bool
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*ModuleDefinition),
	}
}

// DefaultRegistry returns a registry with the stock admin modules:
// Users, Roles, Blog and Reports.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.DefineModule("Users").Describe("User accounts").
		DefineModule("Roles").Describe("Roles and their permissions").
		DefineModule("Blog").Describe("Blog posts").
		DefineModule("Reports").Describe("Audit reports")
	return r
}

func registryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefineModule starts defining a module. All actions are supported until
// Actions narrows the set.
//
// Example:
//
//	registry.DefineModule("Invoices").Describe("Customer invoices").
//	    Actions(permkit.ActionRead, permkit.ActionCreate)
func (r *Registry) DefineModule(name string) *ModuleDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	def := &ModuleDefinition{
		name:     strings.TrimSpace(name),
		actions:  NewActionSet(AllActions()...),
		registry: r,
	}
	r.modules[registryKey(name)] = def
	return def
}

// Register defines name unless a module already matches it, and returns the
// canonical spelling. Modules added this way support every action and can be
// removed again with Forget.
func (r *Registry) Register(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(name)
	if def, ok := r.modules[key]; ok {
		return def.name
	}
	def := &ModuleDefinition{
		name:        strings.TrimSpace(name),
		actions:     NewActionSet(AllActions()...),
		registry:    r,
		fromCatalog: true,
	}
	r.modules[key] = def
	return def.name
}

// Forget removes a module added by Register. Modules defined in code stay.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey(name)
	if def, ok := r.modules[key]; ok && def.fromCatalog {
		delete(r.modules, key)
	}
}

// GetModule returns the definition for name, or nil if it is not registered.
func (r *Registry) GetModule(name string) *ModuleDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[registryKey(name)]
}

// Canonical returns the registered spelling of name.
func (r *Registry) Canonical(name string) (string, bool) {
	def := r.GetModule(name)
	if def == nil {
		return "", false
	}
	return def.name, true
}

// GetModules returns all registered module names, sorted.
func (r *Registry) GetModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for _, def := range r.modules {
		names = append(names, def.name)
	}
	sort.Strings(names)
	return names
}

// ValidateModule checks that name is registered.
func (r *Registry) ValidateModule(name string) error {
	if r.GetModule(name) == nil {
		return NewError(ErrValidation, fmt.Sprintf("module %q not defined", strings.TrimSpace(name))).
			WithModule(name)
	}
	return nil
}

// ValidateAction checks that action is supported by module.
func (r *Registry) ValidateAction(module string, action Action) error {
	def := r.GetModule(module)
	if def == nil {
		return NewError(ErrValidation, fmt.Sprintf("module %q not defined", strings.TrimSpace(module))).
			WithModule(module)
	}
	if !def.actions.Has(action) {
		return NewError(ErrValidation, fmt.Sprintf("action %s not supported by module %q", action, def.name)).
			WithModule(def.name).
			WithAction(action)
	}
	return nil
}

// Describe sets the module description.
func (m *ModuleDefinition) Describe(description string) *ModuleDefinition {
	m.description = description
	return m
}

// Actions narrows the actions the module supports.
func (m *ModuleDefinition) Actions(actions ...Action) *ModuleDefinition {
	m.actions = NewActionSet(actions...)
	return m
}

// DefineModule continues defining modules on the registry (fluent API).
func (m *ModuleDefinition) DefineModule(name string) *ModuleDefinition {
	return m.registry.DefineModule(name)
}

// Name returns the canonical module name.
func (m *ModuleDefinition) Name() string {
	return m.name
}

// Description returns the module description.
func (m *ModuleDefinition) Description() string {
	return m.description
}

// SupportedActions returns the supported actions in canonical order.
func (m *ModuleDefinition) SupportedActions() []Action {
	return m.actions.Sorted()
}
