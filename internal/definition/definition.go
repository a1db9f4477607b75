// Package definition holds workflow-type definitions: which specialist
// roles a workflow kind may route to, its hop ceiling, an optional handoff
// guard expression, and an optional JSON Schema for accumulated variables.
package definition

import (
	"encoding/json"
	"sync"

	"github.com/rvidal/preceptor/pkg/schema"
)

// DefaultHopLimit bounds role transitions per instance when a definition
// does not override it.
const DefaultHopLimit = 25

// WorkflowType describes one workflow kind.
type WorkflowType struct {
	Name  string        `json:"name" yaml:"name"`
	Roles []schema.Role `json:"roles" yaml:"roles"`
	// HopLimit overrides DefaultHopLimit when > 0.
	HopLimit int `json:"hop_limit,omitempty" yaml:"hop_limit"`
	// Guard is an optional expr predicate evaluated against
	// {variables, from, to}; a false result vetoes the proposed handoff.
	Guard string `json:"guard,omitempty" yaml:"guard"`
	// VariablesSchema is an optional JSON Schema applied to the merged
	// variables map after every transition.
	VariablesSchema json.RawMessage `json:"variables_schema,omitempty" yaml:"-"`

	// SourceFile is set by the loader for definitions read from disk.
	SourceFile string `json:"-" yaml:"-"`
}

// RoleAllowed reports whether role is a valid specialist target for this
// workflow type. Orchestrator and terminal are always allowed.
func (w *WorkflowType) RoleAllowed(role schema.Role) bool {
	if role == schema.RoleOrchestrator || role == schema.RoleTerminal {
		return true
	}
	for _, r := range w.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// EffectiveHopLimit returns the hop ceiling for this type.
func (w *WorkflowType) EffectiveHopLimit() int {
	if w.HopLimit > 0 {
		return w.HopLimit
	}
	return DefaultHopLimit
}

// Registry is a thread-safe lookup of workflow-type definitions.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*WorkflowType
}

// NewRegistry creates a Registry pre-populated with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]*WorkflowType)}
	for _, wt := range builtins() {
		r.types[wt.Name] = wt
	}
	return r
}

// Register adds or replaces a workflow-type definition.
func (r *Registry) Register(wt *WorkflowType) error {
	if wt == nil || wt.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow type name is empty")
	}
	for _, role := range wt.Roles {
		if !role.Valid() || role == schema.RoleTerminal {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"workflow type %q lists invalid role %q", wt.Name, role)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[wt.Name] = wt
	return nil
}

// Get retrieves a workflow-type definition by name.
func (r *Registry) Get(name string) (*WorkflowType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wt, ok := r.types[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "unknown workflow type %q", name)
	}
	return wt, nil
}

// List returns the names of all registered workflow types.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

func builtins() []*WorkflowType {
	return []*WorkflowType{
		{
			Name:  schema.WorkflowPathCreation,
			Roles: []schema.Role{schema.RoleCoach, schema.RoleResearcher, schema.RoleCritic},
		},
		{
			Name:  schema.WorkflowQuizSession,
			Roles: []schema.Role{schema.RoleTutor, schema.RoleCritic},
		},
		{
			Name:  schema.WorkflowExplanation,
			Roles: []schema.Role{schema.RoleTutor, schema.RoleResearcher},
		},
	}
}
