package capability

import (
	"sort"
	"sync"

	"github.com/rvidal/preceptor/pkg/schema"
)

// Registry is the concrete thread-safe capability registry, keyed by role.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[schema.Role]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[schema.Role]Capability),
	}
}

// Register adds a capability to the registry. Returns error on duplicate
// role or on the terminal role, which has no capability.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	role := c.Role()
	if !role.Valid() || role == schema.RoleTerminal {
		return schema.NewErrorf(schema.ErrCodeValidation, "capability role %q is not registrable", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[role]; exists {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "capability for role %q already registered", role)
	}

	r.capabilities[role] = c
	return nil
}

// Get retrieves the capability registered for a role.
func (r *Registry) Get(role schema.Role) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[role]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "no capability registered for role %q", role)
	}
	return c, nil
}

// Roles returns all registered roles, sorted for determinism.
func (r *Registry) Roles() []schema.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]schema.Role, 0, len(r.capabilities))
	for role := range r.capabilities {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
