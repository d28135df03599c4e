package capability

import (
	"fmt"
	"sort"
	"sync"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/machine"
)

// Builder accepts registrations until Build freezes them into a Registry.
type Builder struct {
	mu     sync.Mutex
	caps   map[string]*Capability
	order  []string
	guards *machine.GuardRegistry
	built  bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithGuards makes named guards available to machine definitions.
func WithGuards(guards *machine.GuardRegistry) BuilderOption {
	return func(b *Builder) {
		b.guards = guards
	}
}

// NewBuilder creates an empty builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{caps: make(map[string]*Capability)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Register compiles def and adds it. Registering an id twice fails with
// FLOW_DUPLICATE_CAPABILITY, whatever the second definition holds; an
// invalid definition fails with FLOW_INVALID_DEFINITION.
func (b *Builder) Register(def Definition) error {
	if id, err := ParseID(def.ID); err == nil {
		if err := b.admit(id.String()); err != nil {
			return err
		}
	}

	def.RequiredPermissions = append([]string(nil), def.RequiredPermissions...)
	c, err := compile(def, b.guards)
	if err != nil {
		if orchestrator.HasCode(err, orchestrator.ErrCodeInvalidDefinition) {
			return err
		}
		return orchestrator.Clone(orchestrator.ErrInvalidDefinition, fmt.Sprintf("capability %s: %v", def.ID, err), err, map[string]any{
			"capability_id": def.ID,
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	key := c.Key()
	if err := b.admitLocked(key); err != nil {
		return err
	}
	b.caps[key] = c
	b.order = append(b.order, key)
	return nil
}

func (b *Builder) admit(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admitLocked(key)
}

func (b *Builder) admitLocked(key string) error {
	if b.built {
		return orchestrator.Clone(orchestrator.ErrInvalidDefinition, "registry already built", nil, map[string]any{
			"capability_id": key,
		})
	}
	if _, exists := b.caps[key]; exists {
		return orchestrator.Clone(orchestrator.ErrDuplicateCapability, fmt.Sprintf("capability %s already registered", key), nil, map[string]any{
			"capability_id": key,
		})
	}
	return nil
}

// MustRegister panics on registration failure. Intended for static catalogs.
func (b *Builder) MustRegister(defs ...Definition) *Builder {
	for _, def := range defs {
		if err := b.Register(def); err != nil {
			panic(err)
		}
	}
	return b
}

// Build freezes the builder. Migration predecessors must be registered.
func (b *Builder) Build() (*Registry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := &Registry{
		caps:   make(map[string]*Capability, len(b.caps)),
		latest: make(map[string]*Capability),
		ids:    append([]string(nil), b.order...),
	}
	for _, key := range b.order {
		c := b.caps[key]
		reg.caps[key] = c
		if cur, ok := reg.latest[c.id.Name]; !ok || c.id.newer(cur.id) {
			reg.latest[c.id.Name] = c
		}
	}
	for _, key := range b.order {
		c := b.caps[key]
		from, _, ok := c.MigratesFrom()
		if !ok {
			continue
		}
		if _, exists := reg.caps[from.String()]; !exists {
			return nil, orchestrator.Clone(orchestrator.ErrInvalidDefinition,
				fmt.Sprintf("capability %s migrates from unregistered %s", key, from), nil,
				map[string]any{"capability_id": key})
		}
	}
	sort.Strings(reg.ids)
	b.built = true
	return reg, nil
}

// Registry is an immutable capability snapshot. It is safe for concurrent use.
type Registry struct {
	caps   map[string]*Capability
	latest map[string]*Capability
	ids    []string
}

// Resolve returns the capability for id. An exact id wins; an unversioned id
// that was never registered as such resolves to the newest version of that
// name. Anything else fails with FLOW_UNKNOWN_CAPABILITY.
func (r *Registry) Resolve(id string) (*Capability, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return nil, orchestrator.Clone(orchestrator.ErrUnknownCapability, err.Error(), nil, map[string]any{
			"capability_id": id,
		})
	}
	if r != nil {
		if c, ok := r.caps[parsed.String()]; ok {
			return c, nil
		}
		if !parsed.Versioned() {
			if c, ok := r.latest[parsed.Name]; ok {
				return c, nil
			}
		}
	}
	return nil, orchestrator.Clone(orchestrator.ErrUnknownCapability, fmt.Sprintf("capability %s is not registered", parsed), nil, map[string]any{
		"capability_id": parsed.String(),
	})
}

// IDs returns every registered id, sorted.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.ids...)
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.caps)
}

// Successors returns capabilities that declare a migration from id.
func (r *Registry) Successors(id string) []*Capability {
	if r == nil {
		return nil
	}
	var out []*Capability
	for _, key := range r.ids {
		c := r.caps[key]
		if from, _, ok := c.MigratesFrom(); ok && from.String() == id {
			out = append(out, c)
		}
	}
	return out
}
