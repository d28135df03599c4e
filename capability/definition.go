package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-orchestrator/machine"
	"github.com/goliatone/go-orchestrator/schema"
)

// Definition is the declarative form of a capability.
//
// Hydrator names the hydrator that builds render data from entities. When
// MigratesFrom is set, Migration names the migration that maps instances of
// that earlier capability forward to this one.
type Definition struct {
	ID                  string             `json:"id" yaml:"id"`
	Title               string             `json:"title,omitempty" yaml:"title,omitempty"`
	Description         string             `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredPermissions []string           `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`
	EntitySchema        any                `json:"entity_schema,omitempty" yaml:"entity_schema,omitempty"`
	RenderDataSchema    any                `json:"render_data_schema,omitempty" yaml:"render_data_schema,omitempty"`
	Machine             machine.Definition `json:"machine" yaml:"machine"`
	Hydrator            string             `json:"hydrator,omitempty" yaml:"hydrator,omitempty"`
	MigratesFrom        string             `json:"migrates_from,omitempty" yaml:"migrates_from,omitempty"`
	Migration           string             `json:"migration,omitempty" yaml:"migration,omitempty"`
	Metadata            map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks required fields without compiling the machine.
func (d Definition) Validate() error {
	if _, err := ParseID(d.ID); err != nil {
		return err
	}
	if len(d.Machine.States) == 0 {
		return fmt.Errorf("capability %s requires a machine", d.ID)
	}
	if strings.TrimSpace(d.MigratesFrom) != "" && strings.TrimSpace(d.Migration) == "" {
		return fmt.Errorf("capability %s migrates_from requires a migration", d.ID)
	}
	return nil
}

// Capability is a compiled, immutable capability.
type Capability struct {
	id               ID
	def              Definition
	machine          *machine.Machine
	entitySchema     *schema.Schema
	renderDataSchema *schema.Schema
	migratesFrom     *ID
}

// ID returns the parsed id.
func (c *Capability) ID() ID { return c.id }

// Key returns the canonical id string instances are stored under.
func (c *Capability) Key() string { return c.id.String() }

// Title returns the display title, falling back to the id.
func (c *Capability) Title() string {
	if t := strings.TrimSpace(c.def.Title); t != "" {
		return t
	}
	return c.Key()
}

// Description returns the free-form description.
func (c *Capability) Description() string { return c.def.Description }

// Machine returns the compiled state machine.
func (c *Capability) Machine() *machine.Machine { return c.machine }

// EntitySchema returns the compiled entity schema, or nil when unconstrained.
func (c *Capability) EntitySchema() *schema.Schema { return c.entitySchema }

// RenderDataSchema returns the compiled render-data schema, or nil.
func (c *Capability) RenderDataSchema() *schema.Schema { return c.renderDataSchema }

// Hydrator returns the hydrator name. Empty means entities pass through.
func (c *Capability) Hydrator() string { return strings.TrimSpace(c.def.Hydrator) }

// RequiredPermissions returns the permissions a caller must hold to create.
func (c *Capability) RequiredPermissions() []string {
	return append([]string(nil), c.def.RequiredPermissions...)
}

// MigratesFrom returns the predecessor id and migration name, if any.
func (c *Capability) MigratesFrom() (ID, string, bool) {
	if c.migratesFrom == nil {
		return ID{}, "", false
	}
	return *c.migratesFrom, strings.TrimSpace(c.def.Migration), true
}

// Effects lists the distinct handler names bound to edges, sorted.
func (c *Capability) Effects() []string {
	seen := map[string]struct{}{}
	for _, s := range c.machine.States() {
		for _, e := range c.machine.EdgesFrom(s) {
			if e.Effect != "" {
				seen[e.Effect] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Metadata returns a copy of the definition metadata.
func (c *Capability) Metadata() map[string]any {
	out := make(map[string]any, len(c.def.Metadata))
	for k, v := range c.def.Metadata {
		out[k] = v
	}
	return out
}

// Allows reports whether granted covers every required permission.
func (c *Capability) Allows(granted []string) (missing []string) {
	have := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		have[strings.TrimSpace(p)] = struct{}{}
	}
	for _, p := range c.def.RequiredPermissions {
		if _, ok := have[strings.TrimSpace(p)]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

func compile(def Definition, guards *machine.GuardRegistry) (*Capability, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	id, err := ParseID(def.ID)
	if err != nil {
		return nil, err
	}
	m, err := machine.Compile(id.String(), def.Machine, machine.Options{Guards: guards})
	if err != nil {
		return nil, err
	}
	entitySchema, err := schema.Compile(id.String()+".entities", def.EntitySchema)
	if err != nil {
		return nil, err
	}
	renderSchema, err := schema.Compile(id.String()+".render_data", def.RenderDataSchema)
	if err != nil {
		return nil, err
	}
	c := &Capability{
		id:               id,
		def:              def,
		machine:          m,
		entitySchema:     entitySchema,
		renderDataSchema: renderSchema,
	}
	if raw := strings.TrimSpace(def.MigratesFrom); raw != "" {
		from, err := ParseID(raw)
		if err != nil {
			return nil, fmt.Errorf("migrates_from: %w", err)
		}
		if from.Name != id.Name || !id.newer(from) {
			return nil, fmt.Errorf("capability %s can only migrate from an older version of %s", id, id.Name)
		}
		c.migratesFrom = &from
	}
	return c, nil
}
