package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is a set of capability definitions loaded from config.
type Catalog struct {
	Version      int            `json:"version" yaml:"version"`
	Capabilities []Definition   `json:"capabilities" yaml:"capabilities"`
	Meta         map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate performs structural validation of every definition.
func (c Catalog) Validate() error {
	seen := make(map[string]int, len(c.Capabilities))
	for idx, def := range c.Capabilities {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("capability[%d]: %w", idx, err)
		}
		id, _ := ParseID(def.ID)
		if prev, dup := seen[id.String()]; dup {
			return fmt.Errorf("capability[%d]: id %s already declared at capability[%d]", idx, id, prev)
		}
		seen[id.String()] = idx
	}
	return nil
}

// ParseCatalog parses YAML or JSON into a Catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		// yaml handles JSON too
		return cat, err
	}
	return cat, cat.Validate()
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return cat, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return cat, nil
}

// RegisterAll registers every definition with b.
func (c Catalog) RegisterAll(b *Builder) error {
	for _, def := range c.Capabilities {
		if err := b.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// BuildRegistry registers the catalog in a new builder and freezes it.
func (c Catalog) BuildRegistry(opts ...BuilderOption) (*Registry, error) {
	b := NewBuilder(opts...)
	if err := c.RegisterAll(b); err != nil {
		return nil, err
	}
	return b.Build()
}
