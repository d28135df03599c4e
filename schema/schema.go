package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceBase = "mem://go-orchestrator/schemas/"

// Schema is a compiled JSON Schema (draft 2020-12) document.
type Schema struct {
	name   string
	source string
	schema *jsonschema.Schema
}

// Compile compiles raw into a schema. raw may be a JSON string, raw bytes, or
// a decoded document (map or bool) such as one read from YAML. A nil or empty
// raw yields a nil schema, which accepts everything.
func Compile(name string, raw any) (*Schema, error) {
	source, err := sourceOf(raw)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	if source == "" {
		return nil, nil
	}

	url := resourceBase + strings.ReplaceAll(strings.TrimSpace(name), " ", "_") + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("schema %s: load: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: compile: %w", name, err)
	}
	return &Schema{name: name, source: source, schema: compiled}, nil
}

// MustCompile is Compile for package-level fixtures.
func MustCompile(name string, raw any) *Schema {
	s, err := Compile(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name given at compile time.
func (s *Schema) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Source returns the canonical JSON text the schema was compiled from.
func (s *Schema) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Validate checks v against the schema. A nil schema accepts any value.
// Go values are normalized through JSON first so struct and typed-map
// inputs are validated the way a client would have sent them.
func (s *Schema) Validate(v any) error {
	if s == nil || s.schema == nil {
		return nil
	}
	doc, err := normalize(v)
	if err != nil {
		return err
	}
	return s.schema.Validate(doc)
}

// Describe flattens a validation error into short human-readable causes.
func Describe(err error) []string {
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func sourceOf(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case []byte:
		return strings.TrimSpace(string(v)), nil
	case json.RawMessage:
		return strings.TrimSpace(string(v)), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode schema document: %w", err)
		}
		return string(data), nil
	}
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return doc, nil
}
