// Package schema validates kernel inputs against embedded JSON Schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed defs/*.schema.json
var defs embed.FS

// Registry holds the compiled schemas shipped with the kernel.
type Registry struct {
	compiled map[string]*jsonschema.Schema
}

// Load compiles every embedded schema. Schema names are the file names
// without the .schema.json suffix.
func Load() (*Registry, error) {
	entries, err := fs.ReadDir(defs, "defs")
	if err != nil {
		return nil, fmt.Errorf("schema: read defs: %w", err)
	}

	r := &Registry{compiled: make(map[string]*jsonschema.Schema, len(entries))}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".schema.json")
		raw, err := defs.ReadFile("defs/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", entry.Name(), err)
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://mandate.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema: load %s: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", name, err)
		}
		r.compiled[name] = compiled
	}
	return r, nil
}

// Validate checks v against the named schema. Unknown schema names fail.
func (r *Registry) Validate(name string, v any) error {
	s, ok := r.compiled[name]
	if !ok {
		return fmt.Errorf("schema: unknown schema %q", name)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema: %s: %w", name, err)
	}
	return nil
}

// ValidateStruct round-trips v through JSON before validating, since the
// compiler only accepts decoded JSON values, not Go structs.
func (r *Registry) ValidateStruct(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("schema: marshal for %s: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("schema: decode for %s: %w", name, err)
	}
	return r.Validate(name, decoded)
}

// Names returns the loaded schema names for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.compiled))
	for name := range r.compiled {
		names = append(names, name)
	}
	return names
}
