package provenance

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds an optional JSON Schema per type tag. Metadata for a
// tag without a schema is accepted as-is. A nil registry accepts everything.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[TypeTag]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[TypeTag]*jsonschema.Schema)}
}

// Register compiles schema (JSON Schema 2020-12) for tag.
func (r *SchemaRegistry) Register(tag TypeTag, schema string) error {
	if !tag.Valid() {
		return &InvalidTypeTagError{Tag: string(tag)}
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://chaintrace.schemas.local/metadata/%s.schema.json", tag)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("metadata schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("metadata schema compile failed: %w", err)
	}

	r.mu.Lock()
	r.schemas[tag] = compiled
	r.mu.Unlock()
	return nil
}

// RegisterFile loads the schema for tag from path.
func (r *SchemaRegistry) RegisterFile(tag TypeTag, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read metadata schema %s: %w", path, err)
	}
	return r.Register(tag, string(data))
}

// Validate checks normalized metadata against the schema registered for tag.
func (r *SchemaRegistry) Validate(tag TypeTag, metadata map[string]any) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	schema, ok := r.schemas[tag]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var doc any = map[string]any{}
	if metadata != nil {
		doc = metadata
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidMetadata, tag, err)
	}
	return nil
}
