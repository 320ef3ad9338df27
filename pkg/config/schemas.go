package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

const schemaSuffix = ".schema.json"

// SchemaFiles maps type tags to metadata schema files. Files named
// <tag>.schema.json in SchemasDir are picked up first; explicit Schemas
// entries override them.
func (c *Config) SchemaFiles() (map[string]string, error) {
	files := make(map[string]string)
	if c.SchemasDir != "" {
		matches, err := filepath.Glob(filepath.Join(c.SchemasDir, "*"+schemaSuffix))
		if err != nil {
			return nil, fmt.Errorf("config: schemas_dir: %w", err)
		}
		for _, path := range matches {
			tag := strings.TrimSuffix(filepath.Base(path), schemaSuffix)
			if _, err := provenance.ParseTypeTag(tag); err != nil {
				continue
			}
			files[tag] = path
		}
	}
	for tag, path := range c.Schemas {
		if _, err := provenance.ParseTypeTag(tag); err != nil {
			return nil, fmt.Errorf("config: schemas: %w", err)
		}
		files[tag] = path
	}
	return files, nil
}
