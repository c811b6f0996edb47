package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

var (
	schemaOnce sync.Once
	schemaCmp  *jschema.Schema
	schemaErr  error
)

// SchemaID is the $id embedded in the generated manifest schema.
const SchemaID = "https://loomstudio.dev/schemas/plugin.schema.json"

// GenerateSchema reflects the Manifest struct into a JSON Schema document.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Manifest{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Loom Plugin Manifest"
	schema.Description = "Schema for plugin.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema validates raw manifest bytes against the generated schema.
// YAML and JSON manifests are both normalized to JSON-compatible values
// before validation.
func ValidateSchema(data []byte, file string) error {
	if len(data) == 0 {
		return fmt.Errorf("manifest data is empty")
	}

	var doc any
	if strings.HasSuffix(file, ".json") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
		doc = toJSONTypes(doc)
	}

	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := GenerateSchema()
		if err != nil {
			schemaErr = err
			return
		}
		var schemaDoc any
		if err := json.Unmarshal(raw, &schemaDoc); err != nil {
			schemaErr = fmt.Errorf("parse generated schema: %w", err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("plugin.schema.json", schemaDoc); err != nil {
			schemaErr = err
			return
		}
		schemaCmp, schemaErr = c.Compile("plugin.schema.json")
	})
	return schemaCmp, schemaErr
}

// toJSONTypes converts YAML-parsed values into the types the schema
// validator expects. yaml.v3 already yields map[string]any, but nested
// values still need the recursive walk.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	case string, int, int64, float64, bool, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var round any
			if err := json.Unmarshal(b, &round); err == nil {
				return round
			}
		}
		return val
	}
}
