package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// manifestSchema is the structural contract a manifest document must satisfy
// before the typed validation in Validate even runs.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "stages"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "stages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["stage_index", "dependencies"],
        "additionalProperties": false,
        "properties": {
          "stage_index": {"type": "integer", "minimum": 0},
          "dependencies": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "path", "integrity_hash"],
              "additionalProperties": false,
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "path": {"type": "string", "minLength": 1},
                "integrity_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://gsep.schemas.local/manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("manifest: embedded schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("manifest: embedded schema compile: %v", err))
	}
	return s
}

// Load parses a YAML (or JSON) manifest document, checks it against the
// embedded JSON Schema, then runs typed validation. Any failure is a
// structural error: the caller must not start a pipeline with it.
func Load(data []byte) (*Manifest, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("manifest: parse failed: %w", err)
	}

	// jsonschema validates the JSON object model, so round-trip through
	// encoding/json to normalize YAML types (map[string]interface{}, numbers).
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("manifest: normalize failed: %w", err)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("manifest: normalize decode failed: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest: schema violation: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(jsonBytes, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode failed: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads and parses a manifest from disk.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Load(data)
}
