package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// schemaDoc decodes the embedded schema text once into the any-tree form
// jsonschema/v6's compiler wants (a pre-parsed document, not a raw
// io.Reader — it parses with its own UnmarshalJSON so numbers keep the
// precision the draft-07 keywords like multipleOf expect).
func schemaDoc() (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
}

// Load reads, validates, and decodes the .cfg document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Validate(raw)
}

// Validate decodes raw YAML, applies global defaults, validates the result
// against the embedded draft-07 schema, and unmarshals it into a typed
// Config. Every successful Load/Validate has round-tripped through schema
// validation; there is no path that skips it.
func Validate(raw []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	applyGlobalDefaults(doc)
	jsonDoc := normalizeForSchema(doc)

	if err := schemaInstance().Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("config: schema validation: %w", err)
	}

	cfg, err := decodeTyped(doc)
	if err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	if errs := checkSemantics(cfg); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// Dump serializes cfg back to path as YAML, validating it on the way out so
// a Dump can never write a document Load would reject.
func Dump(cfg *Config, path string) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if _, err := Validate(out); err != nil {
		return fmt.Errorf("config: refusing to dump an invalid document: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func applyGlobalDefaults(doc map[string]any) {
	global, _ := doc["global"].(map[string]any)
	if global == nil {
		global = map[string]any{}
	}
	for k, v := range globalDefaults {
		if _, present := global[k]; !present {
			global[k] = v
		}
	}
	doc["global"] = global

	for _, kind := range []string{"gui", "logic", "hardware"} {
		if _, present := doc[kind]; !present {
			doc[kind] = map[string]any{}
		}
	}
}

// normalizeForSchema copies a yaml.v3-decoded map[string]any tree (which
// may contain map[string]any at every level already, since yaml.v3 decodes
// mapping nodes that way when the target is `any`) into the
// map[string]interface{}/[]interface{} shape jsonschema/v6 expects; nested
// map[any]any nodes, which can appear when a document uses non-string
// keys, are passed through unchanged, not coerced.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}

func decodeTyped(doc map[string]any) (*Config, error) {
	// Re-marshal the defaulted map and unmarshal into the typed struct
	// rather than using reflection directly on map[string]any, so the
	// yaml struct tags on Config/Global/ModuleDescriptor do the field
	// mapping exactly as they would for a hand-written document.
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var compiledSchema *jsonschema.Schema

func schemaInstance() *jsonschema.Schema {
	if compiledSchema != nil {
		return compiledSchema
	}
	doc, err := schemaDoc()
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid json: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("qudicore-config.schema.json", doc); err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid: %v", err))
	}
	sch, err := c.Compile("qudicore-config.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema failed to compile: %v", err))
	}
	compiledSchema = sch
	return compiledSchema
}
