package sinks

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/languages"
)

const schemaURL = "https://github.com/1homsi/taintflow/languages/schema.json"

type definitionSchema struct {
	file *jsonschema.Schema
	sink *jsonschema.Schema
}

func compileSchema() (*definitionSchema, error) {
	data, err := languages.FS.ReadFile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("read definition schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse definition schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}
	file, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	sink, err := c.Compile(schemaURL + "#/$defs/sink")
	if err != nil {
		return nil, fmt.Errorf("compile sink schema: %w", err)
	}
	return &definitionSchema{file: file, sink: sink}, nil
}

// validateYAML checks a definition file against the schema. The YAML is
// re-encoded as JSON so the validator sees JSON-native values.
func (s *definitionSchema) validateYAML(name string, data []byte) error {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ir.ErrConfigInvalid, name, err)
	}
	return s.validate(s.file, name, v)
}

func (s *definitionSchema) validateSink(where string, d *SinkDef) error {
	return s.validate(s.sink, where, d)
}

func (s *definitionSchema) validate(sch *jsonschema.Schema, where string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ir.ErrConfigInvalid, where, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ir.ErrConfigInvalid, where, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ir.ErrConfigInvalid, where, err)
	}
	return nil
}
