package flowstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/nodeflow/errors"
)

// documentSchema describes the wire format accepted from editors and storage.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "type"],
    "properties": {
      "id":   {"type": "string", "minLength": 1},
      "type": {"type": "string", "minLength": 1},
      "z":    {"type": "string"},
      "name": {"type": "string"},
      "wires": {
        "type": "array",
        "items": {"type": "array", "items": {"type": "string"}}
      },
      "credentials": {"type": "object"}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return schema, schemaErr
}

// ValidateDocument checks raw JSON against the flow document schema.
func ValidateDocument(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return errors.WrapFatal(err, "flowstore", "ValidateDocument", "compile schema")
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "ValidateDocument", "parse document")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(
		fmt.Errorf("%s", strings.Join(msgs, "; ")),
		"flowstore", "ValidateDocument", "schema validation")
}

// Parse validates and decodes a flow document.
func Parse(data []byte) (Flows, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var flows Flows
	if err := json.Unmarshal(data, &flows); err != nil {
		return nil, errors.WrapInvalid(err, "flowstore", "Parse", "decode document")
	}
	if err := flows.Validate(); err != nil {
		return nil, err
	}
	return flows, nil
}
