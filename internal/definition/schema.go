package definition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema is the JSON schema the decoded definition document is
// validated against before compilation, the Go analogue of the
// Draft7Validator used by original_source/ja2mqtt/config.py's Config.validate.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["serial2mqtt", "mqtt2serial"],
  "properties": {
    "system": {
      "type": "object",
      "properties": {
        "topic_prefix": {"type": "string"},
        "correlation_id": {"type": "string"},
        "correlation_timeout": {"type": "number"},
        "topic_sys_error": {"type": "string"},
        "prfstate_bits": {"type": "integer", "minimum": 8}
      }
    },
    "topology": {"type": "object"},
    "simulator": {"type": "object"},
    "serial2mqtt": {"type": "array", "items": {"$ref": "#/definitions/topic"}},
    "mqtt2serial": {"type": "array", "items": {"$ref": "#/definitions/topic"}}
  },
  "definitions": {
    "topic": {
      "type": "object",
      "required": ["name", "rules"],
      "properties": {
        "name": {"type": "string"},
        "disabled": {"type": "boolean"},
        "rules": {"type": "array", "items": {"type": "object"}}
      }
    }
  }
}`

func validateSchema(doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cannot marshal definition document for schema validation: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(definitionSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
