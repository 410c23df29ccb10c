package persona

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const templateSchemaJSON = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id":                {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,63}$"},
    "title":             {"type": "string", "maxLength": 200},
    "description":       {"type": "string", "maxLength": 500},
    "category":          {"type": "string"},
    "personalityPrompt": {"type": "string", "minLength": 1},
    "systemPrompt":      {"type": "string", "minLength": 1},
    "welcomeMessage":    {"type": "string"},
    "model":             {"type": "string"},
    "temperature":       {"type": "number", "minimum": 0, "maximum": 2},
    "maxTokens":         {"type": "integer", "minimum": 10, "maximum": 4000},
    "tags":              {"type": "array", "items": {"type": "string"}},
    "isPublic":          {"type": "boolean"}
  },
  "anyOf": [
    {"required": ["personalityPrompt"]},
    {"required": ["systemPrompt"]}
  ]
}`

const rulesSchemaJSON = `{
  "type": "object",
  "required": ["rules", "enabled"],
  "properties": {
    "rules":   {"type": "string"},
    "enabled": {"type": "boolean"},
    "version": {"type": "string"}
  }
}`

var (
	templateSchema = jsonschema.MustCompileString("persona-template.json", templateSchemaJSON)
	rulesSchema    = jsonschema.MustCompileString("persona-rules.json", rulesSchemaJSON)
)

// validateJSON checks raw JSON against schema. Numbers are decoded as
// json.Number so integer constraints see the literal value.
func validateJSON(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// Validate checks a template document against the template schema.
func (d Document) Validate() error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if err := validateJSON(templateSchema, raw); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, d.ID, err)
	}
	return nil
}

// Validate checks a rules document against the rules schema.
func (r RulesDocument) Validate() error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := validateJSON(rulesSchema, raw); err != nil {
		return fmt.Errorf("persona: invalid rules: %v", err)
	}
	return nil
}
