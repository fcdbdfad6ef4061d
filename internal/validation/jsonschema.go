package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/lifecycle/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://lifecycle.dev/schemas/definition.json"

// definitionSchemaJSON is the JSON Schema for state-machine definition documents.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://lifecycle.dev/schemas/definition.json",
  "type": "object",
  "required": ["object", "states"],
  "properties": {
    "name": { "type": "string" },
    "object": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_.-]*$"
    },
    "initial": { "type": "string" },
    "states": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/state" }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "unit": {
      "type": "string",
      "pattern": "^(?i)(second|minute|hour|day|week)s?$"
    },
    "duration": {
      "type": "object",
      "required": ["duration", "unit"],
      "properties": {
        "duration": { "type": "number", "exclusiveMinimum": 0 },
        "unit": { "$ref": "#/$defs/unit" }
      },
      "additionalProperties": false
    },
    "state": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "label": { "type": "string" },
        "initial": { "type": "boolean" },
        "final": { "type": "boolean" },
        "onEntry": {
          "type": "array",
          "items": { "$ref": "#/$defs/action" }
        },
        "transitions": {
          "type": "array",
          "items": { "$ref": "#/$defs/transition" }
        },
        "timeout": { "$ref": "#/$defs/timeout" }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["to", "event"],
      "properties": {
        "to": { "$ref": "#/$defs/name" },
        "event": { "$ref": "#/$defs/name" },
        "guard": { "type": "string" },
        "actions": {
          "type": "array",
          "items": { "$ref": "#/$defs/action" }
        }
      },
      "additionalProperties": false
    },
    "timeout": {
      "type": "object",
      "required": ["duration", "unit", "event"],
      "properties": {
        "duration": { "type": "number", "exclusiveMinimum": 0 },
        "unit": { "$ref": "#/$defs/unit" },
        "event": { "$ref": "#/$defs/name" },
        "to": { "$ref": "#/$defs/name" },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["field_update", "email_alert", "task_creation", "custom_action"]
        },
        "field": { "$ref": "#/$defs/name" },
        "value": { "type": "string" },
        "template": { "$ref": "#/$defs/name" },
        "recipients": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/name" }
        },
        "subject": { "$ref": "#/$defs/name" },
        "assignee": { "type": "string" },
        "due_offset": { "$ref": "#/$defs/duration" },
        "priority": { "type": "string" },
        "handler": { "$ref": "#/$defs/name" },
        "params": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "field_update" } } },
          "then": { "required": ["field", "value"] }
        },
        {
          "if": { "properties": { "type": { "const": "email_alert" } } },
          "then": { "required": ["template", "recipients"] }
        },
        {
          "if": { "properties": { "type": { "const": "task_creation" } } },
          "then": { "required": ["subject"] }
        },
        {
          "if": { "properties": { "type": { "const": "custom_action" } } },
          "then": { "required": ["handler"] }
        }
      ]
    },
    "trigger": {
      "type": "object",
      "required": ["event", "when"],
      "properties": {
        "event": { "$ref": "#/$defs/name" },
        "when": { "type": "string", "minLength": 1 },
        "payload": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks documents against the definition schema and
// custom action params against handler-provided schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded YAML/JSON document (or any value that
// marshals to one) against the definition schema. Each violation becomes an
// error issue.
func (v *JSONSchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("/", schema.ErrCodeDefinition, "definition document is empty")
		return result
	}

	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeDefinition, "definition is not JSON-compatible: "+err.Error())
		return result
	}

	if err := v.definitionSchema.Validate(value); err != nil {
		addViolations(result, err, schema.ErrCodeDefinition)
	}
	return result
}

// ValidateParams checks custom action params against a handler's schema.
// An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any, paramsSchema []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(paramsSchema) == 0 {
		return result
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.getOrCompile(paramsSchema)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "invalid params schema: "+err.Error())
		return result
	}

	value, err := toJSONValue(params)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "params are not JSON-compatible: "+err.Error())
		return result
	}
	if err := compiled.Validate(value); err != nil {
		addViolations(result, err, schema.ErrCodeValidation)
	}
	return result
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// One compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("lifecycle://params-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func addViolations(result *schema.ValidationResult, err error, code string) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", code, err.Error())
		return
	}
	collectViolations(result, verr, code)
}

// collectViolations adds one issue per leaf of the ValidationError tree.
func collectViolations(result *schema.ValidationResult, verr *jsonschema.ValidationError, code string) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, code, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, cause, code)
	}
}
