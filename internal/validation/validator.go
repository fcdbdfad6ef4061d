package validation

import (
	"encoding/json"

	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/pkg/schema"
)

// HandlerLookup resolves custom action handler names at load time.
type HandlerLookup interface {
	Has(name string) bool
}

// ParamsSchemaLookup is implemented by handler registries whose handlers
// publish a JSON Schema for their params.
type ParamsSchemaLookup interface {
	ParamsSchema(name string) []byte
}

// Options wires the validator to the runtime's handler registry and
// expression engines. Nil engines are created on demand; a nil Handlers
// resolves no custom action.
type Options struct {
	Handlers HandlerLookup
	Guards   *expressions.Compiler
	CEL      *expressions.CELEngine
	JQ       *expressions.GoJQEngine
}

// DefinitionValidator runs the load-time pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (state refs, initial state, expressions, handlers, triggers)
// 3. Graph (reachability, dead ends; warnings only)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	opts       Options
}

// NewDefinitionValidator creates a DefinitionValidator.
func NewDefinitionValidator(opts Options) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if opts.Guards == nil {
		opts.Guards = expressions.NewCompiler()
	}
	if opts.CEL == nil {
		if opts.CEL, err = expressions.NewCELEngine(); err != nil {
			return nil, err
		}
	}
	if opts.JQ == nil {
		opts.JQ = expressions.NewGoJQEngine()
	}
	return &DefinitionValidator{jsonSchema: jsv, opts: opts}, nil
}

// ValidateRaw validates a decoded YAML or JSON document and returns its typed
// form. Structural errors short-circuit the later stages and yield a nil
// document.
func (dv *DefinitionValidator) ValidateRaw(raw any) (*schema.DefinitionDocument, *schema.ValidationResult) {
	result := dv.jsonSchema.ValidateDocument(raw)
	if !result.Valid() {
		return nil, result
	}

	b, err := json.Marshal(raw)
	if err != nil {
		result.AddError("/", schema.ErrCodeDefinition, err.Error())
		return nil, result
	}
	var doc schema.DefinitionDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		result.AddError("/", schema.ErrCodeDefinition, err.Error())
		return nil, result
	}

	result.Merge(dv.validateTyped(&doc))
	return &doc, result
}

// Validate runs the full pipeline on a typed document.
func (dv *DefinitionValidator) Validate(doc *schema.DefinitionDocument) *schema.ValidationResult {
	if doc == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "definition document is nil")
		return r
	}

	result := dv.jsonSchema.ValidateDocument(doc)
	if !result.Valid() {
		return result
	}
	result.Merge(dv.validateTyped(doc))
	return result
}

func (dv *DefinitionValidator) validateTyped(doc *schema.DefinitionDocument) *schema.ValidationResult {
	result := validateSemantic(doc, dv.opts, dv.jsonSchema)
	if result.Valid() {
		result.Merge(validateGraph(doc))
	}
	return result
}
