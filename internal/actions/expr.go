package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/pkg/schema"
)

const exprEvalParamsSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "assert": {"type": "boolean", "default": false},
    "data": {}
  },
  "required": ["expression"]
}`

// ExprEvalHandler implements "expr.eval": it evaluates an expr-lang
// expression over the instance snapshot. With assert set, a result other
// than true fails the action.
type ExprEvalHandler struct {
	engine *expressions.ExprEngine
}

// NewExprEvalHandler creates the expr.eval handler.
func NewExprEvalHandler(engine *expressions.ExprEngine) *ExprEvalHandler {
	if engine == nil {
		engine = expressions.NewExprEngine()
	}
	return &ExprEvalHandler{engine: engine}
}

func (h *ExprEvalHandler) Name() string { return "expr.eval" }

func (h *ExprEvalHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description:  "Evaluate an expr-lang expression over fields, state and data",
		ParamsSchema: json.RawMessage(exprEvalParamsSchema),
	}
}

func (h *ExprEvalHandler) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return h.engine.Check(expr)
}

func (h *ExprEvalHandler) Execute(ctx context.Context, input HandlerInput) (*HandlerOutput, error) {
	if err := h.Validate(input.Params); err != nil {
		return nil, err
	}
	expression, _ := input.Params["expression"].(string)

	scope := map[string]any{
		"fields":      input.Fields,
		"state":       input.State,
		"instance_id": input.InstanceID,
		"object_type": input.ObjectType,
	}
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	result, err := h.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	if boolParam(input.Params, "assert", false) && result != true {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr.eval: assertion %q failed", expression).
			WithDetails(map[string]any{"result": result})
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "expr.eval: marshal output: %v", err)
	}
	return &HandlerOutput{Data: out}, nil
}
