package expressions

import "context"

// Engine evaluates third-party expression languages over a JSON-like data map.
// CEL gates hook triggers, jq projects hook payloads and expr backs the
// expr.eval custom action. Guards and formulas use the Compiler instead.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
