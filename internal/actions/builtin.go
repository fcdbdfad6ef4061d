package actions

import (
	"log/slog"

	"github.com/rendis/lifecycle/internal/expressions"
)

// RegisterBuiltins registers the built-in custom handlers: http.post,
// expr.eval and log.record.
func RegisterBuiltins(reg *Registry, logger *slog.Logger, httpCfg HTTPConfig, exprEngine *expressions.ExprEngine) error {
	all := []CustomHandler{
		NewHTTPPostHandler(httpCfg),
		NewExprEvalHandler(exprEngine),
		NewLogRecordHandler(logger),
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
