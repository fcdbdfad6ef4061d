package expressions

import (
	"context"
	"strings"
	"sync"
)

// Expression is a parsed guard or formula.
type Expression struct {
	Source string
	Root   Node
}

// Guard evaluates the expression as a fail-closed boolean.
func (e *Expression) Guard(ctx context.Context, env *Env) bool {
	return EvalGuard(ctx, e.Root, env)
}

// Formula evaluates the expression to a value.
func (e *Expression) Formula(ctx context.Context, env *Env) (any, error) {
	return EvalFormula(ctx, e.Root, env)
}

// FieldRefs returns the distinct dotted field paths the expression reads.
func (e *Expression) FieldRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	Walk(e.Root, func(n Node) {
		if ref, ok := n.(*FieldRef); ok {
			p := strings.Join(ref.Path, ".")
			if !seen[p] {
				seen[p] = true
				refs = append(refs, p)
			}
		}
	})
	return refs
}

// Compiler parses expressions once and caches them by source.
// Safe for concurrent use.
type Compiler struct {
	mu    sync.RWMutex
	cache map[string]*Expression
}

// NewCompiler creates an empty Compiler.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*Expression)}
}

// Compile returns the cached expression for src, parsing it on first use.
func (c *Compiler) Compile(src string) (*Expression, error) {
	c.mu.RLock()
	if e, ok := c.cache[src]; ok {
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[src]; ok {
		return e, nil
	}

	root, err := Parse(src)
	if err != nil {
		return nil, err
	}
	e := &Expression{Source: src, Root: root}
	c.cache[src] = e
	return e, nil
}

// Len returns the number of cached expressions.
func (c *Compiler) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
