package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// ErrUnresolved marks a field reference that could not be resolved: a null
// or missing hop in a relationship path, or a resolver failure.
var ErrUnresolved = errors.New("unresolved reference")

// Env is the entity context an expression is evaluated against.
type Env struct {
	Entity   EntityRef
	Fields   map[string]any
	Resolver EntityResolver

	// Now is returned by NOW(). The engine sets it to the event timestamp.
	Now time.Time
}

// EvalGuard evaluates n as a boolean guard. It never fails. Guards use
// three-valued logic: a comparison that cannot be evaluated is unknown,
// NOT keeps it unknown, and an unknown guard is false.
func EvalGuard(ctx context.Context, n Node, env *Env) bool {
	ev := &evaluator{ctx: ctx, env: env}
	return ev.cond(n) == truthTrue
}

// EvalFormula evaluates n to a value. Every evaluation error is returned.
func EvalFormula(ctx context.Context, n Node, env *Env) (any, error) {
	ev := &evaluator{ctx: ctx, env: env}
	v, err := ev.value(n)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluate %s: %s", n, err.Error()).
			WithCause(err)
	}
	return v, nil
}

type evaluator struct {
	ctx context.Context
	env *Env
}

// truth is a guard result under SQL three-valued logic.
type truth int8

const (
	truthFalse truth = iota
	truthTrue
	truthUnknown
)

func (ev *evaluator) cond(n Node) truth {
	switch v := n.(type) {
	case *And:
		l, r := ev.cond(v.Left), ev.cond(v.Right)
		switch {
		case l == truthFalse || r == truthFalse:
			return truthFalse
		case l == truthTrue && r == truthTrue:
			return truthTrue
		}
		return truthUnknown
	case *Or:
		l, r := ev.cond(v.Left), ev.cond(v.Right)
		switch {
		case l == truthTrue || r == truthTrue:
			return truthTrue
		case l == truthFalse && r == truthFalse:
			return truthFalse
		}
		return truthUnknown
	case *Not:
		switch ev.cond(v.Operand) {
		case truthTrue:
			return truthFalse
		case truthFalse:
			return truthTrue
		}
		return truthUnknown
	}
	// Unresolved references, type mismatches and non-boolean values are
	// all unknown.
	out, err := ev.value(n)
	if err != nil {
		return truthUnknown
	}
	b, ok := out.(bool)
	switch {
	case !ok:
		return truthUnknown
	case b:
		return truthTrue
	}
	return truthFalse
}

func (ev *evaluator) value(n Node) (any, error) {
	switch v := n.(type) {
	case *Literal:
		return v.Value, nil
	case *FieldRef:
		return ev.resolve(v.Path)
	case *FunctionCall:
		return ev.call(v)
	case *Arithmetic:
		l, err := ev.value(v.Left)
		if err != nil {
			return nil, err
		}
		r, err := ev.value(v.Right)
		if err != nil {
			return nil, err
		}
		return arithmetic(v.Op, l, r)
	case *Comparison:
		l, err := ev.value(v.Left)
		if err != nil {
			return nil, err
		}
		r, err := ev.value(v.Right)
		if err != nil {
			return nil, err
		}
		return compare(v.Op, l, r)
	case *In:
		return ev.in(v)
	case *And:
		l, err := ev.boolValue(v.Left)
		if err != nil || !l {
			return false, err
		}
		return ev.boolValue(v.Right)
	case *Or:
		l, err := ev.boolValue(v.Left)
		if err != nil || l {
			return l, err
		}
		return ev.boolValue(v.Right)
	case *Not:
		b, err := ev.boolValue(v.Operand)
		return !b, err
	}
	return nil, fmt.Errorf("unsupported node %T", n)
}

func (ev *evaluator) boolValue(n Node) (bool, error) {
	v, err := ev.value(n)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s is %s, not a boolean", n, typeName(v))
	}
	return b, nil
}

func (ev *evaluator) in(n *In) (any, error) {
	operand, err := ev.value(n.Operand)
	if err != nil {
		return nil, err
	}
	for _, item := range n.Items {
		iv, err := ev.value(item)
		if err != nil {
			return nil, err
		}
		eq, err := compare(OpEq, operand, iv)
		if err != nil {
			continue
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

// resolve reads a field. A single segment reads the entity's own snapshot,
// where an absent field is NULL. Longer paths walk inline maps first and
// fall back to the resolver.
func (ev *evaluator) resolve(path []string) (any, error) {
	root, ok := ev.env.Fields[path[0]]
	if len(path) == 1 {
		if !ok {
			return nil, nil
		}
		return Normalize(root), nil
	}

	if m, isMap := root.(map[string]any); isMap {
		cur := m
		for _, seg := range path[1 : len(path)-1] {
			next, isMap := cur[seg].(map[string]any)
			if !isMap {
				return nil, unresolved(path, nil)
			}
			cur = next
		}
		v, ok := cur[path[len(path)-1]]
		if !ok {
			return nil, unresolved(path, nil)
		}
		return Normalize(v), nil
	}

	if ev.env.Resolver == nil {
		return nil, unresolved(path, nil)
	}
	ref := ev.env.Entity
	for _, relation := range path[:len(path)-1] {
		next, err := ev.env.Resolver.Related(ev.ctx, ref, relation)
		if err != nil || next == nil {
			return nil, unresolved(path, err)
		}
		ref = *next
	}
	v, ok, err := ev.env.Resolver.Field(ev.ctx, ref, path[len(path)-1])
	if err != nil || !ok {
		return nil, unresolved(path, err)
	}
	return Normalize(v), nil
}

func unresolved(path []string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnresolved, strings.Join(path, "."), cause)
	}
	return fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(path, "."))
}

func (ev *evaluator) call(fc *FunctionCall) (any, error) {
	switch fc.Name {
	case "NOW":
		if ev.env.Now.IsZero() {
			return time.Now().UTC(), nil
		}
		return ev.env.Now.UTC(), nil
	case "DAYS_BETWEEN", "HOURS_BETWEEN":
		a, err := ev.timeArg(fc, 0)
		if err != nil {
			return nil, err
		}
		b, err := ev.timeArg(fc, 1)
		if err != nil {
			return nil, err
		}
		unit := time.Hour
		if fc.Name == "DAYS_BETWEEN" {
			unit = 24 * time.Hour
		}
		return float64(b.Sub(a) / unit), nil
	}
	return nil, fmt.Errorf("unknown function %s", fc.Name)
}

func (ev *evaluator) timeArg(fc *FunctionCall, i int) (time.Time, error) {
	v, err := ev.value(fc.Args[i])
	if err != nil {
		return time.Time{}, err
	}
	t, ok := toTime(v)
	if !ok {
		return time.Time{}, fmt.Errorf("%s argument %d is %s, not a timestamp", fc.Name, i+1, typeName(v))
	}
	return t, nil
}

// compare is null-safe for = and !=; ordering against NULL is false.
func compare(op CompareOp, a, b any) (bool, error) {
	if a == nil || b == nil {
		switch op {
		case OpEq:
			return a == nil && b == nil, nil
		case OpNeq:
			return !(a == nil && b == nil), nil
		}
		return false, nil
	}

	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		if !ok {
			break
		}
		switch op {
		case OpEq:
			return av == bv, nil
		case OpNeq:
			return av != bv, nil
		}
		return false, fmt.Errorf("operator %s not defined on booleans", op)
	case time.Duration:
		if bv, ok := b.(time.Duration); ok {
			return ordered(op, cmp3(av, bv)), nil
		}
	}

	ta, aIsTime := a.(time.Time)
	tb, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		if !aIsTime {
			ta, aIsTime = toTime(a)
		}
		if !bIsTime {
			tb, bIsTime = toTime(b)
		}
		if aIsTime && bIsTime {
			return ordered(op, ta.Compare(tb)), nil
		}
		return false, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
	}

	fa, aIsNum := a.(float64)
	fb, bIsNum := b.(float64)
	sa, aIsStr := a.(string)
	sb, bIsStr := b.(string)
	switch {
	case aIsNum && bIsNum:
		return ordered(op, cmp3(fa, fb)), nil
	case aIsStr && bIsStr:
		return ordered(op, strings.Compare(sa, sb)), nil
	case aIsNum && bIsStr:
		if f, err := strconv.ParseFloat(sb, 64); err == nil {
			return ordered(op, cmp3(fa, f)), nil
		}
	case aIsStr && bIsNum:
		if f, err := strconv.ParseFloat(sa, 64); err == nil {
			return ordered(op, cmp3(f, fb)), nil
		}
	}
	return false, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
}

func cmp3[T float64 | time.Duration](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ordered(op CompareOp, c int) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

func arithmetic(op byte, a, b any) (any, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("NULL operand in %c", op)
	}
	sign := time.Duration(1)
	if op == '-' {
		sign = -1
	}

	if bd, ok := b.(time.Duration); ok {
		switch av := a.(type) {
		case time.Duration:
			return av + sign*bd, nil
		case time.Time:
			return av.Add(sign * bd), nil
		case string:
			if t, ok := toTime(av); ok {
				return t.Add(sign * bd), nil
			}
		}
	}
	if ad, ok := a.(time.Duration); ok && op == '+' {
		if t, ok := toTime(b); ok {
			return t.Add(ad), nil
		}
	}
	if op == '-' {
		ta, aok := toTime(a)
		tb, bok := toTime(b)
		_, aIsTime := a.(time.Time)
		_, bIsTime := b.(time.Time)
		if aok && bok && (aIsTime || bIsTime) {
			return ta.Sub(tb), nil
		}
	}

	fa, aIsNum := a.(float64)
	fb, bIsNum := b.(float64)
	if aIsNum && bIsNum {
		if op == '-' {
			return fa - fb, nil
		}
		return fa + fb, nil
	}
	sa, aIsStr := a.(string)
	sb, bIsStr := b.(string)
	if aIsStr && bIsStr && op == '+' {
		return sa + sb, nil
	}
	return nil, fmt.Errorf("operator %c not defined on %s and %s", op, typeName(a), typeName(b))
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// Normalize maps Go values onto the expression value domain: every number
// becomes float64 and timestamps are UTC.
func Normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case time.Time:
		return n.UTC()
	case *time.Time:
		if n == nil {
			return nil
		}
		return n.UTC()
	}
	return v
}

// FieldValue converts a formula result into its persisted field form.
// Timestamps are stored as RFC 3339 strings and durations as seconds so a
// snapshot survives a JSON round trip unchanged.
func FieldValue(v any) any {
	switch n := v.(type) {
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return n.Seconds()
	}
	return Normalize(v)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case time.Time:
		return "timestamp"
	case time.Duration:
		return "duration"
	}
	return fmt.Sprintf("%T", v)
}
