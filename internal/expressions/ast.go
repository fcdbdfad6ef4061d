package expressions

import (
	"fmt"
	"strings"
	"time"
)

// Node is a parsed guard or formula expression.
type Node interface {
	node()
	String() string
}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "="
	OpNeq CompareOp = "!="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
)

// Comparison compares two operands.
type Comparison struct {
	Op    CompareOp
	Left  Node
	Right Node
}

// And is a conjunction.
type And struct {
	Left  Node
	Right Node
}

// Or is a disjunction.
type Or struct {
	Left  Node
	Right Node
}

// Not negates its operand.
type Not struct {
	Operand Node
}

// In tests membership of Operand in a literal list.
type In struct {
	Operand Node
	Items   []Node
}

// FieldRef references an entity field. Multi-segment paths traverse
// relationships, e.g. owner.manager.email.
type FieldRef struct {
	Path []string
}

// Literal holds a constant: nil, bool, float64, string or time.Duration.
type Literal struct {
	Value any
}

// FunctionCall invokes a built-in function.
type FunctionCall struct {
	Name string
	Args []Node
}

// Arithmetic adds or subtracts numbers, durations and timestamps.
type Arithmetic struct {
	Op    byte
	Left  Node
	Right Node
}

func (*Comparison) node()   {}
func (*And) node()          {}
func (*Or) node()           {}
func (*Not) node()          {}
func (*In) node()           {}
func (*FieldRef) node()     {}
func (*Literal) node()      {}
func (*FunctionCall) node() {}
func (*Arithmetic) node()   {}

func (n *Comparison) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}

func (n *And) String() string { return fmt.Sprintf("(%s AND %s)", n.Left, n.Right) }
func (n *Or) String() string  { return fmt.Sprintf("(%s OR %s)", n.Left, n.Right) }
func (n *Not) String() string { return fmt.Sprintf("(NOT %s)", n.Operand) }

func (n *In) String() string {
	items := make([]string, len(n.Items))
	for i, it := range n.Items {
		items[i] = it.String()
	}
	return fmt.Sprintf("(%s IN [%s])", n.Operand, strings.Join(items, ", "))
}

func (n *FieldRef) String() string { return strings.Join(n.Path, ".") }

func (n *Literal) String() string {
	switch v := n.Value.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return fmt.Sprintf("%q", v)
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (n *FunctionCall) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", n.Name, strings.Join(args, ", "))
}

func (n *Arithmetic) String() string {
	return fmt.Sprintf("(%s %c %s)", n.Left, n.Op, n.Right)
}

// Walk calls fn for n and every descendant in depth-first order.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch v := n.(type) {
	case *Comparison:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *And:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *Or:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	case *Not:
		Walk(v.Operand, fn)
	case *In:
		Walk(v.Operand, fn)
		for _, it := range v.Items {
			Walk(it, fn)
		}
	case *FunctionCall:
		for _, a := range v.Args {
			Walk(a, fn)
		}
	case *Arithmetic:
		Walk(v.Left, fn)
		Walk(v.Right, fn)
	}
}
