package diagram

// NodeKind classifies a state node.
type NodeKind string

const (
	NodeKindState NodeKind = "state"
	NodeKindFinal NodeKind = "final"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title   string
	Initial string
	Nodes   []*Node
	Edges   []Edge
}

// Node is one state of the machine.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	// Current marks the state an overlaid instance is in.
	Current bool
	// Notes summarize entry actions and the timeout.
	Notes []string
}

// Edge is one transition. Timeout marks edges taken by a timeout event.
type Edge struct {
	From    string
	To      string
	Label   string
	Timeout bool
}
