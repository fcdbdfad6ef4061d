package definition

import (
	"sort"
	"time"

	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/pkg/schema"
)

// Definition is the compiled, immutable state machine for one object type.
type Definition struct {
	Name       string
	ObjectType string
	Initial    string
	States     map[string]*State
	Order      []string
	Events     map[string]bool
	Triggers   []Trigger

	// Revision is a content hash of the source document.
	Revision string
	Source   string
	LoadedAt time.Time
	Document *schema.DefinitionDocument
}

// State is one compiled state.
type State struct {
	Name        string
	Label       string
	Final       bool
	OnEntry     []ActionSpec
	Transitions []*Transition
	Timeout     *Timeout
}

// Transition is an event-triggered edge. A nil Guard always passes.
type Transition struct {
	From    string
	Event   string
	To      string
	Guard   *expressions.Expression
	Actions []ActionSpec

	// Implicit marks the trailing transition compiled from a timeout's
	// explicit target.
	Implicit bool
}

// Timeout schedules Event once the instance has spent Duration in a state.
// A nil Condition always passes.
type Timeout struct {
	Duration  time.Duration
	Event     string
	To        string
	Condition *expressions.Expression
}

// Trigger maps a CRUD update of the object to a workflow event.
type Trigger struct {
	Event   string
	When    string
	Payload string
}

// ActionSpec is one of FieldUpdate, EmailAlert, TaskCreation or CustomAction.
type ActionSpec interface {
	Kind() schema.ActionType
}

// FieldUpdate sets Field to the value of a formula, in the same write as
// the state change.
type FieldUpdate struct {
	Field string
	Value *expressions.Expression
}

// EmailAlert sends a templated alert. Recipients are literal addresses or
// field references resolved at dispatch time.
type EmailAlert struct {
	Template   string
	Recipients []string
}

// TaskCreation opens a follow-up task due DueOffset after the transition.
type TaskCreation struct {
	Subject   string
	Assignee  string
	DueOffset time.Duration
	Priority  string
}

// CustomAction invokes a registered handler by name.
type CustomAction struct {
	Handler string
	Params  map[string]any
}

func (FieldUpdate) Kind() schema.ActionType  { return schema.ActionFieldUpdate }
func (EmailAlert) Kind() schema.ActionType   { return schema.ActionEmailAlert }
func (TaskCreation) Kind() schema.ActionType { return schema.ActionTaskCreation }
func (CustomAction) Kind() schema.ActionType { return schema.ActionCustom }

// State returns the named state.
func (d *Definition) State(name string) (*State, bool) {
	s, ok := d.States[name]
	return s, ok
}

// Declares reports whether event is declared anywhere for the object type.
func (d *Definition) Declares(event string) bool {
	return d.Events[event]
}

// EventNames returns the declared events in lexical order.
func (d *Definition) EventNames() []string {
	out := make([]string, 0, len(d.Events))
	for e := range d.Events {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// TransitionsFor returns the transitions for event in declaration order.
func (s *State) TransitionsFor(event string) []*Transition {
	var out []*Transition
	for _, t := range s.Transitions {
		if t.Event == event {
			out = append(out, t)
		}
	}
	return out
}
