package diagram

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/store"
)

// Build constructs a DiagramModel from a compiled definition. With inst
// set, the state the instance is in is marked current.
func Build(def *definition.Definition, inst *store.Instance) *DiagramModel {
	m := &DiagramModel{
		Title:   fmt.Sprintf("%s (%s)", def.Name, def.ObjectType),
		Initial: def.Initial,
	}
	for _, name := range def.Order {
		st := def.States[name]
		node := &Node{ID: st.Name, Label: st.Label, Kind: NodeKindState}
		if st.Final {
			node.Kind = NodeKindFinal
		}
		node.Current = inst != nil && inst.State == st.Name
		node.Notes = stateNotes(st)
		m.Nodes = append(m.Nodes, node)

		for _, t := range st.Transitions {
			m.Edges = append(m.Edges, Edge{
				From:    st.Name,
				To:      t.To,
				Label:   edgeLabel(st, t),
				Timeout: st.Timeout != nil && t.Event == st.Timeout.Event,
			})
		}
	}
	return m
}

// edgeLabel is "event [guard]", with the delay for timeout events. The
// condition of an implicit timeout edge is left to the state notes.
func edgeLabel(st *definition.State, t *definition.Transition) string {
	label := t.Event
	if st.Timeout != nil && t.Event == st.Timeout.Event {
		label = fmt.Sprintf("%s (after %s)", t.Event, shortDuration(st.Timeout.Duration))
	}
	if t.Guard != nil && !t.Implicit {
		label += " [" + t.Guard.Source + "]"
	}
	return label
}

func stateNotes(st *definition.State) []string {
	var notes []string
	for _, a := range st.OnEntry {
		notes = append(notes, "entry: "+actionSummary(a))
	}
	if to := st.Timeout; to != nil {
		note := fmt.Sprintf("timeout %s fires %s", shortDuration(to.Duration), to.Event)
		if to.Condition != nil {
			note += " when " + to.Condition.Source
		}
		notes = append(notes, note)
	}
	return notes
}

func actionSummary(a definition.ActionSpec) string {
	switch a := a.(type) {
	case definition.FieldUpdate:
		return fmt.Sprintf("set %s = %s", a.Field, a.Value.Source)
	case definition.EmailAlert:
		return fmt.Sprintf("email %s to %s", a.Template, strings.Join(a.Recipients, ", "))
	case definition.TaskCreation:
		return fmt.Sprintf("task %q", a.Subject)
	case definition.CustomAction:
		return "call " + a.Handler
	}
	return string(a.Kind())
}

// shortDuration prints whole days, hours or minutes compactly.
func shortDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}
