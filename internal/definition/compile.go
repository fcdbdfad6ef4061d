package definition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/validation"
	"github.com/rendis/lifecycle/pkg/schema"
	"github.com/zeebo/xxh3"
)

// Compile turns a validated document into an immutable Definition. Guards
// and formulas are parsed through c so identical sources share one AST.
func Compile(doc *schema.DefinitionDocument, c *expressions.Compiler) (*Definition, error) {
	if c == nil {
		c = expressions.NewCompiler()
	}

	def := &Definition{
		Name:       doc.Name,
		ObjectType: doc.Object,
		Initial:    validation.InitialState(doc),
		States:     make(map[string]*State, len(doc.States)),
		Order:      make([]string, 0, len(doc.States)),
		Events:     validation.DeclaredEvents(doc),
		Revision:   revision(doc),
		LoadedAt:   time.Now().UTC(),
		Document:   doc,
	}
	if def.Name == "" {
		def.Name = doc.Object
	}

	for i := range doc.States {
		sd := &doc.States[i]
		st, err := compileState(sd, c)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: state %q: %s", doc.Object, sd.Name, err.Error()).WithCause(err)
		}
		def.States[st.Name] = st
		def.Order = append(def.Order, st.Name)
	}
	if _, ok := def.States[def.Initial]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"%s: initial state %q is not declared", doc.Object, def.Initial)
	}

	for _, t := range doc.Triggers {
		def.Triggers = append(def.Triggers, Trigger{Event: t.Event, When: t.When, Payload: t.Payload})
	}
	return def, nil
}

func compileState(sd *schema.StateDocument, c *expressions.Compiler) (*State, error) {
	st := &State{Name: sd.Name, Label: sd.Label, Final: sd.Final}
	if st.Label == "" {
		st.Label = sd.Name
	}

	var err error
	if st.OnEntry, err = compileActions(sd.OnEntry, c); err != nil {
		return nil, err
	}

	for _, td := range sd.Transitions {
		tr := &Transition{From: sd.Name, Event: td.Event, To: td.To}
		if td.Guard != "" {
			if tr.Guard, err = c.Compile(td.Guard); err != nil {
				return nil, err
			}
		}
		if tr.Actions, err = compileActions(td.Actions, c); err != nil {
			return nil, err
		}
		st.Transitions = append(st.Transitions, tr)
	}

	if sd.Timeout != nil {
		unit, ok := expressions.UnitDuration(sd.Timeout.Unit)
		if !ok {
			return nil, fmt.Errorf("unknown timeout unit %q", sd.Timeout.Unit)
		}
		st.Timeout = &Timeout{
			Duration: time.Duration(sd.Timeout.Duration * float64(unit)),
			Event:    sd.Timeout.Event,
			To:       sd.Timeout.To,
		}
		if sd.Timeout.Condition != "" {
			if st.Timeout.Condition, err = c.Compile(sd.Timeout.Condition); err != nil {
				return nil, err
			}
		}
		// An explicit target fires after every declared transition for the
		// same event has had its chance. It carries the timeout condition so
		// a user-sent event cannot take it while the condition is false.
		if sd.Timeout.To != "" {
			st.Transitions = append(st.Transitions, &Transition{
				From:     sd.Name,
				Event:    sd.Timeout.Event,
				To:       sd.Timeout.To,
				Guard:    st.Timeout.Condition,
				Implicit: true,
			})
		}
	}
	return st, nil
}

func compileActions(docs []schema.ActionDocument, c *expressions.Compiler) ([]ActionSpec, error) {
	out := make([]ActionSpec, 0, len(docs))
	for _, a := range docs {
		switch a.Type {
		case schema.ActionFieldUpdate:
			v, err := c.Compile(a.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, FieldUpdate{Field: a.Field, Value: v})
		case schema.ActionEmailAlert:
			out = append(out, EmailAlert{Template: a.Template, Recipients: a.Recipients})
		case schema.ActionTaskCreation:
			task := TaskCreation{Subject: a.Subject, Assignee: a.Assignee, Priority: a.Priority}
			if a.DueOffset != nil {
				unit, ok := expressions.UnitDuration(a.DueOffset.Unit)
				if !ok {
					return nil, fmt.Errorf("unknown due_offset unit %q", a.DueOffset.Unit)
				}
				task.DueOffset = time.Duration(a.DueOffset.Duration * float64(unit))
			}
			out = append(out, task)
		case schema.ActionCustom:
			out = append(out, CustomAction{Handler: a.Handler, Params: a.Params})
		default:
			return nil, fmt.Errorf("unknown action type %q", a.Type)
		}
	}
	return out, nil
}

func revision(doc *schema.DefinitionDocument) string {
	b, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxh3.Hash(b), 16)
}
