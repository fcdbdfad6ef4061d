package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/pkg/schema"
)

// validateSemantic checks what the schema cannot: state references, the
// initial state, timeout wiring, expressions, handlers and hook triggers.
func validateSemantic(doc *schema.DefinitionDocument, opts Options, jsv *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	states := make(map[string]int, len(doc.States))
	for i, s := range doc.States {
		if prev, dup := states[s.Name]; dup {
			result.AddError(fmt.Sprintf("states[%d].name", i), schema.ErrCodeDefinition,
				fmt.Sprintf("duplicate state %q (first declared at states[%d])", s.Name, prev))
			continue
		}
		states[s.Name] = i
	}

	validateInitial(doc, states, result)

	declared := DeclaredEvents(doc)
	for i := range doc.States {
		validateState(&doc.States[i], fmt.Sprintf("states[%d]", i), states, opts, jsv, result)
	}

	for i, trg := range doc.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if !declared[trg.Event] {
			result.AddError(path+".event", schema.ErrCodeDefinition,
				fmt.Sprintf("trigger event %q is not declared by any transition or timeout", trg.Event))
		}
		if err := opts.CEL.Check(trg.When); err != nil {
			result.AddError(path+".when", schema.ErrCodeDefinition, errMessage(err))
		}
		if trg.Payload != "" {
			if err := opts.JQ.Check(trg.Payload); err != nil {
				result.AddError(path+".payload", schema.ErrCodeDefinition, errMessage(err))
			}
		}
	}

	return result
}

func validateInitial(doc *schema.DefinitionDocument, states map[string]int, result *schema.ValidationResult) {
	var flagged []string
	for _, s := range doc.States {
		if s.Initial {
			flagged = append(flagged, s.Name)
		}
	}

	switch {
	case len(flagged) > 1:
		result.AddError("states", schema.ErrCodeDefinition,
			fmt.Sprintf("multiple initial states: %s", strings.Join(flagged, ", ")))
	case doc.Initial == "" && len(flagged) == 0:
		result.AddError("initial", schema.ErrCodeDefinition, "no initial state declared")
	case doc.Initial != "" && len(flagged) == 1 && flagged[0] != doc.Initial:
		result.AddError("initial", schema.ErrCodeDefinition,
			fmt.Sprintf("initial %q conflicts with state %q flagged initial", doc.Initial, flagged[0]))
	}

	if doc.Initial != "" {
		if _, ok := states[doc.Initial]; !ok {
			result.AddError("initial", schema.ErrCodeDefinition,
				fmt.Sprintf("initial state %q is not declared", doc.Initial))
		}
	}
}

func validateState(s *schema.StateDocument, path string, states map[string]int, opts Options, jsv *JSONSchemaValidator, result *schema.ValidationResult) {
	for i, a := range s.OnEntry {
		validateAction(&a, fmt.Sprintf("%s.onEntry[%d]", path, i), opts, jsv, result)
	}

	for i, tr := range s.Transitions {
		tpath := fmt.Sprintf("%s.transitions[%d]", path, i)
		if _, ok := states[tr.To]; !ok {
			result.AddError(tpath+".to", schema.ErrCodeDefinition,
				fmt.Sprintf("transition target %q is not a declared state", tr.To))
		}
		if tr.Guard != "" {
			checkExpression(opts.Guards, tr.Guard, tpath+".guard", result)
		}
		for j, a := range tr.Actions {
			validateAction(&a, fmt.Sprintf("%s.actions[%d]", tpath, j), opts, jsv, result)
		}
	}

	if s.Timeout == nil {
		return
	}
	to := s.Timeout
	tpath := path + ".timeout"
	if _, ok := expressions.UnitDuration(to.Unit); !ok {
		result.AddError(tpath+".unit", schema.ErrCodeDefinition, fmt.Sprintf("unknown unit %q", to.Unit))
	}
	if to.To != "" {
		if _, ok := states[to.To]; !ok {
			result.AddError(tpath+".to", schema.ErrCodeDefinition,
				fmt.Sprintf("timeout target %q is not a declared state", to.To))
		}
	} else {
		if s.Final {
			result.AddError(tpath, schema.ErrCodeDefinition,
				fmt.Sprintf("final state %q declares a timeout without an explicit to", s.Name))
		}
		if !hasTransition(s, to.Event) {
			result.AddError(tpath+".event", schema.ErrCodeDefinition,
				fmt.Sprintf("timeout event %q has no transition from %q and no explicit to", to.Event, s.Name))
		}
	}
	if to.Condition != "" {
		checkExpression(opts.Guards, to.Condition, tpath+".condition", result)
	}
}

func validateAction(a *schema.ActionDocument, path string, opts Options, jsv *JSONSchemaValidator, result *schema.ValidationResult) {
	switch a.Type {
	case schema.ActionFieldUpdate:
		checkExpression(opts.Guards, a.Value, path+".value", result)
	case schema.ActionTaskCreation:
		if a.DueOffset != nil {
			if _, ok := expressions.UnitDuration(a.DueOffset.Unit); !ok {
				result.AddError(path+".due_offset.unit", schema.ErrCodeDefinition,
					fmt.Sprintf("unknown unit %q", a.DueOffset.Unit))
			}
		}
	case schema.ActionCustom:
		if opts.Handlers == nil || !opts.Handlers.Has(a.Handler) {
			result.AddError(path+".handler", schema.ErrCodeDefinition,
				fmt.Sprintf("custom action handler %q is not registered", a.Handler))
			return
		}
		if ps, ok := opts.Handlers.(ParamsSchemaLookup); ok {
			pr := jsv.ValidateParams(a.Params, ps.ParamsSchema(a.Handler))
			for _, issue := range pr.Errors {
				result.AddError(path+".params", schema.ErrCodeDefinition, issue.Message)
			}
		}
	}
}

func checkExpression(c *expressions.Compiler, src, path string, result *schema.ValidationResult) {
	if _, err := c.Compile(src); err != nil {
		result.AddError(path, schema.ErrCodeDefinition, errMessage(err))
	}
}

func hasTransition(s *schema.StateDocument, event string) bool {
	for _, tr := range s.Transitions {
		if tr.Event == event {
			return true
		}
	}
	return false
}

// DeclaredEvents returns every event name the document declares: transition
// events, timeout events and the reserved fields_changed.
func DeclaredEvents(doc *schema.DefinitionDocument) map[string]bool {
	events := map[string]bool{schema.EventFieldsChanged: true}
	for _, s := range doc.States {
		for _, tr := range s.Transitions {
			events[tr.Event] = true
		}
		if s.Timeout != nil {
			events[s.Timeout.Event] = true
		}
	}
	return events
}

// SortedEvents returns the keys of events in lexical order.
func SortedEvents(events map[string]bool) []string {
	out := make([]string, 0, len(events))
	for e := range events {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func errMessage(err error) string {
	var lerr *schema.LifecycleError
	if errors.As(err, &lerr) {
		return lerr.Message
	}
	return err.Error()
}
