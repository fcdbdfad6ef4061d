package validation

import (
	"strings"
	"testing"

	"github.com/rendis/lifecycle/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandlers map[string][]byte

func (h stubHandlers) Has(name string) bool {
	_, ok := h[name]
	return ok
}

func (h stubHandlers) ParamsSchema(name string) []byte { return h[name] }

func newValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	v, err := NewDefinitionValidator(Options{Handlers: stubHandlers{
		"log.record": nil,
		"http.post":  []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`),
	}})
	require.NoError(t, err)
	return v
}

func supportCase() *schema.DefinitionDocument {
	return &schema.DefinitionDocument{
		Name:    "Support case",
		Object:  "case",
		Initial: "New",
		States: []schema.StateDocument{
			{Name: "New", Transitions: []schema.TransitionDocument{{To: "Assigned", Event: "assign"}}},
			{
				Name: "Assigned",
				Transitions: []schema.TransitionDocument{
					{To: "Resolved", Event: "resolve", Guard: "resolution != NULL"},
					{To: "Escalated", Event: "auto_escalate"},
				},
				Timeout: &schema.TimeoutDocument{
					Duration:  4,
					Unit:      "hours",
					Event:     "auto_escalate",
					Condition: "priority IN [High,Critical] AND owner_responded = false",
				},
			},
			{
				Name: "Escalated",
				OnEntry: []schema.ActionDocument{
					{Type: schema.ActionFieldUpdate, Field: "escalated_at", Value: "NOW()"},
					{Type: schema.ActionCustom, Handler: "http.post", Params: map[string]any{"url": "http://hooks.local"}},
				},
				Transitions: []schema.TransitionDocument{{To: "Resolved", Event: "resolve"}},
			},
			{
				Name: "Resolved",
				OnEntry: []schema.ActionDocument{
					{Type: schema.ActionEmailAlert, Template: "case_resolved", Recipients: []string{"contact.email"}},
				},
				Transitions: []schema.TransitionDocument{{To: "Closed", Event: "close"}},
				Timeout:     &schema.TimeoutDocument{Duration: 24, Unit: "HOURS", Event: "auto_close", To: "Closed", Condition: "customer_response = NULL"},
			},
			{
				Name:  "Closed",
				Final: true,
				OnEntry: []schema.ActionDocument{
					{Type: schema.ActionFieldUpdate, Field: "closed_date", Value: "NOW()"},
					{Type: schema.ActionTaskCreation, Subject: "Survey", DueOffset: &schema.DurationSpec{Duration: 2, Unit: "days"}},
				},
				Transitions: []schema.TransitionDocument{
					{To: "Assigned", Event: "reopen", Guard: "DAYS_BETWEEN(closed_date, NOW()) <= 30"},
				},
			},
		},
		Triggers: []schema.TriggerDocument{
			{Event: "resolve", When: `"resolution" in changed`, Payload: `{resolution: .after.resolution}`},
		},
	}
}

func errorPaths(r *schema.ValidationResult) []string {
	var out []string
	for _, e := range r.Errors {
		out = append(out, e.Path)
	}
	return out
}

func TestValidate_SupportCaseIsValid(t *testing.T) {
	r := newValidator(t).Validate(supportCase())
	assert.True(t, r.Valid(), "errors: %+v", r.Errors)
	assert.Empty(t, r.Warnings)
	assert.NoError(t, r.DefinitionError("support_case.yaml"))
}

func TestValidate_Nil(t *testing.T) {
	r := newValidator(t).Validate(nil)
	assert.False(t, r.Valid())
}

func TestValidate_InitialState(t *testing.T) {
	v := newValidator(t)

	t.Run("none", func(t *testing.T) {
		doc := supportCase()
		doc.Initial = ""
		r := v.Validate(doc)
		assert.Contains(t, errorPaths(r), "initial")
	})

	t.Run("flag only", func(t *testing.T) {
		doc := supportCase()
		doc.Initial = ""
		doc.States[0].Initial = true
		r := v.Validate(doc)
		assert.True(t, r.Valid(), "errors: %+v", r.Errors)
	})

	t.Run("two flagged", func(t *testing.T) {
		doc := supportCase()
		doc.Initial = ""
		doc.States[0].Initial = true
		doc.States[1].Initial = true
		r := v.Validate(doc)
		require.False(t, r.Valid())
		assert.Contains(t, r.Errors[0].Message, "multiple initial states")
	})

	t.Run("conflicting", func(t *testing.T) {
		doc := supportCase()
		doc.States[1].Initial = true
		r := v.Validate(doc)
		require.False(t, r.Valid())
		assert.Contains(t, r.Errors[0].Message, "conflicts")
	})

	t.Run("undeclared", func(t *testing.T) {
		doc := supportCase()
		doc.Initial = "Draft"
		r := v.Validate(doc)
		require.False(t, r.Valid())
		assert.Contains(t, r.Errors[0].Message, `"Draft" is not declared`)
	})
}

func TestValidate_Targets(t *testing.T) {
	v := newValidator(t)

	doc := supportCase()
	doc.States[0].Transitions[0].To = "Triage"
	doc.States[3].Timeout.To = "Archived"
	r := v.Validate(doc)

	assert.ElementsMatch(t, []string{
		"states[0].transitions[0].to",
		"states[3].timeout.to",
	}, errorPaths(r))
	assert.True(t, schema.IsCode(r.DefinitionError("case.yaml"), schema.ErrCodeDefinition))
}

func TestValidate_DuplicateState(t *testing.T) {
	doc := supportCase()
	doc.States = append(doc.States, schema.StateDocument{Name: "New", Final: true})
	r := newValidator(t).Validate(doc)
	assert.Contains(t, errorPaths(r), "states[5].name")
}

func TestValidate_Expressions(t *testing.T) {
	doc := supportCase()
	doc.States[1].Transitions[0].Guard = "resolution !="
	doc.States[1].Timeout.Condition = "priority IN High"
	doc.States[2].OnEntry[0].Value = "NOW() +"
	r := newValidator(t).Validate(doc)

	assert.ElementsMatch(t, []string{
		"states[1].transitions[0].guard",
		"states[1].timeout.condition",
		"states[2].onEntry[0].value",
	}, errorPaths(r))
}

func TestValidate_Timeouts(t *testing.T) {
	v := newValidator(t)

	t.Run("final without to", func(t *testing.T) {
		doc := supportCase()
		doc.States[4].Timeout = &schema.TimeoutDocument{Duration: 90, Unit: "days", Event: "reopen"}
		r := v.Validate(doc)
		require.False(t, r.Valid())
		assert.Contains(t, r.Errors[0].Message, "final state")
	})

	t.Run("final with to", func(t *testing.T) {
		doc := supportCase()
		doc.States = append(doc.States, schema.StateDocument{Name: "Archived", Final: true})
		doc.States[4].Timeout = &schema.TimeoutDocument{Duration: 90, Unit: "days", Event: "archive", To: "Archived"}
		r := v.Validate(doc)
		assert.True(t, r.Valid(), "errors: %+v", r.Errors)
	})

	t.Run("event without transition", func(t *testing.T) {
		doc := supportCase()
		doc.States[1].Timeout.Event = "nudge"
		r := v.Validate(doc)
		assert.Contains(t, errorPaths(r), "states[1].timeout.event")
	})
}

func TestValidate_Handlers(t *testing.T) {
	v := newValidator(t)

	doc := supportCase()
	doc.States[0].OnEntry = []schema.ActionDocument{{Type: schema.ActionCustom, Handler: "sms.send"}}
	doc.States[2].OnEntry[1].Params = map[string]any{"method": "PUT"}
	r := v.Validate(doc)

	assert.ElementsMatch(t, []string{
		"states[0].onEntry[0].handler",
		"states[2].onEntry[1].params",
	}, errorPaths(r))
}

func TestValidate_NilHandlerLookupRejectsCustomActions(t *testing.T) {
	v, err := NewDefinitionValidator(Options{})
	require.NoError(t, err)
	r := v.Validate(supportCase())
	assert.Contains(t, errorPaths(r), "states[2].onEntry[1].handler")
}

func TestValidate_Triggers(t *testing.T) {
	doc := supportCase()
	doc.Triggers = append(doc.Triggers,
		schema.TriggerDocument{Event: "teleport", When: "true"},
		schema.TriggerDocument{Event: "close", When: "after.status =="},
		schema.TriggerDocument{Event: schema.EventFieldsChanged, When: "true", Payload: "{a:"},
	)
	r := newValidator(t).Validate(doc)

	assert.ElementsMatch(t, []string{
		"triggers[1].event",
		"triggers[2].when",
		"triggers[3].payload",
	}, errorPaths(r))
}

func TestValidate_UnreachableAndDeadEndWarnings(t *testing.T) {
	doc := supportCase()
	doc.States = append(doc.States, schema.StateDocument{Name: "Limbo"})
	r := newValidator(t).Validate(doc)

	require.True(t, r.Valid())
	require.Len(t, r.Warnings, 2)
	assert.Contains(t, r.Warnings[0].Message, "unreachable")
	assert.Contains(t, r.Warnings[1].Message, "no outgoing transitions")
}

func TestValidate_StructuralErrors(t *testing.T) {
	v := newValidator(t)

	doc := supportCase()
	doc.States[0].Transitions[0].Event = ""
	doc.States[2].OnEntry[0].Value = ""
	doc.States[1].Timeout.Duration = 0
	r := v.Validate(doc)

	require.False(t, r.Valid())
	assert.GreaterOrEqual(t, len(r.Errors), 3)
}

func TestValidateRaw(t *testing.T) {
	v := newValidator(t)

	raw := map[string]any{
		"object":  "case",
		"initial": "Open",
		"states": []any{
			map[string]any{
				"name": "Open",
				"transitions": []any{
					map[string]any{"to": "Closed", "event": "close"},
				},
				"timeout": map[string]any{"duration": 30, "unit": "days", "event": "close"},
			},
			map[string]any{"name": "Closed", "final": true},
		},
	}

	doc, r := v.ValidateRaw(raw)
	require.True(t, r.Valid(), "errors: %+v", r.Errors)
	require.NotNil(t, doc)
	assert.Equal(t, "case", doc.Object)
	assert.Equal(t, float64(30), doc.States[0].Timeout.Duration)
}

func TestValidateRaw_UnknownKeysRejected(t *testing.T) {
	v := newValidator(t)

	raw := map[string]any{
		"object":  "case",
		"initial": "Open",
		"states": []any{
			map[string]any{"name": "Open", "final": true, "colour": "blue"},
		},
	}
	doc, r := v.ValidateRaw(raw)
	assert.Nil(t, doc)
	require.False(t, r.Valid())
	assert.True(t, strings.HasPrefix(r.Errors[0].Path, "/states/0"), r.Errors[0].Path)
}

func TestDeclaredEvents(t *testing.T) {
	events := DeclaredEvents(supportCase())
	assert.Equal(t, []string{
		"assign", "auto_close", "auto_escalate", "close", schema.EventFieldsChanged, "reopen", "resolve",
	}, SortedEvents(events))
}

func TestValidateParams(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	s := []byte(`{"type":"object","properties":{"n":{"type":"integer","minimum":1}}}`)
	assert.True(t, jsv.ValidateParams(map[string]any{"n": 2}, s).Valid())
	assert.False(t, jsv.ValidateParams(map[string]any{"n": 0}, s).Valid())
	assert.True(t, jsv.ValidateParams(nil, nil).Valid())
	assert.False(t, jsv.ValidateParams(nil, []byte(`{`)).Valid())
	assert.Len(t, jsv.cache, 1)
}
