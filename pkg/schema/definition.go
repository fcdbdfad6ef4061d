package schema

// DefinitionDocument is the declarative, serializable state-machine format.
// Documents are authored as YAML or JSON and compiled by the definition registry.
// The initial state is named by Initial or by exactly one state flagged
// initial; both forms may be used if they agree.
type DefinitionDocument struct {
	Name     string            `json:"name"`
	Object   string            `json:"object"`
	Initial  string            `json:"initial"`
	States   []StateDocument   `json:"states"`
	Triggers []TriggerDocument `json:"triggers,omitempty"`
}

// StateDocument declares one state of a definition.
type StateDocument struct {
	Name        string               `json:"name"`
	Label       string               `json:"label,omitempty"`
	Initial     bool                 `json:"initial,omitempty"`
	Final       bool                 `json:"final,omitempty"`
	OnEntry     []ActionDocument     `json:"onEntry,omitempty"`
	Transitions []TransitionDocument `json:"transitions,omitempty"`
	Timeout     *TimeoutDocument     `json:"timeout,omitempty"`
}

// TransitionDocument declares an event-triggered, optionally guarded transition.
type TransitionDocument struct {
	To      string           `json:"to"`
	Event   string           `json:"event"`
	Guard   string           `json:"guard,omitempty"`
	Actions []ActionDocument `json:"actions,omitempty"`
}

// TimeoutDocument declares a wall-clock timeout for a state.
type TimeoutDocument struct {
	Duration  float64 `json:"duration"`
	Unit      string  `json:"unit"`
	Event     string  `json:"event"`
	To        string  `json:"to,omitempty"`
	Condition string  `json:"condition,omitempty"`
}

// ActionType enumerates the supported action variants.
type ActionType string

const (
	ActionFieldUpdate  ActionType = "field_update"
	ActionEmailAlert   ActionType = "email_alert"
	ActionTaskCreation ActionType = "task_creation"
	ActionCustom       ActionType = "custom_action"
)

// ActionDocument is the flat wire form of every action variant; Type selects
// which fields are meaningful.
type ActionDocument struct {
	Type ActionType `json:"type"`

	// field_update
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`

	// email_alert
	Template   string   `json:"template,omitempty"`
	Recipients []string `json:"recipients,omitempty"`

	// task_creation
	Subject   string        `json:"subject,omitempty"`
	Assignee  string        `json:"assignee,omitempty"`
	DueOffset *DurationSpec `json:"due_offset,omitempty"`
	Priority  string        `json:"priority,omitempty"`

	// custom_action
	Handler string         `json:"handler,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// DurationSpec is an amount of a calendar unit (minutes, hours, days, weeks).
type DurationSpec struct {
	Duration float64 `json:"duration"`
	Unit     string  `json:"unit"`
}

// TriggerDocument maps a CRUD-layer update of the object to a workflow event.
// When is a CEL expression over before, after and changed; Payload is an
// optional jq projection of the same data.
type TriggerDocument struct {
	Event   string `json:"event"`
	When    string `json:"when"`
	Payload string `json:"payload,omitempty"`
}
