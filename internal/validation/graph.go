package validation

import (
	"fmt"

	"github.com/rendis/lifecycle/pkg/schema"
)

// validateGraph reports states unreachable from the initial state and
// non-final states with no way out. Both are warnings: the definition still
// loads.
func validateGraph(doc *schema.DefinitionDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	edges := make(map[string][]string, len(doc.States))
	for _, s := range doc.States {
		for _, tr := range s.Transitions {
			edges[s.Name] = append(edges[s.Name], tr.To)
		}
		if s.Timeout != nil && s.Timeout.To != "" {
			edges[s.Name] = append(edges[s.Name], s.Timeout.To)
		}
	}

	initial := InitialState(doc)
	reachable := map[string]bool{initial: true}
	queue := []string{initial}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i, s := range doc.States {
		path := fmt.Sprintf("states[%d]", i)
		if !reachable[s.Name] {
			result.AddWarning(path, schema.ErrCodeDefinition,
				fmt.Sprintf("state %q is unreachable from initial state %q", s.Name, initial))
		}
		if !s.Final && len(edges[s.Name]) == 0 {
			result.AddWarning(path, schema.ErrCodeDefinition,
				fmt.Sprintf("non-final state %q has no outgoing transitions", s.Name))
		}
	}

	return result
}

// InitialState resolves the initial state name of a validated document.
func InitialState(doc *schema.DefinitionDocument) string {
	if doc.Initial != "" {
		return doc.Initial
	}
	for _, s := range doc.States {
		if s.Initial {
			return s.Name
		}
	}
	return ""
}
