package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid stateDiagram-v2.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("stateDiagram-v2\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		if node.Label != "" && node.Label != node.ID {
			b.WriteString(fmt.Sprintf("    state \"%s\" as %s\n", mermaidEscapeLabel(node.Label), mermaidSafeID(node.ID)))
		}
	}
	if model.Initial != "" {
		b.WriteString(fmt.Sprintf("    [*] --> %s\n", mermaidSafeID(model.Initial)))
	}
	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s --> %s", mermaidSafeID(edge.From), mermaidSafeID(edge.To)))
		if edge.Label != "" {
			b.WriteString(" : " + mermaidEscapeLabel(edge.Label))
		}
		b.WriteByte('\n')
	}
	for _, node := range model.Nodes {
		if node.Kind == NodeKindFinal {
			b.WriteString(fmt.Sprintf("    %s --> [*]\n", mermaidSafeID(node.ID)))
		}
	}

	for _, node := range model.Nodes {
		if len(node.Notes) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("    note right of %s\n", mermaidSafeID(node.ID)))
		for _, n := range node.Notes {
			b.WriteString("        " + mermaidEscapeLabel(n) + "\n")
		}
		b.WriteString("    end note\n")
	}

	for _, node := range model.Nodes {
		if node.Current {
			b.WriteString("\n    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
			b.WriteString(fmt.Sprintf("    class %s current\n", mermaidSafeID(node.ID)))
		}
	}

	return b.String()
}

// mermaidSafeID converts a state name to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel escapes characters Mermaid treats as syntax in labels.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", ";", "#59;", "\n", " ")
	return r.Replace(s)
}
