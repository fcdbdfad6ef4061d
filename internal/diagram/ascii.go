package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders a DiagramModel as text: one box per state in
// declaration order, each followed by its outgoing transitions.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for i, node := range model.Nodes {
		if i > 0 {
			b.WriteByte('\n')
		}
		for _, line := range makeBox(node, node.ID == model.Initial) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		for _, note := range node.Notes {
			b.WriteString("  · " + note + "\n")
		}
		out := outgoing(model, node.ID)
		for j, edge := range out {
			branch := "├"
			if j == len(out)-1 {
				branch = "└"
			}
			b.WriteString(fmt.Sprintf("  %s─ %s ─→ %s\n", branch, edge.Label, edge.To))
		}
	}
	return b.String()
}

// makeBox draws a box around the state label and its markers.
func makeBox(node *Node, initial bool) []string {
	label := node.Label
	if label == "" {
		label = node.ID
	}
	var tags []string
	if initial {
		tags = append(tags, "[INITIAL]")
	}
	if node.Kind == NodeKindFinal {
		tags = append(tags, "[FINAL]")
	}
	if node.Current {
		tags = append(tags, "[CURRENT]")
	}
	content := label
	if len(tags) > 0 {
		content += " " + strings.Join(tags, " ")
	}

	width := len([]rune(content)) + 2
	return []string{
		"┌" + strings.Repeat("─", width) + "┐",
		"│ " + content + " │",
		"└" + strings.Repeat("─", width) + "┘",
	}
}

func outgoing(model *DiagramModel, id string) []Edge {
	var out []Edge
	for _, e := range model.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
