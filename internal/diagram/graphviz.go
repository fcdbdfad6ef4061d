package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Format is an image output format.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
)

const (
	initialNode = "__initial__"
	finalNode   = "__final__"
)

// RenderImage renders a DiagramModel with graphviz in the given format.
func RenderImage(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.LRRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes)+2)
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(nodeLabel(node))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	if model.Initial != "" {
		start, nErr := pseudoState(graph, initialNode, 0.2)
		if nErr != nil {
			return nil, nErr
		}
		if to := gvNodes[model.Initial]; to != nil {
			if _, eErr := graph.CreateEdgeByName("", start, to); eErr != nil {
				return nil, fmt.Errorf("diagram: create initial edge: %w", eErr)
			}
		}
	}

	var end *cgraph.Node
	for _, node := range model.Nodes {
		if node.Kind != NodeKindFinal {
			continue
		}
		if end == nil {
			if end, err = pseudoState(graph, finalNode, 0.25); err != nil {
				return nil, err
			}
			end.SetShape(cgraph.DoubleCircleShape)
		}
		if _, eErr := graph.CreateEdgeByName("", gvNodes[node.ID], end); eErr != nil {
			return nil, fmt.Errorf("diagram: create final edge: %w", eErr)
		}
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Timeout {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func pseudoState(graph *cgraph.Graph, name string, size float64) (*cgraph.Node, error) {
	n, err := graph.CreateNodeByName(name)
	if err != nil {
		return nil, fmt.Errorf("diagram: create node %s: %w", name, err)
	}
	n.SetLabel("")
	n.SetShape(cgraph.PointShape)
	n.SetWidth(size)
	n.SetHeight(size)
	return n, nil
}

// nodeLabel is the state label followed by its notes.
func nodeLabel(node *Node) string {
	label := node.Label
	if label == "" {
		label = node.ID
	}
	if len(node.Notes) == 0 {
		return label
	}
	return label + "\n" + strings.Join(node.Notes, "\n")
}

// applyNodeStyle sets graphviz attributes based on node kind and overlay.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	gvNode.SetShape(cgraph.BoxShape)
	gvNode.SetStyle(cgraph.RoundedNodeStyle)
	if node.Kind == NodeKindFinal {
		gvNode.SetPeripheries(2)
	}
	if node.Current {
		gvNode.SetStyle(cgraph.FilledNodeStyle)
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	}
}
