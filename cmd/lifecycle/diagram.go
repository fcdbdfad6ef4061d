package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/lifecycle/internal/actions"
	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/diagram"
)

func newDiagramCommand(root *RootOptions) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "diagram <file>",
		Short: "Render a definition's state machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			loader, _, err := newLoader(definition.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)), actions.HTTPConfig{})
			if err != nil {
				return err
			}
			def, _, err := loader.Parse(data, args[0])
			if err != nil {
				return err
			}
			out, err := renderDiagram(cmd, diagram.Build(def, nil), format)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(output, out, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, mermaid, png, svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func renderDiagram(cmd *cobra.Command, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch format {
	case "text", "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "png", "svg":
		return diagram.RenderImage(cmd.Context(), model, diagram.Format(format))
	default:
		return nil, fmt.Errorf("unknown diagram format %q", format)
	}
}
