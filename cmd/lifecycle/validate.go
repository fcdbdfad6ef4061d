package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/lifecycle/internal/actions"
	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/pkg/schema"
)

// fileReport is the validation outcome of one definition file.
type fileReport struct {
	Source     string                   `json:"source"`
	Valid      bool                     `json:"valid"`
	ObjectType string                   `json:"object_type,omitempty"`
	States     int                      `json:"states,omitempty"`
	Revision   string                   `json:"revision,omitempty"`
	Errors     []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings   []schema.ValidationIssue `json:"warnings,omitempty"`
}

func newValidateCommand(root *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <files...>",
		Short: "Validate definition files without serving them",
		Long: `Validate runs the full load pipeline (structure, references, guard and
formula syntax, trigger expressions) on each file and reports every issue.
It exits non-zero when any file is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := validateFiles(args)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				printReports(cmd.OutOrStdout(), reports)
			}
			invalid := 0
			for _, r := range reports {
				if !r.Valid {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(reports))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the reports as JSON")
	return cmd
}

func validateFiles(paths []string) ([]fileReport, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader, _, err := newLoader(definition.NewRegistry(), logger, actions.HTTPConfig{})
	if err != nil {
		return nil, err
	}

	owners := make(map[string]string)
	reports := make([]fileReport, 0, len(paths))
	for _, p := range paths {
		rep := fileReport{Source: p}
		data, err := os.ReadFile(p)
		if err != nil {
			rep.Errors = []schema.ValidationIssue{{Path: "/", Code: schema.ErrCodeDefinition, Message: err.Error(), Severity: schema.SeverityError}}
			reports = append(reports, rep)
			continue
		}
		def, result, err := loader.Parse(data, p)
		if result != nil {
			rep.Errors = result.Errors
			rep.Warnings = result.Warnings
		}
		if err != nil {
			if len(rep.Errors) == 0 {
				rep.Errors = []schema.ValidationIssue{issueFrom(err)}
			}
			reports = append(reports, rep)
			continue
		}
		if prev, ok := owners[def.ObjectType]; ok {
			rep.Errors = append(rep.Errors, schema.ValidationIssue{
				Path: "/object", Code: schema.ErrCodeDefinition, Severity: schema.SeverityError,
				Message: fmt.Sprintf("object type %q is already defined by %s", def.ObjectType, prev),
			})
			reports = append(reports, rep)
			continue
		}
		owners[def.ObjectType] = p
		rep.Valid = true
		rep.ObjectType = def.ObjectType
		rep.States = len(def.States)
		rep.Revision = def.Revision
		reports = append(reports, rep)
	}
	return reports, nil
}

func issueFrom(err error) schema.ValidationIssue {
	issue := schema.ValidationIssue{Path: "/", Code: schema.ErrCodeDefinition, Message: err.Error(), Severity: schema.SeverityError}
	var lerr *schema.LifecycleError
	if errors.As(err, &lerr) {
		issue.Code = lerr.Code
		issue.Message = lerr.Message
	}
	return issue
}

func printReports(w io.Writer, reports []fileReport) {
	for _, r := range reports {
		if r.Valid {
			fmt.Fprintf(w, "ok    %s (%s, %d states, revision %s)\n", r.Source, r.ObjectType, r.States, r.Revision)
		} else {
			fmt.Fprintf(w, "FAIL  %s\n", r.Source)
		}
		for _, e := range r.Errors {
			fmt.Fprintf(w, "      error   %s: %s [%s]\n", e.Path, e.Message, e.Code)
		}
		for _, wn := range r.Warnings {
			fmt.Fprintf(w, "      warning %s: %s [%s]\n", wn.Path, wn.Message, wn.Code)
		}
	}
}
