package schema

import "fmt"

// ValidationSeverity separates issues that refuse a definition document
// from ones that are only reported.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue points at one problem in a definition document. Path is
// the location inside the document, e.g. "states[3].timeout.to".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult is the report for one definition document: structural,
// reference and expression checks all add to the same report. Warnings
// (an unreachable state, say) never keep a definition from loading.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the document may be installed.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends the issues of a later check. A nil report is a no-op.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// DefinitionError refuses the document read from source, or returns nil
// when the report holds no error. The message quotes the first error with
// its document path; every issue is kept in Details.
func (r *ValidationResult) DefinitionError(source string) error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if first.Path != "" && first.Path != "/" {
		msg = first.Path + ": " + msg
	}
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, n-1)
	}
	if source != "" {
		msg = source + ": " + msg
	}

	return NewError(ErrCodeDefinition, msg).
		WithDetails(map[string]any{
			"source":   source,
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
