package request

import "strings"

// Issue is a single invalid field.
type Issue struct {
	Field   string
	Message string
}

// ValidationError aggregates every invalid field of a request.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) add(field, message string) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: message})
}

// Error joins the issues as "field: message; field: message".
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Field + ": " + issue.Message
	}
	return strings.Join(parts, "; ")
}

// Fields lists the invalid field names in report order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		fields[i] = issue.Field
	}
	return fields
}
