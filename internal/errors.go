package internal

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ConfigurationError is returned when a schema declaration is malformed.
type ConfigurationError struct {
	Table   string
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	var str strings.Builder
	str.WriteString("invalid schema")
	if e.Table != "" {
		str.WriteString(" for table ")
		str.WriteString(e.Table)
	}
	if e.Field != "" {
		str.WriteString(" field ")
		str.WriteString(e.Field)
	}
	str.WriteString(": ")
	str.WriteString(e.Message)
	return str.String()
}

// Issue is a single violated rule.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError is returned when data does not conform to a compiled schema. It carries every issue found.
type ValidationError struct {
	Table  string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.String())
	}
	if e.Table == "" {
		return "validation failed: " + strings.Join(msgs, "; ")
	}
	return fmt.Sprintf("validation failed for table %s: %s", e.Table, strings.Join(msgs, "; "))
}

// NotFoundError is returned when a table, document or field does not exist.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// NewTableNotFound returns a NotFoundError for a table.
func NewTableNotFound(name string) error {
	return &NotFoundError{Kind: "table", Name: name}
}

// NewDocumentNotFound returns a NotFoundError for a document.
func NewDocumentNotFound(id string) error {
	return &NotFoundError{Kind: "document", Name: id}
}

// NewFieldNotFound returns a NotFoundError for a field.
func NewFieldNotFound(name string) error {
	return &NotFoundError{Kind: "field", Name: name}
}

// StorageError is returned when the durable map fails. It is never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrConflict is returned when an operation would leave the store in an inconsistent state, for example a table that already exists.
var ErrConflict = fmt.Errorf("conflict")

// IsNotFound returns true if the error chain contains a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsValidation returns true if the error chain contains a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConfiguration returns true if the error chain contains a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsStorage returns true if the error chain contains a StorageError.
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// ErrorCode returns a stable code for the kind of error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsNotFound(err):
		return "not_found"
	case IsConfiguration(err):
		return "configuration"
	case IsStorage(err):
		return "storage"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "internal"
}

// ValidationIssues returns the issues of a ValidationError in the chain or nil.
func ValidationIssues(err error) []Issue {
	var target *ValidationError
	if errors.As(err, &target) {
		return target.Issues
	}
	return nil
}
