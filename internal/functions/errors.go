package functions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHeadMoved is returned by a Store when the head changed between
	// reading it and writing a new version.
	ErrHeadMoved = errors.New("function head moved")
	// ErrVersionExists is returned by a Store when (id, version) is taken.
	ErrVersionExists = errors.New("function version already exists")
)

// FieldError describes one invalid field of a definition.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found with a definition.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid function definition: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

// VersionConflictError is returned when a registration does not move the
// version strictly forward.
type VersionConflictError struct {
	ID        string
	Attempted string
	Current   string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: %s is not greater than current version %s",
		e.ID, e.Attempted, e.Current)
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsVersionConflict reports whether err is a *VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}
