package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a rejected field value, naming the rule when the
// failure came from rule definition parsing.
type ValidationError struct {
	Field string
	Value string
	Rule  string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("rule %s: invalid %s %q: %s", e.Rule, e.Field, e.Value, e.Msg)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}

// NewValidationError builds a ValidationError without a rule context.
func NewValidationError(field, value, msg string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Msg: msg}
}
