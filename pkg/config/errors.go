package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// LoadError wraps configuration loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a new load error.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

// ValidationError wraps a configuration validation failure with the
// offending section and field.
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field '%s': %v", e.Section, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}
