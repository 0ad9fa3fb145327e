package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for unknown job or strategy ids
	ErrNotFound = errors.New("not found")
	// ErrQueueFull is returned when the worker queue cannot take more jobs
	ErrQueueFull = errors.New("job queue is full")
	// ErrTimeout marks a stage that exceeded its declared duration
	ErrTimeout = errors.New("timeout")
	// ErrConflict is returned when a versioned update loses a race
	ErrConflict = errors.New("concurrent modification")
)

// FieldError is a single invalid field in a request
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every invalid field of a request
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Add records an invalid field
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Merge appends the fields of other under prefix
func (e *ValidationError) Merge(prefix string, other *ValidationError) {
	if other == nil {
		return
	}
	for _, f := range other.Fields {
		e.Fields = append(e.Fields, FieldError{Field: prefix + f.Field, Message: f.Message})
	}
}

// OrNil returns nil when no field was recorded
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StageError is a failure attributed to a named stage
type StageError struct {
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// CachePoisoningError reports a different value stored under an existing key
type CachePoisoningError struct {
	Key string
}

func (e *CachePoisoningError) Error() string {
	return fmt.Sprintf("cache poisoning: key %s already holds a different value", e.Key)
}
