// Package common holds the column vocabulary, configuration keys and the
// error taxonomy shared by the transform, inference and serving layers.
//
// Three error kinds cross package boundaries and are inspected with
// errors.As: *ValidationError (the caller sent bad input),
// *ArtifactLoadError (the service is broken, redeploy) and
// *TransformContractError (the code and the artifacts disagree on columns).
package common

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError describes one offending field of a record.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports malformed input. Row is the zero-based position of
// the record in its batch, or -1 when the error is not tied to a single row
// (for example a CSV header lacking required columns).
type ValidationError struct {
	Row     int          `json:"row"`
	Missing []string     `json:"missing,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required columns: "+strings.Join(e.Missing, ", "))
	}
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	msg := "invalid record"
	if e.Row >= 0 {
		msg = fmt.Sprintf("invalid record at row %d", e.Row)
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

// HasProblems reports whether anything was recorded.
func (e *ValidationError) HasProblems() bool {
	return len(e.Missing) > 0 || len(e.Fields) > 0
}

// Add records a field-level problem.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// FieldNames returns every column named by the error, missing ones first.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Missing)+len(e.Fields))
	names = append(names, e.Missing...)
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return names
}

// ArtifactLoadError reports a scaler or model artifact that is missing,
// corrupt or incompatible with the feature contract.
type ArtifactLoadError struct {
	Artifact string
	Path     string
	Err      error
}

func (e *ArtifactLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load %s artifact: %v", e.Artifact, e.Err)
	}
	return fmt.Sprintf("load %s artifact %s: %v", e.Artifact, e.Path, e.Err)
}

func (e *ArtifactLoadError) Unwrap() error { return e.Err }

// TransformContractError reports a disagreement between the transformed
// column set and what the fitted scaler expects.
type TransformContractError struct {
	Reason   string
	Expected []string
	Got      []string
}

func (e *TransformContractError) Error() string {
	if len(e.Expected) == 0 && len(e.Got) == 0 {
		return "transform contract violated: " + e.Reason
	}
	return fmt.Sprintf("transform contract violated: %s (expected [%s], got [%s])",
		e.Reason, strings.Join(e.Expected, ", "), strings.Join(e.Got, ", "))
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsArtifactLoad reports whether err carries an *ArtifactLoadError.
func IsArtifactLoad(err error) bool {
	var ae *ArtifactLoadError
	return errors.As(err, &ae)
}

// IsContract reports whether err carries a *TransformContractError.
func IsContract(err error) bool {
	var ce *TransformContractError
	return errors.As(err, &ce)
}
