// Package serializationerrors holds the typed errors produced while reading
// inbound payloads. Each one unwraps to a fleet sentinel so callers can
// branch with errors.Is.
package serializationerrors

import (
	"fmt"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
)

// ErrMissingField indicates a required attribute is absent or empty.
type ErrMissingField struct {
	Kind  fleet.EventKind
	Field string
}

func (e ErrMissingField) Error() string {
	return fmt.Sprintf("%s event: missing required field %q", e.Kind, e.Field)
}

func (e ErrMissingField) Unwrap() error { return fleet.ErrIncompleteEvent }

// ErrWrongType indicates a required attribute holding the wrong primitive type.
type ErrWrongType struct {
	Kind  fleet.EventKind
	Field string
	Want  string
	Got   string
}

func (e ErrWrongType) Error() string {
	return fmt.Sprintf("%s event: field %q is %s, want %s", e.Kind, e.Field, e.Got, e.Want)
}

func (e ErrWrongType) Unwrap() error { return fleet.ErrIncompleteEvent }

// ErrUnknownDiscriminant indicates a missing or unrecognized type_ attribute.
type ErrUnknownDiscriminant struct {
	Stream fleet.Stream
	Value  string
}

func (e ErrUnknownDiscriminant) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s stream: missing discriminant", e.Stream)
	}
	return fmt.Sprintf("%s stream: unknown discriminant %q", e.Stream, e.Value)
}

func (e ErrUnknownDiscriminant) Unwrap() error { return fleet.ErrUnknownEvent }
