package fleet

import "errors"

var (
	// ErrMalformedPayload indicates a payload that is not a structured document at all.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownEvent indicates a missing or unrecognized discriminant.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrIncompleteEvent indicates a recognized event missing a required attribute,
	// or carrying one of the wrong primitive type.
	ErrIncompleteEvent = errors.New("incomplete event")

	// ErrTruckConflict indicates a time marker that references a different truck
	// than the one already bound to the driver's open session.
	ErrTruckConflict = errors.New("time marker truck conflicts with bound truck")

	// ErrSessionIncomplete is returned when a report is requested for a session
	// that does not hold all required facts.
	ErrSessionIncomplete = errors.New("session incomplete")
)
