package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is wrapped by DecodeError when a required field is absent or null.
	ErrMissingField = errors.New("required field missing")

	// ErrEmptyFriendlyName is wrapped by DecodeError when device.friendlyName is "".
	ErrEmptyFriendlyName = errors.New("friendly name is empty")
)

// DecodeError reports a payload that could not be turned into a Message.
// Field is the JSON path of the offending field, empty when the payload is not a JSON object at all.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("telemetry: invalid field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("telemetry: malformed payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
