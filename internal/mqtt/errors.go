package mqtt

import "errors"

// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is reported on Errors() for each failed connection attempt.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionLost is reported on Errors() when an established connection drops.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrSubscribeFailed is reported on Errors() when a device topic subscription fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
)
