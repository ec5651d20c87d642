package types

import "errors"

var (
	// ErrInvalidEvent is returned for malformed or out-of-range events
	ErrInvalidEvent = errors.New("invalid event")

	// ErrEntropyUnavailable is returned when secure random material cannot be produced
	ErrEntropyUnavailable = errors.New("entropy unavailable")

	// ErrRotationTimedOut is returned when key generation exceeds its allotted time
	ErrRotationTimedOut = errors.New("rotation timed out")

	// ErrAlreadyInitialized signals a second Initialize call on a key manager.
	// It indicates misuse, not a runtime condition.
	ErrAlreadyInitialized = errors.New("key manager already initialized")

	// ErrNotInitialized is returned by key manager operations before Initialize
	ErrNotInitialized = errors.New("key manager not initialized")

	// ErrNotFound is returned by stores when no rotation has been recorded
	ErrNotFound = errors.New("not found")
)
