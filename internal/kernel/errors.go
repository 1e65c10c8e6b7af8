package kernel

import "errors"

var (
	// ErrUnknownID is returned by Acknowledge when id is not currently
	// in the in-flight table (spec §4.1, §7).
	ErrUnknownID = errors.New("kernel: unknown message id")

	// ErrSessionCancelled is returned to a blocked Pop when the owning
	// session is dropped before a match arrives (spec §5, "Cancellation").
	ErrSessionCancelled = errors.New("kernel: session cancelled")

	// ErrInvalidMaxCount is returned by Subscribe for a non-positive
	// max_count; subscribe always grants a bounded number of deliveries.
	ErrInvalidMaxCount = errors.New("kernel: max_count must be positive")
)
