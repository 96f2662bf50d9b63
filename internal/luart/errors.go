package luart

import "errors"

// State errors.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrInstructionLimit is returned when the instruction limit is
	// exceeded.
	ErrInstructionLimit = errors.New("lua instruction limit exceeded")
)
