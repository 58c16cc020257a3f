package av

import "errors"

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Engine setup errors.
var (
	// ErrMissingServer indicates Options.Server is empty.
	ErrMissingServer = errors.New("SIP server address is required")

	// ErrMissingTarget indicates Options.Target is empty.
	ErrMissingTarget = errors.New("call target is required")

	// ErrInvalidDuration indicates a negative listen or minimum audio duration,
	// or a minimum longer than the listen window.
	ErrInvalidDuration = errors.New("invalid duration")
)

// Engine state errors.
var (
	// ErrEngineBusy indicates Run was called while another call is active.
	// Only one call runs at a time.
	ErrEngineBusy = errors.New("a call is already in progress")

	// ErrNoSession indicates signaling ended without a confirmed session.
	ErrNoSession = errors.New("call ended before it was answered")
)
