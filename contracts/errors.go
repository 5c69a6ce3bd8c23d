package contracts

import "errors"

// Sentinel errors for the kernel.
var (
	// Store errors
	ErrOrderNotFound = errors.New("order not found")
	ErrRunNotFound   = errors.New("run not found")

	// Lock errors
	ErrLockContended = errors.New("run lock held by another orchestrator")

	// Artifact errors
	ErrResultNotReady = errors.New("callback result not present")

	// Admission errors
	ErrInvalidDescriptor = errors.New("invalid job descriptor")
	ErrCycleDetected     = errors.New("cycle detected in order dependencies")
	ErrDepNotFound       = errors.New("dependency order not found")
	ErrDuplicateOrder    = errors.New("duplicate order name")

	// Orchestrator errors
	ErrInvalidNotification = errors.New("notification path does not match callback pattern")
	ErrTerminalStatus      = errors.New("order already in terminal state")

	// Input validation errors
	ErrInvalidInput = errors.New("invalid input: nil or malformed")
)
