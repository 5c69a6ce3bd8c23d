package config

import "errors"

// Sentinel errors for kernel configuration validation.
var (
	// ErrOrdersTableMissing is returned when ORDERS_TABLE is unset.
	ErrOrdersTableMissing = errors.New("ORDERS_TABLE is required")

	// ErrOrderEventsTableMissing is returned when ORDER_EVENTS_TABLE is unset.
	ErrOrderEventsTableMissing = errors.New("ORDER_EVENTS_TABLE is required")

	// ErrLocksTableMissing is returned when LOCKS_TABLE is unset.
	ErrLocksTableMissing = errors.New("LOCKS_TABLE is required")

	// ErrInternalBucketMissing is returned when INTERNAL_BUCKET is unset.
	ErrInternalBucketMissing = errors.New("INTERNAL_BUCKET is required")

	// ErrDoneBucketMissing is returned when DONE_BUCKET is unset.
	ErrDoneBucketMissing = errors.New("DONE_BUCKET is required")

	// ErrBadCallbackExpiry is returned when CALLBACK_EXPIRY_S is not a
	// positive integer.
	ErrBadCallbackExpiry = errors.New("CALLBACK_EXPIRY_S must be a positive integer")

	// ErrBadParallelism is returned when MAX_PARALLELISM is not a positive
	// integer.
	ErrBadParallelism = errors.New("MAX_PARALLELISM must be a positive integer")
)
