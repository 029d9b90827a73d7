package models

import "errors"

var (
	// ErrNotFound means no payment exists for the given key.
	ErrNotFound = errors.New("payment not found")

	// ErrConflict means a conditional update lost to a concurrent writer.
	ErrConflict = errors.New("payment status changed concurrently")

	// ErrNoProcessorOrder means capture was attempted before an order
	// was created at the processor.
	ErrNoProcessorOrder = errors.New("payment has no processor order")

	// ErrLocked means another capture or webhook currently holds the
	// per-payment lock.
	ErrLocked = errors.New("payment is already being processed")

	// ErrNotCancellable means cancellation was requested for a payment
	// that already left the pending state.
	ErrNotCancellable = errors.New("payment can no longer be cancelled")
)
