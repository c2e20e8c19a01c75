package pkg

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key is absent locally or from every queried peer
	ErrNotFound = errors.New("record not found")

	// ErrQuorumNotReached is returned when a record was found but too few peers agree on it
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrValidationFailed is the base of every kind-specific rejection at put time
	ErrValidationFailed = errors.New("validation failed")

	// ErrUnderPriced is returned when a quote proof pays less than the current price
	ErrUnderPriced = errors.New("quote proof under priced")

	// ErrCapacityExceeded is returned when the store momentarily cannot accept a record
	ErrCapacityExceeded = errors.New("capacity exceeded, try another close group member")

	// ErrPeerShunned is an internal guard against routing to an excluded peer
	ErrPeerShunned = errors.New("peer is shunned")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStoreClosed is returned when the store has been closed
	ErrStoreClosed = errors.New("store closed")

	// ErrRateLimited is returned when a peer sends more than it is allowed to
	ErrRateLimited = errors.New("rate limited")
)

// ValidationError carries the reason a record was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidationFailed, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Invalid builds a ValidationError from a format string.
func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsTerminal reports whether err must not be retried with the same inputs.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidationFailed) || errors.Is(err, ErrUnderPriced)
}
