package services

import (
	"errors"
	"fmt"
)

// Validation errors are client-caused: surfaced immediately, never retried,
// never partially written. Everything else is infrastructure and bubbles up
// wrapped.
var (
	ErrMappingNotFound  = errors.New("gl account mapping not found")
	ErrEmptyTransaction = errors.New("transaction has no non-zero allocation")
	ErrUnbalanced       = errors.New("allocations do not sum to zero")
	ErrContextMismatch  = errors.New("allocation org/lease context does not match transaction header")

	ErrPaymentNotFound    = errors.New("payment transaction not found")
	ErrOrgMismatch        = errors.New("payment belongs to a different organization")
	ErrLeaseMismatch      = errors.New("payment belongs to a different lease")
	ErrAllocationMismatch = errors.New("payment allocations do not sum to its total")

	// ErrDuplicateKey: an idempotency key already has a transaction. Callers
	// treat this as a skip, not a failure.
	ErrDuplicateKey = errors.New("idempotency key already used")

	ErrInvalidTransition = errors.New("invalid register status transition")
	ErrSessionNotOpen    = errors.New("no open reconciliation session for account")

	// ErrRunLocked: another generation run holds the advisory lock. The next
	// scheduled invocation is the retry.
	ErrRunLocked = errors.New("generation run already in progress")
)

// IsClientError reports whether err should surface as a 4xx-style failure.
func IsClientError(err error) bool {
	for _, v := range []error{
		ErrMappingNotFound, ErrEmptyTransaction, ErrUnbalanced, ErrContextMismatch,
		ErrPaymentNotFound, ErrOrgMismatch, ErrLeaseMismatch, ErrAllocationMismatch,
		ErrInvalidTransition, ErrSessionNotOpen,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected register state change.
func TransitionError(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
