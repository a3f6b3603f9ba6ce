/*
errors.go - Centralized error types for the point ledger

ERROR CATEGORIES:
  1. Validation errors - rejected before any lock or transaction is taken
     (ErrInvalidAmount, ErrUnknownType, ErrMissingReason, ErrReservationRequired)
  2. Business errors - raised only inside the per-account critical section
     (ErrInsufficientBalance, ErrInvalidTransition)
  3. Transient errors - safe to retry (ErrLedgerBusy, ErrConcurrentModification)
  4. Fatal errors - internal consistency bugs (ErrInconsistentProjection)

ACCOUNT NOT FOUND:
  A user with no transactions has a zero balance. There is no
  AccountNotFound error: reads return zero, debits fail InsufficientBalance.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnknownType         = errors.New("unknown transaction type")
	ErrMissingReason       = errors.New("adjustment reason is required")
	ErrReservationRequired = errors.New("reservation id is required")
	ErrInvalidDirection    = errors.New("invalid adjustment direction")
	ErrMissingUser         = errors.New("user id is required")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateIdempotencyKey is returned by stores when a key already
	// exists. The engine turns it into a replay of the original transaction.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLedgerBusy means the account lock or database could not be acquired
	// in time. Nothing was written.
	ErrLedgerBusy = errors.New("ledger busy")

	// ErrConcurrentModification is returned when an optimistic version check
	// on the account projection fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInconsistentProjection signals a transaction/projection mismatch.
	// It is never a business outcome.
	ErrInconsistentProjection = errors.New("projection inconsistent with transaction log")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports both sides of a failed debit.
type InsufficientBalanceError struct {
	UserID    UserID
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// BusyError is returned after the bounded retries are exhausted.
type BusyError struct {
	UserID   UserID
	Attempts int
	Err      error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("ledger busy for user %s after %d attempts: %v", e.UserID, e.Attempts, e.Err)
}

func (e *BusyError) Unwrap() []error { return []error{ErrLedgerBusy, e.Err} }

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   TransactionID
	From TransactionStatus
	To   TransactionStatus
	Why  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("transaction %s: cannot move from %s to %s", e.ID, e.From, e.To)
	if e.Why != "" {
		msg += ": " + e.Why
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// InconsistencyError is returned by Verify when the projection and a replay
// of the log disagree.
type InconsistencyError struct {
	UserID       UserID
	Materialized Balance
	Replayed     Balance
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("user %s: materialized available=%d pending=%d, replayed available=%d pending=%d",
		e.UserID, e.Materialized.Available, e.Materialized.Pending, e.Replayed.Available, e.Replayed.Pending)
}

func (e *InconsistencyError) Unwrap() error { return ErrInconsistentProjection }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerBusy) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or a
// business rule, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrMissingReason) ||
		errors.Is(err, ErrReservationRequired) ||
		errors.Is(err, ErrInvalidDirection) ||
		errors.Is(err, ErrMissingUser) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound)
}
