package domain

import "errors"

// Error taxonomy for the reconciliation core. Callers distinguish cases with
// errors.Is; wrapped context is added at each layer with fmt.Errorf %w.
var (
	// ErrValidation marks a malformed input report or request. The row or
	// event is logged and skipped, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing record. A collection report that hits this
	// is queued for delayed re-check, not discarded.
	ErrNotFound = errors.New("record not found")

	// ErrConflict marks a lost optimistic-concurrency race. Retried
	// immediately with fresh state.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrExternalTimeout marks a provider or verification call that exceeded
	// its deadline. Retried with backoff up to the attempt ceiling.
	ErrExternalTimeout = errors.New("external call timed out")

	// ErrAlreadyInProgress marks lock contention. The caller must yield, not
	// retry.
	ErrAlreadyInProgress = errors.New("operation already in progress")

	// ErrCreditLimitExceeded marks an accelerated-tier ceiling breach. Fatal
	// for the batch attempt, surfaced to the account owner.
	ErrCreditLimitExceeded = errors.New("credit limit exceeded")
)

// PayoutError carries the terminal failure of a payout attempt.
type PayoutError struct {
	BatchID  string
	Attempts int
	Err      error
}

func (e *PayoutError) Error() string {
	return "payout failed for batch " + e.BatchID + ": " + e.Err.Error()
}

func (e *PayoutError) Unwrap() error { return e.Err }
