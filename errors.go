package balance

import (
	"errors"
	"fmt"

	"github.com/xraph/balance/id"
	"github.com/xraph/balance/types"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("balance: not found")
	ErrAlreadyExists = errors.New("balance: already exists")

	// Account errors
	ErrAccountNotFound     = fmt.Errorf("%w: account", ErrNotFound)
	ErrInsufficientBalance = errors.New("balance: insufficient balance")

	// Order errors
	ErrOrderNotFound     = fmt.Errorf("%w: order", ErrNotFound)
	ErrInvalidTransition = errors.New("balance: invalid order state transition")
	ErrReferenceInUse    = errors.New("balance: order reference already in use")

	// Store errors
	ErrConcurrencyConflict = errors.New("balance: concurrency conflict")
	ErrStoreUnavailable    = errors.New("balance: store unavailable")
	ErrStoreClosed         = errors.New("balance: store is closed")
)

// ValidationError reports input rejected before any lock is taken.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("balance: validation failed for %s: %s", e.Field, e.Message)
}

// invalid builds a ValidationError, unwrapping amount parse failures so
// the message reads naturally.
func invalid(field string, err error) *ValidationError {
	var pe *types.ParseError
	if errors.As(err, &pe) {
		return &ValidationError{Field: field, Message: pe.Reason}
	}
	return &ValidationError{Field: field, Message: err.Error()}
}

// InsufficientBalanceError is returned when a mutation would take an
// account below zero. Nothing is written when it occurs.
type InsufficientBalanceError struct {
	AccountID id.AccountID
	Balance   types.Amount
	Requested types.Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("balance: insufficient balance on %s: have %s, need %s",
		e.AccountID, e.Balance, e.Requested)
}

// Is lets callers match with errors.Is(err, ErrInsufficientBalance).
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// FatalRefundError is raised once a refund has exhausted its retries.
// The money has not been returned and an operator must reconcile it.
type FatalRefundError struct {
	AccountID id.AccountID
	OrderID   id.OrderID
	Amount    types.Amount
	Attempts  int
	Err       error
}

func (e *FatalRefundError) Error() string {
	return fmt.Sprintf("balance: refund of %s to %s failed after %d attempts: %v",
		e.Amount, e.AccountID, e.Attempts, e.Err)
}

func (e *FatalRefundError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is any not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether the operation that produced err may be
// retried as is. Only lock contention and connectivity qualify; a
// FatalRefundError never does, whatever its cause.
func IsRetryable(err error) bool {
	var fatal *FatalRefundError
	if errors.As(err, &fatal) {
		return false
	}
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrStoreUnavailable)
}

func asInsufficient(err error) (*InsufficientBalanceError, bool) {
	var ib *InsufficientBalanceError
	ok := errors.As(err, &ib)
	return ib, ok
}
