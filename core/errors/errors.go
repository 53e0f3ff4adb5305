// Package errors defines the failure taxonomy returned by every protocol
// operation. Failures are plain values matched with errors.Is; none of them
// panic.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind names a failure class that callers switch on.
type Kind string

const (
	KindInsufficientCollateral  Kind = "InsufficientCollateral"
	KindInsufficientLiquidity   Kind = "InsufficientLiquidity"
	KindInsufficientReputation  Kind = "InsufficientReputation"
	KindReputationTooLow        Kind = "ReputationTooLow"
	KindPoolUtilizationExceeded Kind = "PoolUtilizationExceeded"
	KindDelegationExpired       Kind = "DelegationExpired"
	KindDelegationLimitExceeded Kind = "DelegationLimitExceeded"
	KindLimitExceedsCapacity    Kind = "LimitExceedsCapacity"
	KindLoanNotActive           Kind = "LoanNotActive"
	KindFlashLoanNotRepaid      Kind = "FlashLoanNotRepaid"
	KindConcurrentModification  Kind = "ConcurrentModification"

	KindInvalidArgument     Kind = "InvalidArgument"
	KindNotFound            Kind = "NotFound"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindUnauthorized        Kind = "Unauthorized"
	KindPaused              Kind = "Paused"
	KindQuotaExceeded       Kind = "QuotaExceeded"
	KindInternal            Kind = "Internal"
)

// kindError is the sentinel type behind every Err* value.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func newKind(kind Kind, msg string) error { return &kindError{kind: kind, msg: msg} }

var (
	ErrInsufficientCollateral  = newKind(KindInsufficientCollateral, "lending: insufficient collateral")
	ErrInsufficientLiquidity   = newKind(KindInsufficientLiquidity, "pool: insufficient liquidity")
	ErrInsufficientReputation  = newKind(KindInsufficientReputation, "delegation: insufficient reputation")
	ErrReputationTooLow        = newKind(KindReputationTooLow, "lending: reputation too low")
	ErrPoolUtilizationExceeded = newKind(KindPoolUtilizationExceeded, "pool: utilization cap exceeded")
	ErrDelegationExpired       = newKind(KindDelegationExpired, "delegation: expired")
	ErrDelegationLimitExceeded = newKind(KindDelegationLimitExceeded, "delegation: limit exceeded")
	ErrLimitExceedsCapacity    = newKind(KindLimitExceedsCapacity, "delegation: limit exceeds delegator capacity")
	ErrLoanNotActive           = newKind(KindLoanNotActive, "lending: loan not active")
	ErrFlashLoanNotRepaid      = newKind(KindFlashLoanNotRepaid, "flash: loan not repaid")
	ErrConcurrentModification  = newKind(KindConcurrentModification, "state: concurrent modification")

	ErrInvalidArgument     = newKind(KindInvalidArgument, "invalid argument")
	ErrNotFound            = newKind(KindNotFound, "not found")
	ErrInsufficientBalance = newKind(KindInsufficientBalance, "insufficient balance")
	ErrUnauthorized        = newKind(KindUnauthorized, "unauthorized")
	ErrPaused              = newKind(KindPaused, "module paused")
	ErrQuotaExceeded       = newKind(KindQuotaExceeded, "quota exceeded")
	ErrInternal            = newKind(KindInternal, "internal error")
)

// Wrap annotates a sentinel with detail while keeping errors.Is matching.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf returns the failure class of err, KindInternal for foreign errors and
// the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

// Retryable reports whether the operation may be re-read and retried
// automatically. Only version conflicts qualify; every other kind is a
// business-rule violation.
func Retryable(err error) bool {
	return KindOf(err) == KindConcurrentModification
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
