package chain

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientFunds indicates the builder could not cover payments and fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTxRejected indicates the backend refused the transaction as invalid.
	ErrTxRejected = errors.New("transaction rejected")
	// ErrDoubleSpend indicates an input is already spent.
	ErrDoubleSpend = errors.New("input already spent")
	// ErrMissingInput indicates an input references an unknown output.
	ErrMissingInput = errors.New("input references unknown output")
	// ErrBackendUnavailable indicates a transient backend failure.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// IsPermanent reports whether retrying the same operation cannot succeed.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrTxRejected),
		errors.Is(err, ErrDoubleSpend),
		errors.Is(err, ErrMissingInput):
		return true
	default:
		return false
	}
}
