package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a credit or schedule entry id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a payment keeps losing to concurrent
	// writers after the bounded retry budget. It is transient.
	ErrConflict = errors.New("concurrent payment conflict")
)

// ValidationError rejects a payment before it is admitted. When the rejection
// is an overpay attempt, Remaining carries the installment's remaining balance
// so the caller can surface it.
type ValidationError struct {
	Reason       string
	Remaining    decimal.Decimal
	HasRemaining bool
}

func (e *ValidationError) Error() string {
	if e.HasRemaining {
		return fmt.Sprintf("%s: remaining %s", e.Reason, e.Remaining.StringFixed(2))
	}
	return e.Reason
}
