package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/voltia/cuotaledger/pkg/models"
)

// DeriveStatus classifies a schedule entry from its amount due, the total
// paid against it and the calendar date. The precedence is fixed: paid,
// partial, overdue, pending. A past-due entry with a nonzero but incomplete
// payment stays partial; overdue is reserved for entries with nothing paid.
func DeriveStatus(amountDue, totalPaid decimal.Decimal, dueDate, today time.Time) models.InstallmentStatus {
	switch {
	case totalPaid.GreaterThanOrEqual(amountDue):
		return models.StatusPaid
	case totalPaid.GreaterThan(decimal.Zero):
		return models.StatusPartial
	case dueDate.Before(today):
		return models.StatusOverdue
	default:
		return models.StatusPending
	}
}

// TotalPaid sums a payment history.
func TotalPaid(payments []*models.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// ValidatePayment checks a proposed payment amount against the schedule
// entry's remaining balance. Payments must be positive and may never push the
// total paid past the amount due.
func ValidatePayment(installment *models.Installment, existing []*models.Payment, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Reason: "amount must be positive"}
	}
	remaining := installment.AmountDue.Sub(TotalPaid(existing))
	if amount.GreaterThan(remaining) {
		return &ValidationError{
			Reason:       "exceeds remaining balance",
			Remaining:    remaining,
			HasRemaining: true,
		}
	}
	return nil
}

// today truncates a timestamp to its calendar date in UTC.
func today(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// daysBetween returns the signed number of whole days from dueDate to today.
func daysBetween(dueDate, todayDate time.Time) int {
	return int(todayDate.Sub(today(dueDate)).Hours() / 24)
}
