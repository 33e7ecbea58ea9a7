package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/voltia/cuotaledger/pkg/models"
	"github.com/voltia/cuotaledger/pkg/store"
)

// maxPaymentAttempts bounds the conflict retry loop in RecordPayment.
const maxPaymentAttempts = 3

// EventPublisher emits domain events after a payment commits. Publishing is
// best-effort and never fails the payment.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// PaymentRecorded is published after each accepted payment.
type PaymentRecorded struct {
	PaymentID     uuid.UUID                `json:"payment_id"`
	InstallmentID uuid.UUID                `json:"installment_id"`
	Amount        decimal.Decimal          `json:"amount"`
	Method        models.PaymentMethod     `json:"method,omitempty"`
	Status        models.InstallmentStatus `json:"status"`
	PaidAt        time.Time                `json:"paid_at"`
}

// Ledger handles the business logic for installment schedules and payments.
// Writes go through the store's transactional scope; reads are plain
// snapshot queries.
type Ledger struct {
	storage store.Storage
	log     *logrus.Logger
	events  EventPublisher
	clock   func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, log *logrus.Logger) *Ledger {
	return &Ledger{
		storage: s,
		log:     log,
		clock:   time.Now,
	}
}

// SetEventPublisher attaches an optional publisher for payment events.
func (l *Ledger) SetEventPublisher(p EventPublisher) {
	l.events = p
}

// RecordPayment admits a payment against a schedule entry. The read, the
// validation, the payment insert and the status recompute run as one
// transaction; conflicts with concurrent writers are retried a bounded number
// of times before surfacing as ErrConflict.
func (l *Ledger) RecordPayment(ctx context.Context, installmentID uuid.UUID, amount decimal.Decimal, method models.PaymentMethod) (*models.Payment, error) {
	for attempt := 1; attempt <= maxPaymentAttempts; attempt++ {
		var payment *models.Payment
		var status models.InstallmentStatus

		err := l.storage.WithinTx(ctx, func(tx store.Tx) error {
			installment, err := tx.GetInstallmentForUpdate(ctx, installmentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("schedule entry %s: %w", installmentID, ErrNotFound)
				}
				return err
			}

			existing, err := tx.ListPayments(ctx, installmentID)
			if err != nil {
				return err
			}

			if err := ValidatePayment(installment, existing, amount); err != nil {
				return err
			}

			now := l.clock()
			payment = &models.Payment{
				ID:            uuid.New(),
				InstallmentID: installment.ID,
				Amount:        amount,
				Method:        method,
				PaidAt:        now,
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}

			status = DeriveStatus(installment.AmountDue, TotalPaid(existing).Add(amount), installment.DueDate, today(now))
			return tx.UpdateInstallmentStatus(ctx, installment.ID, status)
		})

		if errors.Is(err, store.ErrConflict) {
			l.log.WithFields(logrus.Fields{
				"installment_id": installmentID,
				"attempt":        attempt,
			}).Warn("payment transaction conflict, retrying")
			continue
		}
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				l.log.WithField("installment_id", installmentID).Infof("payment rejected: %v", verr)
			}
			return nil, err
		}

		l.log.WithFields(logrus.Fields{
			"payment_id":     payment.ID,
			"installment_id": installmentID,
			"amount":         amount.StringFixed(2),
			"status":         status,
		}).Info("payment recorded")
		l.publishPaymentRecorded(ctx, payment, status)
		return payment, nil
	}

	return nil, fmt.Errorf("schedule entry %s: %w", installmentID, ErrConflict)
}

func (l *Ledger) publishPaymentRecorded(ctx context.Context, payment *models.Payment, status models.InstallmentStatus) {
	if l.events == nil {
		return
	}
	event := PaymentRecorded{
		PaymentID:     payment.ID,
		InstallmentID: payment.InstallmentID,
		Amount:        payment.Amount,
		Method:        payment.Method,
		Status:        status,
		PaidAt:        payment.PaidAt,
	}
	if err := l.events.Publish(ctx, event); err != nil {
		l.log.WithField("payment_id", payment.ID).Warnf("failed to publish payment event: %v", err)
	}
}

// Schedule returns the credit's full schedule ordered by sequence, each entry
// enriched with its payment rollup. Payment lists are attached only when
// includePayments is set.
func (l *Ledger) Schedule(ctx context.Context, creditID uuid.UUID, includePayments bool) ([]*models.EnrichedInstallment, error) {
	if _, err := l.getCredit(ctx, creditID); err != nil {
		return nil, err
	}
	installments, err := l.storage.ListInstallments(ctx, creditID)
	if err != nil {
		return nil, err
	}

	result := make([]*models.EnrichedInstallment, 0, len(installments))
	for _, installment := range installments {
		payments, err := l.storage.ListPayments(ctx, installment.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, l.enrich(installment, payments, includePayments))
	}
	return result, nil
}

// Summarize computes the credit-wide rollup. Pending and partial entries
// count together as pending, while partial payments still contribute to the
// amount paid. The remaining balance is taken against the original principal.
func (l *Ledger) Summarize(ctx context.Context, creditID uuid.UUID) (*models.CreditSummary, error) {
	credit, err := l.getCredit(ctx, creditID)
	if err != nil {
		return nil, err
	}
	installments, err := l.storage.ListInstallments(ctx, creditID)
	if err != nil {
		return nil, err
	}

	summary := &models.CreditSummary{
		CreditID:          credit.ID,
		Product:           credit.Product,
		Principal:         credit.Principal,
		TotalInstallments: len(installments),
		AmountPaid:        decimal.Zero,
		Status:            credit.Status,
	}
	for _, installment := range installments {
		switch installment.Status {
		case models.StatusPaid:
			summary.PaidInstallments++
		case models.StatusOverdue:
			summary.OverdueInstallments++
		case models.StatusPending, models.StatusPartial:
			summary.PendingInstallments++
		}
	}

	payments, err := l.storage.ListPaymentsByCredit(ctx, creditID)
	if err != nil {
		return nil, err
	}
	summary.AmountPaid = TotalPaid(payments)
	summary.RemainingBalance = credit.Principal.Sub(summary.AmountPaid)
	return summary, nil
}

// ScanOverdue returns every installment that is overdue or partially paid and
// at least minDaysOverdue days past its due date, earliest due date first.
func (l *Ledger) ScanOverdue(ctx context.Context, minDaysOverdue int) ([]*models.EnrichedInstallment, error) {
	cutoff := today(l.clock()).AddDate(0, 0, -minDaysOverdue)
	installments, err := l.storage.ListInstallmentsDue(ctx,
		[]models.InstallmentStatus{models.StatusOverdue, models.StatusPartial}, cutoff)
	if err != nil {
		return nil, err
	}

	result := make([]*models.EnrichedInstallment, 0, len(installments))
	for _, installment := range installments {
		payments, err := l.storage.ListPayments(ctx, installment.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, l.enrich(installment, payments, true))
	}
	return result, nil
}

// NextDue returns the credit's next payable installment: the earliest due
// date among pending, partial and overdue entries. Equal due dates resolve to
// the lowest sequence number, since the schedule is scanned in sequence order
// and only a strictly earlier due date replaces the candidate. Returns
// (nil, nil) when nothing is payable.
func (l *Ledger) NextDue(ctx context.Context, creditID uuid.UUID) (*models.EnrichedInstallment, error) {
	if _, err := l.getCredit(ctx, creditID); err != nil {
		return nil, err
	}
	installments, err := l.storage.ListInstallments(ctx, creditID)
	if err != nil {
		return nil, err
	}

	var next *models.Installment
	for _, installment := range installments {
		switch installment.Status {
		case models.StatusPending, models.StatusPartial, models.StatusOverdue:
		default:
			continue
		}
		if next == nil || installment.DueDate.Before(next.DueDate) {
			next = installment
		}
	}
	if next == nil {
		return nil, nil
	}

	payments, err := l.storage.ListPayments(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	return l.enrich(next, payments, true), nil
}

// PaymentStats aggregates the credit's recorded payments: count, total,
// average and a per-method breakdown.
func (l *Ledger) PaymentStats(ctx context.Context, creditID uuid.UUID) (*models.PaymentStats, error) {
	if _, err := l.getCredit(ctx, creditID); err != nil {
		return nil, err
	}
	payments, err := l.storage.ListPaymentsByCredit(ctx, creditID)
	if err != nil {
		return nil, err
	}

	stats := &models.PaymentStats{
		CreditID:      creditID,
		TotalPayments: len(payments),
		TotalAmount:   TotalPaid(payments),
		AverageAmount: decimal.Zero,
		ByMethod:      make(map[models.PaymentMethod]int),
	}
	for _, payment := range payments {
		if payment.Method != "" {
			stats.ByMethod[payment.Method]++
		}
	}
	if stats.TotalPayments > 0 {
		stats.AverageAmount = stats.TotalAmount.Div(decimal.NewFromInt(int64(stats.TotalPayments))).Round(2)
	}
	return stats, nil
}

// RefreshStatuses re-derives the stored status of every pending installment
// whose due date has passed. The stored status is a cached projection, so
// entries left pending past their due date must be re-projected as overdue.
// Each installment is refreshed in its own transaction. Returns the number of
// installments whose status changed.
func (l *Ledger) RefreshStatuses(ctx context.Context) (int, error) {
	now := l.clock()
	cutoff := today(now).AddDate(0, 0, -1)
	stale, err := l.storage.ListInstallmentsDue(ctx, []models.InstallmentStatus{models.StatusPending}, cutoff)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, candidate := range stale {
		err := l.storage.WithinTx(ctx, func(tx store.Tx) error {
			installment, err := tx.GetInstallmentForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			payments, err := tx.ListPayments(ctx, installment.ID)
			if err != nil {
				return err
			}
			status := DeriveStatus(installment.AmountDue, TotalPaid(payments), installment.DueDate, today(now))
			if status == installment.Status {
				return nil
			}
			if err := tx.UpdateInstallmentStatus(ctx, installment.ID, status); err != nil {
				return err
			}
			refreshed++
			return nil
		})
		if err != nil {
			l.log.WithField("installment_id", candidate.ID).Warnf("status refresh failed: %v", err)
		}
	}
	if refreshed > 0 {
		l.log.Infof("refreshed %d overdue installment statuses", refreshed)
	}
	return refreshed, nil
}

func (l *Ledger) getCredit(ctx context.Context, creditID uuid.UUID) (*models.Credit, error) {
	credit, err := l.storage.GetCredit(ctx, creditID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("credit %s: %w", creditID, ErrNotFound)
		}
		return nil, err
	}
	return credit, nil
}

func (l *Ledger) enrich(installment *models.Installment, payments []*models.Payment, includePayments bool) *models.EnrichedInstallment {
	paid := TotalPaid(payments)
	enriched := &models.EnrichedInstallment{
		Installment:      *installment,
		AmountPaid:       paid,
		RemainingBalance: installment.AmountDue.Sub(paid),
		DaysOverdue:      daysBetween(installment.DueDate, today(l.clock())),
	}
	if includePayments {
		enriched.Payments = payments
	}
	return enriched
}
