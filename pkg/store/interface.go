package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/voltia/cuotaledger/pkg/models"
)

var (
	// ErrNotFound is returned when a credit, installment or payment id
	// does not resolve to a row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a transaction loses to a concurrent
	// writer (serialization failure, lock timeout, busy database). Callers
	// may retry the whole transactional scope.
	ErrConflict = errors.New("storage conflict")
)

// Tx is the write-side view available inside a transactional scope. All of
// its operations commit or roll back together.
type Tx interface {
	// GetInstallmentForUpdate reads an installment and, where the engine
	// supports it, takes a row lock held until the scope ends.
	GetInstallmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	ListPayments(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error)
	InsertPayment(ctx context.Context, payment *models.Payment) error
	UpdateInstallmentStatus(ctx context.Context, id uuid.UUID, status models.InstallmentStatus) error
}

// Storage defines the ledger store: transactional read-modify-write of rows
// by key plus the filtered range scans the read-side components need.
type Storage interface {
	GetCredit(ctx context.Context, id uuid.UUID) (*models.Credit, error)
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)

	// ListInstallments returns the credit's schedule ordered by sequence.
	ListInstallments(ctx context.Context, creditID uuid.UUID) ([]*models.Installment, error)

	// ListInstallmentsDue returns installments in any of the given statuses
	// with a due date on or before the cutoff, ordered ascending by due date.
	ListInstallmentsDue(ctx context.Context, statuses []models.InstallmentStatus, dueOnOrBefore time.Time) ([]*models.Installment, error)

	// ListPayments returns an installment's payments, newest first.
	ListPayments(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error)

	// ListPaymentsByCredit returns every payment recorded against any
	// installment of the credit, newest first.
	ListPaymentsByCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Payment, error)

	// CreateCredit and CreateInstallments exist for seeding and tests;
	// origination and schedule generation are external systems.
	CreateCredit(ctx context.Context, credit *models.Credit) error
	CreateInstallments(ctx context.Context, installments []*models.Installment) error

	// WithinTx runs fn inside one transaction. Any error from fn rolls the
	// transaction back and is returned unchanged; commit failures caused by
	// concurrent writers surface as ErrConflict.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
