package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Product string

const (
	ProductEBike  Product = "e-bike"
	ProductEMoped Product = "e-moped"
)

type CreditStatus string

const (
	CreditActive     CreditStatus = "active"
	CreditCancelled  CreditStatus = "cancelled"
	CreditChargedOff CreditStatus = "charged-off"
)

// InstallmentStatus is derived from the installment's payment history and the
// calendar date. It is stored as a cached projection and never set by hand.
type InstallmentStatus string

const (
	StatusPending InstallmentStatus = "pending"
	StatusPartial InstallmentStatus = "partial"
	StatusPaid    InstallmentStatus = "paid"
	StatusOverdue InstallmentStatus = "overdue"
)

type PaymentMethod string

const (
	MethodApp  PaymentMethod = "app"
	MethodCash PaymentMethod = "cash"
	MethodLink PaymentMethod = "link"
)

type Credit struct {
	ID                uuid.UUID       `json:"id"`
	ClientKey         string          `json:"client_key"` // Link to external client system
	Product           Product         `json:"product"`
	Principal         decimal.Decimal `json:"principal"`
	TotalInstallments int             `json:"total_installments"`
	AnnualRate        decimal.Decimal `json:"annual_rate"`
	DisbursedAt       time.Time       `json:"disbursed_at"`
	FirstPaymentAt    time.Time       `json:"first_payment_at"`
	Status            CreditStatus    `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Installment is one entry of a credit's repayment schedule. AmountDue is
// immutable once the schedule is materialized; Status is recomputed by the
// ledger on every write that touches the entry.
type Installment struct {
	ID        uuid.UUID         `json:"id"`
	CreditID  uuid.UUID         `json:"credit_id"`
	Sequence  int               `json:"sequence"` // 1..TotalInstallments, unique per credit
	DueDate   time.Time         `json:"due_date"`
	AmountDue decimal.Decimal   `json:"amount_due"`
	Status    InstallmentStatus `json:"status"`
}

// Payment is append-only: never mutated or deleted once recorded.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	InstallmentID uuid.UUID       `json:"installment_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method,omitempty"`
	PaidAt        time.Time       `json:"paid_at"`
}

// EnrichedInstallment is the read-side view of a schedule entry with its
// payment rollup. DaysOverdue is signed in schedule views (negative means the
// entry is not yet due); the overdue scan's filter keeps it non-negative there.
type EnrichedInstallment struct {
	Installment
	AmountPaid       decimal.Decimal `json:"monto_pagado"`
	RemainingBalance decimal.Decimal `json:"saldo_pendiente"`
	DaysOverdue      int             `json:"dias_vencimiento"`
	Payments         []*Payment      `json:"pagos,omitempty"`
}

// CreditSummary is the credit-wide rollup. Pending and partial entries are
// folded together into PendingInstallments; RemainingBalance is computed
// against the original principal, not the sum of scheduled amounts.
type CreditSummary struct {
	CreditID            uuid.UUID       `json:"credito_id"`
	Product             Product         `json:"producto"`
	Principal           decimal.Decimal `json:"inversion"`
	TotalInstallments   int             `json:"cuotas_totales"`
	PaidInstallments    int             `json:"cuotas_pagadas"`
	OverdueInstallments int             `json:"cuotas_vencidas"`
	PendingInstallments int             `json:"cuotas_pendientes"`
	AmountPaid          decimal.Decimal `json:"monto_pagado"`
	RemainingBalance    decimal.Decimal `json:"saldo_pendiente"`
	Status              CreditStatus    `json:"estado"`
}

// PaymentStats aggregates the payments recorded against one credit.
type PaymentStats struct {
	CreditID      uuid.UUID             `json:"credito_id"`
	TotalPayments int                   `json:"total_payments"`
	TotalAmount   decimal.Decimal       `json:"total_amount"`
	AverageAmount decimal.Decimal       `json:"average_amount"`
	ByMethod      map[PaymentMethod]int `json:"by_method"`
}
