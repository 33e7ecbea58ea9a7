package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voltia/cuotaledger/pkg/models"
)

// PostgresStore is the production storage engine. RecordPayment's transaction
// takes a row lock on the installment (SELECT ... FOR UPDATE) so concurrent
// writers against the same installment serialize instead of validating
// against a stale payment total.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const installmentColumns = "id, credit_id, seq, due_date, amount_due, status"

func (s *PostgresStore) GetCredit(ctx context.Context, id uuid.UUID) (*models.Credit, error) {
	var credit models.Credit
	err := s.pool.QueryRow(ctx,
		`SELECT id, client_key, product, principal, total_installments, annual_rate, disbursed_at, first_payment_at, status, created_at
		FROM credits WHERE id = $1`, id).
		Scan(&credit.ID, &credit.ClientKey, &credit.Product, &credit.Principal, &credit.TotalInstallments,
			&credit.AnnualRate, &credit.DisbursedAt, &credit.FirstPaymentAt, &credit.Status, &credit.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit: %w", err)
	}
	return &credit, nil
}

func (s *PostgresStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE id = $1`, id)
	return scanPgInstallment(row)
}

func (s *PostgresStore) ListInstallments(ctx context.Context, creditID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE credit_id = $1 ORDER BY seq ASC`, creditID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installments for credit %s: %w", creditID, err)
	}
	defer rows.Close()
	return scanPgInstallments(rows)
}

func (s *PostgresStore) ListInstallmentsDue(ctx context.Context, statuses []models.InstallmentStatus, dueOnOrBefore time.Time) ([]*models.Installment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+installmentColumns+` FROM installments
		WHERE status = ANY($1) AND due_date <= $2 ORDER BY due_date ASC, seq ASC`,
		values, dueOnOrBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list due installments: %w", err)
	}
	defer rows.Close()
	return scanPgInstallments(rows)
}

func (s *PostgresStore) ListPayments(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, installment_id, amount, method, paid_at FROM payments WHERE installment_id = $1 ORDER BY paid_at DESC`,
		installmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for installment %s: %w", installmentID, err)
	}
	defer rows.Close()
	return scanPgPayments(rows)
}

func (s *PostgresStore) ListPaymentsByCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.installment_id, p.amount, p.method, p.paid_at
		FROM payments p JOIN installments i ON i.id = p.installment_id
		WHERE i.credit_id = $1 ORDER BY p.paid_at DESC`, creditID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for credit %s: %w", creditID, err)
	}
	defer rows.Close()
	return scanPgPayments(rows)
}

func (s *PostgresStore) CreateCredit(ctx context.Context, credit *models.Credit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credits (id, client_key, product, principal, total_installments, annual_rate, disbursed_at, first_payment_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		credit.ID, credit.ClientKey, credit.Product, credit.Principal, credit.TotalInstallments,
		credit.AnnualRate, credit.DisbursedAt, credit.FirstPaymentAt, credit.Status, credit.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credit: %w", err)
	}
	return nil
}

// CreateInstallments bulk-inserts the schedule with CopyFrom.
func (s *PostgresStore) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	rows := make([][]interface{}, 0, len(installments))
	for _, inst := range installments {
		rows = append(rows, []interface{}{inst.ID, inst.CreditID, inst.Sequence, inst.DueDate, inst.AmountDue, inst.Status})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"installments"},
		[]string{"id", "credit_id", "seq", "due_date", "amount_due", "status"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to create installments: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a repeatable-read transaction. Serialization
// failures, deadlocks and lock timeouts map to ErrConflict.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return mapPgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgErr(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

// GetInstallmentForUpdate takes a row lock held until commit or rollback.
func (t *postgresTx) GetInstallmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE id = $1 FOR UPDATE`, id)
	return scanPgInstallment(row)
}

func (t *postgresTx) ListPayments(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, installment_id, amount, method, paid_at FROM payments WHERE installment_id = $1 ORDER BY paid_at DESC`,
		installmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for installment %s: %w", installmentID, err)
	}
	defer rows.Close()
	return scanPgPayments(rows)
}

func (t *postgresTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	var method *string
	if payment.Method != "" {
		m := string(payment.Method)
		method = &m
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payments (id, installment_id, amount, method, paid_at) VALUES ($1, $2, $3, $4, $5)`,
		payment.ID, payment.InstallmentID, payment.Amount, method, payment.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateInstallmentStatus(ctx context.Context, id uuid.UUID, status models.InstallmentStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE installments SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update installment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgInstallment(row pgx.Row) (*models.Installment, error) {
	var inst models.Installment
	err := row.Scan(&inst.ID, &inst.CreditID, &inst.Sequence, &inst.DueDate, &inst.AmountDue, &inst.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan installment row: %w", err)
	}
	return &inst, nil
}

func scanPgInstallments(rows pgx.Rows) ([]*models.Installment, error) {
	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanPgInstallment(rows)
		if err != nil {
			return nil, err
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return installments, nil
}

func scanPgPayments(rows pgx.Rows) ([]*models.Payment, error) {
	var payments []*models.Payment
	for rows.Next() {
		var payment models.Payment
		var method *string
		if err := rows.Scan(&payment.ID, &payment.InstallmentID, &payment.Amount, &method, &payment.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		if method != nil {
			payment.Method = models.PaymentMethod(*method)
		}
		payments = append(payments, &payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return payments, nil
}

// SQLSTATE 40001 serialization_failure, 40P01 deadlock_detected, 55P03 lock_not_available.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return ErrConflict
		}
	}
	return err
}

var _ Storage = (*PostgresStore)(nil)
