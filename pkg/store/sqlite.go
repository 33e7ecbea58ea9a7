package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voltia/cuotaledger/pkg/models"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded storage engine used for local development and
// tests. Writers serialize on the database write lock (_txlock=immediate),
// which gives the per-installment isolation RecordPayment needs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and initializes the schema.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// sqliteDSN appends the lock options to the data source name, joining with &
// when the DSN already carries query parameters.
func sqliteDSN(dataSourceName string) string {
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	return dataSourceName + sep + "_busy_timeout=5000&_txlock=immediate"
}

// initSchema creates the tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		client_key TEXT NOT NULL,
		product TEXT NOT NULL,
		principal TEXT NOT NULL,
		total_installments INTEGER NOT NULL,
		annual_rate TEXT NOT NULL,
		disbursed_at DATETIME NOT NULL,
		first_payment_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		credit_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount_due TEXT NOT NULL,
		status TEXT NOT NULL,
		UNIQUE(credit_id, seq),
		FOREIGN KEY(credit_id) REFERENCES credits(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		installment_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT,
		paid_at DATETIME NOT NULL,
		FOREIGN KEY(installment_id) REFERENCES installments(id)
	);
	CREATE INDEX IF NOT EXISTS idx_installments_due ON installments(status, due_date);
	CREATE INDEX IF NOT EXISTS idx_payments_installment ON payments(installment_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetCredit retrieves a credit by its ID.
func (s *SQLiteStore) GetCredit(ctx context.Context, id uuid.UUID) (*models.Credit, error) {
	var credit models.Credit
	var idStr string
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_key, product, principal, total_installments, annual_rate, disbursed_at, first_payment_at, status, created_at
		FROM credits WHERE id = ?`, id.String())
	err := row.Scan(&idStr, &credit.ClientKey, &credit.Product, &credit.Principal, &credit.TotalInstallments,
		&credit.AnnualRate, &credit.DisbursedAt, &credit.FirstPaymentAt, &credit.Status, &credit.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit: %w", err)
	}
	credit.ID = uuid.MustParse(idStr)
	return &credit, nil
}

// GetInstallment retrieves a schedule entry by its ID.
func (s *SQLiteStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, credit_id, seq, due_date, amount_due, status FROM installments WHERE id = ?`, id.String())
	return scanInstallment(row)
}

// ListInstallments retrieves a credit's schedule ordered by sequence number.
func (s *SQLiteStore) ListInstallments(ctx context.Context, creditID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credit_id, seq, due_date, amount_due, status FROM installments WHERE credit_id = ? ORDER BY seq ASC`,
		creditID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list installments for credit %s: %w", creditID, err)
	}
	defer rows.Close()
	return scanInstallments(rows)
}

// ListInstallmentsDue retrieves installments in any of the given statuses due
// on or before the cutoff, earliest first.
func (s *SQLiteStore) ListInstallmentsDue(ctx context.Context, statuses []models.InstallmentStatus, dueOnOrBefore time.Time) ([]*models.Installment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, dueOnOrBefore)

	query := fmt.Sprintf(
		`SELECT id, credit_id, seq, due_date, amount_due, status FROM installments
		WHERE status IN (%s) AND due_date <= ? ORDER BY due_date ASC, seq ASC`,
		strings.Join(placeholders, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due installments: %w", err)
	}
	defer rows.Close()
	return scanInstallments(rows)
}

// ListPayments retrieves an installment's payments, newest first.
func (s *SQLiteStore) ListPayments(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, installment_id, amount, method, paid_at FROM payments WHERE installment_id = ? ORDER BY paid_at DESC`,
		installmentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for installment %s: %w", installmentID, err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// ListPaymentsByCredit retrieves every payment against the credit's schedule, newest first.
func (s *SQLiteStore) ListPaymentsByCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.installment_id, p.amount, p.method, p.paid_at
		FROM payments p JOIN installments i ON i.id = p.installment_id
		WHERE i.credit_id = ? ORDER BY p.paid_at DESC`,
		creditID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for credit %s: %w", creditID, err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// CreateCredit inserts a new credit.
func (s *SQLiteStore) CreateCredit(ctx context.Context, credit *models.Credit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credits (id, client_key, product, principal, total_installments, annual_rate, disbursed_at, first_payment_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credit.ID.String(), credit.ClientKey, credit.Product, credit.Principal, credit.TotalInstallments,
		credit.AnnualRate, credit.DisbursedAt, credit.FirstPaymentAt, credit.Status, credit.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credit: %w", err)
	}
	return nil
}

// CreateInstallments inserts a batch of schedule entries atomically.
func (s *SQLiteStore) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, inst := range installments {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO installments (id, credit_id, seq, due_date, amount_due, status) VALUES (?, ?, ?, ?, ?, ?)`,
			inst.ID.String(), inst.CreditID.String(), inst.Sequence, inst.DueDate, inst.AmountDue, inst.Status)
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", inst.Sequence, err)
		}
	}
	return tx.Commit()
}

// WithinTx runs fn inside a single immediate transaction. A busy database
// (another writer holding the lock past the busy timeout) maps to ErrConflict.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

// GetInstallmentForUpdate reads the installment inside the transaction. SQLite
// holds a database-wide write lock for immediate transactions, so no row-level
// lock is needed.
func (t *sqliteTx) GetInstallmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, credit_id, seq, due_date, amount_due, status FROM installments WHERE id = ?`, id.String())
	return scanInstallment(row)
}

func (t *sqliteTx) ListPayments(ctx context.Context, installmentID uuid.UUID) ([]*models.Payment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, installment_id, amount, method, paid_at FROM payments WHERE installment_id = ? ORDER BY paid_at DESC`,
		installmentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for installment %s: %w", installmentID, err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (t *sqliteTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	var method interface{}
	if payment.Method != "" {
		method = string(payment.Method)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO payments (id, installment_id, amount, method, paid_at) VALUES (?, ?, ?, ?, ?)`,
		payment.ID.String(), payment.InstallmentID.String(), payment.Amount, method, payment.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", mapSQLiteErr(err))
	}
	return nil
}

func (t *sqliteTx) UpdateInstallmentStatus(ctx context.Context, id uuid.UUID, status models.InstallmentStatus) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE installments SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("failed to update installment status: %w", mapSQLiteErr(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstallment(row rowScanner) (*models.Installment, error) {
	var inst models.Installment
	var idStr, creditIDStr string
	err := row.Scan(&idStr, &creditIDStr, &inst.Sequence, &inst.DueDate, &inst.AmountDue, &inst.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan installment row: %w", err)
	}
	inst.ID = uuid.MustParse(idStr)
	inst.CreditID = uuid.MustParse(creditIDStr)
	return &inst, nil
}

func scanInstallments(rows *sql.Rows) ([]*models.Installment, error) {
	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
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

func scanPayments(rows *sql.Rows) ([]*models.Payment, error) {
	var payments []*models.Payment
	for rows.Next() {
		var payment models.Payment
		var idStr, instIDStr string
		var method sql.NullString
		if err := rows.Scan(&idStr, &instIDStr, &payment.Amount, &method, &payment.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payment.ID = uuid.MustParse(idStr)
		payment.InstallmentID = uuid.MustParse(instIDStr)
		if method.Valid {
			payment.Method = models.PaymentMethod(method.String)
		}
		payments = append(payments, &payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return payments, nil
}

func mapSQLiteErr(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return ErrConflict
	}
	return err
}

var _ Storage = (*SQLiteStore)(nil)
