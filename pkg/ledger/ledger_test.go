package ledger

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/voltia/cuotaledger/pkg/models"
	"github.com/voltia/cuotaledger/pkg/store"
)

// MockStore is a simple in-memory implementation of the Storage interface for
// testing. WithinTx holds a mutex for the whole scope, which serializes
// writers the same way the real stores do.
type MockStore struct {
	mu           sync.Mutex
	credits      map[uuid.UUID]*models.Credit
	installments map[uuid.UUID]*models.Installment
	payments     []*models.Payment
}

func NewMockStore() *MockStore {
	return &MockStore{
		credits:      make(map[uuid.UUID]*models.Credit),
		installments: make(map[uuid.UUID]*models.Installment),
	}
}

func (m *MockStore) GetCredit(_ context.Context, id uuid.UUID) (*models.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	credit, ok := m.credits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return credit, nil
}

func (m *MockStore) GetInstallment(_ context.Context, id uuid.UUID) (*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *inst
	return &copied, nil
}

func (m *MockStore) ListInstallments(_ context.Context, creditID uuid.UUID) ([]*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Installment
	for _, inst := range m.installments {
		if inst.CreditID == creditID {
			copied := *inst
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func (m *MockStore) ListInstallmentsDue(_ context.Context, statuses []models.InstallmentStatus, dueOnOrBefore time.Time) ([]*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[models.InstallmentStatus]bool)
	for _, st := range statuses {
		wanted[st] = true
	}
	var result []*models.Installment
	for _, inst := range m.installments {
		if wanted[inst.Status] && !inst.DueDate.After(dueOnOrBefore) {
			copied := *inst
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

func (m *MockStore) ListPayments(_ context.Context, installmentID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paymentsFor(installmentID), nil
}

func (m *MockStore) ListPaymentsByCredit(_ context.Context, creditID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Payment
	for _, p := range m.payments {
		inst, ok := m.installments[p.InstallmentID]
		if ok && inst.CreditID == creditID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *MockStore) CreateCredit(_ context.Context, credit *models.Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[credit.ID] = credit
	return nil
}

func (m *MockStore) CreateInstallments(_ context.Context, installments []*models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range installments {
		m.installments[inst.ID] = inst
	}
	return nil
}

func (m *MockStore) WithinTx(_ context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&mockTx{store: m})
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) paymentsFor(installmentID uuid.UUID) []*models.Payment {
	var result []*models.Payment
	for _, p := range m.payments {
		if p.InstallmentID == installmentID {
			result = append(result, p)
		}
	}
	return result
}

// mockTx operates on the parent store, which is already locked by WithinTx.
type mockTx struct {
	store *MockStore
}

func (t *mockTx) GetInstallmentForUpdate(_ context.Context, id uuid.UUID) (*models.Installment, error) {
	inst, ok := t.store.installments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *inst
	return &copied, nil
}

func (t *mockTx) ListPayments(_ context.Context, installmentID uuid.UUID) ([]*models.Payment, error) {
	return t.store.paymentsFor(installmentID), nil
}

func (t *mockTx) InsertPayment(_ context.Context, payment *models.Payment) error {
	t.store.payments = append(t.store.payments, payment)
	return nil
}

func (t *mockTx) UpdateInstallmentStatus(_ context.Context, id uuid.UUID, status models.InstallmentStatus) error {
	inst, ok := t.store.installments[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.Status = status
	return nil
}

// conflictStore wraps a MockStore and fails WithinTx with store.ErrConflict a
// fixed number of times before delegating, standing in for a writer that keeps
// losing the row lock.
type conflictStore struct {
	*MockStore
	conflicts int
	attempts  int
}

func (c *conflictStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	c.attempts++
	if c.attempts <= c.conflicts {
		return store.ErrConflict
	}
	return c.MockStore.WithinTx(ctx, fn)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func newTestLedger(mock *MockStore, now time.Time) *Ledger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := NewLedger(mock, logger)
	l.clock = func() time.Time { return now }
	return l
}

func seedInstallment(mock *MockStore, amountDue float64, dueDate time.Time, status models.InstallmentStatus) *models.Installment {
	inst := &models.Installment{
		ID:        uuid.New(),
		CreditID:  uuid.New(),
		Sequence:  1,
		DueDate:   dueDate,
		AmountDue: decimal.NewFromFloat(amountDue),
		Status:    status,
	}
	mock.installments[inst.ID] = inst
	return inst
}

func TestRecordPayment_PartialThenPaid(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	inst := seedInstallment(mock, 100.00, jan1, models.StatusOverdue)

	payment, err := l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(60.00), models.MethodApp)
	if err != nil {
		t.Fatalf("Failed to record payment: %v", err)
	}
	if !payment.Amount.Equal(decimal.NewFromFloat(60.00)) {
		t.Errorf("Expected payment amount 60.00, got %s", payment.Amount)
	}
	if mock.installments[inst.ID].Status != models.StatusPartial {
		t.Errorf("Expected status partial, got %s", mock.installments[inst.ID].Status)
	}

	_, err = l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(40.00), models.MethodCash)
	if err != nil {
		t.Fatalf("Failed to settle installment: %v", err)
	}
	if mock.installments[inst.ID].Status != models.StatusPaid {
		t.Errorf("Expected status paid, got %s", mock.installments[inst.ID].Status)
	}

	// Once paid, every further payment bounces off the zero remaining balance.
	_, err = l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(0.01), models.MethodApp)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected validation error on settled entry, got %v", err)
	}
	if mock.installments[inst.ID].Status != models.StatusPaid {
		t.Errorf("Status must stay paid, got %s", mock.installments[inst.ID].Status)
	}
}

func TestRecordPayment_RejectsOverpay(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	inst := seedInstallment(mock, 100.00, jan1, models.StatusOverdue)

	if _, err := l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(60.00), models.MethodApp); err != nil {
		t.Fatalf("Failed to record payment: %v", err)
	}

	_, err := l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(50.00), models.MethodApp)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if !verr.Remaining.Equal(decimal.NewFromFloat(40.00)) {
		t.Errorf("Expected remaining 40.00 reported, got %s", verr.Remaining)
	}
	if len(mock.payments) != 1 {
		t.Errorf("Rejected payment must not be inserted, have %d payments", len(mock.payments))
	}
	if mock.installments[inst.ID].Status != models.StatusPartial {
		t.Errorf("Status must stay partial, got %s", mock.installments[inst.ID].Status)
	}
}

func TestRecordPayment_UnknownInstallment(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)

	_, err := l.RecordPayment(context.Background(), uuid.New(), decimal.NewFromFloat(10.00), "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecordPayment_ConcurrentOverpay(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	inst := seedInstallment(mock, 100.00, jan1, models.StatusOverdue)

	// Two payments that individually fit but jointly exceed the amount due.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(60.00), models.MethodApp)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	accepted, rejected := 0, 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		var verr *ValidationError
		if errors.As(err, &verr) || errors.Is(err, ErrConflict) {
			rejected++
		} else {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Errorf("Expected exactly one acceptance and one rejection, got %d/%d", accepted, rejected)
	}
	total := decimal.Zero
	for _, p := range mock.payments {
		total = total.Add(p.Amount)
	}
	if total.GreaterThan(inst.AmountDue) {
		t.Errorf("Invariant violated: paid %s exceeds due %s", total, inst.AmountDue)
	}
}

func TestRecordPayment_RetriesTransientConflicts(t *testing.T) {
	mock := NewMockStore()
	wrapped := &conflictStore{MockStore: mock, conflicts: maxPaymentAttempts - 1}
	l := newTestLedger(mock, feb1)
	l.storage = wrapped
	inst := seedInstallment(mock, 100.00, jan1, models.StatusOverdue)

	payment, err := l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(60.00), models.MethodApp)
	if err != nil {
		t.Fatalf("Expected success after transient conflicts, got %v", err)
	}
	if wrapped.attempts != maxPaymentAttempts {
		t.Errorf("Expected %d attempts, got %d", maxPaymentAttempts, wrapped.attempts)
	}
	if !payment.Amount.Equal(decimal.NewFromFloat(60.00)) {
		t.Errorf("Expected payment amount 60.00, got %s", payment.Amount)
	}
	if len(mock.payments) != 1 {
		t.Errorf("Expected exactly 1 payment inserted, got %d", len(mock.payments))
	}
	if mock.installments[inst.ID].Status != models.StatusPartial {
		t.Errorf("Expected status partial, got %s", mock.installments[inst.ID].Status)
	}
}

func TestRecordPayment_ConflictRetriesExhausted(t *testing.T) {
	mock := NewMockStore()
	wrapped := &conflictStore{MockStore: mock, conflicts: maxPaymentAttempts}
	l := newTestLedger(mock, feb1)
	l.storage = wrapped
	inst := seedInstallment(mock, 100.00, jan1, models.StatusOverdue)

	_, err := l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(60.00), models.MethodApp)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict after exhausted retries, got %v", err)
	}
	if wrapped.attempts != maxPaymentAttempts {
		t.Errorf("Expected retries to stop at %d attempts, got %d", maxPaymentAttempts, wrapped.attempts)
	}
	if len(mock.payments) != 0 {
		t.Errorf("Expected no payment inserted, got %d", len(mock.payments))
	}
	if mock.installments[inst.ID].Status != models.StatusOverdue {
		t.Errorf("Status must be untouched, got %s", mock.installments[inst.ID].Status)
	}
}

func TestRecordPayment_PublishesEvent(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	inst := seedInstallment(mock, 100.00, jan1, models.StatusOverdue)

	publisher := &capturePublisher{}
	l.SetEventPublisher(publisher)

	payment, err := l.RecordPayment(context.Background(), inst.ID, decimal.NewFromFloat(100.00), models.MethodLink)
	if err != nil {
		t.Fatalf("Failed to record payment: %v", err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(publisher.events))
	}
	event, ok := publisher.events[0].(PaymentRecorded)
	if !ok {
		t.Fatalf("Unexpected event type %T", publisher.events[0])
	}
	if event.PaymentID != payment.ID || event.Status != models.StatusPaid {
		t.Errorf("Event does not match payment: %+v", event)
	}

	// A failing publisher never fails the payment itself.
	broken := seedInstallment(mock, 50.00, feb1, models.StatusPending)
	publisher.err = errors.New("broker down")
	if _, err := l.RecordPayment(context.Background(), broken.ID, decimal.NewFromFloat(50.00), ""); err != nil {
		t.Fatalf("Publish failure must not fail the payment: %v", err)
	}
}

func seedCreditWithSchedule(mock *MockStore, principal float64, statuses []models.InstallmentStatus) (*models.Credit, []*models.Installment) {
	credit := &models.Credit{
		ID:                uuid.New(),
		ClientKey:         "client-1",
		Product:           models.ProductEBike,
		Principal:         decimal.NewFromFloat(principal),
		TotalInstallments: len(statuses),
		AnnualRate:        decimal.NewFromFloat(0.32),
		Status:            models.CreditActive,
	}
	mock.credits[credit.ID] = credit

	var installments []*models.Installment
	for i, status := range statuses {
		inst := &models.Installment{
			ID:        uuid.New(),
			CreditID:  credit.ID,
			Sequence:  i + 1,
			DueDate:   jan1.AddDate(0, i, 0),
			AmountDue: decimal.NewFromFloat(100.00),
			Status:    status,
		}
		mock.installments[inst.ID] = inst
		installments = append(installments, inst)
	}
	return credit, installments
}

func TestSummarize(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)

	statuses := []models.InstallmentStatus{
		models.StatusPaid, models.StatusPaid, models.StatusPaid, models.StatusPaid, models.StatusPaid,
		models.StatusOverdue,
		models.StatusPartial,
		models.StatusPending, models.StatusPending, models.StatusPending, models.StatusPending, models.StatusPending,
	}
	credit, installments := seedCreditWithSchedule(mock, 1200.00, statuses)

	for i := 0; i < 5; i++ {
		mock.payments = append(mock.payments, &models.Payment{
			ID: uuid.New(), InstallmentID: installments[i].ID, Amount: decimal.NewFromFloat(100.00),
		})
	}
	mock.payments = append(mock.payments, &models.Payment{
		ID: uuid.New(), InstallmentID: installments[6].ID, Amount: decimal.NewFromFloat(60.00),
	})

	summary, err := l.Summarize(context.Background(), credit.ID)
	if err != nil {
		t.Fatalf("Failed to summarize: %v", err)
	}

	if summary.TotalInstallments != 12 {
		t.Errorf("Expected 12 total installments, got %d", summary.TotalInstallments)
	}
	if summary.PaidInstallments != 5 {
		t.Errorf("Expected 5 paid, got %d", summary.PaidInstallments)
	}
	if summary.OverdueInstallments != 1 {
		t.Errorf("Expected 1 overdue, got %d", summary.OverdueInstallments)
	}
	if summary.PendingInstallments != 6 {
		t.Errorf("Expected 6 pending (pending+partial), got %d", summary.PendingInstallments)
	}
	if !summary.AmountPaid.Equal(decimal.NewFromFloat(560.00)) {
		t.Errorf("Expected amount paid 560.00, got %s", summary.AmountPaid)
	}
	if !summary.RemainingBalance.Equal(decimal.NewFromFloat(640.00)) {
		t.Errorf("Expected remaining balance 640.00 against principal, got %s", summary.RemainingBalance)
	}
}

func TestSummarize_UnknownCredit(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)

	_, err := l.Summarize(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestNextDue(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	credit, installments := seedCreditWithSchedule(mock, 300.00, []models.InstallmentStatus{
		models.StatusPaid, models.StatusOverdue, models.StatusPending,
	})

	next, err := l.NextDue(context.Background(), credit.ID)
	if err != nil {
		t.Fatalf("Failed to get next payment: %v", err)
	}
	if next == nil {
		t.Fatal("Expected a next installment")
	}
	if next.ID != installments[1].ID {
		t.Errorf("Expected installment seq 2 (earliest payable), got seq %d", next.Sequence)
	}
	if !next.RemainingBalance.Equal(decimal.NewFromFloat(100.00)) {
		t.Errorf("Expected remaining 100.00, got %s", next.RemainingBalance)
	}
}

func TestNextDue_TieBreaksOnSequence(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	credit, installments := seedCreditWithSchedule(mock, 200.00, []models.InstallmentStatus{
		models.StatusPending, models.StatusPending,
	})
	// Same due date on both entries.
	mock.installments[installments[1].ID].DueDate = installments[0].DueDate

	next, err := l.NextDue(context.Background(), credit.ID)
	if err != nil {
		t.Fatalf("Failed to get next payment: %v", err)
	}
	if next.ID != installments[0].ID {
		t.Errorf("Tie must resolve to lowest sequence, got seq %d", next.Sequence)
	}
}

func TestNextDue_NothingPayable(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	credit, _ := seedCreditWithSchedule(mock, 100.00, []models.InstallmentStatus{models.StatusPaid})

	next, err := l.NextDue(context.Background(), credit.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if next != nil {
		t.Errorf("Expected no next installment, got seq %d", next.Sequence)
	}
}

func TestScanOverdue(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)

	oldest := seedInstallment(mock, 100.00, jan1, models.StatusOverdue)
	partial := seedInstallment(mock, 100.00, jan1.AddDate(0, 0, 14), models.StatusPartial)
	mock.payments = append(mock.payments, &models.Payment{
		ID: uuid.New(), InstallmentID: partial.ID, Amount: decimal.NewFromFloat(60.00),
	})
	seedInstallment(mock, 100.00, jan1.AddDate(0, 0, 9), models.StatusPending) // wrong status
	recent := seedInstallment(mock, 100.00, jan1.AddDate(0, 0, 30), models.StatusOverdue)

	result, err := l.ScanOverdue(context.Background(), 0)
	if err != nil {
		t.Fatalf("Failed to scan overdue: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("Expected 3 overdue entries, got %d", len(result))
	}
	if result[0].ID != oldest.ID {
		t.Errorf("Expected earliest due date first")
	}
	if result[0].DaysOverdue != 31 {
		t.Errorf("Expected 31 days overdue, got %d", result[0].DaysOverdue)
	}
	if !result[1].RemainingBalance.Equal(decimal.NewFromFloat(40.00)) {
		t.Errorf("Expected remaining 40.00 on partial entry, got %s", result[1].RemainingBalance)
	}

	// A minimum age filters out the freshly overdue entry.
	result, err = l.ScanOverdue(context.Background(), 7)
	if err != nil {
		t.Fatalf("Failed to scan overdue: %v", err)
	}
	for _, entry := range result {
		if entry.ID == recent.ID {
			t.Errorf("Entry due %s must be filtered by min days overdue", entry.DueDate)
		}
		if entry.DaysOverdue < 7 {
			t.Errorf("Expected at least 7 days overdue, got %d", entry.DaysOverdue)
		}
	}
}

func TestRefreshStatuses(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)

	stale := seedInstallment(mock, 100.00, jan1, models.StatusPending)
	future := seedInstallment(mock, 100.00, feb1.AddDate(0, 1, 0), models.StatusPending)

	refreshed, err := l.RefreshStatuses(context.Background())
	if err != nil {
		t.Fatalf("Failed to refresh statuses: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("Expected 1 refreshed installment, got %d", refreshed)
	}
	if mock.installments[stale.ID].Status != models.StatusOverdue {
		t.Errorf("Expected stale entry to become overdue, got %s", mock.installments[stale.ID].Status)
	}
	if mock.installments[future.ID].Status != models.StatusPending {
		t.Errorf("Future entry must stay pending, got %s", mock.installments[future.ID].Status)
	}
}

func TestPaymentStats(t *testing.T) {
	mock := NewMockStore()
	l := newTestLedger(mock, feb1)
	credit, installments := seedCreditWithSchedule(mock, 300.00, []models.InstallmentStatus{
		models.StatusPartial, models.StatusPartial, models.StatusPending,
	})

	mock.payments = append(mock.payments,
		&models.Payment{ID: uuid.New(), InstallmentID: installments[0].ID, Amount: decimal.NewFromFloat(50.00), Method: models.MethodApp},
		&models.Payment{ID: uuid.New(), InstallmentID: installments[0].ID, Amount: decimal.NewFromFloat(25.00), Method: models.MethodCash},
		&models.Payment{ID: uuid.New(), InstallmentID: installments[1].ID, Amount: decimal.NewFromFloat(30.00), Method: models.MethodApp},
	)

	stats, err := l.PaymentStats(context.Background(), credit.ID)
	if err != nil {
		t.Fatalf("Failed to compute stats: %v", err)
	}
	if stats.TotalPayments != 3 {
		t.Errorf("Expected 3 payments, got %d", stats.TotalPayments)
	}
	if !stats.TotalAmount.Equal(decimal.NewFromFloat(105.00)) {
		t.Errorf("Expected total 105.00, got %s", stats.TotalAmount)
	}
	if !stats.AverageAmount.Equal(decimal.NewFromFloat(35.00)) {
		t.Errorf("Expected average 35.00, got %s", stats.AverageAmount)
	}
	if stats.ByMethod[models.MethodApp] != 2 || stats.ByMethod[models.MethodCash] != 1 {
		t.Errorf("Unexpected method breakdown: %v", stats.ByMethod)
	}
}
