package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/voltia/cuotaledger/pkg/config"
	"github.com/voltia/cuotaledger/pkg/models"
	"github.com/voltia/cuotaledger/pkg/store"
)

const defaultInstallments = 12

func main() {
	clientKey := flag.String("client", "demo-client", "External client key for the seeded credit")
	principal := flag.Float64("principal", 2400.00, "Credit principal")
	count := flag.Int("installments", defaultInstallments, "Number of schedule entries")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	var storage store.Storage
	if cfg.DBDriver == "postgres" {
		storage, err = store.NewPostgresStore(ctx, cfg.DBConn)
	} else {
		storage, err = store.NewSQLiteStore(cfg.DBConn)
	}
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.DBDriver, err)
	}
	defer storage.Close()

	log.Println("--- Seeding demo credit ---")

	now := time.Now().UTC()
	firstPayment := now.AddDate(0, 1, 0).Truncate(24 * time.Hour)
	credit := &models.Credit{
		ID:                uuid.New(),
		ClientKey:         *clientKey,
		Product:           models.ProductEBike,
		Principal:         decimal.NewFromFloat(*principal),
		TotalInstallments: *count,
		AnnualRate:        decimal.NewFromFloat(0.32),
		DisbursedAt:       now,
		FirstPaymentAt:    firstPayment,
		Status:            models.CreditActive,
		CreatedAt:         now,
	}
	if err := storage.CreateCredit(ctx, credit); err != nil {
		log.Fatalf("Failed to create credit: %v", err)
	}

	installments := buildSchedule(credit.ID, credit.Principal, *count, firstPayment)
	if err := storage.CreateInstallments(ctx, installments); err != nil {
		log.Fatalf("Failed to create schedule: %v", err)
	}

	log.Printf("Seeded credit %s with %d installments starting %s",
		credit.ID, *count, installments[0].DueDate.Format("2006-01-02"))
}

// buildSchedule splits the principal into count monthly entries. Due dates
// are calendar dates at midnight UTC; the last entry absorbs the rounding
// rest of the even split.
func buildSchedule(creditID uuid.UUID, principal decimal.Decimal, count int, firstPayment time.Time) []*models.Installment {
	firstDue := firstPayment.UTC().Truncate(24 * time.Hour)
	per := principal.Div(decimal.NewFromInt(int64(count))).Round(2)
	installments := make([]*models.Installment, 0, count)
	remaining := principal
	for i := 1; i <= count; i++ {
		amount := per
		if i == count {
			amount = remaining
		}
		remaining = remaining.Sub(amount)
		installments = append(installments, &models.Installment{
			ID:        uuid.New(),
			CreditID:  creditID,
			Sequence:  i,
			DueDate:   firstDue.AddDate(0, i-1, 0),
			AmountDue: amount,
			Status:    models.StatusPending,
		})
	}
	return installments
}
