package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/rate"
)

// Generator builds bills from ledger readings.
type Generator struct {
	rates       *rate.Model
	gracePeriod time.Duration
}

// NewGenerator creates a generator; gracePeriod is the issue-to-due offset.
func NewGenerator(rates *rate.Model, gracePeriod time.Duration) *Generator {
	return &Generator{rates: rates, gracePeriod: gracePeriod}
}

// GracePeriod returns the issue-to-due offset.
func (g *Generator) GracePeriod() time.Duration {
	return g.gracePeriod
}

// Build returns a new unpaid bill for reading, issued at now. It does not persist anything.
func (g *Generator) Build(customerID uuid.UUID, reading *db.Reading, now time.Time) (*db.Bill, error) {
	unitRate, err := g.rates.UnitRate()
	if err != nil {
		return nil, err
	}
	amount, err := g.rates.Amount(reading.Usage)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", reading.ID, err)
	}

	return &db.Bill{
		ID:         uuid.New(),
		CustomerID: customerID,
		ReadingID:  reading.ID,
		IssuedAt:   now,
		Usage:      reading.Usage,
		UnitRate:   unitRate,
		Amount:     amount,
		Currency:   g.rates.Currency(),
		DueAt:      now.Add(g.gracePeriod),
		Status:     db.BillStatusUnpaid,
	}, nil
}

// CheckRate reports ErrRateUnavailable when no usable unit rate is configured.
func (g *Generator) CheckRate() error {
	_, err := g.rates.UnitRate()
	return err
}
