package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/repository"
	"github.com/shopspring/decimal"
)

// Dashboard is the customer's landing view
type Dashboard struct {
	Customer *db.Customer
	// Meter is nil until the customer registers one.
	Meter         *db.Meter
	LatestReading *db.Reading
	CurrentUsage  decimal.Decimal
	LatestBill    *db.Bill
	// DaysUntilDue is negative once the latest bill is overdue.
	DaysUntilDue int
	History      []db.Reading
}

// Dashboard loads the customer's dashboard. The bill of the latest reading
// is ensured on every load, which never produces a second bill.
func (s *BillingService) Dashboard(ctx context.Context, customerID uuid.UUID) (*Dashboard, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d, err := s.dashboard(ctx, customerID)
	return d, finish(ctx, "dashboard", err)
}

func (s *BillingService) dashboard(ctx context.Context, customerID uuid.UUID) (*Dashboard, error) {
	customer, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, storeErr(err, billing.ErrCustomerNotFound)
	}
	d := &Dashboard{Customer: customer, CurrentUsage: decimal.Zero}

	meter, err := s.primaryMeter(ctx, customerID)
	if billing.IsNotFound(err) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	d.Meter = meter

	latest, err := s.store.LatestReading(ctx, meter.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	d.LatestReading = latest
	d.CurrentUsage = latest.Usage

	bill, err := s.ensureBillFor(ctx, customerID, latest.ID)
	if err != nil {
		return nil, err
	}
	d.LatestBill = bill
	d.DaysUntilDue = daysUntil(s.clock.Now(), bill.DueAt)

	history, err := s.store.ListReadings(ctx, meter.ID, s.opts.DashboardHistory)
	if err != nil {
		return nil, err
	}
	d.History = history
	return d, nil
}

// daysUntil counts started days from now to due; 0 means due today.
func daysUntil(now, due time.Time) int {
	return int(math.Ceil(due.Sub(now).Hours() / 24))
}
