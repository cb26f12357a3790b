package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMeter(t *testing.T, store *repository.Memory) (*db.Customer, *db.Meter) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	customer := &db.Customer{ID: uuid.New(), UserID: "user-1", FullName: "John Doe", CreatedAt: now}
	require.NoError(t, store.InsertCustomer(ctx, customer))

	meter := &db.Meter{ID: uuid.New(), CustomerID: customer.ID, SerialNumber: "A123456789", InstalledOn: now, CreatedAt: now}
	require.NoError(t, store.InsertMeter(ctx, meter))
	return customer, meter
}

func reading(meterID uuid.UUID, value int64, at time.Time) *db.Reading {
	return &db.Reading{ID: uuid.New(), MeterID: meterID, ReadAt: at, Value: decimal.NewFromInt(value), CreatedAt: at}
}

func TestMemory_LatestReadingOrdersByTimestamp(t *testing.T) {
	store := repository.NewMemory()
	_, meter := seedMeter(t, store)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.LatestReading(ctx, meter.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, store.InsertReading(ctx, reading(meter.ID, 150, base.AddDate(0, 1, 0))))
	require.NoError(t, store.InsertReading(ctx, reading(meter.ID, 135, base)))

	latest, err := store.LatestReading(ctx, meter.ID)
	require.NoError(t, err)
	assert.True(t, latest.Value.Equal(decimal.NewFromInt(150)))

	ledger, err := store.ListReadings(ctx, meter.ID, 10)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.True(t, ledger[0].ReadAt.After(ledger[1].ReadAt))
}

func TestMemory_UniqueConstraints(t *testing.T) {
	store := repository.NewMemory()
	customer, meter := seedMeter(t, store)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	first := reading(meter.ID, 10, at)
	require.NoError(t, store.InsertReading(ctx, first))
	assert.ErrorIs(t, store.InsertReading(ctx, reading(meter.ID, 11, at)), repository.ErrDuplicate)

	bill := &db.Bill{ID: uuid.New(), CustomerID: customer.ID, ReadingID: first.ID, IssuedAt: at, Status: db.BillStatusUnpaid}
	require.NoError(t, store.InsertBill(ctx, bill))
	second := *bill
	second.ID = uuid.New()
	assert.ErrorIs(t, store.InsertBill(ctx, &second), repository.ErrDuplicate)

	dup := &db.Customer{ID: uuid.New(), UserID: customer.UserID}
	assert.ErrorIs(t, store.InsertCustomer(ctx, dup), repository.ErrDuplicate)
}

func TestMemory_MarkBillPaidOnlyOnce(t *testing.T) {
	store := repository.NewMemory()
	customer, meter := seedMeter(t, store)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	rd := reading(meter.ID, 10, at)
	require.NoError(t, store.InsertReading(ctx, rd))
	bill := &db.Bill{ID: uuid.New(), CustomerID: customer.ID, ReadingID: rd.ID, IssuedAt: at, Status: db.BillStatusUnpaid}
	require.NoError(t, store.InsertBill(ctx, bill))

	paid, err := store.MarkBillPaid(ctx, bill.ID, "proofs/a.png", at)
	require.NoError(t, err)
	assert.Equal(t, db.BillStatusPaid, paid.Status)

	_, err = store.MarkBillPaid(ctx, bill.ID, "proofs/b.png", at)
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = store.MarkBillPaid(ctx, uuid.New(), "proofs/c.png", at)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMemory_InTxRollsBackOnError(t *testing.T) {
	store := repository.NewMemory()
	_, meter := seedMeter(t, store)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.InsertReading(ctx, reading(meter.ID, 42, at)); err != nil {
			return err
		}
		if err := q.UpdateMeterLastReading(ctx, meter.ID, decimal.NewFromInt(42), at); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.LatestReading(ctx, meter.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	reloaded, err := store.GetMeter(ctx, meter.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.LastReading)
}

func TestMemory_LockMeter(t *testing.T) {
	store := repository.NewMemory()
	_, meter := seedMeter(t, store)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		return q.LockMeter(ctx, meter.ID)
	})
	assert.NoError(t, err)

	err = store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		return q.LockMeter(ctx, uuid.New())
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
