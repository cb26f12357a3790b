package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict is returned when a conditional update matched no row in the expected state.
	ErrConflict = errors.New("record state conflict")
)

// Queries is the data-access surface used by the billing service.
// List methods return newest first.
type Queries interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (*db.Customer, error)
	GetCustomerByUserID(ctx context.Context, userID string) (*db.Customer, error)
	InsertCustomer(ctx context.Context, customer *db.Customer) error

	GetMeter(ctx context.Context, id uuid.UUID) (*db.Meter, error)
	// GetPrimaryMeter returns the customer's first registered meter.
	GetPrimaryMeter(ctx context.Context, customerID uuid.UUID) (*db.Meter, error)
	InsertMeter(ctx context.Context, meter *db.Meter) error
	// LockMeter holds the meter row until the enclosing transaction ends.
	// Outside InTx it only checks that the meter exists.
	LockMeter(ctx context.Context, meterID uuid.UUID) error
	UpdateMeterLastReading(ctx context.Context, meterID uuid.UUID, value decimal.Decimal, readAt time.Time) error

	// LatestReading returns ErrNotFound for an empty ledger.
	LatestReading(ctx context.Context, meterID uuid.UUID) (*db.Reading, error)
	GetReading(ctx context.Context, id uuid.UUID) (*db.Reading, error)
	GetReadingByIdempotencyKey(ctx context.Context, meterID uuid.UUID, key string) (*db.Reading, error)
	ListReadings(ctx context.Context, meterID uuid.UUID, limit int) ([]db.Reading, error)
	InsertReading(ctx context.Context, reading *db.Reading) error

	GetBill(ctx context.Context, id uuid.UUID) (*db.Bill, error)
	GetBillByReading(ctx context.Context, readingID uuid.UUID) (*db.Bill, error)
	ListBills(ctx context.Context, customerID uuid.UUID, limit int) ([]db.Bill, error)
	InsertBill(ctx context.Context, bill *db.Bill) error
	// MarkBillPaid only updates an unpaid bill; otherwise it returns ErrConflict.
	MarkBillPaid(ctx context.Context, id uuid.UUID, proofRef string, paidAt time.Time) (*db.Bill, error)
	InsertPaymentProof(ctx context.Context, proof *db.PaymentProof) error
}

// Store adds a transactional boundary to Queries. fn's writes commit
// together when it returns nil and are discarded otherwise.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}
