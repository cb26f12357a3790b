package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BillStatus is the lifecycle state of a bill as stored in the bills table
type BillStatus string

const (
	BillStatusUnpaid BillStatus = "unpaid"
	BillStatusPaid   BillStatus = "paid"
)

// Customer represents a billing account holder
type Customer struct {
	ID        uuid.UUID
	UserID    string
	FullName  string
	Address   string
	Phone     string
	Email     string
	CreatedAt time.Time
}

// Meter represents a water meter assigned to a customer.
// LastReading and LastReadAt cache the latest ledger entry.
type Meter struct {
	ID           uuid.UUID
	CustomerID   uuid.UUID
	SerialNumber string
	InstalledOn  time.Time
	LastReading  *decimal.Decimal
	LastReadAt   *time.Time
	CreatedAt    time.Time
}

// Reading represents one entry of a meter's reading ledger
type Reading struct {
	ID             uuid.UUID
	MeterID        uuid.UUID
	ReadAt         time.Time
	Value          decimal.Decimal
	Usage          decimal.Decimal
	PhotoRef       *string
	AnomalyReason  *string
	IdempotencyKey *string
	CreatedAt      time.Time
}

// Bill represents a billing obligation generated from one reading
type Bill struct {
	ID         uuid.UUID
	CustomerID uuid.UUID
	ReadingID  uuid.UUID
	IssuedAt   time.Time
	Usage      decimal.Decimal
	UnitRate   decimal.Decimal
	Amount     decimal.Decimal
	Currency   string
	DueAt      time.Time
	Status     BillStatus
	ProofRef   *string
	PaidAt     *time.Time
}

// PaymentProof represents uploaded evidence of payment for a bill
type PaymentProof struct {
	ID          uuid.UUID
	BillID      uuid.UUID
	Method      string
	ArtifactRef string
	CreatedAt   time.Time
}
