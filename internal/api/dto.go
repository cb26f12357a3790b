package api

import (
	"time"

	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/service"
	"github.com/shopspring/decimal"
)

// Amounts and meter values are exact decimals, encoded as JSON strings.

type CreateCustomerRequest struct {
	FullName string `json:"full_name"`
	Address  string `json:"address"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
}

type RegisterMeterRequest struct {
	SerialNumber string `json:"serial_number"`
	// InstalledOn accepts YYYY-MM-DD, DD/MM/YYYY or RFC3339.
	InstalledOn string `json:"installed_on"`
}

type CustomerDTO struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Address   string `json:"address"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at"`
}

type MeterDTO struct {
	ID           string           `json:"id"`
	SerialNumber string           `json:"serial_number"`
	InstalledOn  string           `json:"installed_on"`
	LastReading  *decimal.Decimal `json:"last_reading,omitempty"`
	LastReadAt   *time.Time       `json:"last_read_at,omitempty"`
}

type ReadingDTO struct {
	ID            string          `json:"id"`
	MeterID       string          `json:"meter_id"`
	ReadAt        time.Time       `json:"read_at"`
	Value         decimal.Decimal `json:"value"`
	Usage         decimal.Decimal `json:"usage"`
	PhotoRef      *string         `json:"photo_ref,omitempty"`
	AnomalyReason *string         `json:"anomaly_reason,omitempty"`
}

type BillDTO struct {
	ID        string          `json:"id"`
	ReadingID string          `json:"reading_id"`
	IssuedAt  time.Time       `json:"issued_at"`
	DueAt     time.Time       `json:"due_at"`
	Usage     decimal.Decimal `json:"usage"`
	UnitRate  decimal.Decimal `json:"unit_rate"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	ProofRef  *string         `json:"proof_ref,omitempty"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

type ProfileDTO struct {
	Customer CustomerDTO `json:"customer"`
	Meter    *MeterDTO   `json:"meter,omitempty"`
}

type SubmitReadingResponse struct {
	Reading  ReadingDTO `json:"reading"`
	Bill     BillDTO    `json:"bill"`
	Replayed bool       `json:"replayed"`
}

type DashboardDTO struct {
	Customer      CustomerDTO     `json:"customer"`
	Meter         *MeterDTO       `json:"meter,omitempty"`
	CurrentUsage  decimal.Decimal `json:"current_usage"`
	LatestReading *ReadingDTO     `json:"latest_reading,omitempty"`
	LatestBill    *BillDTO        `json:"latest_bill,omitempty"`
	DaysUntilDue  *int            `json:"days_until_due,omitempty"`
	History       []ReadingDTO    `json:"history"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toCustomerDTO(c *db.Customer) CustomerDTO {
	return CustomerDTO{
		ID:        c.ID.String(),
		FullName:  c.FullName,
		Address:   c.Address,
		Phone:     c.Phone,
		Email:     c.Email,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

func toMeterDTO(m *db.Meter) *MeterDTO {
	if m == nil {
		return nil
	}
	return &MeterDTO{
		ID:           m.ID.String(),
		SerialNumber: m.SerialNumber,
		InstalledOn:  m.InstalledOn.Format("2006-01-02"),
		LastReading:  m.LastReading,
		LastReadAt:   m.LastReadAt,
	}
}

func toReadingDTO(r *db.Reading) ReadingDTO {
	return ReadingDTO{
		ID:            r.ID.String(),
		MeterID:       r.MeterID.String(),
		ReadAt:        r.ReadAt,
		Value:         r.Value,
		Usage:         r.Usage,
		PhotoRef:      r.PhotoRef,
		AnomalyReason: r.AnomalyReason,
	}
}

func toReadingDTOs(readings []db.Reading) []ReadingDTO {
	dtos := make([]ReadingDTO, 0, len(readings))
	for i := range readings {
		dtos = append(dtos, toReadingDTO(&readings[i]))
	}
	return dtos
}

func toBillDTO(b *db.Bill) BillDTO {
	return BillDTO{
		ID:        b.ID.String(),
		ReadingID: b.ReadingID.String(),
		IssuedAt:  b.IssuedAt,
		DueAt:     b.DueAt,
		Usage:     b.Usage,
		UnitRate:  b.UnitRate,
		Amount:    b.Amount,
		Currency:  b.Currency,
		Status:    string(b.Status),
		ProofRef:  b.ProofRef,
		PaidAt:    b.PaidAt,
	}
}

func toBillDTOs(bills []db.Bill) []BillDTO {
	dtos := make([]BillDTO, 0, len(bills))
	for i := range bills {
		dtos = append(dtos, toBillDTO(&bills[i]))
	}
	return dtos
}

func toDashboardDTO(d *service.Dashboard) DashboardDTO {
	dto := DashboardDTO{
		Customer:     toCustomerDTO(d.Customer),
		Meter:        toMeterDTO(d.Meter),
		CurrentUsage: d.CurrentUsage,
		History:      toReadingDTOs(d.History),
	}
	if d.LatestReading != nil {
		r := toReadingDTO(d.LatestReading)
		dto.LatestReading = &r
	}
	if d.LatestBill != nil {
		b := toBillDTO(d.LatestBill)
		dto.LatestBill = &b
		days := d.DaysUntilDue
		dto.DaysUntilDue = &days
	}
	return dto
}
