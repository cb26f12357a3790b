package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/water-metering-portal/tools/timeparser"
	"github.com/shopspring/decimal"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// ReadingData is a reading submission as received from the ingest queue
type ReadingData struct {
	CustomerID string
	MeterID    string
	Date       string
	Reading    string
}

// ValidReading is a parsed, validated submission
type ValidReading struct {
	CustomerID uuid.UUID
	MeterID    uuid.UUID
	Value      decimal.Decimal
	ReadAt     time.Time
}

// Validator handles reading validation with configurable parameters
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a new validator with the specified tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{IsValid: false, Reason: fmt.Sprintf(format, args...)}
}

// ValidateReading validates a single queued reading submission
func (v *Validator) ValidateReading(data ReadingData, receivedAt time.Time) (ValidReading, ValidationResult) {
	var out ValidReading

	customerID, err := uuid.Parse(data.CustomerID)
	if err != nil {
		return out, invalid("invalid customer id: %v", err)
	}
	out.CustomerID = customerID

	// meter id is optional; the customer's primary meter is used when absent
	if data.MeterID != "" {
		meterID, err := uuid.Parse(data.MeterID)
		if err != nil {
			return out, invalid("invalid meter id: %v", err)
		}
		out.MeterID = meterID
	}

	// Strip square brackets and unit suffix if present
	raw := strings.TrimSpace(strings.Trim(data.Reading, "[]"))
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "m3"))
	if raw == "" {
		return out, invalid("empty reading value")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return out, invalid("invalid reading value: %v", err)
	}
	if value.IsNegative() {
		return out, invalid("negative reading value")
	}
	out.Value = value

	// Missing timestamp means "read when received"
	if strings.TrimSpace(data.Date) == "" {
		out.ReadAt = receivedAt.UTC()
		return out, ValidationResult{IsValid: true}
	}

	readAt, err := timeparser.ParseReadingTimestamp(data.Date)
	if err != nil {
		return out, invalid("invalid timestamp format: %v", err)
	}
	if !timeparser.IsWithinTolerance(readAt, receivedAt, v.timestampToleranceMinutes) {
		return out, invalid("timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes)
	}
	out.ReadAt = readAt

	return out, ValidationResult{IsValid: true}
}
