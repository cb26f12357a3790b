// Package billing holds the metering-to-billing rules: usage derivation,
// bill generation and the bill status lifecycle. It performs no I/O.
package billing

import (
	"fmt"

	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/shopspring/decimal"
)

// CalculateUsage derives the usage of a new reading against the meter's
// latest committed reading. An empty ledger uses a baseline of zero, so the
// first reading is billed for its full value.
func CalculateUsage(meter *db.Meter, previous *db.Reading, current decimal.Decimal) (decimal.Decimal, error) {
	if current.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: reading %s is negative", ErrValidation, current)
	}
	if previous == nil {
		return current, nil
	}
	if current.LessThan(previous.Value) {
		return decimal.Zero, &RegressiveReadingError{
			MeterID:  meter.ID,
			Previous: previous.Value,
			Current:  current,
		}
	}
	return current.Sub(previous.Value), nil
}
