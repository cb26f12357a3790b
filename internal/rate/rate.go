// Package rate converts metered water usage into a monetary amount.
package rate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateUnavailable is returned when no positive unit rate is configured.
	ErrRateUnavailable = errors.New("unit rate unavailable")

	// ErrInvalidUsage is returned for negative usage quantities.
	ErrInvalidUsage = errors.New("invalid usage")
)

// Model is a flat per-cubic-meter tariff.
type Model struct {
	unitRate decimal.Decimal
	currency string
}

// NewModel creates a rate model. A zero rate is accepted here and reported
// as ErrRateUnavailable when an amount is requested.
func NewModel(unitRate decimal.Decimal, currency string) *Model {
	return &Model{unitRate: unitRate, currency: currency}
}

// UnitRate returns the configured price of one cubic meter.
func (m *Model) UnitRate() (decimal.Decimal, error) {
	if m == nil || !m.unitRate.IsPositive() {
		return decimal.Zero, ErrRateUnavailable
	}
	return m.unitRate, nil
}

// Currency returns the ISO currency code amounts are expressed in.
func (m *Model) Currency() string {
	if m == nil {
		return ""
	}
	return m.currency
}

// Amount returns usage × unit rate, computed exactly.
func (m *Model) Amount(usage decimal.Decimal) (decimal.Decimal, error) {
	rate, err := m.UnitRate()
	if err != nil {
		return decimal.Zero, err
	}
	if usage.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s m3 is negative", ErrInvalidUsage, usage)
	}
	return usage.Mul(rate), nil
}
