package rate_test

import (
	"errors"
	"testing"

	"github.com/septivank/water-metering-portal/internal/rate"
	"github.com/shopspring/decimal"
)

func TestAmount_MultipliesUsageByRate(t *testing.T) {
	m := rate.NewModel(decimal.RequireFromString("1666.67"), "IDR")

	amount, err := m.Amount(decimal.NewFromInt(15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := decimal.RequireFromString("25000.05"); !amount.Equal(want) {
		t.Errorf("Expected %s, got %s", want, amount)
	}
}

func TestAmount_ZeroUsage(t *testing.T) {
	m := rate.NewModel(decimal.NewFromInt(2500), "IDR")

	amount, err := m.Amount(decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !amount.IsZero() {
		t.Errorf("Expected zero amount, got %s", amount)
	}
}

func TestAmount_NegativeUsage(t *testing.T) {
	m := rate.NewModel(decimal.NewFromInt(2500), "IDR")

	_, err := m.Amount(decimal.NewFromInt(-1))
	if !errors.Is(err, rate.ErrInvalidUsage) {
		t.Errorf("Expected ErrInvalidUsage, got %v", err)
	}
}

func TestAmount_RateUnavailable(t *testing.T) {
	for name, m := range map[string]*rate.Model{
		"nil model": nil,
		"zero rate": rate.NewModel(decimal.Zero, "IDR"),
		"negative":  rate.NewModel(decimal.NewFromInt(-5), "IDR"),
	} {
		if _, err := m.Amount(decimal.NewFromInt(10)); !errors.Is(err, rate.ErrRateUnavailable) {
			t.Errorf("%s: expected ErrRateUnavailable, got %v", name, err)
		}
	}
}

func TestAmount_Deterministic(t *testing.T) {
	m := rate.NewModel(decimal.RequireFromString("0.1"), "IDR")
	usage := decimal.RequireFromString("3")

	first, _ := m.Amount(usage)
	for i := 0; i < 100; i++ {
		again, _ := m.Amount(usage)
		if !again.Equal(first) {
			t.Fatalf("Iteration %d drifted: %s != %s", i, again, first)
		}
	}
	if !first.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("Expected exact 0.3, got %s", first)
	}
}
