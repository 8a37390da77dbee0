package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a rupiah amount. Amounts are stored as whole rupiah in
// int64; decimal helpers exist for waiver arithmetic that must never drift.
type Money struct {
	Amount int64
}

// NewMoney creates a Money value from whole rupiah.
func NewMoney(amount int64) Money {
	return Money{Amount: amount}
}

// ToDecimal converts the amount to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Amount)
}

// FromDecimal converts a decimal to whole rupiah, rounding down.
func FromDecimal(d decimal.Decimal) int64 {
	return d.IntPart()
}

// Sub returns m minus other, floored at zero.
func (m Money) Sub(other Money) Money {
	out := m.Amount - other.Amount
	if out < 0 {
		out = 0
	}
	return Money{Amount: out}
}

// Min returns the smaller of m and other.
func (m Money) Min(other Money) Money {
	if other.Amount < m.Amount {
		return other
	}
	return m
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// String renders the amount with an IDR prefix.
func (m Money) String() string {
	return fmt.Sprintf("IDR %s", m.ToDecimal().StringFixed(0))
}
