// Package money provides fixed-point monetary amounts in integer minor units.
// Binary floating point is never used for stored or derived amounts.
package money

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrNegativeAmount   = errors.New("negative_amount")
)

// Money is an amount in minor units (cents) of a single currency.
type Money struct {
	Amount   int64
	Currency string
}

// New builds a Money value, normalizing the currency code to upper case.
func New(amount int64, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Money{}, ErrInvalidCurrency
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// MustNew is New for compile-time constants; it panics on invalid input.
func MustNew(amount int64, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

func (m Money) Neg() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// String renders the amount with two decimal places, e.g. "85.00 EUR".
func (m Money) String() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, m.Currency)
}

// ApplyBps computes amount * bps / 10000 with round-half-up semantics.
// The amount must be non-negative; rates are expressed in basis points
// (1500 = 15%).
func ApplyBps(amount int64, bps int64) (int64, error) {
	if amount < 0 {
		return 0, ErrNegativeAmount
	}
	if bps < 0 {
		return 0, ErrNegativeAmount
	}
	return (amount*bps + 5000) / 10000, nil
}
