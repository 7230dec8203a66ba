// Package commission holds the pure money rules of the ledger: which rate applies to an order,
// how a commission amount is rounded, and how user-supplied amounts become cents.
//
// Amounts are int64 minor units (cents). Rates are decimal fractions in [0,1]. No float64 is
// involved in any computation that produces a stored value.
package commission

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

var (
	zero    = decimal.Zero
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// ValidRate reports whether r lies in [0,1].
func ValidRate(r decimal.Decimal) bool {
	return r.GreaterThanOrEqual(zero) && r.LessThanOrEqual(one)
}

// ValidateRate returns models.ErrInvalidRate when r is outside [0,1].
func ValidateRate(r decimal.Decimal) error {
	if !ValidRate(r) {
		return fmt.Errorf("%w: %s not in [0,1]", models.ErrInvalidRate, r.String())
	}
	return nil
}

// Source says where an effective rate came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceDefault  Source = "default"
)

// Resolution is the outcome of EffectiveRate.
type Resolution struct {
	Rate   decimal.Decimal
	Source Source
	// IgnoredOverride is set when the agent carried an out-of-range override that was skipped.
	IgnoredOverride *decimal.Decimal
}

// EffectiveRate picks the agent override when present and in range, else the global default.
// It fails with models.ErrInvalidRate when the rate it lands on is itself out of range.
func EffectiveRate(override *decimal.Decimal, defaultRate decimal.Decimal) (Resolution, error) {
	var res Resolution
	if override != nil {
		if ValidRate(*override) {
			return Resolution{Rate: *override, Source: SourceOverride}, nil
		}
		o := *override
		res.IgnoredOverride = &o
	}
	res.Rate = defaultRate
	res.Source = SourceDefault
	if err := ValidateRate(defaultRate); err != nil {
		return res, err
	}
	return res, nil
}

// Amount computes round_half_up(baseCents * rate) to the nearest cent.
// Inputs are non-negative, so rounding half away from zero is rounding half up.
func Amount(baseCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(baseCents).Mul(rate).Round(0).IntPart()
}

// ParseAmount converts a decimal major-unit string ("12.34") to cents. It rejects
// non-finite, non-positive and sub-cent values.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", models.ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", models.ErrInvalidAmount, s)
	}
	cents := d.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has sub-cent precision", models.ErrInvalidAmount, s)
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("%w: must be greater than zero", models.ErrInvalidAmount)
	}
	if !cents.LessThanOrEqual(decimal.NewFromInt(MaxAmountCents)) {
		return 0, fmt.Errorf("%w: exceeds maximum", models.ErrInvalidAmount)
	}
	return cents.IntPart(), nil
}

// MaxAmountCents caps a single order so base × rate never approaches int64 limits.
const MaxAmountCents int64 = 1_000_000_000_00

// ValidateCents checks an amount already expressed in cents.
func ValidateCents(cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("%w: must be greater than zero", models.ErrInvalidAmount)
	}
	if cents > MaxAmountCents {
		return fmt.Errorf("%w: exceeds maximum", models.ErrInvalidAmount)
	}
	return nil
}

// FormatCents renders cents as a major-unit string with two decimals.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
