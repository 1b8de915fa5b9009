package math

import (
	"errors"
	"fmt"
	stdmath "math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	AmountConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // token amounts
	PriceConfig     = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // oracle prices
	PrecisionConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // leverage, health factor, utilization
	BpsConfig       = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}      // ratios
)

const (
	// Precision is the scale of leverage, health factor and utilization values.
	Precision int64 = 1_000_000

	// BpsDenominator is 100% in basis points.
	BpsDenominator int64 = 10_000

	SecondsPerYear int64 = 31_536_000

	// Infinite is the health factor of a position without debt.
	Infinite int64 = stdmath.MaxInt64
)

var ErrOverflow = errors.New("fixed-point overflow")

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfEven
)

// MulDiv computes a * b / d over 256-bit intermediates.
// Operands must be non-negative and d positive; the result saturates at MaxInt64.
func MulDiv(a, b, d int64, mode RoundingMode) int64 {
	v, err := MulDivChecked(a, b, d, mode)
	if err != nil {
		if errors.Is(err, ErrOverflow) {
			return stdmath.MaxInt64
		}
		panic(err)
	}
	return v
}

// MulDivChecked is MulDiv reporting overflow instead of saturating.
func MulDivChecked(a, b, d int64, mode RoundingMode) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("muldiv: negative operand a=%d b=%d", a, b)
	}
	if d <= 0 {
		return 0, fmt.Errorf("muldiv: non-positive divisor %d", d)
	}

	x := uint256.NewInt(uint64(a))
	y := uint256.NewInt(uint64(b))
	den := uint256.NewInt(uint64(d))

	prod := new(uint256.Int).Mul(x, y) // cannot overflow: both < 2^63
	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(prod, den, rem)

	if !rem.IsZero() {
		switch mode {
		case RoundUp:
			quo.AddUint64(quo, 1)
		case RoundHalfEven:
			twice := new(uint256.Int).Lsh(rem, 1)
			switch twice.Cmp(den) {
			case 1:
				quo.AddUint64(quo, 1)
			case 0:
				if quo.Uint64()%2 == 1 {
					quo.AddUint64(quo, 1)
				}
			}
		}
	}

	if !quo.IsUint64() || quo.Uint64() > uint64(stdmath.MaxInt64) {
		return 0, ErrOverflow
	}
	return int64(quo.Uint64()), nil
}

// ApplyBps returns amount * bps / 10_000 rounded down.
func ApplyBps(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsDenominator, RoundDown)
}

// ApplyBpsUp returns amount * bps / 10_000 rounded up.
func ApplyBpsUp(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsDenominator, RoundUp)
}

// ToDecimal converts a fixed-point value into its human-readable decimal.
func ToDecimal(v int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(v, -int32(cfg.DecimalPrecision))
}

// FormatFixed renders a fixed-point value with the config's full precision.
func FormatFixed(v int64, cfg DecimalConfig) string {
	if v == Infinite {
		return "inf"
	}
	return ToDecimal(v, cfg).StringFixed(int32(cfg.DecimalPrecision))
}

// ParseFixed parses a decimal string ("5.0", "1000.25") into fixed-point.
// Digits beyond the config precision are rejected rather than rounded.
func ParseFixed(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse %q: more than %d decimal places", s, cfg.DecimalPrecision)
	}
	if scaled.GreaterThan(decimal.NewFromInt(stdmath.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(stdmath.MinInt64)) {
		return 0, fmt.Errorf("parse %q: %w", s, ErrOverflow)
	}
	return scaled.IntPart(), nil
}
