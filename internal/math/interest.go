package math

import (
	"fmt"
	stdmath "math"

	"github.com/holiman/uint256"

	"LeverLedger/internal/fault"
)

// RateModel is the kinked utilization curve. All fields are basis points.
type RateModel struct {
	BaseBps    int64 `toml:"base_bps" json:"base_bps"`
	Slope1Bps  int64 `toml:"slope1_bps" json:"slope1_bps"`
	Slope2Bps  int64 `toml:"slope2_bps" json:"slope2_bps"`
	OptimalBps int64 `toml:"optimal_bps" json:"optimal_bps"`
}

// DefaultRateModel: 2% base, 4% to the 80% kink, then 75% over the remaining 20%.
var DefaultRateModel = RateModel{
	BaseBps:    200,
	Slope1Bps:  400,
	Slope2Bps:  7_500,
	OptimalBps: 8_000,
}

// Validate checks the curve constants.
func (m RateModel) Validate() error {
	if m.OptimalBps <= 0 || m.OptimalBps >= BpsDenominator {
		return fault.Validationf("optimal_bps must be in (0, %d), got %d", BpsDenominator, m.OptimalBps)
	}
	if m.BaseBps < 0 {
		return fault.Validationf("base_bps must be >= 0, got %d", m.BaseBps)
	}
	if m.Slope1Bps < 0 {
		return fault.Validationf("slope1_bps must be >= 0, got %d", m.Slope1Bps)
	}
	if m.Slope2Bps < 0 {
		return fault.Validationf("slope2_bps must be >= 0, got %d", m.Slope2Bps)
	}
	return nil
}

// optimal returns the kink in Precision units.
func (m RateModel) optimal() int64 {
	return m.OptimalBps * (Precision / BpsDenominator)
}

// Rate maps utilization (Precision units) to an annual borrow rate in bps.
// Utilization outside [0, Precision] is clamped.
func (m RateModel) Rate(utilization int64) int64 {
	u := clamp(utilization, 0, Precision)
	opt := m.optimal()

	if u <= opt {
		return m.BaseBps + MulDiv(u, m.Slope1Bps, opt, RoundDown)
	}
	return m.BaseBps + m.Slope1Bps + MulDiv(u-opt, m.Slope2Bps, Precision-opt, RoundDown)
}

// SupplyRate is the annual rate earned by depositors at utilization u, in bps,
// after the reserve factor is set aside.
func (m RateModel) SupplyRate(utilization, reserveFactorBps int64) int64 {
	u := clamp(utilization, 0, Precision)
	gross := MulDiv(m.Rate(u), u, Precision, RoundDown)
	return MulDiv(gross, BpsDenominator-reserveFactorBps, BpsDenominator, RoundDown)
}

func (m RateModel) String() string {
	return fmt.Sprintf("base=%d slope1=%d slope2=%d optimal=%d", m.BaseBps, m.Slope1Bps, m.Slope2Bps, m.OptimalBps)
}

// Utilization returns borrowed / deposits in Precision units; zero for an empty pool.
func Utilization(borrowed, deposits int64) int64 {
	if deposits <= 0 || borrowed <= 0 {
		return 0
	}
	return clamp(MulDiv(borrowed, Precision, deposits, RoundDown), 0, Precision)
}

// AccruedInterest returns principal * rateBps * elapsed / (10_000 * SecondsPerYear),
// rounded down.
func AccruedInterest(principal, rateBps, elapsedSeconds int64) int64 {
	if principal <= 0 || rateBps <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	return MulDiv(principal, rateBps*elapsedSeconds, BpsDenominator*SecondsPerYear, RoundDown)
}

// AccrualDenominator divides the principal * rate * seconds product.
const AccrualDenominator = BpsDenominator * SecondsPerYear

// AccruedInterestCarry is AccruedInterest with the rounding remainder kept
// between calls. carry is the numerator left over last time; rest is the new
// leftover, always below AccrualDenominator.
func AccruedInterestCarry(principal, rateBps, elapsedSeconds, carry int64) (interest, rest int64) {
	if principal <= 0 || rateBps <= 0 || elapsedSeconds <= 0 {
		return 0, carry
	}
	num := new(uint256.Int).Mul(uint256.NewInt(uint64(principal)), uint256.NewInt(uint64(rateBps)))
	num.Mul(num, uint256.NewInt(uint64(elapsedSeconds)))
	num.Add(num, uint256.NewInt(uint64(max(carry, 0))))

	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(num, uint256.NewInt(uint64(AccrualDenominator)), rem)
	if !quo.IsUint64() || quo.Uint64() > stdmath.MaxInt64 {
		return stdmath.MaxInt64, 0
	}
	return int64(quo.Uint64()), int64(rem.Uint64())
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
