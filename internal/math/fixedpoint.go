package math

import (
	"math/big"
	"sync"
)

// Precision exponents for all scaled-integer quantities in the clearing core.
// Every price, reserve, and quote amount in the system is an int64 carrying
// one of these scales; intermediate products run through pooled big.Int to
// avoid overflow.
const (
	// PricePrecision scales mark, oracle, and limit prices (10 decimals).
	PricePrecision int64 = 10_000_000_000

	// ReservePrecision scales virtual AMM reserves and position base-asset
	// amounts (13 decimals).
	ReservePrecision int64 = 10_000_000_000_000

	// QuotePrecision scales quote-asset (collateral) amounts (6 decimals).
	QuotePrecision int64 = 1_000_000

	// PegPrecision scales the AMM peg multiplier (3 decimals).
	PegPrecision int64 = 1_000

	// FundingPrecision scales cumulative funding-rate accumulators. Funding
	// is quote value per base unit, so it shares the price scale.
	FundingPrecision int64 = PricePrecision

	// BaseToQuoteDivisor converts base*price products into quote units:
	// ReservePrecision * PricePrecision / QuotePrecision.
	BaseToQuoteDivisor int64 = 100_000_000_000_000_000

	// ReserveToQuoteDivisor converts peg-adjusted quote-reserve deltas into
	// quote units: PegPrecision * ReservePrecision / QuotePrecision.
	ReserveToQuoteDivisor int64 = 10_000_000_000
)

// RoundingMode selects how integer division discards the remainder.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

// Pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b in 128-bit space. The caller must release the
// result with PutInt128 when done.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// PutInt128 returns an intermediate to the pool.
func PutInt128(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator with the given rounding.
// The denominator must be positive; the numerator may be negative.
func DivideInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)
	result := quotient.Int64()
	rem := remainder.Int64()

	switch mode {
	case RoundHalfEven:
		half := denominator / 2
		absRem := rem
		if absRem < 0 {
			absRem = -absRem
		}
		// For odd denominators absRem == half is strictly below one half.
		if absRem > half {
			if numerator.Sign() >= 0 {
				result++
			} else {
				result--
			}
		} else if absRem == half && denominator%2 == 0 && result%2 != 0 {
			if numerator.Sign() >= 0 {
				result++
			} else {
				result--
			}
		}

	case RoundDown:
		// QuoRem truncates toward zero; push negative results down.
		if rem != 0 && numerator.Sign() < 0 {
			result--
		}

	case RoundUp:
		if rem != 0 && numerator.Sign() > 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denominator through a 128-bit intermediate.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	product := MultiplyInt128(a, b)
	result := DivideInt128(product, denominator, mode)
	putInt128(product)
	return result
}

// Sqrt returns the integer square root (floor) of v. Reserve values are
// derived from the invariant constant k, which exceeds int64 range, so this
// operates on big.Int directly.
func Sqrt(v *big.Int) *big.Int {
	return new(big.Int).Sqrt(v)
}

// BaseToQuote converts a base-asset amount at a price into quote units.
// Signed inputs are allowed; the caller picks the rounding direction so that
// dust always favors the pool.
func BaseToQuote(baseAmount, price int64, mode RoundingMode) int64 {
	return MulDiv(baseAmount, price, BaseToQuoteDivisor, mode)
}

// ReserveToQuote converts a quote-reserve delta, scaled by the peg
// multiplier, into quote units.
func ReserveToQuote(reserveDelta, pegMultiplier int64, mode RoundingMode) int64 {
	return MulDiv(reserveDelta, pegMultiplier, ReserveToQuoteDivisor, mode)
}

// FundingPayment converts an accumulator delta applied to a signed base
// amount into a signed quote payment. Positive means the position pays.
func FundingPayment(accumulatorDelta, baseAmount int64) int64 {
	return MulDiv(accumulatorDelta, baseAmount, BaseToQuoteDivisor, RoundHalfEven)
}

// Abs returns the absolute value of v.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns -1, 0 or +1.
func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ClampAbs limits v to [-bound, bound]. bound must be non-negative.
func ClampAbs(v, bound int64) int64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}
