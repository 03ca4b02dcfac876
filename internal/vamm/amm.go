package vamm

import (
	"fmt"
	"math/big"

	fp "PerpClearing/internal/math"
)

// markPriceShift bridges the peg-adjusted reserve ratio up to price scale:
// PricePrecision / PegPrecision.
const markPriceShift int64 = 10_000_000

// Direction of a taker swap against the pool.
type Direction int

const (
	Long  Direction = 1  // taker buys base, base reserve shrinks
	Short Direction = -1 // taker sells base, base reserve grows
)

func (d Direction) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// AMM is the virtual constant-product pool backing one market. Reserves are
// virtual: no tokens sit behind them, they only set the price curve. All
// fields are reserve-scaled int64 except PegMultiplier (peg scale) and the
// quote-denominated tracking fields (quote scale).
type AMM struct {
	BaseAssetReserve  int64
	QuoteAssetReserve int64
	SqrtK             int64
	PegMultiplier     int64

	// Net user exposure the pool has absorbed. Positive when users are net
	// long. Reserve scale.
	NetBaseAssetAmount int64

	// Sum of all open positions' quote-asset amounts plus every quote unit
	// the pool has paid out or collected. Conservation pivot for the
	// zero-sum check. Quote scale.
	QuoteAssetAmount int64

	// Funding accumulators, price scale. Split per side: when open
	// interest is imbalanced the receiving side accrues a capped rate, so
	// the legs diverge over time.
	CumulativeFundingRateLong  int64
	CumulativeFundingRateShort int64
	LastFundingRateTs          int64
	FundingPeriod              int64

	// TWAPs feeding the funding premium. Price scale.
	LastMarkPriceTwap   int64
	LastMarkPriceTwapTs int64
	LastOraclePriceTwap int64

	// Lifetime fees collected minus distributions, quote scale. Mirrors the
	// fee pool direction for diagnostics.
	TotalFeeMinusDistributions int64
}

// SwapResult reports the outcome of a reserve swap before commit.
type SwapResult struct {
	BaseAssetAmount   int64 // reserve scale, always positive
	QuoteReserveDelta int64 // reserve scale, always positive
	QuoteAssetAmount  int64 // quote scale, always positive
	NewBaseReserve    int64
	NewQuoteReserve   int64
}

// Clone returns a scratch copy. Fill and settlement paths mutate the copy
// and commit only after every check passes, so a rejected instruction leaves
// the pool untouched.
func (a *AMM) Clone() *AMM {
	c := *a
	return &c
}

// invariantK returns base * quote as a big.Int.
func (a *AMM) invariantK() *big.Int {
	k := fp.MultiplyInt128(a.BaseAssetReserve, a.QuoteAssetReserve)
	return k
}

// MarkPrice returns the instantaneous pool price, price scale:
// quoteReserve * peg / baseReserve, lifted from peg to price precision.
func (a *AMM) MarkPrice() int64 {
	num := fp.MultiplyInt128(a.QuoteAssetReserve, a.PegMultiplier)
	num.Mul(num, big.NewInt(markPriceShift))
	price := fp.DivideInt128(num, a.BaseAssetReserve, fp.RoundHalfEven)
	fp.PutInt128(num)
	return price
}

// SwapBase trades baseAmount (positive, reserve scale) against the curve in
// the given direction and returns the quote legs. The receiver is mutated;
// callers swap on a Clone and commit after validation.
//
// Rounding always favors the pool: a long pays the ceiling of the curve
// quote, a short receives the floor.
func (a *AMM) SwapBase(direction Direction, baseAmount int64) (SwapResult, error) {
	if baseAmount <= 0 {
		return SwapResult{}, fmt.Errorf("swap base amount must be positive, got %d", baseAmount)
	}

	k := a.invariantK()
	defer fp.PutInt128(k)

	var newBase int64
	if direction == Long {
		newBase = a.BaseAssetReserve - baseAmount
		if newBase <= 0 {
			return SwapResult{}, fmt.Errorf("swap exhausts base reserve: %d - %d", a.BaseAssetReserve, baseAmount)
		}
	} else {
		newBase = a.BaseAssetReserve + baseAmount
	}

	roundMode := fp.RoundDown
	if direction == Long {
		roundMode = fp.RoundUp
	}
	newQuote := fp.DivideInt128(k, newBase, roundMode)

	var quoteReserveDelta int64
	if direction == Long {
		quoteReserveDelta = newQuote - a.QuoteAssetReserve
	} else {
		quoteReserveDelta = a.QuoteAssetReserve - newQuote
	}
	if quoteReserveDelta < 0 {
		return SwapResult{}, fmt.Errorf("negative quote reserve delta %d", quoteReserveDelta)
	}

	quoteMode := fp.RoundUp // long taker pays, round against them
	if direction == Short {
		quoteMode = fp.RoundDown // short taker receives, round against them
	}
	quoteAmount := fp.ReserveToQuote(quoteReserveDelta, a.PegMultiplier, quoteMode)

	a.BaseAssetReserve = newBase
	a.QuoteAssetReserve = newQuote
	a.NetBaseAssetAmount += int64(direction) * baseAmount

	return SwapResult{
		BaseAssetAmount:   baseAmount,
		QuoteReserveDelta: quoteReserveDelta,
		QuoteAssetAmount:  quoteAmount,
		NewBaseReserve:    newBase,
		NewQuoteReserve:   newQuote,
	}, nil
}

// QuoteForBase prices a hypothetical swap without mutating reserves.
func (a *AMM) QuoteForBase(direction Direction, baseAmount int64) (int64, error) {
	scratch := a.Clone()
	res, err := scratch.SwapBase(direction, baseAmount)
	if err != nil {
		return 0, err
	}
	return res.QuoteAssetAmount, nil
}

// BaseWithinLimit returns how much base can trade in the given direction
// before the mark price crosses limitPrice, reserve scale. Zero means the
// limit sits on the wrong side of the curve and nothing is executable.
//
// The post-fill base reserve rounds toward the limit (up for a buy, down
// for a sell) so the final mark never lands past the limit.
func (a *AMM) BaseWithinLimit(direction Direction, limitPrice int64) (int64, error) {
	if limitPrice <= 0 {
		return 0, fmt.Errorf("limit price must be positive, got %d", limitPrice)
	}

	k := a.invariantK()
	defer fp.PutInt128(k)

	// base^2 at the limit = k * peg * shift / limit, as in MoveToPrice.
	num := new(big.Int).Mul(k, big.NewInt(a.PegMultiplier))
	num.Mul(num, big.NewInt(markPriceShift))
	num.Quo(num, big.NewInt(limitPrice))

	limitBase := fp.Sqrt(num)
	if !limitBase.IsInt64() || limitBase.Int64() <= 0 {
		return 0, fmt.Errorf("base reserve at limit out of range")
	}
	base := limitBase.Int64()

	var executable int64
	if direction == Long {
		if new(big.Int).Mul(limitBase, limitBase).Cmp(num) < 0 {
			base++
		}
		executable = a.BaseAssetReserve - base
	} else {
		executable = base - a.BaseAssetReserve
	}
	if executable < 0 {
		executable = 0
	}
	return executable, nil
}

// MoveToPrice repositions both reserves on the current k curve so the mark
// price lands on targetPrice. Used by funding-neutral repegs and tests; net
// position is unchanged because no swap occurs.
func (a *AMM) MoveToPrice(targetPrice int64) error {
	if targetPrice <= 0 {
		return fmt.Errorf("target price must be positive, got %d", targetPrice)
	}

	k := a.invariantK()
	defer fp.PutInt128(k)

	// base^2 = k * peg * shift / price
	num := new(big.Int).Mul(k, big.NewInt(a.PegMultiplier))
	num.Mul(num, big.NewInt(markPriceShift))
	num.Quo(num, big.NewInt(targetPrice))

	newBase := fp.Sqrt(num)
	if !newBase.IsInt64() || newBase.Int64() <= 0 {
		return fmt.Errorf("repriced base reserve out of range")
	}
	newQuote := new(big.Int).Quo(k, newBase)
	if !newQuote.IsInt64() {
		return fmt.Errorf("repriced quote reserve out of range")
	}

	a.BaseAssetReserve = newBase.Int64()
	a.QuoteAssetReserve = newQuote.Int64()
	return nil
}

// Resize scales both reserves to a new sqrt-k, preserving the current price.
func (a *AMM) Resize(newSqrtK int64) error {
	if newSqrtK <= 0 {
		return fmt.Errorf("sqrt k must be positive, got %d", newSqrtK)
	}
	a.BaseAssetReserve = fp.MulDiv(a.BaseAssetReserve, newSqrtK, a.SqrtK, fp.RoundHalfEven)
	a.QuoteAssetReserve = fp.MulDiv(a.QuoteAssetReserve, newSqrtK, a.SqrtK, fp.RoundHalfEven)
	a.SqrtK = newSqrtK
	return nil
}

// ValidateK checks that the reserves still sit on the sqrt-k curve within
// one part per million. Swap rounding drifts k slightly in the pool's favor;
// anything larger signals reserve corruption.
func (a *AMM) ValidateK() error {
	if a.BaseAssetReserve <= 0 || a.QuoteAssetReserve <= 0 {
		return fmt.Errorf("non-positive reserve: base=%d quote=%d", a.BaseAssetReserve, a.QuoteAssetReserve)
	}

	k := a.invariantK()
	defer fp.PutInt128(k)

	sqrtK := fp.Sqrt(k)
	if !sqrtK.IsInt64() {
		return fmt.Errorf("sqrt k out of int64 range")
	}

	drift := fp.Abs(sqrtK.Int64() - a.SqrtK)
	tolerance := fp.Max(a.SqrtK/1_000_000, 1)
	if drift > tolerance {
		return fmt.Errorf("k invariant drift %d exceeds tolerance %d (sqrt k %d, expected %d)",
			drift, tolerance, sqrtK.Int64(), a.SqrtK)
	}
	return nil
}
