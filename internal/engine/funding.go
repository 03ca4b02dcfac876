package engine

import (
	"fmt"
	"strconv"
	"time"

	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
)

// secondsPerDay normalizes the funding premium: the per-interval rate is the
// premium scaled by the interval's share of a day.
const secondsPerDay int64 = 86_400

// FundingResult reports a funding update. Updated is false when the call
// landed inside the current interval and changed nothing.
type FundingResult struct {
	Updated                    bool
	FundingRate                int64
	CumulativeFundingRateLong  int64
	CumulativeFundingRateShort int64
	MarkPriceTwap              int64
	OraclePriceTwap            int64
}

// UpdateFundingRate computes the mark/oracle premium over the funding
// interval and folds it into the cumulative accumulators. The side receiving
// funding accrues at most what the paying side's open interest covers, so
// the accumulators diverge under OI imbalance. Idempotent within an
// interval: a second call before the period elapses is a no-op. Stale or
// invalid oracle data is rejected before any state changes.
func (e *ClearingEngine) UpdateFundingRate(marketIndex uint64, oracle state.OraclePriceData, now int64) (FundingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observeDuration("update_funding", time.Now())

	var result FundingResult
	err := e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		if m.Status == state.MarketStatusSettlement {
			return fmt.Errorf("market %d is in settlement, funding frozen", marketIndex)
		}

		if err := m.GuardRails.CheckValidity(oracle, now); err != nil {
			e.countRejected("update_funding", "stale_oracle")
			return fmt.Errorf("%w: %v", ErrStaleOracle, err)
		}

		amm := m.Amm
		if now < amm.LastFundingRateTs+amm.FundingPeriod {
			result = FundingResult{
				Updated:                    false,
				CumulativeFundingRateLong:  amm.CumulativeFundingRateLong,
				CumulativeFundingRateShort: amm.CumulativeFundingRateShort,
				MarkPriceTwap:              amm.LastMarkPriceTwap,
				OraclePriceTwap:            amm.LastOraclePriceTwap,
			}
			return nil
		}

		oracleTwap := oracle.TwapPrice
		if oracleTwap == 0 {
			oracleTwap = oracle.Price
		}

		// Fold the current observations into the stored TWAPs with equal
		// weight per interval. Versioned time keeps this deterministic.
		markTwap := (amm.LastMarkPriceTwap + amm.MarkPrice()) / 2
		oracleTwap = (amm.LastOraclePriceTwap + oracleTwap) / 2

		premium := markTwap - oracleTwap
		rate := fpmath.MulDiv(premium, amm.FundingPeriod, secondsPerDay, fpmath.RoundHalfEven)

		// When open interest is imbalanced the receiving side's rate is
		// capped at what the paying side puts in, scaled by the OI ratio
		// and floored so the residual stays with the pool.
		rateLong, rateShort := rate, rate
		longOI, shortOI := e.positions.SideOpenInterest(marketIndex)
		if rate > 0 && shortOI > longOI {
			rateShort = fpmath.MulDiv(rate, longOI, shortOI, fpmath.RoundDown)
		} else if rate < 0 && longOI > shortOI {
			rateLong = -fpmath.MulDiv(-rate, shortOI, longOI, fpmath.RoundDown)
		}

		amm.CumulativeFundingRateLong += rateLong
		amm.CumulativeFundingRateShort += rateShort
		amm.LastFundingRateTs = now
		amm.LastMarkPriceTwap = markTwap
		amm.LastMarkPriceTwapTs = now
		amm.LastOraclePriceTwap = oracleTwap
		m.LastOraclePrice = oracle
		m.Version++

		e.postCheck("update_funding", m)

		record := &event.FundingRateRecord{
			Ts:                         now,
			Market:                     marketIndex,
			FundingRate:                rate,
			CumulativeFundingRateLong:  amm.CumulativeFundingRateLong,
			CumulativeFundingRateShort: amm.CumulativeFundingRateShort,
			MarkPriceTwap:              markTwap,
			OraclePriceTwap:            oracleTwap,
		}
		e.emit(record, nil)

		result = FundingResult{
			Updated:                    true,
			FundingRate:                rate,
			CumulativeFundingRateLong:  amm.CumulativeFundingRateLong,
			CumulativeFundingRateShort: amm.CumulativeFundingRateShort,
			MarkPriceTwap:              markTwap,
			OraclePriceTwap:            oracleTwap,
		}
		e.countOp("update_funding")
		if e.metrics != nil {
			e.metrics.FundingRate.WithLabelValues(strconv.FormatUint(marketIndex, 10)).Set(float64(rate))
		}
		return nil
	})
	return result, err
}

// RecordOraclePrice refreshes a market's last accepted oracle observation
// without running a funding update. Fill guard rails read it.
func (e *ClearingEngine) RecordOraclePrice(marketIndex uint64, oracle state.OraclePriceData, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		if err := m.GuardRails.CheckValidity(oracle, now); err != nil {
			return fmt.Errorf("%w: %v", ErrStaleOracle, err)
		}
		m.LastOraclePrice = oracle
		return nil
	})
}
