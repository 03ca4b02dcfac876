package state

import (
	"github.com/google/uuid"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/vamm"
)

// PositionManager owns all position records. Not safe for concurrent use;
// the engine serializes access per market.
type PositionManager struct {
	positions map[PositionKey]*Position
}

type PositionKey struct {
	Owner       uuid.UUID
	MarketIndex uint64
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]*Position),
	}
}

// GetPosition returns existing position or nil
func (pm *PositionManager) GetPosition(owner uuid.UUID, marketIndex uint64) *Position {
	key := PositionKey{Owner: owner, MarketIndex: marketIndex}
	return pm.positions[key]
}

// GetOrCreatePosition returns existing or creates new flat position
func (pm *PositionManager) GetOrCreatePosition(owner uuid.UUID, marketIndex uint64) *Position {
	key := PositionKey{Owner: owner, MarketIndex: marketIndex}
	pos := pm.positions[key]

	if pos == nil {
		pos = &Position{
			Owner:       owner,
			MarketIndex: marketIndex,
		}
		pm.positions[key] = pos
	}

	return pos
}

// SettleFunding applies the funding accrued since the position's last
// snapshot and returns the signed payment (positive: position pays).
// Each side settles against its own accumulator so rounding residue stays
// inside the pool. A flat position only refreshes its snapshot.
func (pm *PositionManager) SettleFunding(pos *Position, amm *vamm.AMM) int64 {
	var accumulator int64
	switch {
	case pos.BaseAssetAmount > 0:
		accumulator = amm.CumulativeFundingRateLong
	case pos.BaseAssetAmount < 0:
		accumulator = amm.CumulativeFundingRateShort
	default:
		pos.LastCumulativeFundingRate = amm.CumulativeFundingRateLong
		return 0
	}

	delta := accumulator - pos.LastCumulativeFundingRate
	if delta == 0 {
		return 0
	}

	payment := fpmath.FundingPayment(delta, pos.BaseAssetAmount)
	pos.QuoteAssetAmount -= payment
	pos.LastCumulativeFundingRate = accumulator
	pos.Version++
	return payment
}

// ApplyFillDelta applies a signed base/quote delta from one fill. baseDelta
// carries the fill direction; quoteDelta is the opposing quote leg (negative
// when the position pays quote, i.e. a long open). Returns the pnl realized
// on any closed portion.
//
// Five cases: open from flat, increase, partial reduce, full close, and
// flip through zero. Flipping realizes pnl on the crossed portion only and
// restarts the cost basis at the fill price for the remainder.
func (pm *PositionManager) ApplyFillDelta(pos *Position, baseDelta, quoteDelta int64) (realizedPnl int64) {
	defer func() { pos.Version++ }()

	// Open or increase: same sign or starting flat.
	if pos.BaseAssetAmount == 0 || fpmath.Sign(pos.BaseAssetAmount) == fpmath.Sign(baseDelta) {
		pos.BaseAssetAmount += baseDelta
		pos.QuoteAssetAmount += quoteDelta
		pos.QuoteEntryAmount += quoteDelta
		return 0
	}

	absBase := fpmath.Abs(pos.BaseAssetAmount)
	absDelta := fpmath.Abs(baseDelta)

	if absDelta <= absBase {
		// Reduce or close. The closed fraction of the entry basis plus the
		// incoming quote leg is the realized pnl.
		closedEntry := fpmath.MulDiv(pos.QuoteEntryAmount, absDelta, absBase, fpmath.RoundHalfEven)
		realizedPnl = quoteDelta + closedEntry

		pos.BaseAssetAmount += baseDelta
		pos.QuoteAssetAmount += quoteDelta
		pos.QuoteEntryAmount -= closedEntry
		if pos.BaseAssetAmount == 0 {
			pos.QuoteEntryAmount = 0
		}
		return realizedPnl
	}

	// Flip: close the whole old side, open the remainder on the new side.
	quoteClosed := fpmath.MulDiv(quoteDelta, absBase, absDelta, fpmath.RoundHalfEven)
	realizedPnl = quoteClosed + pos.QuoteEntryAmount

	pos.BaseAssetAmount += baseDelta
	pos.QuoteAssetAmount += quoteDelta
	pos.QuoteEntryAmount = quoteDelta - quoteClosed
	return realizedPnl
}

// UnrealizedPnl values the open base amount at price and nets it against
// the position's quote leg.
func (pm *PositionManager) UnrealizedPnl(pos *Position, price int64) int64 {
	if pos.IsFlat() {
		return 0
	}
	// Floor so valuation dust never leaves the pool.
	baseValue := fpmath.BaseToQuote(pos.BaseAssetAmount, price, fpmath.RoundDown)
	return baseValue + pos.QuoteAssetAmount
}

// OpenInterest sums |base| across open positions in a market, reserve scale.
func (pm *PositionManager) OpenInterest(marketIndex uint64) int64 {
	var total int64
	for key, pos := range pm.positions {
		if key.MarketIndex == marketIndex {
			total += fpmath.Abs(pos.BaseAssetAmount)
		}
	}
	return total
}

// SideOpenInterest splits a market's open interest by side, reserve scale.
// Both values are non-negative.
func (pm *PositionManager) SideOpenInterest(marketIndex uint64) (longOI, shortOI int64) {
	for key, pos := range pm.positions {
		if key.MarketIndex != marketIndex {
			continue
		}
		if pos.BaseAssetAmount > 0 {
			longOI += pos.BaseAssetAmount
		} else {
			shortOI -= pos.BaseAssetAmount
		}
	}
	return longOI, shortOI
}

// SumQuoteAssetAmounts totals the signed quote legs of all positions in a
// market, the user side of the conservation check.
func (pm *PositionManager) SumQuoteAssetAmounts(marketIndex uint64) int64 {
	var total int64
	for key, pos := range pm.positions {
		if key.MarketIndex == marketIndex {
			total += pos.QuoteAssetAmount
		}
	}
	return total
}

// SetPosition directly installs a position (snapshot restore, tests).
func (pm *PositionManager) SetPosition(pos *Position) {
	key := PositionKey{Owner: pos.Owner, MarketIndex: pos.MarketIndex}
	pm.positions[key] = pos
}

// GetAllPositions returns all positions (for iteration)
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	return result
}

// GetMarketPositions returns all positions on a market.
func (pm *PositionManager) GetMarketPositions(marketIndex uint64) []*Position {
	result := make([]*Position, 0)
	for key, pos := range pm.positions {
		if key.MarketIndex == marketIndex {
			result = append(result, pos)
		}
	}
	return result
}
