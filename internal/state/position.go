package state

import (
	"github.com/google/uuid"
)

// Position is one account's exposure in one market. BaseAssetAmount is
// signed (positive long, negative short, reserve scale). QuoteAssetAmount
// is the signed quote leg of the position (quote scale): opening a long
// costs quote, so a long carries a negative quote amount; funding and pnl
// settlement adjust it in place. QuoteEntryAmount tracks the cost basis of
// the open base amount only, for realized-pnl attribution.
type Position struct {
	Owner       uuid.UUID
	MarketIndex uint64

	BaseAssetAmount  int64
	QuoteAssetAmount int64
	QuoteEntryAmount int64

	// Accumulator snapshot at last funding settlement, price scale. The
	// side the position was on at snapshot time picks which market
	// accumulator it compares against.
	LastCumulativeFundingRate int64

	// Lifetime pnl moved between this position and the pnl pool, quote
	// scale. Diagnostic only.
	SettledPnl int64

	Version int64
}

// IsFlat reports whether the position has no exposure and no residual
// quote leg.
func (p *Position) IsFlat() bool {
	return p.BaseAssetAmount == 0 && p.QuoteAssetAmount == 0
}

// IsOpen reports whether the position has base exposure.
func (p *Position) IsOpen() bool {
	return p.BaseAssetAmount != 0
}
