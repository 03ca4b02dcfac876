package vamm

import (
	"testing"

	fp "PerpClearing/internal/math"
)

// newTestAMM builds a balanced pool with 1000 base / 1000 quote reserves at
// the given peg, so the mark price equals the peg value in dollars.
func newTestAMM(peg int64) *AMM {
	return &AMM{
		BaseAssetReserve:  1000 * fp.ReservePrecision,
		QuoteAssetReserve: 1000 * fp.ReservePrecision,
		SqrtK:             1000 * fp.ReservePrecision,
		PegMultiplier:     peg,
		FundingPeriod:     3600,
	}
}

func TestMarkPriceBalancedPool(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision) // peg 100.000

	got := amm.MarkPrice()
	want := 100 * fp.PricePrecision
	if got != want {
		t.Errorf("MarkPrice = %d, want %d", got, want)
	}
}

func TestSwapBaseLongMovesPriceUp(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)
	before := amm.MarkPrice()

	res, err := amm.SwapBase(Long, 10*fp.ReservePrecision)
	if err != nil {
		t.Fatalf("SwapBase: %v", err)
	}

	if amm.MarkPrice() <= before {
		t.Errorf("long swap did not raise mark price: %d -> %d", before, amm.MarkPrice())
	}
	if amm.NetBaseAssetAmount != 10*fp.ReservePrecision {
		t.Errorf("NetBaseAssetAmount = %d, want %d", amm.NetBaseAssetAmount, 10*fp.ReservePrecision)
	}

	// Buying 10 of 1000 base pushes quote reserve to k/990: the taker pays
	// slightly above spot for the full clip.
	spotCost := fp.BaseToQuote(10*fp.ReservePrecision, before, fp.RoundDown)
	if res.QuoteAssetAmount <= spotCost {
		t.Errorf("long taker paid %d, expected above spot cost %d", res.QuoteAssetAmount, spotCost)
	}
}

func TestSwapBaseShortMovesPriceDown(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)
	before := amm.MarkPrice()

	res, err := amm.SwapBase(Short, 10*fp.ReservePrecision)
	if err != nil {
		t.Fatalf("SwapBase: %v", err)
	}

	if amm.MarkPrice() >= before {
		t.Errorf("short swap did not lower mark price: %d -> %d", before, amm.MarkPrice())
	}
	if amm.NetBaseAssetAmount != -10*fp.ReservePrecision {
		t.Errorf("NetBaseAssetAmount = %d, want %d", amm.NetBaseAssetAmount, -10*fp.ReservePrecision)
	}

	spotValue := fp.BaseToQuote(10*fp.ReservePrecision, before, fp.RoundDown)
	if res.QuoteAssetAmount >= spotValue {
		t.Errorf("short taker received %d, expected below spot value %d", res.QuoteAssetAmount, spotValue)
	}
}

func TestSwapRoundTripFavorsPool(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)

	buy, err := amm.SwapBase(Long, 10*fp.ReservePrecision)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := amm.SwapBase(Short, 10*fp.ReservePrecision)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if sell.QuoteAssetAmount > buy.QuoteAssetAmount {
		t.Errorf("round trip paid the taker: bought for %d, sold for %d", buy.QuoteAssetAmount, sell.QuoteAssetAmount)
	}
	if amm.NetBaseAssetAmount != 0 {
		t.Errorf("NetBaseAssetAmount = %d after round trip, want 0", amm.NetBaseAssetAmount)
	}
	if err := amm.ValidateK(); err != nil {
		t.Errorf("ValidateK after round trip: %v", err)
	}
}

func TestSwapBaseRejectsInvalidAmounts(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)

	if _, err := amm.SwapBase(Long, 0); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := amm.SwapBase(Long, -1); err == nil {
		t.Error("expected error for negative amount")
	}
	if _, err := amm.SwapBase(Long, amm.BaseAssetReserve); err == nil {
		t.Error("expected error for swap exhausting base reserve")
	}
}

func TestQuoteForBaseLeavesPoolUntouched(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)
	baseBefore, quoteBefore := amm.BaseAssetReserve, amm.QuoteAssetReserve

	quoted, err := amm.QuoteForBase(Long, 5*fp.ReservePrecision)
	if err != nil {
		t.Fatalf("QuoteForBase: %v", err)
	}
	if amm.BaseAssetReserve != baseBefore || amm.QuoteAssetReserve != quoteBefore {
		t.Error("QuoteForBase mutated reserves")
	}

	res, err := amm.SwapBase(Long, 5*fp.ReservePrecision)
	if err != nil {
		t.Fatalf("SwapBase: %v", err)
	}
	if res.QuoteAssetAmount != quoted {
		t.Errorf("quote %d differs from executed %d", quoted, res.QuoteAssetAmount)
	}
}

func TestBaseWithinLimit(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)
	mark := amm.MarkPrice()

	// Limits on the wrong side of the mark execute nothing, including a
	// limit exactly at the mark.
	for _, tc := range []struct {
		name  string
		dir   Direction
		limit int64
	}{
		{"long below mark", Long, 90 * fp.PricePrecision},
		{"long at mark", Long, mark},
		{"short above mark", Short, 110 * fp.PricePrecision},
		{"short at mark", Short, mark},
	} {
		got, err := amm.BaseWithinLimit(tc.dir, tc.limit)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != 0 {
			t.Errorf("%s: executable = %d, want 0", tc.name, got)
		}
	}

	// A long limit above mark is executable exactly until the swap lands
	// the mark on the limit, never past it.
	limit := 105 * fp.PricePrecision
	executable, err := amm.BaseWithinLimit(Long, limit)
	if err != nil {
		t.Fatalf("BaseWithinLimit: %v", err)
	}
	if executable <= 0 {
		t.Fatalf("executable = %d, want positive", executable)
	}
	scratch := amm.Clone()
	if _, err := scratch.SwapBase(Long, executable); err != nil {
		t.Fatalf("SwapBase: %v", err)
	}
	if got := scratch.MarkPrice(); got > limit {
		t.Errorf("mark after executable swap = %d, exceeds limit %d", got, limit)
	}
	// One more unit of base crosses the limit.
	if _, err := scratch.SwapBase(Long, fp.ReservePrecision/1000); err != nil {
		t.Fatalf("SwapBase past limit: %v", err)
	}
	if got := scratch.MarkPrice(); got <= limit {
		t.Errorf("mark after crossing swap = %d, expected above limit %d", got, limit)
	}

	// Short mirror: executable until the mark drops to the limit.
	limit = 95 * fp.PricePrecision
	executable, err = amm.BaseWithinLimit(Short, limit)
	if err != nil {
		t.Fatalf("BaseWithinLimit short: %v", err)
	}
	if executable <= 0 {
		t.Fatalf("short executable = %d, want positive", executable)
	}
	scratch = amm.Clone()
	if _, err := scratch.SwapBase(Short, executable); err != nil {
		t.Fatalf("SwapBase short: %v", err)
	}
	if got := scratch.MarkPrice(); got < limit {
		t.Errorf("mark after short swap = %d, below limit %d", got, limit)
	}
}

func TestMoveToPrice(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)

	target := 120 * fp.PricePrecision
	if err := amm.MoveToPrice(target); err != nil {
		t.Fatalf("MoveToPrice: %v", err)
	}

	got := amm.MarkPrice()
	// Integer sqrt allows a few parts per billion of slippage.
	if fp.Abs(got-target) > target/1_000_000 {
		t.Errorf("MarkPrice after move = %d, want ~%d", got, target)
	}
	if err := amm.ValidateK(); err != nil {
		t.Errorf("ValidateK after move: %v", err)
	}
}

func TestResizePreservesPrice(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)
	before := amm.MarkPrice()

	if err := amm.Resize(2000 * fp.ReservePrecision); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	if amm.SqrtK != 2000*fp.ReservePrecision {
		t.Errorf("SqrtK = %d, want %d", amm.SqrtK, 2000*fp.ReservePrecision)
	}
	if got := amm.MarkPrice(); got != before {
		t.Errorf("MarkPrice changed on resize: %d -> %d", before, got)
	}
	if err := amm.ValidateK(); err != nil {
		t.Errorf("ValidateK after resize: %v", err)
	}
}

func TestValidateKDetectsCorruption(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)
	amm.QuoteAssetReserve += amm.QuoteAssetReserve / 100

	if err := amm.ValidateK(); err == nil {
		t.Error("expected k drift error after reserve corruption")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	amm := newTestAMM(100 * fp.PegPrecision)
	scratch := amm.Clone()

	if _, err := scratch.SwapBase(Long, 10*fp.ReservePrecision); err != nil {
		t.Fatalf("SwapBase on clone: %v", err)
	}
	if amm.BaseAssetReserve != 1000*fp.ReservePrecision {
		t.Error("mutating clone changed original reserves")
	}
}
