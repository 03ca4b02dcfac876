package state

import (
	"testing"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/vamm"
)

func newTestMarket(index uint64) *Market {
	return &Market{
		MarketIndex: index,
		Amm: &vamm.AMM{
			BaseAssetReserve:  1000 * fpmath.ReservePrecision,
			QuoteAssetReserve: 1000 * fpmath.ReservePrecision,
			SqrtK:             1000 * fpmath.ReservePrecision,
			PegMultiplier:     100 * fpmath.PegPrecision,
			FundingPeriod:     3600,
		},
		Status:     MarketStatusActive,
		GuardRails: DefaultOracleGuardRails(),
	}
}

func TestLifecycleTransitions(t *testing.T) {
	m := newTestMarket(0)

	// Settlement before ReduceOnly is illegal.
	if err := m.BeginSettlement(100*fpmath.PricePrecision, 1000); err == nil {
		t.Error("expected Active -> Settlement rejection")
	}

	if err := m.BeginReduceOnly(); err != nil {
		t.Fatalf("BeginReduceOnly: %v", err)
	}
	if m.Status != MarketStatusReduceOnly {
		t.Errorf("status = %s, want ReduceOnly", m.Status)
	}
	if err := m.BeginReduceOnly(); err == nil {
		t.Error("expected repeated ReduceOnly rejection")
	}

	if err := m.BeginSettlement(100*fpmath.PricePrecision, 5000); err != nil {
		t.Fatalf("BeginSettlement: %v", err)
	}
	if m.ExpiryPrice != 100*fpmath.PricePrecision || m.SettlementTs != 5000 {
		t.Errorf("settlement snapshot = %d @ %d", m.ExpiryPrice, m.SettlementTs)
	}

	// Settlement is terminal.
	if err := m.BeginReduceOnly(); err == nil {
		t.Error("expected transition out of Settlement rejection")
	}
	if err := m.SetExpiry(99999, 6000); err == nil {
		t.Error("expected expiry update rejection in Settlement")
	}
}

func TestEffectiveStatusFoldsExpiry(t *testing.T) {
	m := newTestMarket(0)
	if err := m.SetExpiry(2000, 1000); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}

	if got := m.EffectiveStatus(1999); got != MarketStatusActive {
		t.Errorf("before expiry: %s, want Active", got)
	}
	if got := m.EffectiveStatus(2000); got != MarketStatusReduceOnly {
		t.Errorf("at expiry: %s, want ReduceOnly", got)
	}
}

func TestSetExpiryRejectsPast(t *testing.T) {
	m := newTestMarket(0)
	if err := m.SetExpiry(1000, 1000); err == nil {
		t.Error("expected rejection of non-future expiry")
	}
}

func TestSettlementPrice(t *testing.T) {
	m := newTestMarket(0)
	if got := m.SettlementPrice(); got != m.Amm.MarkPrice() {
		t.Errorf("active settlement price = %d, want mark %d", got, m.Amm.MarkPrice())
	}

	m.Status = MarketStatusReduceOnly
	if err := m.BeginSettlement(95*fpmath.PricePrecision, 100); err != nil {
		t.Fatalf("BeginSettlement: %v", err)
	}
	if got := m.SettlementPrice(); got != 95*fpmath.PricePrecision {
		t.Errorf("frozen settlement price = %d, want %d", got, 95*fpmath.PricePrecision)
	}
}

func TestGuardRailValidity(t *testing.T) {
	rails := DefaultOracleGuardRails()
	fresh := OraclePriceData{Price: 100 * fpmath.PricePrecision, Ts: 1000}

	if err := rails.CheckValidity(fresh, 1030); err != nil {
		t.Errorf("fresh oracle rejected: %v", err)
	}
	if err := rails.CheckValidity(fresh, 1061); err == nil {
		t.Error("expected staleness rejection")
	}

	wide := fresh
	wide.Confidence = rails.Validity.ConfidenceIntervalMax + 1
	if err := rails.CheckValidity(wide, 1030); err == nil {
		t.Error("expected confidence rejection")
	}

	if err := rails.CheckValidity(OraclePriceData{Price: 0, Ts: 1000}, 1000); err == nil {
		t.Error("expected zero-price rejection")
	}
}

func TestGuardRailDivergence(t *testing.T) {
	rails := DefaultOracleGuardRails()
	oracle := 100 * fpmath.PricePrecision

	if err := rails.CheckDivergence(109*fpmath.PricePrecision, oracle); err != nil {
		t.Errorf("9%% divergence rejected: %v", err)
	}
	if err := rails.CheckDivergence(111*fpmath.PricePrecision, oracle); err == nil {
		t.Error("expected 11% divergence rejection")
	}
	if err := rails.CheckDivergence(89*fpmath.PricePrecision, oracle); err == nil {
		t.Error("expected downside divergence rejection")
	}
}

func TestMarketStore(t *testing.T) {
	store := NewMarketStore()

	if err := store.Add(newTestMarket(0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Add(newTestMarket(0)); err == nil {
		t.Error("expected duplicate index rejection")
	}
	if err := store.Add(newTestMarket(3)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := store.WithExclusive(0, func(m *Market) error {
		return m.SetExpiry(2000, 1000)
	}); err != nil {
		t.Fatalf("WithExclusive: %v", err)
	}

	m, err := store.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.ExpiryTs != 2000 {
		t.Errorf("mutation through handle lost: expiry = %d", m.ExpiryTs)
	}

	if err := store.WithExclusive(9, func(*Market) error { return nil }); err == nil {
		t.Error("expected unknown market rejection")
	}

	indices := store.Indices()
	if len(indices) != 2 || indices[0] != 0 || indices[1] != 3 {
		t.Errorf("Indices = %v", indices)
	}
}
