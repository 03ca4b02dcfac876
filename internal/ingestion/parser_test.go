package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/vamm"
)

func rawFromJSON(t *testing.T, kind string, v interface{}) ingestion.RawInstruction {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawInstruction{
		Kind:      kind,
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePlaceOrder(t *testing.T) {
	payload := map[string]interface{}{
		"owner":             "550e8400-e29b-41d4-a716-446655440000",
		"market_index":      uint64(3),
		"direction":         "long",
		"base_asset_amount": int64(10_000_000_000_000),
		"limit_price":       int64(10_100_000_000),
		"post_only":         true,
		"user_order_id":     uint64(7),
		"ts":                int64(1_700_000_000),
	}

	raw := rawFromJSON(t, ingestion.KindPlaceOrder, payload)
	inst, err := ingestion.ParseInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	po, ok := inst.(*ingestion.PlaceOrderInstruction)
	if !ok {
		t.Fatalf("expected *PlaceOrderInstruction, got %T", inst)
	}

	if po.MarketIndex != 3 {
		t.Errorf("market_index: got %d, want 3", po.MarketIndex)
	}
	if po.Direction != vamm.Long {
		t.Errorf("direction: got %d, want Long", po.Direction)
	}
	if po.BaseAssetAmount != 10_000_000_000_000 {
		t.Errorf("base_asset_amount: got %d", po.BaseAssetAmount)
	}
	if po.LimitPrice != 10_100_000_000 {
		t.Errorf("limit_price: got %d", po.LimitPrice)
	}
	if !po.PostOnly {
		t.Error("post_only not carried through")
	}
	if po.UserOrderID != 7 {
		t.Errorf("user_order_id: got %d, want 7", po.UserOrderID)
	}
	if po.Kind() != ingestion.KindPlaceOrder {
		t.Errorf("kind: got %s", po.Kind())
	}
}

func TestParsePlaceOrderRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{
			name: "bad owner uuid",
			payload: map[string]interface{}{
				"owner": "not-a-uuid", "direction": "long",
				"base_asset_amount": int64(1), "limit_price": int64(1),
			},
		},
		{
			name: "bad direction",
			payload: map[string]interface{}{
				"owner":     "550e8400-e29b-41d4-a716-446655440000",
				"direction": "sideways",
				"base_asset_amount": int64(1), "limit_price": int64(1),
			},
		},
		{
			name: "non-positive amount",
			payload: map[string]interface{}{
				"owner":     "550e8400-e29b-41d4-a716-446655440000",
				"direction": "long",
				"base_asset_amount": int64(0), "limit_price": int64(1),
			},
		},
		{
			name: "non-positive limit",
			payload: map[string]interface{}{
				"owner":     "550e8400-e29b-41d4-a716-446655440000",
				"direction": "short",
				"base_asset_amount": int64(1), "limit_price": int64(-5),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := rawFromJSON(t, ingestion.KindPlaceOrder, tc.payload)
			if _, err := ingestion.ParseInstruction(raw); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParseFillOrder(t *testing.T) {
	payload := map[string]interface{}{
		"filler":        "550e8400-e29b-41d4-a716-446655440000",
		"maker":         "660e8400-e29b-41d4-a716-446655440001",
		"user_order_id": uint64(12),
		"ts":            int64(1_700_000_010),
	}

	raw := rawFromJSON(t, ingestion.KindFillOrder, payload)
	inst, err := ingestion.ParseInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fo, ok := inst.(*ingestion.FillOrderInstruction)
	if !ok {
		t.Fatalf("expected *FillOrderInstruction, got %T", inst)
	}
	if fo.UserOrderID != 12 || fo.Ts != 1_700_000_010 {
		t.Errorf("fields not carried through: %+v", fo)
	}
	if fo.Filler == fo.Maker {
		t.Error("filler and maker should differ")
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
		"user":       "660e8400-e29b-41d4-a716-446655440001",
		"amount":     int64(1_000_000_000),
		"ts":         int64(1_700_000_000),
	}

	raw := rawFromJSON(t, ingestion.KindDeposit, payload)
	inst, err := ingestion.ParseInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dep, ok := inst.(*ingestion.DepositInstruction)
	if !ok {
		t.Fatalf("expected *DepositInstruction, got %T", inst)
	}
	if dep.Amount != 1_000_000_000 {
		t.Errorf("amount: got %d", dep.Amount)
	}
}

func TestParseDepositRejectsNegativeAmount(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
		"user":       "660e8400-e29b-41d4-a716-446655440001",
		"amount":     int64(-100),
	}

	raw := rawFromJSON(t, ingestion.KindDeposit, payload)
	if _, err := ingestion.ParseInstruction(raw); err == nil {
		t.Error("expected parse error for negative amount")
	}
}

func TestParseOracleInstructions(t *testing.T) {
	payload := map[string]interface{}{
		"market_index": uint64(1),
		"price":        int64(10_000_000_000),
		"twap_price":   int64(9_900_000_000),
		"confidence":   int64(1_000_000),
		"ts":           int64(1_700_000_000),
	}

	for _, kind := range []string{
		ingestion.KindOraclePrice,
		ingestion.KindUpdateFunding,
		ingestion.KindSettleExpiredMarket,
	} {
		raw := rawFromJSON(t, kind, payload)
		inst, err := ingestion.ParseInstruction(raw)
		if err != nil {
			t.Fatalf("parse %s failed: %v", kind, err)
		}
		if inst.Kind() != kind {
			t.Errorf("kind: got %s, want %s", inst.Kind(), kind)
		}
	}

	// Zero price is rejected for all oracle-bearing kinds.
	payload["price"] = int64(0)
	raw := rawFromJSON(t, ingestion.KindOraclePrice, payload)
	if _, err := ingestion.ParseInstruction(raw); err == nil {
		t.Error("expected parse error for zero price")
	}
}

func TestParseUnknownKind(t *testing.T) {
	raw := rawFromJSON(t, "Liquidate", map[string]interface{}{})
	if _, err := ingestion.ParseInstruction(raw); err == nil {
		t.Error("expected error for unknown instruction kind")
	}
}

func TestParseSweepPools(t *testing.T) {
	payload := map[string]interface{}{
		"market_index": uint64(5),
		"ts":           int64(1_700_003_600),
	}

	raw := rawFromJSON(t, ingestion.KindSweepPools, payload)
	inst, err := ingestion.ParseInstruction(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	sw, ok := inst.(*ingestion.SweepPoolsInstruction)
	if !ok {
		t.Fatalf("expected *SweepPoolsInstruction, got %T", inst)
	}
	if sw.MarketIndex != 5 || sw.Ts != 1_700_003_600 {
		t.Errorf("fields not carried through: %+v", sw)
	}
}
