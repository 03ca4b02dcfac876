package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/ingestion"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
)

func newTestMux(t *testing.T) (*http.ServeMux, *engine.ClearingEngine) {
	t.Helper()
	eng := engine.NewClearingEngine(engine.DefaultConfig(), nil, nil, nil, zerolog.Nop())
	api := NewAPI(eng, ingestion.NewAdminService(eng), zerolog.Nop())
	mux := http.NewServeMux()
	api.Register(mux)
	return mux, eng
}

func addMarket(t *testing.T, eng *engine.ClearingEngine) uint64 {
	t.Helper()
	now := int64(1_700_000_000)
	oracle := state.OraclePriceData{Price: fpmath.PricePrecision, Ts: now}
	idx, err := eng.InitializeMarket(
		1000*fpmath.ReservePrecision, 1000*fpmath.ReservePrecision,
		fpmath.PegPrecision, 3600, oracle, now)
	if err != nil {
		t.Fatalf("InitializeMarket: %v", err)
	}
	return idx
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return rec, decoded
}

func TestListMarkets(t *testing.T) {
	mux, eng := newTestMux(t)
	idx := addMarket(t, eng)

	rec, body := doJSON(t, mux, http.MethodGet, "/v1/markets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	markets, ok := body["markets"].([]any)
	if !ok || len(markets) != 1 {
		t.Fatalf("expected one market, got %v", body["markets"])
	}
	view := markets[0].(map[string]any)
	if uint64(view["market_index"].(float64)) != idx {
		t.Errorf("market index mismatch: %v", view["market_index"])
	}
	if view["status"] != "Active" {
		t.Errorf("expected Active status, got %v", view["status"])
	}
}

func TestGetMarketNotFound(t *testing.T) {
	mux, _ := newTestMux(t)

	rec, _ := doJSON(t, mux, http.MethodGet, "/v1/markets/42", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetBalanceAfterAdminDeposit(t *testing.T) {
	mux, _ := newTestMux(t)
	user := uuid.New()

	payload := fmt.Sprintf(`{"user":%q,"amount":1000000}`, user.String())
	rec, _ := doJSON(t, mux, http.MethodPost, "/v1/admin/deposits", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, body := doJSON(t, mux, http.MethodGet, "/v1/balances/"+user.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", rec.Code)
	}
	if int64(body["balance"].(float64)) != 1_000_000 {
		t.Errorf("expected balance 1000000, got %v", body["balance"])
	}
}

func TestAdminDepositRejectsBadBody(t *testing.T) {
	mux, _ := newTestMux(t)

	rec, _ := doJSON(t, mux, http.MethodPost, "/v1/admin/deposits", `{"user":"not-a-uuid","amount":5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec, _ = doJSON(t, mux, http.MethodPost, "/v1/admin/deposits", `{"unknown_field":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestAdminInitializeMarket(t *testing.T) {
	mux, eng := newTestMux(t)

	payload := fmt.Sprintf(`{
		"base_asset_reserve": %d,
		"quote_asset_reserve": %d,
		"peg_multiplier": %d,
		"funding_period_secs": 3600,
		"oracle_price": %d
	}`, 1000*fpmath.ReservePrecision, 1000*fpmath.ReservePrecision,
		fpmath.PegPrecision, fpmath.PricePrecision)

	rec, body := doJSON(t, mux, http.MethodPost, "/v1/admin/markets", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	idx := uint64(body["market_index"].(float64))
	if _, err := eng.Markets().Get(idx); err != nil {
		t.Fatalf("market not registered: %v", err)
	}
}

func TestGetPositionNotFound(t *testing.T) {
	mux, eng := newTestMux(t)
	addMarket(t, eng)

	rec, _ := doJSON(t, mux, http.MethodGet, "/v1/positions/"+uuid.New().String()+"/0", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
