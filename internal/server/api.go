package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/query"
)

// API exposes read-only queries over engine state and the admin surface
// over HTTP. High-throughput instruction flow stays on NATS; these
// endpoints exist for operators and dashboards.
type API struct {
	engine  *engine.ClearingEngine
	admin   *ingestion.AdminService
	history *query.HistoryService
	logger  zerolog.Logger
}

func NewAPI(eng *engine.ClearingEngine, admin *ingestion.AdminService, logger zerolog.Logger) *API {
	return &API{
		engine: eng,
		admin:  admin,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// WithHistory enables the record-log and journal endpoints.
func (a *API) WithHistory(history *query.HistoryService) *API {
	a.history = history
	return a
}

// Register mounts all routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/markets", a.handleListMarkets)
	mux.HandleFunc("GET /v1/markets/{index}", a.handleGetMarket)
	mux.HandleFunc("GET /v1/balances/{user}", a.handleGetBalance)
	mux.HandleFunc("GET /v1/positions/{user}/{market}", a.handleGetPosition)

	if a.history != nil {
		mux.HandleFunc("GET /v1/records", a.handleRecentRecords)
		mux.HandleFunc("GET /v1/markets/{index}/records/{type}", a.handleMarketRecords)
		mux.HandleFunc("GET /v1/journal", a.handleJournal)
	}

	mux.HandleFunc("POST /v1/admin/markets", a.handleInitializeMarket)
	mux.HandleFunc("POST /v1/admin/markets/{index}/price", a.handleMovePrice)
	mux.HandleFunc("POST /v1/admin/markets/{index}/resize", a.handleResize)
	mux.HandleFunc("POST /v1/admin/markets/{index}/expiry", a.handleExpiry)
	mux.HandleFunc("POST /v1/admin/markets/{index}/oracle", a.handleOracle)
	mux.HandleFunc("POST /v1/admin/deposits", a.handleDeposit)
	mux.HandleFunc("POST /v1/admin/withdrawals", a.handleWithdrawal)
}

// ============================================================================
// Query handlers
// ============================================================================

type marketView struct {
	MarketIndex    uint64 `json:"market_index"`
	Status         string `json:"status"`
	MarkPrice      int64  `json:"mark_price"`
	ExpiryTs       int64  `json:"expiry_ts,omitempty"`
	ExpiryPrice    int64  `json:"expiry_price,omitempty"`
	SettlementTs   int64  `json:"settlement_ts,omitempty"`
	FeePoolBalance int64  `json:"fee_pool_balance"`
	PnlPoolBalance int64  `json:"pnl_pool_balance"`
	OraclePrice    int64  `json:"oracle_price"`
	OracleTs       int64  `json:"oracle_ts"`
}

func (a *API) marketView(index uint64) (marketView, error) {
	var view marketView
	m, err := a.engine.Markets().Get(index)
	if err != nil {
		return view, err
	}
	now := time.Now().Unix()
	view = marketView{
		MarketIndex:    m.MarketIndex,
		Status:         m.EffectiveStatus(now).String(),
		MarkPrice:      m.Amm.MarkPrice(),
		ExpiryTs:       m.ExpiryTs,
		ExpiryPrice:    m.ExpiryPrice,
		SettlementTs:   m.SettlementTs,
		FeePoolBalance: m.FeePoolBalance,
		PnlPoolBalance: m.PnlPoolBalance,
		OraclePrice:    m.LastOraclePrice.Price,
		OracleTs:       m.LastOraclePrice.Ts,
	}
	return view, nil
}

func (a *API) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	indices := a.engine.Markets().Indices()
	views := make([]marketView, 0, len(indices))
	for _, idx := range indices {
		view, err := a.marketView(idx)
		if err != nil {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": views})
}

func (a *API) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market index")
		return
	}
	view, err := a.marketView(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(r.PathValue("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	balance := a.engine.BalanceTracker().GetUserCollateral(user, ledger.QuoteAsset)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user.String(),
		"asset":   "USDC",
		"balance": balance,
	})
}

type positionView struct {
	Owner                     string `json:"owner"`
	MarketIndex               uint64 `json:"market_index"`
	BaseAssetAmount           int64  `json:"base_asset_amount"`
	QuoteAssetAmount          int64  `json:"quote_asset_amount"`
	QuoteEntryAmount          int64  `json:"quote_entry_amount"`
	LastCumulativeFundingRate int64  `json:"last_cumulative_funding_rate"`
}

func (a *API) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(r.PathValue("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	index, err := strconv.ParseUint(r.PathValue("market"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market index")
		return
	}
	pos := a.engine.Position(user, index)
	if pos == nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, positionView{
		Owner:                     pos.Owner.String(),
		MarketIndex:               pos.MarketIndex,
		BaseAssetAmount:           pos.BaseAssetAmount,
		QuoteAssetAmount:          pos.QuoteAssetAmount,
		QuoteEntryAmount:          pos.QuoteEntryAmount,
		LastCumulativeFundingRate: pos.LastCumulativeFundingRate,
	})
}

// ============================================================================
// History handlers
// ============================================================================

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func (a *API) handleRecentRecords(w http.ResponseWriter, r *http.Request) {
	entries, err := a.history.RecentRecords(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": entries})
}

// handleMarketRecords serves typed history per market, e.g.
// /v1/markets/0/records/FundingRate or /v1/markets/0/records/Fill.
func (a *API) handleMarketRecords(w http.ResponseWriter, r *http.Request) {
	index, ok := pathMarketIndex(w, r)
	if !ok {
		return
	}
	entries, err := a.history.MarketRecords(r.Context(), index, r.PathValue("type"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": entries})
}

// handleJournal serves journal legs filtered by ?account=<path> or
// ?record_key=<key>. Account paths contain colons so they travel as a
// query parameter, not a path segment.
func (a *API) handleJournal(w http.ResponseWriter, r *http.Request) {
	if account := r.URL.Query().Get("account"); account != "" {
		entries, err := a.history.AccountJournal(r.Context(), account, queryLimit(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"journal": entries})
		return
	}
	if recordKey := r.URL.Query().Get("record_key"); recordKey != "" {
		entries, err := a.history.RecordJournal(r.Context(), recordKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"journal": entries})
		return
	}
	writeError(w, http.StatusBadRequest, "account or record_key query parameter required")
}

// ============================================================================
// Admin handlers
// ============================================================================

func (a *API) handleInitializeMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseReserve   int64 `json:"base_asset_reserve"`
		QuoteReserve  int64 `json:"quote_asset_reserve"`
		PegMultiplier int64 `json:"peg_multiplier"`
		FundingPeriod int64 `json:"funding_period_secs"`
		OraclePrice   int64 `json:"oracle_price"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	index, err := a.admin.InitializeMarket(req.BaseReserve, req.QuoteReserve,
		req.PegMultiplier, req.FundingPeriod, req.OraclePrice)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	a.logger.Info().Uint64("market_index", index).Msg("market initialized via admin API")
	writeJSON(w, http.StatusCreated, map[string]any{"market_index": index})
}

func (a *API) handleMovePrice(w http.ResponseWriter, r *http.Request) {
	index, ok := pathMarketIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetPrice int64 `json:"target_price"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.admin.MoveAmmToPrice(index, req.TargetPrice); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_index": index})
}

func (a *API) handleResize(w http.ResponseWriter, r *http.Request) {
	index, ok := pathMarketIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		SqrtK int64 `json:"sqrt_k"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.admin.ResizeAmm(index, req.SqrtK); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_index": index})
}

func (a *API) handleExpiry(w http.ResponseWriter, r *http.Request) {
	index, ok := pathMarketIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		ExpiryTs int64 `json:"expiry_ts"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.admin.UpdateMarketExpiry(index, req.ExpiryTs); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_index": index})
}

func (a *API) handleOracle(w http.ResponseWriter, r *http.Request) {
	index, ok := pathMarketIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Price int64 `json:"price"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.admin.InjectOraclePrice(index, req.Price); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_index": index})
}

func (a *API) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User   string `json:"user"`
		Amount int64  `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := a.admin.InjectDeposit(user, req.Amount); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user.String(), "amount": req.Amount})
}

func (a *API) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User   string `json:"user"`
		Amount int64  `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := a.admin.InjectWithdrawal(user, req.Amount); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user.String(), "amount": req.Amount})
}

// ============================================================================
// Helpers
// ============================================================================

func pathMarketIndex(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market index")
		return 0, false
	}
	return index, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
