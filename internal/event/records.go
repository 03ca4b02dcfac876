package event

import (
	"fmt"

	"github.com/google/uuid"

	"PerpClearing/internal/vamm"
)

// RecordType discriminator for emitted record payloads
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeOrder
	RecordTypeFill
	RecordTypeFundingRate
	RecordTypeSettlePnl
	RecordTypeDeposit
	RecordTypeWithdrawal
	RecordTypeMarketSettled
	RecordTypePoolSweep
)

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeOrder:
		return "Order"
	case RecordTypeFill:
		return "Fill"
	case RecordTypeFundingRate:
		return "FundingRate"
	case RecordTypeSettlePnl:
		return "SettlePnl"
	case RecordTypeDeposit:
		return "Deposit"
	case RecordTypeWithdrawal:
		return "Withdrawal"
	case RecordTypeMarketSettled:
		return "MarketSettled"
	case RecordTypePoolSweep:
		return "PoolSweep"
	default:
		return "Unknown"
	}
}

// Record is the interface every emitted record implements. Records are the
// engine's append-only output contract: consumers (persistence, NATS
// publishing) receive them after the transition commits.
type Record interface {
	// Type returns the discriminator
	Type() RecordType

	// MarketIndex returns the market context (nil for global records)
	MarketIndex() *uint64

	// Key returns the stable dedup key for this record
	Key() string
}

// OrderAction distinguishes order lifecycle records.
type OrderAction int32

const (
	OrderActionPlace OrderAction = iota
	OrderActionCancel
)

func (a OrderAction) String() string {
	if a == OrderActionCancel {
		return "Cancel"
	}
	return "Place"
}

// OrderRecord is emitted on order placement and cancellation.
type OrderRecord struct {
	Ts              int64          `json:"ts"`
	Owner           uuid.UUID      `json:"owner"`
	Market          uint64         `json:"market_index"`
	UserOrderID     uint64         `json:"user_order_id"`
	Action          OrderAction    `json:"action"`
	Direction       vamm.Direction `json:"direction"`
	BaseAssetAmount int64          `json:"base_asset_amount"`
	RemainingAmount int64          `json:"remaining_amount"`
	LimitPrice      int64          `json:"limit_price"`
	PostOnly        bool           `json:"post_only"`
}

func (r *OrderRecord) Type() RecordType     { return RecordTypeOrder }
func (r *OrderRecord) MarketIndex() *uint64 { m := r.Market; return &m }
func (r *OrderRecord) Key() string {
	return fmt.Sprintf("order:%d:%s:%d:%s", r.Market, r.Owner, r.UserOrderID, r.Action)
}

// FillRecord is emitted once per executed fill. FillPrice is the maker's
// limit price for post-only orders; QuoteAssetAmountSurplus is the signed
// curve/limit difference credited to the fee pool.
type FillRecord struct {
	Ts                      int64          `json:"ts"`
	FillID                  uuid.UUID      `json:"fill_id"`
	Maker                   uuid.UUID      `json:"maker"`
	Filler                  uuid.UUID      `json:"filler"`
	Market                  uint64         `json:"market_index"`
	UserOrderID             uint64         `json:"user_order_id"`
	Direction               vamm.Direction `json:"direction"`
	BaseAssetAmount         int64          `json:"base_asset_amount"`
	QuoteAssetAmount        int64          `json:"quote_asset_amount"`
	FillPrice               int64          `json:"fill_price"`
	TakerFee                int64          `json:"taker_fee"`
	FillerReward            int64          `json:"filler_reward"`
	QuoteAssetAmountSurplus int64          `json:"quote_asset_amount_surplus"`
	MarkPriceAfter          int64          `json:"mark_price_after"`
}

func (r *FillRecord) Type() RecordType     { return RecordTypeFill }
func (r *FillRecord) MarketIndex() *uint64 { m := r.Market; return &m }
func (r *FillRecord) Key() string          { return "fill:" + r.FillID.String() }

// FundingRateRecord is emitted on every accepted funding update.
type FundingRateRecord struct {
	Ts                         int64  `json:"ts"`
	Market                     uint64 `json:"market_index"`
	FundingRate                int64  `json:"funding_rate"`
	CumulativeFundingRateLong  int64  `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64  `json:"cumulative_funding_rate_short"`
	MarkPriceTwap              int64  `json:"mark_price_twap"`
	OraclePriceTwap            int64  `json:"oracle_price_twap"`
}

func (r *FundingRateRecord) Type() RecordType     { return RecordTypeFundingRate }
func (r *FundingRateRecord) MarketIndex() *uint64 { m := r.Market; return &m }
func (r *FundingRateRecord) Key() string {
	return fmt.Sprintf("funding:%d:%d", r.Market, r.Ts)
}

// SettlePnlRecord is emitted per pnl settlement, including forced
// settlement at expiry.
type SettlePnlRecord struct {
	Ts                    int64     `json:"ts"`
	User                  uuid.UUID `json:"user"`
	Market                uint64    `json:"market_index"`
	Pnl                   int64     `json:"pnl"`
	BaseAssetAmount       int64     `json:"base_asset_amount"`
	QuoteAssetAmountAfter int64     `json:"quote_asset_amount_after"`
	QuoteEntryAmount      int64     `json:"quote_entry_amount"`
	SettlePrice           int64     `json:"settle_price"`
}

func (r *SettlePnlRecord) Type() RecordType     { return RecordTypeSettlePnl }
func (r *SettlePnlRecord) MarketIndex() *uint64 { m := r.Market; return &m }
func (r *SettlePnlRecord) Key() string {
	return fmt.Sprintf("settle:%d:%s:%d", r.Market, r.User, r.Ts)
}

// DepositRecord is emitted when user collateral is funded from outside.
type DepositRecord struct {
	Ts        int64     `json:"ts"`
	DepositID uuid.UUID `json:"deposit_id"`
	User      uuid.UUID `json:"user"`
	Amount    int64     `json:"amount"`
}

func (r *DepositRecord) Type() RecordType     { return RecordTypeDeposit }
func (r *DepositRecord) MarketIndex() *uint64 { return nil }
func (r *DepositRecord) Key() string          { return "deposit:" + r.DepositID.String() }

// WithdrawalRecord is emitted when collateral leaves across the external
// boundary.
type WithdrawalRecord struct {
	Ts           int64     `json:"ts"`
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	User         uuid.UUID `json:"user"`
	Amount       int64     `json:"amount"`
}

func (r *WithdrawalRecord) Type() RecordType     { return RecordTypeWithdrawal }
func (r *WithdrawalRecord) MarketIndex() *uint64 { return nil }
func (r *WithdrawalRecord) Key() string          { return "withdrawal:" + r.WithdrawalID.String() }

// MarketSettledRecord is emitted when a market enters Settlement and its
// expiry price is fixed.
type MarketSettledRecord struct {
	Ts           int64  `json:"ts"`
	Market       uint64 `json:"market_index"`
	ExpiryPrice  int64  `json:"expiry_price"`
	OracleTwap   int64  `json:"oracle_twap"`
	PriceCapped  bool   `json:"price_capped"`
	SettlementTs int64  `json:"settlement_ts"`
}

func (r *MarketSettledRecord) Type() RecordType     { return RecordTypeMarketSettled }
func (r *MarketSettledRecord) MarketIndex() *uint64 { m := r.Market; return &m }
func (r *MarketSettledRecord) Key() string {
	return fmt.Sprintf("market_settled:%d", r.Market)
}

// PoolSweepRecord is emitted when residual pool value moves to the shared
// revenue pool.
type PoolSweepRecord struct {
	Ts             int64  `json:"ts"`
	Market         uint64 `json:"market_index"`
	FeePoolSwept   int64  `json:"fee_pool_swept"`
	PnlPoolSwept   int64  `json:"pnl_pool_swept"`
	RevenuePoolNew int64  `json:"revenue_pool_new"`
}

func (r *PoolSweepRecord) Type() RecordType     { return RecordTypePoolSweep }
func (r *PoolSweepRecord) MarketIndex() *uint64 { m := r.Market; return &m }
func (r *PoolSweepRecord) Key() string {
	return fmt.Sprintf("sweep:%d:%d", r.Market, r.Ts)
}
