package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"PerpClearing/internal/state"
	"PerpClearing/internal/vamm"
)

// Instruction kinds carried on the wire. Each kind maps to one engine
// operation.
const (
	KindPlaceOrder          = "PlaceOrder"
	KindCancelOrder         = "CancelOrder"
	KindFillOrder           = "FillOrder"
	KindDeposit             = "Deposit"
	KindWithdraw            = "Withdraw"
	KindOraclePrice         = "OraclePrice"
	KindUpdateFunding       = "UpdateFunding"
	KindSettleExpiredMarket = "SettleExpiredMarket"
	KindSettlePnl           = "SettlePnl"
	KindSweepPools          = "SweepPools"
)

// Instruction is a validated, typed clearing instruction ready for the
// engine.
type Instruction interface {
	Kind() string
}

// ParseInstruction converts a RawInstruction (JSON bytes + kind) into a
// typed Instruction. The ingestion shell validates and parses before
// anything reaches the engine.
func ParseInstruction(raw RawInstruction) (Instruction, error) {
	switch raw.Kind {
	case KindPlaceOrder:
		return parsePlaceOrder(raw.Data)
	case KindCancelOrder:
		return parseCancelOrder(raw.Data)
	case KindFillOrder:
		return parseFillOrder(raw.Data)
	case KindDeposit:
		return parseDeposit(raw.Data)
	case KindWithdraw:
		return parseWithdraw(raw.Data)
	case KindOraclePrice:
		return parseOraclePrice(raw.Data)
	case KindUpdateFunding:
		return parseUpdateFunding(raw.Data)
	case KindSettleExpiredMarket:
		return parseSettleExpiredMarket(raw.Data)
	case KindSettlePnl:
		return parseSettlePnl(raw.Data)
	case KindSweepPools:
		return parseSweepPools(raw.Data)
	default:
		return nil, fmt.Errorf("unknown instruction kind: %s", raw.Kind)
	}
}

func parseDirection(s string) (vamm.Direction, error) {
	switch s {
	case "long":
		return vamm.Long, nil
	case "short":
		return vamm.Short, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type PlaceOrderInstruction struct {
	Owner           uuid.UUID
	MarketIndex     uint64
	Direction       vamm.Direction
	BaseAssetAmount int64
	LimitPrice      int64
	PostOnly        bool
	UserOrderID     uint64
	Ts              int64
}

func (i *PlaceOrderInstruction) Kind() string { return KindPlaceOrder }

type placeOrderJSON struct {
	Owner           string `json:"owner"`
	MarketIndex     uint64 `json:"market_index"`
	Direction       string `json:"direction"` // "long" or "short"
	BaseAssetAmount int64  `json:"base_asset_amount"`
	LimitPrice      int64  `json:"limit_price"`
	PostOnly        bool   `json:"post_only"`
	UserOrderID     uint64 `json:"user_order_id"`
	Ts              int64  `json:"ts"`
}

func parsePlaceOrder(data []byte) (*PlaceOrderInstruction, error) {
	var j placeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	direction, err := parseDirection(j.Direction)
	if err != nil {
		return nil, err
	}
	if j.BaseAssetAmount <= 0 {
		return nil, fmt.Errorf("base_asset_amount must be positive, got %d", j.BaseAssetAmount)
	}
	if j.LimitPrice <= 0 {
		return nil, fmt.Errorf("limit_price must be positive, got %d", j.LimitPrice)
	}
	return &PlaceOrderInstruction{
		Owner:           owner,
		MarketIndex:     j.MarketIndex,
		Direction:       direction,
		BaseAssetAmount: j.BaseAssetAmount,
		LimitPrice:      j.LimitPrice,
		PostOnly:        j.PostOnly,
		UserOrderID:     j.UserOrderID,
		Ts:              j.Ts,
	}, nil
}

type CancelOrderInstruction struct {
	Owner       uuid.UUID
	UserOrderID uint64
	Ts          int64
}

func (i *CancelOrderInstruction) Kind() string { return KindCancelOrder }

type cancelOrderJSON struct {
	Owner       string `json:"owner"`
	UserOrderID uint64 `json:"user_order_id"`
	Ts          int64  `json:"ts"`
}

func parseCancelOrder(data []byte) (*CancelOrderInstruction, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	return &CancelOrderInstruction{
		Owner:       owner,
		UserOrderID: j.UserOrderID,
		Ts:          j.Ts,
	}, nil
}

type FillOrderInstruction struct {
	Filler      uuid.UUID
	Maker       uuid.UUID
	UserOrderID uint64
	Ts          int64
}

func (i *FillOrderInstruction) Kind() string { return KindFillOrder }

type fillOrderJSON struct {
	Filler      string `json:"filler"`
	Maker       string `json:"maker"`
	UserOrderID uint64 `json:"user_order_id"`
	Ts          int64  `json:"ts"`
}

func parseFillOrder(data []byte) (*FillOrderInstruction, error) {
	var j fillOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FillOrder: %w", err)
	}
	filler, err := uuid.Parse(j.Filler)
	if err != nil {
		return nil, fmt.Errorf("parse filler: %w", err)
	}
	maker, err := uuid.Parse(j.Maker)
	if err != nil {
		return nil, fmt.Errorf("parse maker: %w", err)
	}
	return &FillOrderInstruction{
		Filler:      filler,
		Maker:       maker,
		UserOrderID: j.UserOrderID,
		Ts:          j.Ts,
	}, nil
}

type DepositInstruction struct {
	DepositID uuid.UUID
	User      uuid.UUID
	Amount    int64
	Ts        int64
}

func (i *DepositInstruction) Kind() string { return KindDeposit }

type depositJSON struct {
	DepositID string `json:"deposit_id"`
	User      string `json:"user"`
	Amount    int64  `json:"amount"`
	Ts        int64  `json:"ts"`
}

func parseDeposit(data []byte) (*DepositInstruction, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", j.Amount)
	}
	return &DepositInstruction{
		DepositID: depositID,
		User:      user,
		Amount:    j.Amount,
		Ts:        j.Ts,
	}, nil
}

type WithdrawInstruction struct {
	WithdrawalID uuid.UUID
	User         uuid.UUID
	Amount       int64
	Ts           int64
}

func (i *WithdrawInstruction) Kind() string { return KindWithdraw }

type withdrawJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	User         string `json:"user"`
	Amount       int64  `json:"amount"`
	Ts           int64  `json:"ts"`
}

func parseWithdraw(data []byte) (*WithdrawInstruction, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	withdrawalID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", j.Amount)
	}
	return &WithdrawInstruction{
		WithdrawalID: withdrawalID,
		User:         user,
		Amount:       j.Amount,
		Ts:           j.Ts,
	}, nil
}

type oracleJSON struct {
	MarketIndex uint64 `json:"market_index"`
	Price       int64  `json:"price"`
	TwapPrice   int64  `json:"twap_price"`
	Confidence  int64  `json:"confidence"`
	Ts          int64  `json:"ts"`
}

func (j *oracleJSON) toOracleData() (state.OraclePriceData, error) {
	if j.Price <= 0 {
		return state.OraclePriceData{}, fmt.Errorf("price must be positive, got %d", j.Price)
	}
	return state.OraclePriceData{
		Price:      j.Price,
		TwapPrice:  j.TwapPrice,
		Confidence: j.Confidence,
		Ts:         j.Ts,
	}, nil
}

type OraclePriceInstruction struct {
	MarketIndex uint64
	Oracle      state.OraclePriceData
	Ts          int64
}

func (i *OraclePriceInstruction) Kind() string { return KindOraclePrice }

func parseOraclePrice(data []byte) (*OraclePriceInstruction, error) {
	var j oracleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePrice: %w", err)
	}
	oracle, err := j.toOracleData()
	if err != nil {
		return nil, err
	}
	return &OraclePriceInstruction{
		MarketIndex: j.MarketIndex,
		Oracle:      oracle,
		Ts:          j.Ts,
	}, nil
}

type UpdateFundingInstruction struct {
	MarketIndex uint64
	Oracle      state.OraclePriceData
	Ts          int64
}

func (i *UpdateFundingInstruction) Kind() string { return KindUpdateFunding }

func parseUpdateFunding(data []byte) (*UpdateFundingInstruction, error) {
	var j oracleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateFunding: %w", err)
	}
	oracle, err := j.toOracleData()
	if err != nil {
		return nil, err
	}
	return &UpdateFundingInstruction{
		MarketIndex: j.MarketIndex,
		Oracle:      oracle,
		Ts:          j.Ts,
	}, nil
}

type SettleExpiredMarketInstruction struct {
	MarketIndex uint64
	Oracle      state.OraclePriceData
	Ts          int64
}

func (i *SettleExpiredMarketInstruction) Kind() string { return KindSettleExpiredMarket }

func parseSettleExpiredMarket(data []byte) (*SettleExpiredMarketInstruction, error) {
	var j oracleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleExpiredMarket: %w", err)
	}
	oracle, err := j.toOracleData()
	if err != nil {
		return nil, err
	}
	return &SettleExpiredMarketInstruction{
		MarketIndex: j.MarketIndex,
		Oracle:      oracle,
		Ts:          j.Ts,
	}, nil
}

type SettlePnlInstruction struct {
	User        uuid.UUID
	MarketIndex uint64
	Ts          int64
}

func (i *SettlePnlInstruction) Kind() string { return KindSettlePnl }

type settlePnlJSON struct {
	User        string `json:"user"`
	MarketIndex uint64 `json:"market_index"`
	Ts          int64  `json:"ts"`
}

func parseSettlePnl(data []byte) (*SettlePnlInstruction, error) {
	var j settlePnlJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlePnl: %w", err)
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	return &SettlePnlInstruction{
		User:        user,
		MarketIndex: j.MarketIndex,
		Ts:          j.Ts,
	}, nil
}

type SweepPoolsInstruction struct {
	MarketIndex uint64
	Ts          int64
}

func (i *SweepPoolsInstruction) Kind() string { return KindSweepPools }

type sweepPoolsJSON struct {
	MarketIndex uint64 `json:"market_index"`
	Ts          int64  `json:"ts"`
}

func parseSweepPools(data []byte) (*SweepPoolsInstruction, error) {
	var j sweepPoolsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SweepPools: %w", err)
	}
	return &SweepPoolsInstruction{
		MarketIndex: j.MarketIndex,
		Ts:          j.Ts,
	}, nil
}
