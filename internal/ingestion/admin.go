package ingestion

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/state"
)

// AdminService provides manual instruction injection for operations that do
// not arrive over NATS: market administration and operator interventions.
// Not for high-throughput ingestion (use NATS for that).
type AdminService struct {
	engine *engine.ClearingEngine
}

func NewAdminService(eng *engine.ClearingEngine) *AdminService {
	return &AdminService{engine: eng}
}

// InitializeMarket registers a new market and returns its index.
func (s *AdminService) InitializeMarket(
	baseReserve, quoteReserve, pegMultiplier, fundingPeriod int64,
	oraclePrice int64,
) (uint64, error) {
	now := time.Now().Unix()
	oracle := state.OraclePriceData{Price: oraclePrice, Ts: now}
	return s.engine.InitializeMarket(baseReserve, quoteReserve, pegMultiplier, fundingPeriod, oracle, now)
}

// MoveAmmToPrice repositions a market's reserves to the target mark price.
func (s *AdminService) MoveAmmToPrice(marketIndex uint64, targetPrice int64) error {
	if targetPrice <= 0 {
		return fmt.Errorf("target price must be positive")
	}
	return s.engine.MoveAmmToPrice(marketIndex, targetPrice)
}

// ResizeAmm rescales a market's liquidity depth.
func (s *AdminService) ResizeAmm(marketIndex uint64, newSqrtK int64) error {
	if newSqrtK <= 0 {
		return fmt.Errorf("sqrt k must be positive")
	}
	return s.engine.ResizeAmm(marketIndex, newSqrtK)
}

// UpdateMarketExpiry schedules a market's expiry.
func (s *AdminService) UpdateMarketExpiry(marketIndex uint64, expiryTs int64) error {
	return s.engine.UpdateMarketExpiry(marketIndex, expiryTs, time.Now().Unix())
}

// InjectDeposit manually credits user collateral.
func (s *AdminService) InjectDeposit(userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.engine.Deposit(userID, uuid.New(), amount, time.Now().Unix())
}

// InjectWithdrawal manually debits user collateral.
func (s *AdminService) InjectWithdrawal(userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.engine.Withdraw(userID, uuid.New(), amount, time.Now().Unix())
}

// InjectOraclePrice manually records an oracle observation.
func (s *AdminService) InjectOraclePrice(marketIndex uint64, price int64) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	now := time.Now().Unix()
	oracle := state.OraclePriceData{Price: price, Ts: now}
	return s.engine.RecordOraclePrice(marketIndex, oracle, now)
}
