package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetUserCollateral returns a user's free collateral balance
func (bt *BalanceTracker) GetUserCollateral(owner uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(owner, SubTypeCollateral, assetID))
}

// GetFeePool returns a market's fee pool balance
func (bt *BalanceTracker) GetFeePool(marketIndex uint64, assetID AssetID) int64 {
	return bt.GetBalance(NewMarketAccountKey(marketIndex, SubTypeFeePool, assetID))
}

// GetPnlPool returns a market's pnl pool balance
func (bt *BalanceTracker) GetPnlPool(marketIndex uint64, assetID AssetID) int64 {
	return bt.GetBalance(NewMarketAccountKey(marketIndex, SubTypePnlPool, assetID))
}

// GetRevenuePool returns the shared revenue pool balance
func (bt *BalanceTracker) GetRevenuePool(assetID AssetID) int64 {
	return bt.GetBalance(RevenuePoolKey(assetID))
}

// ValidateSufficientCollateral checks if user has enough free collateral
func (bt *BalanceTracker) ValidateSufficientCollateral(owner uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetUserCollateral(owner, assetID)
	if available < required {
		return fmt.Errorf("insufficient collateral: have=%d, need=%d", available, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (zero for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Load replaces all balances with the given set. Only snapshot restore
// calls this, before the engine starts applying instructions.
func (bt *BalanceTracker) Load(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
