package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateUserCollateralNonNegative checks user collateral >= 0. Holds after
// every settlement because negative pnl is clamped to the user's balance.
func (v *InvariantValidator) ValidateUserCollateralNonNegative(owner uuid.UUID, assetID AssetID) error {
	key := NewUserAccountKey(owner, SubTypeCollateral, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidatePoolMirrors verifies a market record's pool fields agree with the
// ledger accounts they mirror.
func (v *InvariantValidator) ValidatePoolMirrors(marketIndex uint64, assetID AssetID, feePoolMirror, pnlPoolMirror int64) error {
	fee := v.tracker.GetFeePool(marketIndex, assetID)
	if fee != feePoolMirror {
		return fmt.Errorf("market %d fee pool mirror %d != ledger %d", marketIndex, feePoolMirror, fee)
	}
	pnl := v.tracker.GetPnlPool(marketIndex, assetID)
	if pnl != pnlPoolMirror {
		return fmt.Errorf("market %d pnl pool mirror %d != ledger %d", marketIndex, pnlPoolMirror, pnl)
	}
	return nil
}

// ValidatePoolsZero verifies both market pools are empty after a sweep.
func (v *InvariantValidator) ValidatePoolsZero(marketIndex uint64, assetID AssetID) error {
	if fee := v.tracker.GetFeePool(marketIndex, assetID); fee != 0 {
		return fmt.Errorf("market %d fee pool non-zero after sweep: %d", marketIndex, fee)
	}
	if pnl := v.tracker.GetPnlPool(marketIndex, assetID); pnl != 0 {
		return fmt.Errorf("market %d pnl pool non-zero after sweep: %d", marketIndex, pnl)
	}
	return nil
}
