package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from clearing
// instructions. Fees and surplus move between the fee pool and the market's
// virtual-exposure account because they are carved out of curve pricing, not
// paid from anyone's collateral directly; user collateral only moves on
// deposits, withdrawals, filler rewards, and pnl settlement.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendJournal(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// appendSigned posts amount from credit to debit, flipping direction when
// amount is negative so journal amounts stay positive.
func (jg *JournalGenerator) appendSigned(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	switch {
	case amount > 0:
		jg.appendJournal(b, debit, credit, amount, jt)
	case amount < 0:
		jg.appendJournal(b, credit, debit, -amount, jt)
	}
}

// GenerateDeposit funds user collateral across the external boundary.
func (jg *JournalGenerator) GenerateDeposit(
	owner uuid.UUID,
	depositID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	batch := jg.newBatch(depositID.String(), timestamp, 1)
	jg.appendJournal(batch,
		NewUserAccountKey(owner, SubTypeCollateral, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		amount, JournalTypeDeposit)

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal returns collateral across the external boundary.
// Pre-check: the user must hold the full amount as free collateral.
func (jg *JournalGenerator) GenerateWithdrawal(
	owner uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}
	if err := jg.balanceTracker.ValidateSufficientCollateral(owner, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(withdrawalID.String(), timestamp, 1)
	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewUserAccountKey(owner, SubTypeCollateral, assetID),
		amount, JournalTypeWithdrawal)

	jg.sequence++
	return batch, nil
}

// GenerateFillCharges books one fill's taker fee, curve surplus, and filler
// reward. Fee and surplus accrue to the fee pool against the market's
// virtual exposure; the surplus may run negative when the curve beat the
// maker's limit. Returns nil when nothing needs booking (a surplus-free
// post-only fill).
func (jg *JournalGenerator) GenerateFillCharges(
	marketIndex uint64,
	fillRef string,
	takerFee int64,
	surplus int64,
	filler uuid.UUID,
	fillerReward int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if takerFee < 0 {
		return nil, fmt.Errorf("taker fee must be non-negative, got %d", takerFee)
	}
	if fillerReward < 0 || fillerReward > takerFee {
		return nil, fmt.Errorf("filler reward %d out of range for fee %d", fillerReward, takerFee)
	}

	feePool := NewMarketAccountKey(marketIndex, SubTypeFeePool, assetID)
	ammAccount := NewMarketAccountKey(marketIndex, SubTypeAmm, assetID)

	batch := jg.newBatch(fillRef, timestamp, 3)
	if takerFee > 0 {
		jg.appendJournal(batch, feePool, ammAccount, takerFee, JournalTypeTakerFee)
	}
	jg.appendSigned(batch, feePool, ammAccount, surplus, JournalTypeSurplus)
	if fillerReward > 0 {
		jg.appendJournal(batch,
			NewUserAccountKey(filler, SubTypeCollateral, assetID),
			feePool, fillerReward, JournalTypeFillerReward)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	jg.sequence++
	return batch, nil
}

// GeneratePnlSettlement realizes settled pnl between user collateral and the
// market pnl pool. Positive settled pays the user.
func (jg *JournalGenerator) GeneratePnlSettlement(
	owner uuid.UUID,
	marketIndex uint64,
	settleRef string,
	settled int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if settled == 0 {
		return nil, nil
	}

	batch := jg.newBatch(settleRef, timestamp, 1)
	jg.appendSigned(batch,
		NewUserAccountKey(owner, SubTypeCollateral, assetID),
		NewMarketAccountKey(marketIndex, SubTypePnlPool, assetID),
		settled, JournalTypePnlSettlement)

	jg.sequence++
	return batch, nil
}

// GeneratePoolTopUp moves fee-pool value into the pnl pool so a positive
// settlement can be honored up to pool capacity.
func (jg *JournalGenerator) GeneratePoolTopUp(
	marketIndex uint64,
	settleRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("top-up amount must be positive, got %d", amount)
	}

	batch := jg.newBatch(settleRef+":topup", timestamp, 1)
	jg.appendJournal(batch,
		NewMarketAccountKey(marketIndex, SubTypePnlPool, assetID),
		NewMarketAccountKey(marketIndex, SubTypeFeePool, assetID),
		amount, JournalTypePoolTopUp)

	jg.sequence++
	return batch, nil
}

// GenerateSettlementFee books the fee charged when an expired position is
// force-settled. The user's claim shrank through their position's quote leg,
// so the fee accrues against the market's virtual exposure.
func (jg *JournalGenerator) GenerateSettlementFee(
	marketIndex uint64,
	settleRef string,
	fee int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if fee <= 0 {
		return nil, fmt.Errorf("settlement fee must be positive, got %d", fee)
	}

	batch := jg.newBatch(settleRef+":fee", timestamp, 1)
	jg.appendJournal(batch,
		NewMarketAccountKey(marketIndex, SubTypeFeePool, assetID),
		NewMarketAccountKey(marketIndex, SubTypeAmm, assetID),
		fee, JournalTypeSettlementFee)

	jg.sequence++
	return batch, nil
}

// GenerateSweep drains both market pools into the shared revenue pool in one
// atomic batch. Either pool may be negative; direction flips per leg so all
// journal amounts stay positive. Returns nil when both pools are already
// empty.
func (jg *JournalGenerator) GenerateSweep(
	marketIndex uint64,
	sweepRef string,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	feeBalance := jg.balanceTracker.GetFeePool(marketIndex, assetID)
	pnlBalance := jg.balanceTracker.GetPnlPool(marketIndex, assetID)
	if feeBalance == 0 && pnlBalance == 0 {
		return nil, nil
	}

	revenue := RevenuePoolKey(assetID)

	batch := jg.newBatch(sweepRef, timestamp, 2)
	jg.appendSigned(batch, revenue,
		NewMarketAccountKey(marketIndex, SubTypeFeePool, assetID),
		feeBalance, JournalTypePoolSweep)
	jg.appendSigned(batch, revenue,
		NewMarketAccountKey(marketIndex, SubTypePnlPool, assetID),
		pnlBalance, JournalTypePoolSweep)

	jg.sequence++
	return batch, nil
}

// Sequence returns the next sequence number to be assigned.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}
