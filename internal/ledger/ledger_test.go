package ledger_test

import (
	"testing"

	"github.com/google/uuid"

	"PerpClearing/internal/ledger"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(owner, ledger.SubTypeCollateral, ledger.QuoteAsset)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_MarketPath(t *testing.T) {
	key := ledger.NewMarketAccountKey(7, ledger.SubTypeFeePool, ledger.QuoteAsset)

	path := key.AccountPath()
	if path != "market:7:fee_pool:USDC" {
		t.Errorf("got %q, want %q", path, "market:7:fee_pool:USDC")
	}
	if key.MarketIndex() != 7 {
		t.Errorf("MarketIndex = %d, want 7", key.MarketIndex())
	}
}

func TestAccountKey_RevenuePoolPath(t *testing.T) {
	key := ledger.RevenuePoolKey(ledger.QuoteAsset)

	path := key.AccountPath()
	if path != "system:revenue_pool:USDC" {
		t.Errorf("got %q, want %q", path, "system:revenue_pool:USDC")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.QuoteAsset)

	path := key.AccountPath()
	if path != "external:deposits:USDC" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDC")
	}
}

func TestAccountKey_MarketKeysDistinct(t *testing.T) {
	a := ledger.NewMarketAccountKey(1, ledger.SubTypeFeePool, ledger.QuoteAsset)
	b := ledger.NewMarketAccountKey(2, ledger.SubTypeFeePool, ledger.QuoteAsset)
	c := ledger.NewMarketAccountKey(1, ledger.SubTypePnlPool, ledger.QuoteAsset)

	if a == b || a == c {
		t.Error("market keys must differ per index and sub-type")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func depositJournal(owner uuid.UUID, amount int64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(owner, ledger.SubTypeCollateral, ledger.QuoteAsset),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.QuoteAsset),
		AssetID:       ledger.QuoteAsset,
		Amount:        amount,
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()

	bt.ApplyJournal(depositJournal(owner, 1_000_000))

	if got := bt.GetUserCollateral(owner, ledger.QuoteAsset); got != 1_000_000 {
		t.Errorf("collateral: got %d, want 1_000_000", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()

	bt.ApplyJournal(depositJournal(owner, 1_000_000))

	// Fee accrues against the market's virtual exposure.
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewMarketAccountKey(0, ledger.SubTypeFeePool, ledger.QuoteAsset),
		CreditAccount: ledger.NewMarketAccountKey(0, ledger.SubTypeAmm, ledger.QuoteAsset),
		AssetID:       ledger.QuoteAsset,
		Amount:        300,
	})

	totals := bt.ComputeGlobalBalance()
	for aid, total := range totals {
		if total != 0 {
			t.Errorf("asset %d has non-zero global balance: %d", aid, total)
		}
	}
}

func TestBalanceTracker_ValidateSufficientCollateral(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()

	if err := bt.ValidateSufficientCollateral(owner, ledger.QuoteAsset, 100); err == nil {
		t.Error("expected error for insufficient balance")
	}

	bt.ApplyJournal(depositJournal(owner, 1_000))

	if err := bt.ValidateSufficientCollateral(owner, ledger.QuoteAsset, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficientCollateral(owner, ledger.QuoteAsset, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	owner := uuid.New()
	bt.ApplyJournal(depositJournal(owner, 999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	for k := range snap {
		snap[k] = 0
	}

	if bt.GetUserCollateral(owner, ledger.QuoteAsset) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batchID := uuid.New()
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, ledger.QuoteAsset),
					CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.QuoteAsset),
					AssetID:       ledger.QuoteAsset,
					Amount:        amount,
				},
			},
		}

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, ledger.QuoteAsset)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				AssetID:       ledger.QuoteAsset,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(), // Different batch ID
				DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, ledger.QuoteAsset),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.QuoteAsset),
				AssetID:       ledger.QuoteAsset,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_DepositThenWithdrawal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	owner := uuid.New()

	dep, err := jg.GenerateDeposit(owner, uuid.New(), 1_000_000, ledger.QuoteAsset, 100)
	if err != nil {
		t.Fatalf("GenerateDeposit: %v", err)
	}
	if err := bt.ApplyBatch(dep); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if got := bt.GetUserCollateral(owner, ledger.QuoteAsset); got != 1_000_000 {
		t.Errorf("collateral after deposit = %d", got)
	}

	// Over-withdrawal is rejected by pre-check.
	if _, err := jg.GenerateWithdrawal(owner, uuid.New(), 2_000_000, ledger.QuoteAsset, 101); err == nil {
		t.Error("expected over-withdrawal rejection")
	}

	wd, err := jg.GenerateWithdrawal(owner, uuid.New(), 400_000, ledger.QuoteAsset, 102)
	if err != nil {
		t.Fatalf("GenerateWithdrawal: %v", err)
	}
	if err := bt.ApplyBatch(wd); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if got := bt.GetUserCollateral(owner, ledger.QuoteAsset); got != 600_000 {
		t.Errorf("collateral after withdrawal = %d", got)
	}
}

func TestGenerator_FillCharges(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	filler := uuid.New()

	batch, err := jg.GenerateFillCharges(0, "fill-1", 1_000, 250, filler, 100, ledger.QuoteAsset, 50)
	if err != nil {
		t.Fatalf("GenerateFillCharges: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	// Fee + surplus in, filler reward out.
	if got := bt.GetFeePool(0, ledger.QuoteAsset); got != 1_150 {
		t.Errorf("fee pool = %d, want 1150", got)
	}
	if got := bt.GetUserCollateral(filler, ledger.QuoteAsset); got != 100 {
		t.Errorf("filler collateral = %d, want 100", got)
	}
}

func TestGenerator_FillChargesNegativeSurplus(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	batch, err := jg.GenerateFillCharges(0, "fill-2", 0, -300, uuid.Nil, 0, ledger.QuoteAsset, 50)
	if err != nil {
		t.Fatalf("GenerateFillCharges: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := bt.GetFeePool(0, ledger.QuoteAsset); got != -300 {
		t.Errorf("fee pool = %d, want -300", got)
	}
}

func TestGenerator_FillChargesEmpty(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	batch, err := jg.GenerateFillCharges(0, "fill-3", 0, 0, uuid.Nil, 0, ledger.QuoteAsset, 50)
	if err != nil {
		t.Fatalf("GenerateFillCharges: %v", err)
	}
	if batch != nil {
		t.Error("expected nil batch for a charge-free fill")
	}
}

func TestGenerator_FillChargesRejectsBadReward(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	if _, err := jg.GenerateFillCharges(0, "fill-4", 100, 0, uuid.New(), 200, ledger.QuoteAsset, 50); err == nil {
		t.Error("expected rejection of reward exceeding fee")
	}
}

func TestGenerator_PnlSettlementBothDirections(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	owner := uuid.New()

	gain, err := jg.GeneratePnlSettlement(owner, 0, "settle-1", 5_000, ledger.QuoteAsset, 60)
	if err != nil {
		t.Fatalf("GeneratePnlSettlement: %v", err)
	}
	if err := bt.ApplyBatch(gain); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if got := bt.GetUserCollateral(owner, ledger.QuoteAsset); got != 5_000 {
		t.Errorf("collateral after gain = %d", got)
	}
	if got := bt.GetPnlPool(0, ledger.QuoteAsset); got != -5_000 {
		t.Errorf("pnl pool after gain = %d", got)
	}

	loss, err := jg.GeneratePnlSettlement(owner, 0, "settle-2", -2_000, ledger.QuoteAsset, 61)
	if err != nil {
		t.Fatalf("GeneratePnlSettlement: %v", err)
	}
	if err := bt.ApplyBatch(loss); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if got := bt.GetUserCollateral(owner, ledger.QuoteAsset); got != 3_000 {
		t.Errorf("collateral after loss = %d", got)
	}

	noop, err := jg.GeneratePnlSettlement(owner, 0, "settle-3", 0, ledger.QuoteAsset, 62)
	if err != nil || noop != nil {
		t.Errorf("zero settlement should be a nil batch, got %v / %v", noop, err)
	}
}

func TestGenerator_SweepDrainsPoolsAtomically(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	// Seed: fee pool +800 against amm, pnl pool -300 against a user gain.
	fill, err := jg.GenerateFillCharges(3, "fill-1", 800, 0, uuid.Nil, 0, ledger.QuoteAsset, 10)
	if err != nil {
		t.Fatalf("GenerateFillCharges: %v", err)
	}
	if err := bt.ApplyBatch(fill); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	gain, err := jg.GeneratePnlSettlement(uuid.New(), 3, "settle-1", 300, ledger.QuoteAsset, 11)
	if err != nil {
		t.Fatalf("GeneratePnlSettlement: %v", err)
	}
	if err := bt.ApplyBatch(gain); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	sweep, err := jg.GenerateSweep(3, "sweep-1", ledger.QuoteAsset, 20)
	if err != nil {
		t.Fatalf("GenerateSweep: %v", err)
	}
	if err := bt.ApplyBatch(sweep); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidatePoolsZero(3, ledger.QuoteAsset); err != nil {
		t.Errorf("pools not zero after sweep: %v", err)
	}
	if got := bt.GetRevenuePool(ledger.QuoteAsset); got != 500 {
		t.Errorf("revenue pool = %d, want 500", got)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}

	// Second sweep has nothing to move.
	again, err := jg.GenerateSweep(3, "sweep-2", ledger.QuoteAsset, 21)
	if err != nil || again != nil {
		t.Errorf("repeat sweep should be a nil batch, got %v / %v", again, err)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(depositJournal(uuid.New(), 1_000_000))

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_PoolMirrors(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	jg := ledger.NewJournalGenerator(1, bt)

	fill, err := jg.GenerateFillCharges(0, "fill-1", 400, 0, uuid.Nil, 0, ledger.QuoteAsset, 10)
	if err != nil {
		t.Fatalf("GenerateFillCharges: %v", err)
	}
	if err := bt.ApplyBatch(fill); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if err := v.ValidatePoolMirrors(0, ledger.QuoteAsset, 400, 0); err != nil {
		t.Errorf("matching mirrors rejected: %v", err)
	}
	if err := v.ValidatePoolMirrors(0, ledger.QuoteAsset, 399, 0); err == nil {
		t.Error("expected mirror mismatch rejection")
	}
}

// ============================================================================
// Test: ParseAccountPath
// ============================================================================

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, ledger.QuoteAsset),
		ledger.NewMarketAccountKey(7, ledger.SubTypeFeePool, ledger.QuoteAsset),
		ledger.NewMarketAccountKey(7, ledger.SubTypePnlPool, ledger.QuoteAsset),
		ledger.NewMarketAccountKey(0, ledger.SubTypeAmm, ledger.QuoteAsset),
		ledger.RevenuePoolKey(ledger.QuoteAsset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.QuoteAsset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, ledger.QuoteAsset),
	}

	for _, key := range keys {
		path := key.AccountPath()
		parsed, err := ledger.ParseAccountPath(path)
		if err != nil {
			t.Fatalf("ParseAccountPath(%s): %v", path, err)
		}
		if parsed != key {
			t.Errorf("round trip mismatch for %s", path)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	bad := []string{
		"",
		"user:nope",
		"user:not-a-uuid:collateral:USDC",
		"market:x:fee_pool:USDC",
		"market:1:mystery:USDC",
		"user:" + uuid.New().String() + ":collateral:DOGE",
		"galaxy:1:fee_pool:USDC",
	}
	for _, path := range bad {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for path %q", path)
		}
	}
}
