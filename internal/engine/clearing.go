package engine

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/orderbook"
	"PerpClearing/internal/state"
	"PerpClearing/internal/vamm"
)

// Config holds the engine's economic parameters.
type Config struct {
	// Taker fee fraction charged to non-post-only resting orders.
	FeeNumerator   int64
	FeeDenominator int64

	// Filler reward slice of the taker fee.
	FillerRewardNumerator   int64
	FillerRewardDenominator int64

	// Fee charged on forced settlement of an expired position, as a
	// fraction of the position's base value.
	SettlementFeeNumerator   int64
	SettlementFeeDenominator int64

	// Seconds after entering Settlement before residual pools may sweep.
	SweepCooldownSecs int64

	// Transitions between full-ledger zero-sum scans. Per-market mirror
	// checks still run on every transition.
	GlobalCheckInterval int64
}

// DefaultConfig mirrors the fee structure the engine ships with:
// 5bps taker fee, 10% of it to the filler, 25bps settlement fee, 1h cooldown.
func DefaultConfig() Config {
	return Config{
		FeeNumerator:             5,
		FeeDenominator:           10_000,
		FillerRewardNumerator:    1,
		FillerRewardDenominator:  10,
		SettlementFeeNumerator:   25,
		SettlementFeeDenominator: 10_000,
		SweepCooldownSecs:        3600,
		GlobalCheckInterval:      64,
	}
}

// Output pairs an emitted record with the journal batch (if any) that the
// same transition committed. Persistence consumes it with backpressure;
// publishing drops on overflow.
type Output struct {
	Record event.Record
	Batch  *ledger.Batch
}

// ClearingEngine is the single-writer clearing core. All state transitions
// flow through it; time is always a parameter, never read from the clock, so
// replaying the same instruction stream yields identical state.
type ClearingEngine struct {
	mu sync.Mutex

	cfg       Config
	markets   *state.MarketStore
	book      *orderbook.Book
	positions *state.PositionManager
	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	generator *ledger.JournalGenerator
	metrics   *observability.Metrics
	logger    zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output

	nextMarketIndex uint64
	opCount         int64
}

func NewClearingEngine(
	cfg Config,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ClearingEngine {
	tracker := ledger.NewBalanceTracker()

	return &ClearingEngine{
		cfg:         cfg,
		markets:     state.NewMarketStore(),
		book:        orderbook.NewBook(),
		positions:   state.NewPositionManager(),
		tracker:     tracker,
		validator:   ledger.NewInvariantValidator(tracker),
		generator:   ledger.NewJournalGenerator(1, tracker),
		metrics:     metrics,
		persistChan: persistChan,
		publishChan: publishChan,
		logger:      logger.With().Str("component", "engine").Logger(),
	}
}

// BalanceTracker exposes read-only balance queries.
func (e *ClearingEngine) BalanceTracker() *ledger.BalanceTracker {
	return e.tracker
}

// Markets exposes the market store for read-only queries.
func (e *ClearingEngine) Markets() *state.MarketStore {
	return e.markets
}

// Position returns the current position record or nil.
func (e *ClearingEngine) Position(owner uuid.UUID, marketIndex uint64) *state.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.GetPosition(owner, marketIndex)
}

// ============================================================================
// Market administration
// ============================================================================

// InitializeMarket registers a new market with the given virtual reserves
// and returns its index. Both reserves must be positive and the sqrt-k is
// derived from them.
func (e *ClearingEngine) InitializeMarket(
	baseReserve, quoteReserve, pegMultiplier, fundingPeriod int64,
	oracle state.OraclePriceData,
	now int64,
) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if baseReserve <= 0 || quoteReserve <= 0 {
		return 0, fmt.Errorf("reserves must be positive: base=%d quote=%d", baseReserve, quoteReserve)
	}
	if pegMultiplier <= 0 {
		return 0, fmt.Errorf("peg multiplier must be positive, got %d", pegMultiplier)
	}
	if fundingPeriod <= 0 {
		return 0, fmt.Errorf("funding period must be positive, got %d", fundingPeriod)
	}

	k := fpmath.MultiplyInt128(baseReserve, quoteReserve)
	sqrtK := fpmath.Sqrt(k)
	fpmath.PutInt128(k)
	if !sqrtK.IsInt64() {
		return 0, fmt.Errorf("sqrt k out of range")
	}

	amm := &vamm.AMM{
		BaseAssetReserve:    baseReserve,
		QuoteAssetReserve:   quoteReserve,
		SqrtK:               sqrtK.Int64(),
		PegMultiplier:       pegMultiplier,
		FundingPeriod:       fundingPeriod,
		LastFundingRateTs:   now,
		LastMarkPriceTwapTs: now,
		LastOraclePriceTwap: oracle.Price,
	}
	amm.LastMarkPriceTwap = amm.MarkPrice()

	market := &state.Market{
		MarketIndex:     e.nextMarketIndex,
		Amm:             amm,
		Status:          state.MarketStatusActive,
		GuardRails:      state.DefaultOracleGuardRails(),
		LastOraclePrice: oracle,
	}
	if err := e.markets.Add(market); err != nil {
		return 0, err
	}
	e.nextMarketIndex++

	e.logger.Info().
		Uint64("market", market.MarketIndex).
		Int64("mark_price", amm.MarkPrice()).
		Int64("sqrt_k", amm.SqrtK).
		Msg("market initialized")

	return market.MarketIndex, nil
}

// MoveAmmToPrice repositions a market's reserves so the mark price lands on
// target. Administrative; rejected once the market is in settlement.
func (e *ClearingEngine) MoveAmmToPrice(marketIndex uint64, targetPrice int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		if m.Status == state.MarketStatusSettlement {
			return fmt.Errorf("market %d is in settlement, amm frozen", marketIndex)
		}

		scratch := m.Amm.Clone()
		if err := scratch.MoveToPrice(targetPrice); err != nil {
			return err
		}
		if err := scratch.ValidateK(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}

		*m.Amm = *scratch
		m.Version++
		return nil
	})
}

// ResizeAmm rescales a market's liquidity depth, preserving the mark price.
func (e *ClearingEngine) ResizeAmm(marketIndex uint64, newSqrtK int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		if m.Status == state.MarketStatusSettlement {
			return fmt.Errorf("market %d is in settlement, amm frozen", marketIndex)
		}

		scratch := m.Amm.Clone()
		if err := scratch.Resize(newSqrtK); err != nil {
			return err
		}
		if err := scratch.ValidateK(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}

		*m.Amm = *scratch
		m.Version++
		return nil
	})
}

// UpdateMarketExpiry schedules a market's expiry. Reaching the expiry time
// makes the market trade reduce-only even before the explicit transition.
func (e *ClearingEngine) UpdateMarketExpiry(marketIndex uint64, expiryTs, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		return m.SetExpiry(expiryTs, now)
	})
}

// ============================================================================
// Collateral
// ============================================================================

// Deposit funds user collateral across the external boundary.
func (e *ClearingEngine) Deposit(owner uuid.UUID, depositID uuid.UUID, amount, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch, err := e.generator.GenerateDeposit(owner, depositID, amount, ledger.QuoteAsset, now)
	if err != nil {
		return err
	}

	e.applyBatches("deposit", batch)
	e.postCheck("deposit", nil)
	e.emit(&event.DepositRecord{
		Ts:        now,
		DepositID: depositID,
		User:      owner,
		Amount:    amount,
	}, batch)
	e.countOp("deposit")
	return nil
}

// Withdraw returns free collateral to the external boundary. A user with an
// open position may only withdraw what the ledger holds as free collateral;
// unsettled pnl must be settled first.
func (e *ClearingEngine) Withdraw(owner uuid.UUID, withdrawalID uuid.UUID, amount, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch, err := e.generator.GenerateWithdrawal(owner, withdrawalID, amount, ledger.QuoteAsset, now)
	if err != nil {
		return err
	}

	e.applyBatches("withdraw", batch)
	e.postCheck("withdraw", nil)
	e.emit(&event.WithdrawalRecord{
		Ts:           now,
		WithdrawalID: withdrawalID,
		User:         owner,
		Amount:       amount,
	}, batch)
	e.countOp("withdraw")
	return nil
}

// ============================================================================
// Orders
// ============================================================================

// PlaceOrder admits a resting maker order. Post-only orders are rejected
// with ErrOrderCrossesBook when their limit would fill immediately against
// the pool.
func (e *ClearingEngine) PlaceOrder(
	owner uuid.UUID,
	marketIndex uint64,
	direction vamm.Direction,
	baseAmount, limitPrice int64,
	postOnly bool,
	userOrderID uint64,
	now int64,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		if m.Status == state.MarketStatusSettlement {
			return fmt.Errorf("market %d is in settlement, no new orders", marketIndex)
		}

		order := &orderbook.Order{
			Owner:           owner,
			UserOrderID:     userOrderID,
			MarketIndex:     marketIndex,
			Direction:       direction,
			BaseAssetAmount: baseAmount,
			LimitPrice:      limitPrice,
			PostOnly:        postOnly,
			PlacedAt:        now,
		}
		if err := e.book.Place(order, m.Amm.MarkPrice()); err != nil {
			e.countRejected("place_order", "admission")
			return err
		}

		e.emit(&event.OrderRecord{
			Ts:              now,
			Owner:           owner,
			Market:          marketIndex,
			UserOrderID:     userOrderID,
			Action:          event.OrderActionPlace,
			Direction:       direction,
			BaseAssetAmount: baseAmount,
			RemainingAmount: baseAmount,
			LimitPrice:      limitPrice,
			PostOnly:        postOnly,
		}, nil)
		e.countOp("place_order")
		return nil
	})
}

// CancelOrder removes a resting order and reports its unfilled remainder.
func (e *ClearingEngine) CancelOrder(owner uuid.UUID, userOrderID uint64, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.book.Cancel(orderbook.OrderKey{Owner: owner, UserOrderID: userOrderID})
	if err != nil {
		return err
	}

	e.emit(cancelRecord(order, now), nil)
	e.countOp("cancel_order")
	return nil
}

func cancelRecord(order *orderbook.Order, now int64) *event.OrderRecord {
	return &event.OrderRecord{
		Ts:              now,
		Owner:           order.Owner,
		Market:          order.MarketIndex,
		UserOrderID:     order.UserOrderID,
		Action:          event.OrderActionCancel,
		Direction:       order.Direction,
		BaseAssetAmount: order.BaseAssetAmount,
		RemainingAmount: order.RemainingBaseAmount,
		LimitPrice:      order.LimitPrice,
		PostOnly:        order.PostOnly,
	}
}

// FillResult reports the committed outcome of one fill.
type FillResult struct {
	FillID         uuid.UUID
	BaseFilled     int64
	QuoteAmount    int64
	FillPrice      int64
	TakerFee       int64
	FillerReward   int64
	Surplus        int64
	MarkPriceAfter int64
	OrderRemoved   bool
}

// FillOrder resolves a resting maker order against the pool as the implicit
// counterparty. Only the base amount executable within the maker's limit
// trades: the fill stops where the curve crosses the limit, and an order
// the curve never crossed is rejected whole. The maker fills at their own
// limit price, so the curve/limit difference accrues to the fee pool as a
// non-negative surplus. Post-only makers pay no taker fee; other resting
// orders pay the taker fee with a reward slice to the filler.
//
// Everything is checked on scratch state first: a guard-rail or invariant
// failure rejects the fill with no state change.
func (e *ClearingEngine) FillOrder(filler, makerOwner uuid.UUID, userOrderID uint64, now int64) (FillResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observeDuration("fill_order", time.Now())

	var result FillResult
	err := func() error {
		key := orderbook.OrderKey{Owner: makerOwner, UserOrderID: userOrderID}
		order, err := e.book.Get(key)
		if err != nil {
			return err
		}

		return e.markets.WithExclusive(order.MarketIndex, func(m *state.Market) error {
			status := m.EffectiveStatus(now)
			if status == state.MarketStatusSettlement {
				return fmt.Errorf("market %d is in settlement, no fills", m.MarketIndex)
			}

			if err := m.GuardRails.CheckValidity(m.LastOraclePrice, now); err != nil {
				e.countRejected("fill_order", "stale_oracle")
				return fmt.Errorf("%w: %v", ErrStaleOracle, err)
			}

			pos := e.positions.GetOrCreatePosition(makerOwner, m.MarketIndex)
			fillAmount := order.RemainingBaseAmount

			if status == state.MarketStatusReduceOnly {
				reduces := pos.BaseAssetAmount != 0 &&
					fpmath.Sign(pos.BaseAssetAmount) != int64(order.Direction)
				if !reduces {
					e.countRejected("fill_order", "risk_increase")
					return fmt.Errorf("%w: market %d", ErrRiskIncrease, m.MarketIndex)
				}
				// Only the closing portion may fill.
				fillAmount = fpmath.Min(fillAmount, fpmath.Abs(pos.BaseAssetAmount))
			}

			// Cap the fill at what the curve can execute inside the maker's
			// limit. An unmarketable order fills nothing and stays resting.
			executable, err := m.Amm.BaseWithinLimit(order.Direction, order.LimitPrice)
			if err != nil {
				return err
			}
			if executable == 0 {
				e.countRejected("fill_order", "unmarketable")
				return fmt.Errorf("%w: %s limit %d vs mark %d",
					ErrOrderNotMarketable, order.Direction, order.LimitPrice, m.Amm.MarkPrice())
			}
			fillAmount = fpmath.Min(fillAmount, executable)

			// Price the pool leg on scratch reserves.
			scratch := m.Amm.Clone()
			swap, err := scratch.SwapBase(order.Direction, fillAmount)
			if err != nil {
				return err
			}

			markAfter := scratch.MarkPrice()
			if err := m.GuardRails.CheckDivergence(markAfter, m.LastOraclePrice.Price); err != nil {
				e.countRejected("fill_order", "guard_rail")
				return fmt.Errorf("%w: %v", ErrGuardRailViolation, err)
			}
			if err := scratch.ValidateK(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
			}

			// The maker's fill price is their own limit. Rounding on the
			// limit quote runs against the maker so dust lands in the
			// surplus, never in the position.
			var quoteAtLimit, surplus, baseDelta, quoteDelta int64
			if order.Direction == vamm.Long {
				quoteAtLimit = fpmath.BaseToQuote(fillAmount, order.LimitPrice, fpmath.RoundUp)
				surplus = quoteAtLimit - swap.QuoteAssetAmount
				baseDelta = fillAmount
				quoteDelta = -quoteAtLimit
			} else {
				quoteAtLimit = fpmath.BaseToQuote(fillAmount, order.LimitPrice, fpmath.RoundDown)
				surplus = swap.QuoteAssetAmount - quoteAtLimit
				baseDelta = -fillAmount
				quoteDelta = quoteAtLimit
			}

			var takerFee, fillerReward int64
			if !order.PostOnly {
				takerFee = fpmath.MulDiv(quoteAtLimit, e.cfg.FeeNumerator, e.cfg.FeeDenominator, fpmath.RoundUp)
				fillerReward = fpmath.MulDiv(takerFee, e.cfg.FillerRewardNumerator, e.cfg.FillerRewardDenominator, fpmath.RoundDown)
			}

			fillID := uuid.New()
			batch, err := e.generator.GenerateFillCharges(
				m.MarketIndex, "fill:"+fillID.String(),
				takerFee, surplus, filler, fillerReward,
				ledger.QuoteAsset, now)
			if err != nil {
				return err
			}

			// Commit point. Funding settles lazily before the fill delta;
			// the pivot adjustment lands with the scratch copy below.
			fundingPayment := e.positions.SettleFunding(pos, m.Amm)

			e.positions.ApplyFillDelta(pos, baseDelta, quoteDelta)
			pos.QuoteAssetAmount -= takerFee

			*m.Amm = *scratch
			m.Amm.QuoteAssetAmount += quoteDelta - takerFee - fundingPayment
			m.Amm.TotalFeeMinusDistributions += takerFee + surplus - fillerReward
			m.FeePoolBalance += takerFee + surplus - fillerReward
			m.Version++

			removed, err := e.book.ApplyFill(key, fillAmount)
			if err != nil {
				panic(fmt.Sprintf("FATAL: book fill after commit: %v", err))
			}

			e.applyBatches("fill_order", batch)
			e.postCheck("fill_order", m)

			record := &event.FillRecord{
				Ts:                      now,
				FillID:                  fillID,
				Maker:                   makerOwner,
				Filler:                  filler,
				Market:                  m.MarketIndex,
				UserOrderID:             userOrderID,
				Direction:               order.Direction,
				BaseAssetAmount:         fillAmount,
				QuoteAssetAmount:        quoteAtLimit,
				FillPrice:               order.LimitPrice,
				TakerFee:                takerFee,
				FillerReward:            fillerReward,
				QuoteAssetAmountSurplus: surplus,
				MarkPriceAfter:          markAfter,
			}
			e.emit(record, batch)

			result = FillResult{
				FillID:         fillID,
				BaseFilled:     fillAmount,
				QuoteAmount:    quoteAtLimit,
				FillPrice:      order.LimitPrice,
				TakerFee:       takerFee,
				FillerReward:   fillerReward,
				Surplus:        surplus,
				MarkPriceAfter: markAfter,
				OrderRemoved:   removed,
			}
			e.countOp("fill_order")
			return nil
		})
	}()
	return result, err
}

// ============================================================================
// Commit helpers
// ============================================================================

// applyBatches validates and applies committed journal batches. An
// unbalanced batch at this point is state corruption, not a caller error.
func (e *ClearingEngine) applyBatches(op string, batches ...*ledger.Batch) {
	for _, batch := range batches {
		if batch == nil {
			continue
		}
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: %s produced unbalanced batch: %v", op, err))
		}
		if err := e.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: %s batch apply: %v", op, err))
		}
	}
}

// postCheck runs after every committed transition: market pool mirrors and
// the quote conservation pivot always, the full zero-sum scan periodically.
func (e *ClearingEngine) postCheck(op string, m *state.Market) {
	if m != nil {
		if err := e.validator.ValidatePoolMirrors(m.MarketIndex, ledger.QuoteAsset, m.FeePoolBalance, m.PnlPoolBalance); err != nil {
			panic(fmt.Sprintf("FATAL: %s: %v", op, err))
		}
		if sum := e.positions.SumQuoteAssetAmounts(m.MarketIndex); sum != m.Amm.QuoteAssetAmount {
			panic(fmt.Sprintf("FATAL: %s: market %d quote conservation: amm=%d positions=%d",
				op, m.MarketIndex, m.Amm.QuoteAssetAmount, sum))
		}
	}

	e.opCount++
	if e.cfg.GlobalCheckInterval > 0 && e.opCount%e.cfg.GlobalCheckInterval == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: %s: %v", op, err))
		}
	}

	if e.metrics != nil && m != nil {
		label := strconv.FormatUint(m.MarketIndex, 10)
		e.metrics.MarkPrice.WithLabelValues(label).Set(float64(m.Amm.MarkPrice()))
		e.metrics.FeePoolBalance.WithLabelValues(label).Set(float64(m.FeePoolBalance))
		e.metrics.PnlPoolBalance.WithLabelValues(label).Set(float64(m.PnlPoolBalance))
		e.metrics.OpenInterest.WithLabelValues(label).Set(float64(e.positions.OpenInterest(m.MarketIndex)))
	}
}

// emit sends a committed output downstream. Persistence gets a blocking
// send so no record is lost; publishing drops on overflow because
// subscribers can rebuild from the record log.
func (e *ClearingEngine) emit(record event.Record, batch *ledger.Batch) {
	output := Output{Record: record, Batch: batch}

	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDropped.Inc()
			}
		}
	}
}

func (e *ClearingEngine) countOp(op string) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
	}
}

func (e *ClearingEngine) countRejected(op, reason string) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}

// observeDuration records an operation latency sample.
func (e *ClearingEngine) observeDuration(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
