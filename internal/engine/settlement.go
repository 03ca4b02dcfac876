package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
)

// SettleResult reports one pnl settlement.
type SettleResult struct {
	Settled     int64
	SettlePrice int64
	Zeroed      bool
}

// SettleExpiredMarket drives ReduceOnly -> Settlement. The expiry price
// starts from the oracle twap but is capped so the net user claim cannot
// exceed what the fee and pnl pools hold: when users are net long the price
// floors down to pool capacity, net short it ceils up. Resting orders on
// the market are cancelled so every position can force-settle.
func (e *ClearingEngine) SettleExpiredMarket(marketIndex uint64, oracle state.OraclePriceData, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observeDuration("settle_expired_market", time.Now())

	return e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		if m.EffectiveStatus(now) == state.MarketStatusActive {
			return fmt.Errorf("market %d has not expired", marketIndex)
		}
		if m.Status == state.MarketStatusSettlement {
			return fmt.Errorf("market %d already in settlement", marketIndex)
		}
		if err := m.GuardRails.CheckValidity(oracle, now); err != nil {
			e.countRejected("settle_expired_market", "stale_oracle")
			return fmt.Errorf("%w: %v", ErrStaleOracle, err)
		}

		// Fold the expiry clock in before the terminal transition.
		if m.Status == state.MarketStatusActive {
			if err := m.BeginReduceOnly(); err != nil {
				return err
			}
		}

		twap := oracle.TwapPrice
		if twap == 0 {
			twap = oracle.Price
		}
		expiryPrice, capped := e.capExpiryPrice(m, twap)

		if err := m.BeginSettlement(expiryPrice, now); err != nil {
			return err
		}

		// Clear the book deterministically so settle-time cancels replay
		// in the same order.
		orders := e.book.OrdersForMarket(marketIndex)
		sort.Slice(orders, func(i, j int) bool {
			if orders[i].Owner != orders[j].Owner {
				return orders[i].Owner.String() < orders[j].Owner.String()
			}
			return orders[i].UserOrderID < orders[j].UserOrderID
		})
		for _, order := range orders {
			cancelled, err := e.book.Cancel(order.Key())
			if err != nil {
				panic(fmt.Sprintf("FATAL: cancel on settlement: %v", err))
			}
			e.emit(cancelRecord(cancelled, now), nil)
		}

		e.postCheck("settle_expired_market", m)
		e.emit(&event.MarketSettledRecord{
			Ts:           now,
			Market:       marketIndex,
			ExpiryPrice:  expiryPrice,
			OracleTwap:   twap,
			PriceCapped:  capped,
			SettlementTs: now,
		}, nil)
		e.countOp("settle_expired_market")
		if e.metrics != nil {
			e.metrics.MarketsSettled.Inc()
			if capped {
				e.metrics.ExpiryPriceCaps.Inc()
			}
		}

		e.logger.Info().
			Uint64("market", marketIndex).
			Int64("expiry_price", expiryPrice).
			Bool("capped", capped).
			Msg("market entered settlement")
		return nil
	})
}

// capExpiryPrice returns the settlement price, pulled toward the pool when
// the net user claim at the twap exceeds pool capacity. Rounding always
// favors the pool: floor for a net-long book, ceil for net short.
func (e *ClearingEngine) capExpiryPrice(m *state.Market, twap int64) (int64, bool) {
	netBase := m.Amm.NetBaseAssetAmount
	if netBase == 0 {
		return twap, false
	}

	capacity := m.FeePoolBalance + m.PnlPoolBalance
	claimAtTwap := fpmath.BaseToQuote(netBase, twap, fpmath.RoundDown) + m.Amm.QuoteAssetAmount
	if claimAtTwap <= capacity {
		return twap, false
	}

	// Solve claim(price) == capacity: price = (capacity - quote) / netBase.
	// Flooring the intermediate and negating for a net-short book yields
	// floor (net long) and ceil (net short), both pool-favored.
	num := fpmath.MultiplyInt128(capacity-m.Amm.QuoteAssetAmount, fpmath.BaseToQuoteDivisor)
	price := fpmath.DivideInt128(num, fpmath.Abs(netBase), fpmath.RoundDown)
	fpmath.PutInt128(num)
	if netBase < 0 {
		price = -price
	}
	if price < 1 {
		price = 1
	}
	return price, true
}

// SettlePnl settles one position's unrealized pnl against the pnl pool:
// funding first, then pnl at the live mark (Active/ReduceOnly) or the frozen
// expiry price (Settlement). Positive pnl is capped by pool capacity, with
// the fee pool topping the pnl pool up first; negative pnl is clamped to the
// user's collateral. In Settlement the position is force-closed: a
// settlement fee is charged and base and quote are zeroed. Settling an
// already-settled flat position is a no-op.
func (e *ClearingEngine) SettlePnl(owner uuid.UUID, marketIndex uint64, now int64) (SettleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observeDuration("settle_pnl", time.Now())

	var result SettleResult
	err := e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		pos := e.positions.GetPosition(owner, marketIndex)
		if pos == nil || pos.IsFlat() {
			result = SettleResult{SettlePrice: m.SettlementPrice()}
			return nil
		}

		settleRef := fmt.Sprintf("settle:%d:%s:%d", marketIndex, owner, now)
		price := m.SettlementPrice()
		inSettlement := m.Status == state.MarketStatusSettlement

		fundingPayment := e.positions.SettleFunding(pos, m.Amm)
		m.Amm.QuoteAssetAmount -= fundingPayment

		baseBefore := pos.BaseAssetAmount
		entryBefore := pos.QuoteEntryAmount
		batches := make([]*ledger.Batch, 0, 3)

		// Forced settlement charges a fee on the position's base value.
		var settlementFee int64
		if inSettlement && pos.IsOpen() && e.cfg.SettlementFeeDenominator > 0 {
			baseValue := fpmath.Abs(fpmath.BaseToQuote(pos.BaseAssetAmount, price, fpmath.RoundDown))
			settlementFee = fpmath.MulDiv(baseValue, e.cfg.SettlementFeeNumerator, e.cfg.SettlementFeeDenominator, fpmath.RoundUp)
			if settlementFee > 0 {
				feeBatch, err := e.generator.GenerateSettlementFee(marketIndex, settleRef, settlementFee, ledger.QuoteAsset, now)
				if err != nil {
					return err
				}
				batches = append(batches, feeBatch)
				pos.QuoteAssetAmount -= settlementFee
				m.Amm.QuoteAssetAmount -= settlementFee
				m.Amm.TotalFeeMinusDistributions += settlementFee
				m.FeePoolBalance += settlementFee
			}
		}

		unrealized := e.positions.UnrealizedPnl(pos, price)
		settled := unrealized

		if settled > 0 {
			// Fee pool tops the pnl pool up before the cap binds.
			if shortfall := settled - m.PnlPoolBalance; shortfall > 0 {
				topUp := fpmath.Min(shortfall, fpmath.Max(m.FeePoolBalance, 0))
				if topUp > 0 {
					topUpBatch, err := e.generator.GeneratePoolTopUp(marketIndex, settleRef, topUp, ledger.QuoteAsset, now)
					if err != nil {
						return err
					}
					batches = append(batches, topUpBatch)
					m.FeePoolBalance -= topUp
					m.PnlPoolBalance += topUp
				}
			}
			settled = fpmath.Min(settled, fpmath.Max(m.PnlPoolBalance, 0))
		} else if settled < 0 {
			collateral := e.tracker.GetUserCollateral(owner, ledger.QuoteAsset)
			settled = fpmath.Max(settled, -collateral)
		}

		if settled != 0 {
			pnlBatch, err := e.generator.GeneratePnlSettlement(owner, marketIndex, settleRef, settled, ledger.QuoteAsset, now)
			if err != nil {
				return err
			}
			batches = append(batches, pnlBatch)
			pos.QuoteAssetAmount -= settled
			m.Amm.QuoteAssetAmount -= settled
			m.PnlPoolBalance -= settled
			pos.SettledPnl += settled
		}

		zeroed := false
		if inSettlement {
			// Force-close: whatever claim the cap or clamp left behind is
			// extinguished with the position.
			m.Amm.NetBaseAssetAmount -= pos.BaseAssetAmount
			m.Amm.QuoteAssetAmount -= pos.QuoteAssetAmount
			pos.BaseAssetAmount = 0
			pos.QuoteAssetAmount = 0
			pos.QuoteEntryAmount = 0
			pos.Version++
			zeroed = true
		}
		m.Version++

		e.applyBatches("settle_pnl", batches...)
		e.postCheck("settle_pnl", m)

		record := &event.SettlePnlRecord{
			Ts:                    now,
			User:                  owner,
			Market:                marketIndex,
			Pnl:                   settled,
			BaseAssetAmount:       baseBefore,
			QuoteAssetAmountAfter: pos.QuoteAssetAmount,
			QuoteEntryAmount:      entryBefore,
			SettlePrice:           price,
		}
		var recordBatch *ledger.Batch
		if len(batches) > 0 {
			recordBatch = batches[len(batches)-1]
		}
		e.emit(record, recordBatch)

		result = SettleResult{Settled: settled, SettlePrice: price, Zeroed: zeroed}
		e.countOp("settle_pnl")
		return nil
	})
	return result, err
}

// SweepExpiredMarketPools drains a settled market's residual fee and pnl
// pool value into the shared revenue pool. Legal only once the market is in
// Settlement, every position has settled flat, and the cooldown has elapsed;
// the second call finds empty pools and reports nothing to sweep.
func (e *ClearingEngine) SweepExpiredMarketPools(marketIndex uint64, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observeDuration("sweep_pools", time.Now())

	return e.markets.WithExclusive(marketIndex, func(m *state.Market) error {
		if m.Status != state.MarketStatusSettlement {
			return fmt.Errorf("market %d not in settlement", marketIndex)
		}
		if oi := e.positions.OpenInterest(marketIndex); oi != 0 {
			return fmt.Errorf("market %d has unsettled open interest %d", marketIndex, oi)
		}
		if now < m.SettlementTs+e.cfg.SweepCooldownSecs {
			e.countRejected("sweep_pools", "too_early")
			return fmt.Errorf("%w: %ds remaining", ErrSweepTooEarly,
				m.SettlementTs+e.cfg.SweepCooldownSecs-now)
		}

		feeSwept := m.FeePoolBalance
		pnlSwept := m.PnlPoolBalance

		batch, err := e.generator.GenerateSweep(marketIndex, fmt.Sprintf("sweep:%d:%d", marketIndex, now), ledger.QuoteAsset, now)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("market %d pools already swept", marketIndex)
		}

		m.FeePoolBalance = 0
		m.PnlPoolBalance = 0
		m.Version++

		e.applyBatches("sweep_pools", batch)
		if err := e.validator.ValidatePoolsZero(marketIndex, ledger.QuoteAsset); err != nil {
			panic(fmt.Sprintf("FATAL: sweep_pools: %v", err))
		}
		e.postCheck("sweep_pools", m)

		e.emit(&event.PoolSweepRecord{
			Ts:             now,
			Market:         marketIndex,
			FeePoolSwept:   feeSwept,
			PnlPoolSwept:   pnlSwept,
			RevenuePoolNew: e.tracker.GetRevenuePool(ledger.QuoteAsset),
		}, batch)
		e.countOp("sweep_pools")
		if e.metrics != nil {
			e.metrics.PoolsSwept.Inc()
			e.metrics.RevenuePool.Set(float64(e.tracker.GetRevenuePool(ledger.QuoteAsset)))
		}

		e.logger.Info().
			Uint64("market", marketIndex).
			Int64("fee_swept", feeSwept).
			Int64("pnl_swept", pnlSwept).
			Msg("residual pools swept to revenue pool")
		return nil
	})
}
