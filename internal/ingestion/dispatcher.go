package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/observability"
)

// IdempotencyChecker answers whether a record with the given dedup key has
// already been persisted.
type IdempotencyChecker interface {
	IsDuplicate(recordKey string) (bool, error)
}

// Dispatcher drains the instruction channel, parses each raw instruction,
// and applies it to the engine. Parse failures and deterministic engine
// rejections are ACKed (redelivery cannot change the outcome); only
// retryable rejections are NAKed.
type Dispatcher struct {
	engine          *engine.ClearingEngine
	instructionChan <-chan RawInstruction
	dedup           IdempotencyChecker
	metrics         *observability.Metrics
	logger          zerolog.Logger
}

func NewDispatcher(
	eng *engine.ClearingEngine,
	instructionChan <-chan RawInstruction,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		engine:          eng,
		instructionChan: instructionChan,
		metrics:         metrics,
		logger:          logger.With().Str("component", "dispatcher").Logger(),
	}
}

// WithIdempotencyChecker enables record-log deduplication for collateral
// instructions. Fills and settlements are naturally idempotent through
// engine state; deposits and withdrawals are not.
func (d *Dispatcher) WithIdempotencyChecker(dedup IdempotencyChecker) *Dispatcher {
	d.dedup = dedup
	return d
}

// Run processes instructions until the context is cancelled or the channel
// closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-d.instructionChan:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

func (d *Dispatcher) handle(raw RawInstruction) {
	inst, err := ParseInstruction(raw)
	if err != nil {
		if d.metrics != nil {
			d.metrics.ParseErrors.WithLabelValues(raw.Kind).Inc()
		}
		d.logger.Warn().Str("kind", raw.Kind).Err(err).Msg("malformed instruction dropped")
		if raw.AckFunc != nil {
			raw.AckFunc()
		}
		return
	}

	if dup, derr := d.isDuplicate(inst); derr == nil && dup {
		d.logger.Debug().Str("kind", raw.Kind).Msg("duplicate instruction dropped")
		if raw.AckFunc != nil {
			raw.AckFunc()
		}
		return
	}

	err = d.Apply(inst)
	if d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(raw.Kind).
			Observe(time.Since(raw.Timestamp).Seconds())
	}

	if err != nil && retryable(err) {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}
	if err != nil {
		d.logger.Debug().Str("kind", raw.Kind).Err(err).Msg("instruction rejected")
	} else {
		d.markProcessed(inst)
	}
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

// Apply routes one typed instruction to its engine operation.
func (d *Dispatcher) Apply(inst Instruction) error {
	switch i := inst.(type) {
	case *PlaceOrderInstruction:
		return d.engine.PlaceOrder(i.Owner, i.MarketIndex, i.Direction,
			i.BaseAssetAmount, i.LimitPrice, i.PostOnly, i.UserOrderID, i.Ts)

	case *CancelOrderInstruction:
		return d.engine.CancelOrder(i.Owner, i.UserOrderID, i.Ts)

	case *FillOrderInstruction:
		_, err := d.engine.FillOrder(i.Filler, i.Maker, i.UserOrderID, i.Ts)
		return err

	case *DepositInstruction:
		return d.engine.Deposit(i.User, i.DepositID, i.Amount, i.Ts)

	case *WithdrawInstruction:
		return d.engine.Withdraw(i.User, i.WithdrawalID, i.Amount, i.Ts)

	case *OraclePriceInstruction:
		return d.engine.RecordOraclePrice(i.MarketIndex, i.Oracle, i.Ts)

	case *UpdateFundingInstruction:
		_, err := d.engine.UpdateFundingRate(i.MarketIndex, i.Oracle, i.Ts)
		return err

	case *SettleExpiredMarketInstruction:
		return d.engine.SettleExpiredMarket(i.MarketIndex, i.Oracle, i.Ts)

	case *SettlePnlInstruction:
		_, err := d.engine.SettlePnl(i.User, i.MarketIndex, i.Ts)
		return err

	case *SweepPoolsInstruction:
		return d.engine.SweepExpiredMarketPools(i.MarketIndex, i.Ts)

	default:
		return fmt.Errorf("unhandled instruction kind: %s", inst.Kind())
	}
}

// isDuplicate consults the record log for instructions carrying
// caller-supplied ids.
func (d *Dispatcher) isDuplicate(inst Instruction) (bool, error) {
	if d.dedup == nil {
		return false, nil
	}
	switch i := inst.(type) {
	case *DepositInstruction:
		return d.dedup.IsDuplicate("deposit:" + i.DepositID.String())
	case *WithdrawInstruction:
		return d.dedup.IsDuplicate("withdrawal:" + i.WithdrawalID.String())
	default:
		return false, nil
	}
}

// markProcessed feeds applied keys back into a caching checker so the next
// delivery of the same instruction is answered from memory.
func (d *Dispatcher) markProcessed(inst Instruction) {
	marker, ok := d.dedup.(interface{ MarkProcessed(string) })
	if !ok {
		return
	}
	switch i := inst.(type) {
	case *DepositInstruction:
		marker.MarkProcessed("deposit:" + i.DepositID.String())
	case *WithdrawInstruction:
		marker.MarkProcessed("withdrawal:" + i.WithdrawalID.String())
	}
}

// retryable reports whether redelivering the instruction later could
// succeed. Sweeps blocked on the cooldown are the one time-gated rejection.
func retryable(err error) bool {
	return errors.Is(err, engine.ErrSweepTooEarly)
}
