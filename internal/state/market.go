package state

import (
	"fmt"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/vamm"
)

// MarketStatus is the lifecycle stage of a market. Transitions run one way:
// Active -> ReduceOnly -> Settlement. Settlement is terminal.
type MarketStatus int32

const (
	MarketStatusActive MarketStatus = iota
	MarketStatusReduceOnly
	MarketStatusSettlement
)

func (ms MarketStatus) String() string {
	switch ms {
	case MarketStatusActive:
		return "Active"
	case MarketStatusReduceOnly:
		return "ReduceOnly"
	case MarketStatusSettlement:
		return "Settlement"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions
func (ms MarketStatus) CanTransitionTo(next MarketStatus) bool {
	switch ms {
	case MarketStatusActive:
		return next == MarketStatusReduceOnly
	case MarketStatusReduceOnly:
		return next == MarketStatusSettlement
	default:
		return false
	}
}

// OraclePriceData is one oracle observation, price scale.
type OraclePriceData struct {
	Price      int64
	TwapPrice  int64
	Confidence int64
	Ts         int64
}

// PriceDivergenceGuardRails bounds how far the post-trade mark price may sit
// from the oracle. The ratio is expressed in tenths of a percent.
type PriceDivergenceGuardRails struct {
	MarkOracleDivergencePermille int64
}

// ValidityGuardRails bounds oracle quality: observations older than
// StalenessThresholdSecs or wider than ConfidenceIntervalMax are unusable.
type ValidityGuardRails struct {
	StalenessThresholdSecs int64
	ConfidenceIntervalMax  int64
}

// OracleGuardRails is administrative configuration; core logic reads it,
// never writes it.
type OracleGuardRails struct {
	PriceDivergence PriceDivergenceGuardRails
	Validity        ValidityGuardRails
}

// DefaultOracleGuardRails returns the configuration markets start with:
// 10% divergence, 60s staleness, 2% confidence band on a $1 price.
func DefaultOracleGuardRails() OracleGuardRails {
	return OracleGuardRails{
		PriceDivergence: PriceDivergenceGuardRails{
			MarkOracleDivergencePermille: 100,
		},
		Validity: ValidityGuardRails{
			StalenessThresholdSecs: 60,
			ConfidenceIntervalMax:  fpmath.PricePrecision / 50,
		},
	}
}

// CheckValidity reports whether an oracle observation is usable at time now.
func (g OracleGuardRails) CheckValidity(oracle OraclePriceData, now int64) error {
	if oracle.Price <= 0 {
		return fmt.Errorf("non-positive oracle price %d", oracle.Price)
	}
	if age := now - oracle.Ts; age > g.Validity.StalenessThresholdSecs {
		return fmt.Errorf("oracle age %ds exceeds threshold %ds", age, g.Validity.StalenessThresholdSecs)
	}
	if oracle.Confidence > g.Validity.ConfidenceIntervalMax {
		return fmt.Errorf("oracle confidence %d exceeds bound %d", oracle.Confidence, g.Validity.ConfidenceIntervalMax)
	}
	return nil
}

// CheckDivergence reports whether markPrice sits within the allowed band
// around oraclePrice.
func (g OracleGuardRails) CheckDivergence(markPrice, oraclePrice int64) error {
	diff := fpmath.Abs(markPrice - oraclePrice)
	bound := fpmath.MulDiv(oraclePrice, g.PriceDivergence.MarkOracleDivergencePermille, 1000, fpmath.RoundDown)
	if diff > bound {
		return fmt.Errorf("mark %d diverges from oracle %d beyond %d", markPrice, oraclePrice, bound)
	}
	return nil
}

// Market is the clearing record for one instrument. Pool balances are quote
// scale and mirror the ledger's fee-pool and pnl-pool accounts; the
// invariant validator asserts the mirrors match after every batch.
type Market struct {
	MarketIndex uint64
	Amm         *vamm.AMM
	Status      MarketStatus

	ExpiryTs     int64
	ExpiryPrice  int64 // zero until settlement fixes it
	SettlementTs int64

	FeePoolBalance int64
	PnlPoolBalance int64

	GuardRails OracleGuardRails

	// Latest accepted oracle observation, used for divergence checks
	// between funding updates.
	LastOraclePrice OraclePriceData

	Version int64
}

// EffectiveStatus folds the expiry clock into the stored status: an Active
// market whose expiry has passed trades as ReduceOnly even before the
// administrative transition lands.
func (m *Market) EffectiveStatus(now int64) MarketStatus {
	if m.Status == MarketStatusActive && m.ExpiryTs > 0 && now >= m.ExpiryTs {
		return MarketStatusReduceOnly
	}
	return m.Status
}

// SetExpiry schedules expiry. Legal only before settlement; moving an
// already-passed expiry forward is rejected.
func (m *Market) SetExpiry(expiryTs, now int64) error {
	if m.Status == MarketStatusSettlement {
		return fmt.Errorf("market %d already in settlement", m.MarketIndex)
	}
	if expiryTs <= now {
		return fmt.Errorf("expiry %d not in the future (now %d)", expiryTs, now)
	}
	m.ExpiryTs = expiryTs
	m.Version++
	return nil
}

// BeginReduceOnly applies the Active -> ReduceOnly transition.
func (m *Market) BeginReduceOnly() error {
	if !m.Status.CanTransitionTo(MarketStatusReduceOnly) {
		return fmt.Errorf("market %d cannot transition %s -> ReduceOnly", m.MarketIndex, m.Status)
	}
	m.Status = MarketStatusReduceOnly
	m.Version++
	return nil
}

// BeginSettlement applies ReduceOnly -> Settlement, fixing the expiry price
// and recording when the cooldown clock started. The AMM is frozen from
// price discovery afterwards; only pnl settlement reads it.
func (m *Market) BeginSettlement(expiryPrice, now int64) error {
	if !m.Status.CanTransitionTo(MarketStatusSettlement) {
		return fmt.Errorf("market %d cannot transition %s -> Settlement", m.MarketIndex, m.Status)
	}
	if expiryPrice <= 0 {
		return fmt.Errorf("expiry price must be positive, got %d", expiryPrice)
	}
	m.Status = MarketStatusSettlement
	m.ExpiryPrice = expiryPrice
	m.SettlementTs = now
	m.Version++
	return nil
}

// SettlementPrice returns the price positions settle against: the frozen
// expiry price once in Settlement, the live mark otherwise.
func (m *Market) SettlementPrice() int64 {
	if m.Status == MarketStatusSettlement {
		return m.ExpiryPrice
	}
	return m.Amm.MarkPrice()
}
