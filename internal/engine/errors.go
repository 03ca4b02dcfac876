package engine

import (
	"errors"

	"PerpClearing/internal/orderbook"
)

// Rejection kinds surfaced to callers. All rejections are side-effect-free:
// a failed transition commits nothing, so retries after re-checking
// preconditions are always safe.
var (
	// ErrOrderCrossesBook re-exports the order book's admission failure.
	ErrOrderCrossesBook = orderbook.ErrOrderCrossesBook

	// ErrGuardRailViolation rejects a fill or reprice that would push the
	// mark price beyond the oracle divergence band.
	ErrGuardRailViolation = errors.New("oracle guard rail violation")

	// ErrStaleOracle rejects operations whose oracle input fails the
	// validity guard rails.
	ErrStaleOracle = errors.New("stale or invalid oracle data")

	// ErrRiskIncrease rejects fills that would grow exposure while the
	// market is reduce-only.
	ErrRiskIncrease = errors.New("fill would increase exposure on reduce-only market")

	// ErrOrderNotMarketable rejects a fill whose order limit the curve has
	// not crossed; nothing is executable at or inside the limit.
	ErrOrderNotMarketable = errors.New("order limit not reachable on the curve")

	// ErrSweepTooEarly rejects a pool sweep before the settlement cooldown
	// elapses. Retryable.
	ErrSweepTooEarly = errors.New("settlement cooldown has not elapsed")

	// ErrInvariantViolation signals internal state corruption. Fatal: the
	// offending transition must not commit.
	ErrInvariantViolation = errors.New("invariant violation")
)
