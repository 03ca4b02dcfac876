package orderbook

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpClearing/internal/vamm"
)

// ErrOrderCrossesBook rejects a post-only order whose limit price would fill
// immediately against the pool as a taker. Admission failures leave no state.
var ErrOrderCrossesBook = errors.New("post-only order crosses the book")

// ErrOrderNotFound is returned for lookups and cancels of unknown keys.
var ErrOrderNotFound = errors.New("order not found")

// OrderKey identifies a resting order. User order ids are caller-assigned
// and unique per owner only, never globally.
type OrderKey struct {
	Owner       uuid.UUID
	UserOrderID uint64
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%s/%d", k.Owner, k.UserOrderID)
}

// Order is a resting maker order. BaseAssetAmount is the original size and
// RemainingBaseAmount decreases as fills consume it; both are reserve scale
// and always positive regardless of direction.
type Order struct {
	Owner               uuid.UUID
	UserOrderID         uint64
	MarketIndex         uint64
	Direction           vamm.Direction
	BaseAssetAmount     int64
	RemainingBaseAmount int64
	LimitPrice          int64
	PostOnly            bool
	PlacedAt            int64
}

func (o *Order) Key() OrderKey {
	return OrderKey{Owner: o.Owner, UserOrderID: o.UserOrderID}
}

// Book holds resting orders for all markets. Not safe for concurrent use;
// the engine serializes access per market.
type Book struct {
	orders map[OrderKey]*Order
}

func NewBook() *Book {
	return &Book{orders: make(map[OrderKey]*Order)}
}

// Place admits an order against the current mark price. A post-only bid
// above mark, or a post-only ask below mark, would fill as a taker and is
// rejected; post-only makers must add liquidity, never take it. At exactly
// the mark nothing is executable on the curve, so the order rests.
func (b *Book) Place(order *Order, markPrice int64) error {
	if order.BaseAssetAmount <= 0 {
		return fmt.Errorf("order base amount must be positive, got %d", order.BaseAssetAmount)
	}
	if order.LimitPrice <= 0 {
		return fmt.Errorf("order limit price must be positive, got %d", order.LimitPrice)
	}

	key := order.Key()
	if _, exists := b.orders[key]; exists {
		return fmt.Errorf("duplicate order id %s", key)
	}

	if order.PostOnly {
		crosses := (order.Direction == vamm.Long && order.LimitPrice > markPrice) ||
			(order.Direction == vamm.Short && order.LimitPrice < markPrice)
		if crosses {
			return fmt.Errorf("%w: %s limit %d vs mark %d",
				ErrOrderCrossesBook, order.Direction, order.LimitPrice, markPrice)
		}
	}

	stored := *order
	stored.RemainingBaseAmount = stored.BaseAssetAmount
	b.orders[key] = &stored
	return nil
}

// Get returns the resting order for key.
func (b *Book) Get(key OrderKey) (*Order, error) {
	order, ok := b.orders[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
	}
	return order, nil
}

// Cancel removes the order and returns it so callers can record the
// unfilled remainder.
func (b *Book) Cancel(key OrderKey) (*Order, error) {
	order, ok := b.orders[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
	}
	delete(b.orders, key)
	return order, nil
}

// ApplyFill consumes baseAmount from the order's remainder, removing the
// order when fully filled. Returns true when the order was removed.
func (b *Book) ApplyFill(key OrderKey, baseAmount int64) (bool, error) {
	order, ok := b.orders[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
	}
	if baseAmount <= 0 || baseAmount > order.RemainingBaseAmount {
		return false, fmt.Errorf("fill amount %d out of range for order %s (remaining %d)",
			baseAmount, key, order.RemainingBaseAmount)
	}

	order.RemainingBaseAmount -= baseAmount
	if order.RemainingBaseAmount == 0 {
		delete(b.orders, key)
		return true, nil
	}
	return false, nil
}

// OrdersForMarket returns resting orders on one market, for lifecycle
// cancels. Order of iteration is not deterministic; callers sort.
func (b *Book) OrdersForMarket(marketIndex uint64) []*Order {
	var out []*Order
	for _, o := range b.orders {
		if o.MarketIndex == marketIndex {
			out = append(out, o)
		}
	}
	return out
}

// Len reports the number of resting orders across all markets.
func (b *Book) Len() int {
	return len(b.orders)
}
