package state

import (
	"fmt"
	"sort"
	"sync"
)

// MarketStore keys markets by index and serializes transitions per market.
// Independent markets proceed concurrently; one market's operations are
// strictly single-writer through the exclusive handle.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[uint64]*marketEntry
}

type marketEntry struct {
	mu     sync.Mutex
	market *Market
}

func NewMarketStore() *MarketStore {
	return &MarketStore{
		markets: make(map[uint64]*marketEntry),
	}
}

// Add registers a new market. Indices are assigned by the caller and must
// be unique.
func (s *MarketStore) Add(market *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[market.MarketIndex]; exists {
		return fmt.Errorf("market %d already exists", market.MarketIndex)
	}
	s.markets[market.MarketIndex] = &marketEntry{market: market}
	return nil
}

// WithExclusive runs fn holding the market's write lock. All engine
// transitions on a market flow through here; fn must not re-enter the
// store for the same market.
func (s *MarketStore) WithExclusive(marketIndex uint64, fn func(*Market) error) error {
	s.mu.RLock()
	entry, ok := s.markets[marketIndex]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("market %d not found", marketIndex)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.market)
}

// Get returns the market record without locking its transition mutex.
// Read-only callers (queries, metrics) accept slightly stale views.
func (s *MarketStore) Get(marketIndex uint64) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.markets[marketIndex]
	if !ok {
		return nil, fmt.Errorf("market %d not found", marketIndex)
	}
	return entry.market, nil
}

// Indices returns all market indices in ascending order.
func (s *MarketStore) Indices() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uint64, 0, len(s.markets))
	for idx := range s.markets {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len reports the number of registered markets.
func (s *MarketStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markets)
}
