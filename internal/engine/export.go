package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"PerpClearing/internal/ledger"
	"PerpClearing/internal/state"
)

// StateExport is a deep copy of the engine's in-memory state at a point in
// time, taken under the engine lock. Snapshot persistence serializes it;
// recovery replays the record log from the snapshot forward.
type StateExport struct {
	Balances  map[string]int64 `json:"balances"` // AccountPath -> balance
	Markets   []state.Market   `json:"markets"`
	Positions []state.Position `json:"positions"`
	OpCount   int64            `json:"op_count"`
}

// Export captures a consistent copy of all engine state.
func (e *ClearingEngine) Export() StateExport {
	e.mu.Lock()
	defer e.mu.Unlock()

	balances := make(map[string]int64)
	for key, balance := range e.tracker.Snapshot() {
		balances[key.AccountPath()] = balance
	}

	var markets []state.Market
	for _, idx := range e.markets.Indices() {
		m, err := e.markets.Get(idx)
		if err != nil {
			continue
		}
		cp := *m
		cp.Amm = m.Amm.Clone()
		markets = append(markets, cp)
	}

	var positions []state.Position
	for _, pos := range e.positions.GetAllPositions() {
		positions = append(positions, *pos)
	}

	return StateExport{
		Balances:  balances,
		Markets:   markets,
		Positions: positions,
		OpCount:   e.opCount,
	}
}

// RestoreFromExport seeds a fresh engine from a snapshot. Legal only
// before any instruction has been applied; recovery then replays record
// history forward from the snapshot's op count.
func (e *ClearingEngine) RestoreFromExport(export StateExport) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opCount != 0 || e.markets.Len() != 0 {
		return fmt.Errorf("restore requires a fresh engine (opCount=%d, markets=%d)", e.opCount, e.markets.Len())
	}

	balances := make(map[ledger.AccountKey]int64, len(export.Balances))
	for path, balance := range export.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		balances[key] = balance
	}
	e.tracker.Load(balances)

	var maxIndex uint64
	for _, m := range export.Markets {
		cp := m
		cp.Amm = m.Amm.Clone()
		if err := e.markets.Add(&cp); err != nil {
			return fmt.Errorf("restore market %d: %w", m.MarketIndex, err)
		}
		if m.MarketIndex >= maxIndex {
			maxIndex = m.MarketIndex + 1
		}
	}
	e.nextMarketIndex = maxIndex

	for _, p := range export.Positions {
		cp := p
		e.positions.SetPosition(&cp)
	}

	e.opCount = export.OpCount
	return nil
}

// Digest computes a deterministic hash of the export. Two engines that
// applied the same instruction stream produce the same digest; snapshot
// rows carry it so replay divergence is detectable.
func (s StateExport) Digest() string {
	h := sha256.New()

	writeI64 := func(v int64) {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	writeI64(s.OpCount)

	paths := make([]string, 0, len(s.Balances))
	for path := range s.Balances {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		h.Write([]byte(path))
		writeI64(s.Balances[path])
	}

	// Markets arrive sorted by index and positions in manager order; sort
	// positions explicitly so the digest does not depend on map iteration
	// history inside the position manager.
	positions := make([]state.Position, len(s.Positions))
	copy(positions, s.Positions)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].MarketIndex != positions[j].MarketIndex {
			return positions[i].MarketIndex < positions[j].MarketIndex
		}
		return positions[i].Owner.String() < positions[j].Owner.String()
	})

	for _, m := range s.Markets {
		writeI64(int64(m.MarketIndex))
		writeI64(int64(m.Status))
		writeI64(m.Amm.BaseAssetReserve)
		writeI64(m.Amm.QuoteAssetReserve)
		writeI64(m.Amm.QuoteAssetAmount)
		writeI64(m.Amm.PegMultiplier)
		writeI64(m.Amm.CumulativeFundingRateLong)
		writeI64(m.Amm.CumulativeFundingRateShort)
		writeI64(m.ExpiryTs)
		writeI64(m.ExpiryPrice)
		writeI64(m.FeePoolBalance)
		writeI64(m.PnlPoolBalance)
	}

	for _, p := range positions {
		h.Write(p.Owner[:])
		writeI64(int64(p.MarketIndex))
		writeI64(p.BaseAssetAmount)
		writeI64(p.QuoteAssetAmount)
		writeI64(p.QuoteEntryAmount)
		writeI64(p.LastCumulativeFundingRate)
	}

	return hex.EncodeToString(h.Sum(nil))
}
