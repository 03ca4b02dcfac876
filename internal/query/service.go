package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// HistoryService serves read-only history queries straight off the
// persisted record log and journal. Live state (balances, positions,
// markets) is answered by the engine; everything historical comes from
// here so queries never touch the engine lock.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// RecordEntry is one row of the record log with its raw payload.
type RecordEntry struct {
	Sequence    int64           `json:"sequence"`
	RecordType  string          `json:"record_type"`
	RecordKey   string          `json:"record_key"`
	MarketIndex *int64          `json:"market_index,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Ts          int64           `json:"ts"`
}

// JournalEntry is one balanced transfer from the journal.
type JournalEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	RecordRef     string `json:"record_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Ts            int64  `json:"ts"`
}

const maxPageSize = 500

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// MarketRecords returns the newest records of one type for a market.
// Funding history is MarketRecords(ctx, idx, "FundingRate", n); fill
// history is MarketRecords(ctx, idx, "Fill", n).
func (s *HistoryService) MarketRecords(ctx context.Context, marketIndex uint64, recordType string, limit int) ([]RecordEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, record_type, record_key, market_index, payload, ts
		FROM clearing.records
		WHERE market_index = $1 AND record_type = $2
		ORDER BY sequence DESC
		LIMIT $3
	`, int64(marketIndex), recordType, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query market records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecentRecords returns the newest records across all markets.
func (s *HistoryService) RecentRecords(ctx context.Context, limit int) ([]RecordEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, record_type, record_key, market_index, payload, ts
		FROM clearing.records
		ORDER BY sequence DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// AccountJournal returns the newest journal legs touching an account,
// either side. accountPath is the string form, e.g.
// "user:<uuid>:collateral:USDC" or "market:0:fee_pool:USDC".
func (s *HistoryService) AccountJournal(ctx context.Context, accountPath string, limit int) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, record_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, ts
		FROM clearing.journal
		WHERE debit_account = $1 OR credit_account = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, accountPath, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query account journal: %w", err)
	}
	defer rows.Close()
	return scanJournals(rows)
}

// RecordJournal returns every journal leg committed for one record key,
// in sequence order. Useful for auditing a single fill or settlement.
func (s *HistoryService) RecordJournal(ctx context.Context, recordKey string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, record_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, ts
		FROM clearing.journal
		WHERE record_ref = $1
		ORDER BY sequence ASC
	`, recordKey)
	if err != nil {
		return nil, fmt.Errorf("query record journal: %w", err)
	}
	defer rows.Close()
	return scanJournals(rows)
}

func scanRecords(rows *sql.Rows) ([]RecordEntry, error) {
	var out []RecordEntry
	for rows.Next() {
		var entry RecordEntry
		if err := rows.Scan(&entry.Sequence, &entry.RecordType, &entry.RecordKey,
			&entry.MarketIndex, &entry.Payload, &entry.Ts); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanJournals(rows *sql.Rows) ([]JournalEntry, error) {
	var out []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		if err := rows.Scan(&entry.JournalID, &entry.BatchID, &entry.RecordRef,
			&entry.Sequence, &entry.DebitAccount, &entry.CreditAccount,
			&entry.AssetID, &entry.Amount, &entry.JournalType, &entry.Ts); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
