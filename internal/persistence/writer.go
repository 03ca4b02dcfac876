package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// RecordLogWriter writes records and journals to Postgres using batch
// inserts. Multi-row INSERT is used as a portable alternative to COPY;
// switch to pgx CopyFrom for production-grade throughput.
type RecordLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// RecordRow represents a row in clearing.records
type RecordRow struct {
	Sequence    int64
	RecordType  string
	RecordKey   string
	MarketIndex *int64
	Payload     []byte // JSON-encoded record payload
	Ts          int64
	CreatedAt   time.Time
}

// JournalRow represents a row in clearing.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	RecordRef     string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Ts            int64
}

func NewRecordLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *RecordLogWriter {
	return &RecordLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteRecordBatch writes a batch of records using multi-row INSERT inside
// the given transaction. Conflicts on record_key make replays idempotent.
func (w *RecordLogWriter) WriteRecordBatch(ctx context.Context, tx *sql.Tx, records []RecordRow) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO clearing.records
		(sequence, record_type, record_key, market_index, payload, ts, created_at)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*7)

	for i, r := range records {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.Sequence, r.RecordType, r.RecordKey, r.MarketIndex,
			r.Payload, r.Ts, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (record_key) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries inside the given
// transaction.
func (w *RecordLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO clearing.journal
		(journal_id, batch_id, record_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, ts)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.RecordRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Ts,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalPayload serializes a record payload to JSON for storage.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WARN: failed to marshal payload: %v", err)
		return []byte("{}")
	}
	return data
}
