package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"PerpClearing/internal/engine"
	"PerpClearing/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to
// Postgres. This goroutine runs independently from the engine. The persist
// channel uses BLOCKING sends from the engine, so if this worker falls
// behind, the engine stalls rather than losing a record.
type PersistenceWorker struct {
	writer       *RecordLogWriter
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	sequence     int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewRecordLogWriter(db, batchSize, flushTimeout),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// convert turns one engine output into its record row plus journal rows.
func (pw *PersistenceWorker) convert(output engine.Output) (RecordRow, []JournalRow) {
	pw.sequence++

	var marketIndex *int64
	if m := output.Record.MarketIndex(); m != nil {
		v := int64(*m)
		marketIndex = &v
	}

	row := RecordRow{
		Sequence:    pw.sequence,
		RecordType:  output.Record.Type().String(),
		RecordKey:   output.Record.Key(),
		MarketIndex: marketIndex,
		Payload:     MarshalPayload(output.Record),
		Ts:          recordTs(output),
		CreatedAt:   time.Now(),
	}

	var journals []JournalRow
	if output.Batch != nil {
		journals = make([]JournalRow, 0, len(output.Batch.Journals))
		for _, j := range output.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				RecordRef:     j.EventRef,
				Sequence:      pw.sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Ts:            j.Timestamp,
			})
		}
	}

	return row, journals
}

func recordTs(output engine.Output) int64 {
	if output.Batch != nil {
		return output.Batch.Timestamp
	}
	return 0
}

// Run starts the persistence worker loop. It batches incoming outputs and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	recordBatch := make([]RecordRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*3) // ~3 journals per record avg

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(recordBatch) > 0 {
				if err := pw.flush(context.Background(), recordBatch, journalBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed, flush and exit
				if len(recordBatch) > 0 {
					if err := pw.flush(context.Background(), recordBatch, journalBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			row, journals := pw.convert(output)
			recordBatch = append(recordBatch, row)
			journalBatch = append(journalBatch, journals...)

			// Flush if batch is full
			if len(recordBatch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, recordBatch, journalBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				recordBatch = recordBatch[:0]
				journalBatch = journalBatch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout, write whatever we have
			if len(recordBatch) > 0 {
				if err := pw.flushWithRetry(ctx, recordBatch, journalBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				recordBatch = recordBatch[:0]
				journalBatch = journalBatch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops records: it retries until the write succeeds or the context
// is cancelled (graceful shutdown attempts one final flush).
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, records []RecordRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, records=%d)",
				attempt, backoff, len(records))
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), records, journals)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, records, journals)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, records []RecordRow, journals []JournalRow) error {
	start := time.Now()

	// Records and journals commit in a single transaction.
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteRecordBatch(ctx, tx, records); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_records").Inc()
		}
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(records)))
		pw.metrics.PersistRecordsWritten.Add(float64(len(records)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
	}

	return nil
}
