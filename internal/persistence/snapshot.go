package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpClearing/internal/engine"
)

// SnapshotManager persists periodic state exports so recovery does not have
// to replay the full record log. A snapshot holds balances, markets (AMM
// state included), and positions as one JSON document.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Save writes one state export.
func (sm *SnapshotManager) Save(ctx context.Context, export engine.StateExport) error {
	data, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO clearing.snapshots (snapshot_id, op_count, state_hash, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), export.OpCount, export.Digest(), data, time.Now())
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadLatest returns the most recent snapshot, or sql.ErrNoRows when none
// exists yet. The stored digest is recomputed over the loaded export; a
// mismatch means the row was corrupted or hand-edited and must not seed
// recovery.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (engine.StateExport, error) {
	var (
		data       []byte
		storedHash string
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, state_hash FROM clearing.snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&data, &storedHash)
	if err != nil {
		return engine.StateExport{}, err
	}

	var export engine.StateExport
	if err := json.Unmarshal(data, &export); err != nil {
		return engine.StateExport{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if got := export.Digest(); got != storedHash {
		return engine.StateExport{}, fmt.Errorf("snapshot digest mismatch: stored %s, recomputed %s", storedHash, got)
	}
	return export, nil
}

// Prune deletes all but the newest keep snapshots.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM clearing.snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM clearing.snapshots
			ORDER BY created_at DESC
			LIMIT $1
		)
	`, keep)
	return err
}
