package budget

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// LedgerSchema creates the cost ledger table. Portable across postgres and
// sqlite.
const LedgerSchema = `CREATE TABLE IF NOT EXISTS research_cost_ledger (
	workflow_id     TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	stage           TEXT NOT NULL,
	provider        TEXT NOT NULL,
	estimated_cost  DOUBLE PRECISION NOT NULL,
	actual_cost     DOUBLE PRECISION NOT NULL,
	created_at      BIGINT NOT NULL,
	PRIMARY KEY (workflow_id, idempotency_key)
)`

const insertChargeSQL = `INSERT INTO research_cost_ledger
	(workflow_id, idempotency_key, stage, provider, estimated_cost, actual_cost, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (workflow_id, idempotency_key) DO NOTHING`

// LedgerEntry is one persisted charge.
type LedgerEntry struct {
	WorkflowID     string  `db:"workflow_id"`
	IdempotencyKey string  `db:"idempotency_key"`
	Stage          string  `db:"stage"`
	Provider       string  `db:"provider"`
	EstimatedCost  float64 `db:"estimated_cost"`
	ActualCost     float64 `db:"actual_cost"`
	CreatedAt      int64   `db:"created_at"`
}

// MigrateLedger ensures the ledger table exists.
func MigrateLedger(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, LedgerSchema); err != nil {
		return fmt.Errorf("create cost ledger: %w", err)
	}
	return nil
}

func (t *Tracker) storeCharge(ctx context.Context, runID string, c Charge) error {
	key := c.Key
	if key == "" {
		key = fmt.Sprintf("%s/%s/%d", c.Stage, c.Provider, t.now().UnixNano())
	}
	_, err := t.db.ExecContext(ctx, t.db.Rebind(insertChargeSQL),
		runID, key, c.Stage, c.Provider, c.Estimated, c.Actual, t.now().UnixNano())
	return err
}

// LedgerEntries returns persisted charges for a run in insertion order.
func (t *Tracker) LedgerEntries(ctx context.Context, runID string) ([]LedgerEntry, error) {
	if t.db == nil {
		return nil, nil
	}
	var out []LedgerEntry
	err := t.db.SelectContext(ctx, &out, t.db.Rebind(
		`SELECT workflow_id, idempotency_key, stage, provider, estimated_cost, actual_cost, created_at
		 FROM research_cost_ledger WHERE workflow_id = ? ORDER BY created_at, idempotency_key`), runID)
	if err != nil {
		return nil, fmt.Errorf("query cost ledger: %w", err)
	}
	return out, nil
}
