package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// epsilon absorbs float rounding when comparing sums against a ceiling.
const epsilon = 1e-9

// Pressure levels by fraction of the ceiling spent.
const (
	PressureLow      = "low"
	PressureMedium   = "medium"
	PressureHigh     = "high"
	PressureCritical = "critical"
)

// Charge is one actual cost to settle against a run. Key makes the
// commit idempotent; an empty key is never deduplicated.
type Charge struct {
	Key       string
	Stage     string
	Provider  string
	Estimated float64
	Actual    float64
}

// Usage is a point-in-time view of one run's ledger.
type Usage struct {
	Ceiling  float64 `json:"ceiling"`
	Spent    float64 `json:"spent"`
	Reserved float64 `json:"reserved"`
	Overrun  float64 `json:"overrun,omitempty"`
	Pressure string  `json:"pressure"`
}

// Remaining is the headroom left after spent and reserved amounts.
func (u Usage) Remaining() float64 {
	r := u.Ceiling - u.Spent - u.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// ledger is the per-run critical section. Lock ordering: Tracker.mu is
// never held while acquiring ledger.mu.
type ledger struct {
	mu        sync.Mutex
	ceiling   float64
	spent     float64
	reserved  float64
	overrun   float64
	committed map[string]bool
}

// Tracker enforces per-run budget ceilings. Runs never share a ledger.
type Tracker struct {
	mu      sync.Mutex
	ledgers map[string]*ledger
	db      *sqlx.DB
	logger  *zap.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. db may be nil, in which case commits are
// not written to the cost ledger table.
func NewTracker(db *sqlx.DB, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{ledgers: make(map[string]*ledger), db: db, logger: logger, now: time.Now}
}

// Open registers a run's ceiling, restoring spent for recovered runs.
// Reopening an existing ledger keeps its state.
func (t *Tracker) Open(runID string, ceiling, spent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ledgers[runID]; ok {
		return
	}
	t.ledgers[runID] = &ledger{ceiling: ceiling, spent: spent, committed: make(map[string]bool)}
}

// Close drops a run's ledger once it is terminal.
func (t *Tracker) Close(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ledgers, runID)
}

func (t *Tracker) ledgerFor(run *models.WorkflowRun) *ledger {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.ledgers[run.ID]
	if !ok {
		l = &ledger{ceiling: run.Request.BudgetCeiling, spent: run.AccumulatedCost, committed: make(map[string]bool)}
		t.ledgers[run.ID] = l
	}
	return l
}

// Authorize reserves estimatedCost when spent + reserved + estimate stays
// within the ceiling, and returns false otherwise.
func (t *Tracker) Authorize(run *models.WorkflowRun, estimatedCost float64) bool {
	if estimatedCost < 0 {
		estimatedCost = 0
	}
	l := t.ledgerFor(run)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.spent+l.reserved+estimatedCost > l.ceiling+epsilon {
		t.logger.Info("Budget refused",
			zap.String("workflow_id", run.ID),
			zap.Float64("spent", l.spent),
			zap.Float64("reserved", l.reserved),
			zap.Float64("estimate", estimatedCost),
			zap.Float64("ceiling", l.ceiling),
		)
		return false
	}
	l.reserved += estimatedCost
	return true
}

// Release returns an unused reservation.
func (t *Tracker) Release(run *models.WorkflowRun, estimatedCost float64) {
	l := t.ledgerFor(run)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release(estimatedCost)
}

func (l *ledger) release(amount float64) {
	l.reserved -= amount
	if l.reserved < epsilon {
		l.reserved = 0
	}
}

// Commit settles a charge: the reservation is released and the actual
// cost added. A charge that would breach the ceiling is not applied; it is
// recorded as overrun and ErrBudgetExceeded is returned. Duplicate keys
// are ignored.
func (t *Tracker) Commit(ctx context.Context, run *models.WorkflowRun, c Charge) error {
	if c.Actual < 0 {
		return fmt.Errorf("negative cost %.6f for stage %s", c.Actual, c.Stage)
	}
	l := t.ledgerFor(run)
	l.mu.Lock()
	if c.Key != "" && l.committed[c.Key] {
		l.mu.Unlock()
		t.logger.Debug("Duplicate charge ignored",
			zap.String("workflow_id", run.ID),
			zap.String("idempotency_key", c.Key),
		)
		return nil
	}
	l.release(c.Estimated)
	if l.spent+c.Actual > l.ceiling+epsilon {
		l.overrun += c.Actual
		if c.Key != "" {
			l.committed[c.Key] = true
		}
		spent, ceiling := l.spent, l.ceiling
		l.mu.Unlock()
		metrics.BudgetRefusals.WithLabelValues(c.Stage, "commit").Inc()
		return models.NewStageError(models.KindBudgetExceeded, c.Stage, c.Provider,
			fmt.Errorf("%w: charge %.4f on top of %.4f exceeds ceiling %.4f", models.ErrBudgetExceeded, c.Actual, spent, ceiling))
	}
	l.spent += c.Actual
	if c.Key != "" {
		l.committed[c.Key] = true
	}
	l.mu.Unlock()

	if t.db != nil {
		if err := t.storeCharge(ctx, run.ID, c); err != nil {
			t.logger.Warn("Failed to write cost ledger entry",
				zap.String("workflow_id", run.ID),
				zap.String("stage", c.Stage),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Usage returns the ledger view for runID.
func (t *Tracker) Usage(runID string) (Usage, bool) {
	t.mu.Lock()
	l, ok := t.ledgers[runID]
	t.mu.Unlock()
	if !ok {
		return Usage{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Usage{
		Ceiling:  l.ceiling,
		Spent:    l.spent,
		Reserved: l.reserved,
		Overrun:  l.overrun,
		Pressure: PressureLevel(l.spent, l.ceiling),
	}, true
}

// Spent returns the committed total for runID.
func (t *Tracker) Spent(runID string) float64 {
	u, _ := t.Usage(runID)
	return u.Spent
}

// PressureLevel buckets spent/ceiling into low, medium, high and critical.
func PressureLevel(spent, ceiling float64) string {
	if ceiling <= 0 {
		if spent > 0 {
			return PressureCritical
		}
		return PressureLow
	}
	used := spent / ceiling
	switch {
	case used < 0.5:
		return PressureLow
	case used < 0.75:
		return PressureMedium
	case used < 0.9:
		return PressureHigh
	default:
		return PressureCritical
	}
}
