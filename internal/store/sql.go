package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Schema is portable across postgres and sqlite. Timestamps are unix nanos.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS research_workflows (
		id               TEXT PRIMARY KEY,
		status           TEXT NOT NULL,
		methodology      TEXT NOT NULL,
		current_stage    INTEGER NOT NULL,
		accumulated_cost DOUBLE PRECISION NOT NULL,
		payload          TEXT NOT NULL,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_research_workflows_status ON research_workflows (status)`,
	`CREATE TABLE IF NOT EXISTS research_stage_results (
		workflow_id TEXT NOT NULL,
		idx         INTEGER NOT NULL,
		stage       TEXT NOT NULL,
		payload     TEXT NOT NULL,
		PRIMARY KEY (workflow_id, idx)
	)`,
}

const (
	upsertWorkflowSQL = `INSERT INTO research_workflows
		(id, status, methodology, current_stage, accumulated_cost, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			accumulated_cost = excluded.accumulated_cost,
			payload = excluded.payload,
			updated_at = excluded.updated_at`
	maxStageIdxSQL    = `SELECT COALESCE(MAX(idx), -1) FROM research_stage_results WHERE workflow_id = ?`
	insertStageSQL    = `INSERT INTO research_stage_results (workflow_id, idx, stage, payload) VALUES (?, ?, ?, ?) ON CONFLICT (workflow_id, idx) DO NOTHING`
	selectWorkflowSQL = `SELECT payload FROM research_workflows WHERE id = ?`
	selectStagesSQL   = `SELECT payload FROM research_stage_results WHERE workflow_id = ? ORDER BY idx`
	selectActiveSQL   = `SELECT id FROM research_workflows WHERE status IN (?, ?) ORDER BY created_at, id`
)

// SQLConfig tunes the connection pool.
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// SQL stores runs in postgres or sqlite through sqlx. Stage results live
// in their own append-only table.
type SQL struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenDB opens and pings a database. The "sqlite" driver name maps to
// go-sqlite3's "sqlite3".
func OpenDB(ctx context.Context, cfg SQLConfig) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if driver == "sqlite3" {
		// sqlite serialises writers anyway
		cfg.MaxConnections = 1
		cfg.IdleConnections = 1
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewSQL wraps db.
func NewSQL(db *sqlx.DB, logger *zap.Logger) *SQL {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQL{db: db, logger: logger}
}

// DB exposes the handle, shared with the cost ledger.
func (s *SQL) DB() *sqlx.DB { return s.db }

// Migrate creates the tables.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQL) Save(ctx context.Context, run *models.WorkflowRun) error {
	head := *run
	head.StageResults = nil
	payload, err := json.Marshal(&head)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, tx.Rebind(upsertWorkflowSQL),
		run.ID, string(run.Status), string(run.Request.Methodology), run.CurrentStage, run.AccumulatedCost,
		string(payload), run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert workflow %s: %w", run.ID, err)
	}

	var last int
	if err := tx.QueryRowxContext(ctx, tx.Rebind(maxStageIdxSQL), run.ID).Scan(&last); err != nil {
		return fmt.Errorf("read stage index %s: %w", run.ID, err)
	}
	for i := last + 1; i < len(run.StageResults); i++ {
		res := run.StageResults[i]
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode stage %s: %w", res.Stage, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertStageSQL), run.ID, i, res.Stage, string(b)); err != nil {
			return fmt.Errorf("insert stage %s: %w", res.Stage, err)
		}
	}
	return tx.Commit()
}

func (s *SQL) Load(ctx context.Context, id string) (*models.WorkflowRun, error) {
	var payload string
	if err := s.db.GetContext(ctx, &payload, s.db.Rebind(selectWorkflowSQL), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var run models.WorkflowRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}

	var stages []string
	if err := s.db.SelectContext(ctx, &stages, s.db.Rebind(selectStagesSQL), id); err != nil {
		return nil, fmt.Errorf("load stages %s: %w", id, err)
	}
	run.StageResults = make([]models.StageResult, 0, len(stages))
	for _, raw := range stages {
		var res models.StageResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("decode stage of %s: %w", id, err)
		}
		run.StageResults = append(run.StageResults, res)
	}
	return &run, nil
}

func (s *SQL) ListActive(ctx context.Context) ([]*models.WorkflowRun, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(selectActiveSQL),
		string(models.StatusPending), string(models.StatusRunning)); err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	out := make([]*models.WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable workflow", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM research_stage_results WHERE workflow_id = ?`), id); err != nil {
		return fmt.Errorf("delete stages %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM research_workflows WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQL) Close() error { return s.db.Close() }
