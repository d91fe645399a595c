package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sampleRun(id string, created time.Time) *models.WorkflowRun {
	run := models.NewWorkflowRun(id, models.ResearchRequest{
		Query: "grid-scale storage", Methodology: models.MethodologyHybrid, MaxSources: 10, BudgetCeiling: 5,
	}, created)
	return run
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	_, err := s.Load(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrWorkflowNotFound))

	a := sampleRun("wf-a", base)
	b := sampleRun("wf-b", base.Add(time.Second))
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, s.Save(ctx, a))

	require.NoError(t, a.Transition(models.StatusRunning, base))
	a.AppendStage(models.StageResult{Stage: "source-discovery", Confidence: 0.8, Cost: 0.02,
		Output: &models.Artifact{Sources: []models.Source{{URL: "https://example.com", Relevance: 0.7}}}}, base)
	a.CurrentStage = 1
	a.AccumulatedCost = 0.02
	require.NoError(t, s.Save(ctx, a))

	a.AppendStage(models.StageResult{Stage: "content-extraction", Skipped: true}, base)
	a.CurrentStage = 2
	a.PendingClarification = &models.Clarification{StageID: "agent-analysis", Question: "Which region?", RequestedAt: base}
	require.NoError(t, s.Save(ctx, a))

	got, err := s.Load(ctx, "wf-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStage)
	require.Len(t, got.StageResults, 2)
	assert.Equal(t, "source-discovery", got.StageResults[0].Stage)
	assert.Equal(t, "https://example.com", got.StageResults[0].Output.Sources[0].URL)
	assert.True(t, got.StageResults[1].Skipped)
	require.NotNil(t, got.PendingClarification)
	assert.Equal(t, "Which region?", got.PendingClarification.Question)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "wf-a", active[0].ID)
	assert.Equal(t, "wf-b", active[1].ID)

	require.NoError(t, b.Transition(models.StatusCancelled, base))
	require.NoError(t, s.Save(ctx, b))
	active, err = s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, s.Delete(ctx, "wf-a"))
	_, err = s.Load(ctx, "wf-a")
	assert.True(t, errors.Is(err, models.ErrWorkflowNotFound))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStore_CopiesOnSave(t *testing.T) {
	s := NewMemory()
	run := sampleRun("wf", time.Now())
	require.NoError(t, s.Save(context.Background(), run))
	run.Request.Query = "mutated"
	got, _ := s.Load(context.Background(), "wf")
	assert.Equal(t, "grid-scale storage", got.Request.Query)
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(ctx, SQLConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "research.db")})
	require.NoError(t, err)
	s := NewSQL(db, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	exerciseStore(t, s)
}

func TestSQLStore_PostgresStatements(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	s := NewSQL(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(t))

	run := sampleRun("wf-1", time.Unix(1700000000, 0))
	run.AppendStage(models.StageResult{Stage: "source-discovery"}, run.CreatedAt)
	run.AppendStage(models.StageResult{Stage: "content-extraction"}, run.CreatedAt)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO research_workflows")).
		WithArgs("wf-1", "pending", "hybrid", 0, 0.0, sqlmock.AnyArg(), run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(idx), -1) FROM research_stage_results WHERE workflow_id = $1")).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	// Only the stage not yet persisted is inserted.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO research_stage_results (workflow_id, idx, stage, payload) VALUES ($1, $2, $3, $4)")).
		WithArgs("wf-1", 1, "content-extraction", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveRollsBackOnError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	s := NewSQL(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(t))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO research_workflows").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.Save(context.Background(), sampleRun("wf-1", time.Now()))
	assert.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, "test", time.Hour, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}

func TestRedisStore_TerminalRunsExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, "test", time.Minute, zaptest.NewLogger(t))
	defer s.Close()
	ctx := context.Background()

	run := sampleRun("wf", time.Now())
	require.NoError(t, run.Transition(models.StatusCancelled, time.Now()))
	require.NoError(t, s.Save(ctx, run))
	assert.Equal(t, time.Minute, mr.TTL("test:run:wf"))

	mr.FastForward(2 * time.Minute)
	_, err := s.Load(ctx, "wf")
	assert.True(t, errors.Is(err, models.ErrWorkflowNotFound))
}
