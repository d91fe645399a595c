// Package workflows sequences provider and persona stages into research
// runs and owns the run state machine.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/research/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/providers"
	"github.com/Kocoro-lab/Shannon/go/research/internal/store"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
	ErrReportNotReady = errors.New("report is only available for succeeded workflows")
)

// AgentRunner executes persona stages.
type AgentRunner interface {
	Execute(ctx context.Context, task models.AgentTask) (*agents.Outcome, error)
	Estimate(task models.AgentTask) (float64, error)
}

// Admitter decides whether a request may start. A denial is returned as a
// PolicyDenied StageError.
type Admitter interface {
	Admit(ctx context.Context, req models.ResearchRequest) error
}

// Deps are the collaborators of an Orchestrator. Admission and Events are
// optional.
type Deps struct {
	Store      store.Store
	Providers  *providers.Registry
	Agents     AgentRunner
	Budget     *budget.Tracker
	Aggregator *metadata.Aggregator
	Events     *streaming.Manager
	Admission  Admitter
	Logger     *zap.Logger
	Now        func() time.Time
}

// entry is the in-memory handle of one run. mu guards run, active and
// mark; saveMu orders persistence so snapshots reach the store in the
// order they were taken.
type entry struct {
	mu     sync.Mutex
	saveMu sync.Mutex
	run    *models.WorkflowRun
	plan   []StageSpec
	// active is true while a goroutine owns the run.
	active bool
	// mark is when the current execution segment started; zero while idle.
	mark time.Time
	done chan struct{}
}

// Orchestrator runs research workflows.
type Orchestrator struct {
	cfgMu sync.RWMutex
	cfg   config.OrchestratorConfig
	sem   *semaphore.Weighted

	store      store.Store
	providers  *providers.Registry
	agents     AgentRunner
	budget     *budget.Tracker
	aggregator *metadata.Aggregator
	events     *streaming.Manager
	admission  Admitter
	logger     *zap.Logger
	now        func() time.Time
	validate   *validator.Validate

	mu     sync.RWMutex
	runs   map[string]*entry
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Call Recover once before serving traffic.
func New(cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Budget == nil {
		deps.Budget = budget.NewTracker(nil, deps.Logger)
	}
	if deps.Aggregator == nil {
		deps.Aggregator = metadata.NewAggregator(nil, deps.Logger)
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		store:      deps.Store,
		providers:  deps.Providers,
		agents:     deps.Agents,
		budget:     deps.Budget,
		aggregator: deps.Aggregator,
		events:     deps.Events,
		admission:  deps.Admission,
		logger:     deps.Logger,
		now:        deps.Now,
		validate:   validator.New(),
		runs:       make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// UpdateConfig applies a reloaded orchestrator section. Runs already in a
// stage keep the pool they acquired from.
func (o *Orchestrator) UpdateConfig(cfg config.OrchestratorConfig) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = o.cfg.WorkerPoolSize
	}
	if cfg.WorkerPoolSize != o.cfg.WorkerPoolSize {
		o.sem = semaphore.NewWeighted(int64(cfg.WorkerPoolSize))
	}
	o.cfg = cfg
	o.logger.Info("Orchestrator configuration updated",
		zap.Int("worker_pool_size", cfg.WorkerPoolSize),
		zap.Int("max_retries", cfg.MaxRetries),
	)
}

func (o *Orchestrator) config() (config.OrchestratorConfig, *semaphore.Weighted) {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg, o.sem
}

// Submit validates req, applies defaults and starts a run.
func (o *Orchestrator) Submit(ctx context.Context, req models.ResearchRequest) (string, error) {
	cfg, _ := o.config()
	applyDefaults(&req, cfg)
	if err := o.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	plan, err := PlanFor(req)
	if err != nil {
		return "", err
	}
	if o.admission != nil {
		if err := o.admission.Admit(ctx, req); err != nil {
			return "", err
		}
	}

	now := o.now()
	run := models.NewWorkflowRun(uuid.NewString(), req, now)
	e := &entry{run: run, plan: plan, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	o.runs[run.ID] = e
	o.mu.Unlock()

	o.budget.Open(run.ID, req.BudgetCeiling, 0)
	if err := o.persist(ctx, e); err != nil {
		o.mu.Lock()
		delete(o.runs, run.ID)
		o.mu.Unlock()
		o.budget.Close(run.ID)
		return "", err
	}

	metrics.WorkflowsStarted.WithLabelValues(string(req.Methodology), string(req.ExecutionMode)).Inc()
	o.logger.Info("Workflow submitted",
		zap.String("workflow_id", run.ID),
		zap.String("methodology", string(req.Methodology)),
		zap.String("mode", string(req.ExecutionMode)),
		zap.Float64("budget_ceiling", req.BudgetCeiling),
		zap.Duration("time_ceiling", req.TimeCeiling),
	)
	o.launch(e)
	return run.ID, nil
}

func applyDefaults(req *models.ResearchRequest, cfg config.OrchestratorConfig) {
	if req.BudgetCeiling == 0 {
		req.BudgetCeiling = cfg.DefaultBudgetCeiling
	}
	if req.TimeCeiling == 0 {
		req.TimeCeiling = cfg.DefaultTimeCeiling
	}
	if req.MaxSources == 0 {
		req.MaxSources = cfg.DefaultMaxSources
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = models.ExecutionMode(cfg.DefaultMode)
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = models.ModeAutonomous
	}
}

// GetStatus returns a snapshot of the run.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*models.WorkflowRun, error) {
	if e, ok := o.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.run.Clone(), nil
	}
	return o.store.Load(ctx, id)
}

// Report returns the aggregated report of a succeeded run.
func (o *Orchestrator) Report(ctx context.Context, id string) (*models.AggregatedReport, error) {
	run, err := o.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != models.StatusSucceeded || run.Report == nil {
		return nil, fmt.Errorf("%w: workflow %s is %s", ErrReportNotReady, id, run.Status)
	}
	return run.Report, nil
}

// Cancel requests cancellation. Pending and suspended runs are cancelled
// at once; executing runs stop at the next stage or sub-call boundary.
// Cancelling a terminal run is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	e, ok := o.lookup(id)
	if !ok {
		run, err := o.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s is not owned by this orchestrator", models.ErrWorkflowNotFound, id)
	}

	e.mu.Lock()
	run := e.run
	if run.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	run.CancelRequested = true
	run.UpdatedAt = o.now()
	immediate := run.Status == models.StatusPending || run.PendingClarification != nil || !e.active
	if immediate {
		run.PendingClarification = nil
		_ = run.Transition(models.StatusCancelled, o.now())
		run.FailureKind = models.KindCancelled
		run.FailureReason = "cancelled by request"
	}
	e.mu.Unlock()

	o.logger.Info("Workflow cancellation requested", zap.String("workflow_id", id), zap.Bool("immediate", immediate))
	if immediate {
		o.finalize(ctx, e)
		return nil
	}
	return o.persist(ctx, e)
}

// SupplyClarification answers a pending question and resumes the run from
// the suspended stage.
func (o *Orchestrator) SupplyClarification(ctx context.Context, id, stageID, answer string) error {
	e, ok := o.lookup(id)
	if !ok {
		if _, err := o.store.Load(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", models.ErrNotAwaiting, id)
	}

	e.mu.Lock()
	run := e.run
	if run.Status.Terminal() || run.PendingClarification == nil || run.PendingClarification.StageID != stageID {
		e.mu.Unlock()
		return fmt.Errorf("%w: workflow %s stage %s", models.ErrNotAwaiting, id, stageID)
	}
	if run.Clarifications == nil {
		run.Clarifications = make(map[string]string)
	}
	run.Clarifications[stageID] = answer
	run.PendingClarification = nil
	run.UpdatedAt = o.now()
	e.mu.Unlock()

	if err := o.persist(ctx, e); err != nil {
		return err
	}
	metrics.Clarifications.WithLabelValues("answered").Inc()
	o.emit(ctx, id, streaming.EventClarificationSupplied, stageID, "clarification supplied", nil)
	o.logger.Info("Clarification supplied, resuming workflow", zap.String("workflow_id", id), zap.String("stage", stageID))
	o.launch(e)
	return nil
}

// Wait blocks until the run is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.WorkflowRun, error) {
	e, ok := o.lookup(id)
	if !ok {
		return o.store.Load(ctx, id)
	}
	select {
	case <-e.done:
		return o.GetStatus(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recover restores non-terminal runs from the store. Running runs resume
// from their current stage, pending runs start, and runs awaiting
// clarification stay suspended.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	runs, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n := 0
	for _, run := range runs {
		if _, ok := o.lookup(run.ID); ok {
			continue
		}
		plan, err := PlanFor(run.Request)
		if err != nil {
			o.logger.Error("Cannot recover workflow", zap.String("workflow_id", run.ID), zap.Error(err))
			e := &entry{run: run, done: make(chan struct{})}
			_ = run.Fail(models.KindInternal, "plan could not be rebuilt: "+err.Error(), o.now())
			o.finalize(ctx, e)
			continue
		}
		e := &entry{run: run, plan: plan, done: make(chan struct{})}
		o.mu.Lock()
		o.runs[run.ID] = e
		o.mu.Unlock()
		o.budget.Open(run.ID, run.Request.BudgetCeiling, run.AccumulatedCost)
		n++

		if run.PendingClarification != nil {
			o.logger.Info("Recovered suspended workflow", zap.String("workflow_id", run.ID),
				zap.String("stage", run.PendingClarification.StageID))
			continue
		}
		o.logger.Info("Resuming workflow", zap.String("workflow_id", run.ID),
			zap.String("status", string(run.Status)), zap.Int("current_stage", run.CurrentStage))
		o.emit(ctx, run.ID, streaming.EventWorkflowResumed, "", "resumed after restart", nil)
		o.launch(e)
	}
	return n, nil
}

// Shutdown stops accepting work and interrupts executing runs. Interrupted
// runs stay non-terminal in the store and are picked up by Recover.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(id string) (*entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.runs[id]
	return e, ok
}

// launch starts the run goroutine unless one already owns the run.
func (o *Orchestrator) launch(e *entry) {
	e.mu.Lock()
	if e.active || e.run.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.active = true
	e.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(e)
	}()
}

// persist writes a snapshot of the run.
func (o *Orchestrator) persist(ctx context.Context, e *entry) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	e.mu.Lock()
	snap := e.run.Clone()
	e.mu.Unlock()
	if err := o.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		o.logger.Error("Failed to persist workflow", zap.String("workflow_id", snap.ID), zap.Error(err))
		return fmt.Errorf("persist workflow %s: %w", snap.ID, err)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, id, typ, stage, msg string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, streaming.Event{
		WorkflowID: id,
		Type:       typ,
		Stage:      stage,
		Message:    msg,
		Data:       data,
		Timestamp:  o.now(),
	})
}

// finalize persists a terminal run and releases its resources.
func (o *Orchestrator) finalize(ctx context.Context, e *entry) {
	e.mu.Lock()
	run := e.run
	if u, ok := o.budget.Usage(run.ID); ok {
		run.AccumulatedCost = u.Spent
		run.Overrun = u.Overrun
	}
	o.settleCharged(e)
	e.active = false
	e.mark = time.Time{}
	status, kind, reason := run.Status, run.FailureKind, run.FailureReason
	methodology := string(run.Request.Methodology)
	elapsed, cost := run.AccumulatedElapsed, run.AccumulatedCost
	e.mu.Unlock()

	_ = o.persist(ctx, e)
	o.budget.Close(run.ID)

	metrics.WorkflowsCompleted.WithLabelValues(methodology, string(status), string(kind)).Inc()
	metrics.WorkflowDuration.WithLabelValues(methodology).Observe(elapsed.Seconds())
	metrics.WorkflowCost.WithLabelValues(methodology).Observe(cost)

	typ := streaming.EventWorkflowSucceeded
	switch status {
	case models.StatusFailed:
		typ = streaming.EventWorkflowFailed
	case models.StatusCancelled:
		typ = streaming.EventWorkflowCancelled
	}
	o.emit(ctx, run.ID, typ, "", reason, map[string]any{"status": status, "failure_kind": kind, "cost": cost})

	o.logger.Info("Workflow finished",
		zap.String("workflow_id", run.ID),
		zap.String("status", string(status)),
		zap.String("failure_kind", string(kind)),
		zap.String("reason", reason),
		zap.Float64("cost", cost),
		zap.Duration("elapsed", elapsed),
	)

	// Terminal runs are served from the store from here on.
	o.mu.Lock()
	if cur, ok := o.runs[run.ID]; ok && cur == e {
		delete(o.runs, run.ID)
	}
	o.mu.Unlock()

	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// settleCharged records calls still carried by a run that ended before
// their stage finished, so its history accounts for every charge. Caller
// holds e.mu.
func (o *Orchestrator) settleCharged(e *entry) {
	c := e.run.Charged
	if c == nil {
		return
	}
	res := models.StageResult{
		Stage:     c.Stage,
		EndedAt:   o.now(),
		ErrorKind: e.run.FailureKind,
		Error:     e.run.FailureReason,
	}
	for _, spec := range e.plan {
		if spec.ID == c.Stage {
			res.Kind, res.Mandatory = spec.Kind, spec.Mandatory
			break
		}
	}
	if res.ErrorKind == "" {
		res.ErrorKind = models.KindInternal
	}
	if res.Error == "" {
		res.Error = "stage did not finish"
	}
	e.run.AppendStage(res, o.now())
}
