package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), logger: logger, now: time.Now}
}

// Register adds a checker; names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()),
	)
	return nil
}

// Names lists registered checkers, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for n := range m.checkers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently, each under its own timeout. The
// service is unhealthy when a critical check fails and degraded when any
// other check is not healthy.
func (m *Manager) Check(ctx context.Context) Report {
	start := m.now()
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.run(ctx, c)
		}()
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Ready: true, Timestamp: start, Components: make(map[string]CheckResult, len(results))}
	for _, r := range results {
		report.Components[r.Component] = r
		switch {
		case r.Status == StatusHealthy:
		case r.Critical && r.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
			report.Ready = false
		case report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	report.Duration = m.now().Sub(start)
	return report
}

func (m *Manager) run(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.now()
	r := c.Check(cctx)
	if r.Component == "" {
		r.Component = c.Name()
	}
	r.Critical = c.IsCritical()
	if r.Timestamp.IsZero() {
		r.Timestamp = start
	}
	if r.Duration == 0 {
		r.Duration = m.now().Sub(start)
	}
	if r.Status != StatusHealthy {
		m.logger.Warn("Health check not healthy",
			zap.String("checker", r.Component),
			zap.String("status", r.Status.String()),
			zap.String("error", r.Error),
		)
	}
	return r
}
