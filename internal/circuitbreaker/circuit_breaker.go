package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"go.uber.org/zap"
)

// State represents the breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings tune one breaker.
type Settings struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counter reset period; 0 never resets
	Timeout          time.Duration // open -> half-open delay
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // half-open successes that close it
	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every non-nil error.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

// SettingsFromConfig maps the circuit_breaker config section.
func SettingsFromConfig(c config.CircuitBreakerConfig) Settings {
	s := Settings{
		MaxRequests:      c.MaxRequests,
		Interval:         c.Interval,
		Timeout:          c.Timeout,
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 1
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s
}

// Counts holds the breaker statistics for the current generation
type Counts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards calls to one provider.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker.
func New(name string, s Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{name: name, settings: s, logger: logger, now: time.Now}
	b.resetGeneration(b.now())
	return b
}

// Name returns the guarded provider id.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker rejects it. The context is only
// consulted before fn starts.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.record(gen, false)
			panic(r)
		}
	}()
	err = fn()
	b.record(gen, !b.countsAsFailure(err))
	return err
}

// State returns the current state, applying any expired timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, _ := b.current(b.now())
	return st
}

// Counts returns the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if b.settings.IsFailure == nil {
		return true
	}
	return b.settings.IsFailure(err)
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, gen := b.current(b.now())
	switch {
	case st == StateOpen:
		return gen, ErrOpen
	case st == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		return gen, ErrTooManyRequests
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) record(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st, cur := b.current(now)
	if cur != gen {
		return
	}
	if ok {
		b.counts.ConsecutiveFailures = 0
		b.counts.ConsecutiveSuccesses++
		if st == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
			b.transition(StateClosed, now)
		}
		return
	}
	b.counts.ConsecutiveSuccesses = 0
	b.counts.ConsecutiveFailures++
	if st == StateHalfOpen || b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
		b.transition(StateOpen, now)
	}
}

// current must be called with mu held.
func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.resetGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.resetGeneration(now)

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("provider", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (b *Breaker) resetGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.settings.Interval > 0 {
			b.expiry = now.Add(b.settings.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
