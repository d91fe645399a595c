package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shannon_research_circuit_breaker_state",
			Help: "Current provider breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_circuit_breaker_requests_total",
			Help: "Requests seen by provider breakers",
		},
		[]string{"provider", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_research_circuit_breaker_state_changes_total",
			Help: "Provider breaker state transitions",
		},
		[]string{"provider", "from_state", "to_state"},
	)
)

// Set holds one breaker per provider and exports their metrics.
type Set struct {
	mu       sync.RWMutex
	settings Settings
	breakers map[string]*Breaker
	build    func(name string) *Breaker
}

// NewSet creates a breaker registry; every breaker shares s.
func NewSet(s Settings, factory func(name string, s Settings) *Breaker) *Set {
	set := &Set{settings: s, breakers: make(map[string]*Breaker)}
	set.build = func(name string) *Breaker {
		bs := set.settings
		prev := bs.OnStateChange
		bs.OnStateChange = func(n string, from, to State) {
			if prev != nil {
				prev(n, from, to)
			}
			breakerStateChanges.WithLabelValues(n, from.String(), to.String()).Inc()
			breakerState.WithLabelValues(n).Set(float64(to))
		}
		if factory != nil {
			return factory(name, bs)
		}
		return New(name, bs, nil)
	}
	return set
}

// Get returns the breaker for provider, creating it on first use.
func (s *Set) Get(provider string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[provider]; ok {
		return b
	}
	b = s.build(provider)
	s.breakers[provider] = b
	breakerState.WithLabelValues(provider).Set(float64(StateClosed))
	return b
}

// Open lists providers whose breaker is currently open, sorted.
func (s *Set) Open() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, b := range s.breakers {
		if b.State() == StateOpen {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RecordRequest counts one guarded request.
func RecordRequest(provider string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(provider, state.String(), result).Inc()
}
