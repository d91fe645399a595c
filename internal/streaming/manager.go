package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published by the orchestrator.
const (
	EventWorkflowStarted        = "workflow.started"
	EventWorkflowResumed        = "workflow.resumed"
	EventStageStarted           = "stage.started"
	EventStageCompleted         = "stage.completed"
	EventStageFailed            = "stage.failed"
	EventStageSkipped           = "stage.skipped"
	EventStageRetry             = "stage.retry"
	EventClarificationRequested = "clarification.requested"
	EventClarificationSupplied  = "clarification.supplied"
	EventWorkflowSucceeded      = "workflow.succeeded"
	EventWorkflowFailed         = "workflow.failed"
	EventWorkflowCancelled      = "workflow.cancelled"
)

// DefaultCapacity is the per-workflow replay ring size.
const DefaultCapacity = 256

// Event is one progress notification for SSE and WebSocket clients.
type Event struct {
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type"`
	Stage      string         `json:"stage,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Seq        uint64         `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether e ends the workflow's stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventWorkflowSucceeded, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// Manager provides in-memory pub/sub for workflow events, with an optional
// Redis stream mirror so history survives restarts.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-workflow ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int

	redis     redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRedis mirrors every event into a capped Redis stream per workflow.
func WithRedis(client redis.UniversalClient, keyPrefix string) Option {
	return func(m *Manager) {
		m.redis = client
		m.keyPrefix = keyPrefix
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager keeping capacity events per workflow.
func NewManager(capacity int, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		keyPrefix:   "research",
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe adds a subscriber channel for a workflowID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workflowID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, workflowID)
		}
	}
}

// Publish assigns the next sequence number and fans evt out to
// subscribers without blocking; slow subscribers miss events and recover
// them through ReplaySince.
func (m *Manager) Publish(ctx context.Context, evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}
	m.mu.Lock()
	rg := m.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.WorkflowID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Sends happen under the lock so Unsubscribe never closes a channel
	// mid-send.
	for ch := range m.subscribers[evt.WorkflowID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.mirror(ctx, evt); err != nil {
			m.logger.Warn("Failed to mirror event to redis",
				zap.String("workflow_id", evt.WorkflowID),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
		}
	}
	return evt
}

func (m *Manager) streamKey(workflowID string) string {
	return fmt.Sprintf("%s:events:%s", m.keyPrefix, workflowID)
}

func (m *Manager) mirror(ctx context.Context, evt Event) error {
	return m.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: m.streamKey(evt.WorkflowID),
		MaxLen: int64(m.capacity),
		Approx: true,
		Values: map[string]any{"seq": evt.Seq, "event": string(evt.Marshal())},
	}).Err()
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity). When the ring has nothing for the workflow, the Redis
// mirror is consulted and the ring is seeded from it.
func (m *Manager) ReplaySince(ctx context.Context, workflowID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[workflowID]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.RUnlock()
	if rg != nil || m.redis == nil {
		return out
	}

	restored, err := m.loadMirror(ctx, workflowID)
	if err != nil {
		m.logger.Warn("Failed to read event mirror", zap.String("workflow_id", workflowID), zap.Error(err))
		return nil
	}
	if len(restored) == 0 {
		return nil
	}
	m.mu.Lock()
	if m.history[workflowID] == nil {
		rg = newRing(m.capacity)
		for _, e := range restored {
			rg.push(e)
			rg.nextSeq = e.Seq
		}
		m.history[workflowID] = rg
	}
	out = m.history[workflowID].since(since)
	m.mu.Unlock()
	return out
}

func (m *Manager) loadMirror(ctx context.Context, workflowID string) ([]Event, error) {
	msgs, err := m.redis.XRange(ctx, m.streamKey(workflowID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.Seq == 0 {
			if s, ok := msg.Values["seq"].(string); ok {
				e.Seq, _ = strconv.ParseUint(s, 10, 64)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// LastSeq returns the latest sequence number published for workflowID.
func (m *Manager) LastSeq(workflowID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rg := m.history[workflowID]; rg != nil {
		return rg.nextSeq
	}
	return 0
}

// Forget drops a workflow's history and closes its subscribers.
func (m *Manager) Forget(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, workflowID)
	for ch := range m.subscribers[workflowID] {
		close(ch)
	}
	delete(m.subscribers, workflowID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
