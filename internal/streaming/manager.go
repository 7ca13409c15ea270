// Package streaming fans turn progress events out to live subscribers.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/agent"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/metrics"
)

// Event is one turn progress notification as sent over SSE and WebSocket.
type Event struct {
	TurnID    string         `json:"turn_id"`
	Type      string         `json:"type"`
	SubtaskID int            `json:"subtask_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether no further events follow for the turn.
func (e Event) Terminal() bool {
	return e.Type == string(agent.EventTurnCompleted) || e.Type == string(agent.EventTurnFailed)
}

// Manager provides in-memory pub/sub for turn events with a per-turn
// replay buffer for Last-Event-ID support.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	retention   time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewManager creates a manager. Each turn keeps its last capacity events
// for retention after its last publish.
func NewManager(capacity int, retention time.Duration, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retention:   retention,
		now:         time.Now,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for turnID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(turnID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[turnID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[turnID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(turnID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[turnID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, turnID)
		}
	}
}

// Publish assigns the next sequence number and sends evt to all
// subscribers of turnID without blocking. Slow subscribers miss events and
// can catch up through ReplaySince.
func (m *Manager) Publish(turnID string, evt Event) {
	m.mu.Lock()
	rg := m.history[turnID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[turnID] = rg
	}
	rg.nextSeq++
	evt.TurnID = turnID
	evt.Seq = rg.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}
	rg.lastPublish = m.now()
	rg.push(evt)
	subs := make([]chan Event, 0, len(m.subscribers[turnID]))
	for ch := range m.subscribers[turnID] {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		m.send(turnID, ch, evt)
	}
}

func (m *Manager) send(turnID string, ch chan Event, evt Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.subscribers[turnID][ch]; !ok {
		return
	}
	select {
	case ch <- evt:
	default:
		m.logger.Debug("Dropping event for slow subscriber", zap.String("turn_id", turnID), zap.Uint64("seq", evt.Seq))
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(turnID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[turnID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Known reports whether any event was published for turnID.
func (m *Manager) Known(turnID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[turnID]
	return ok
}

// Observer returns an agent observer that publishes under turnID.
func (m *Manager) Observer(turnID string) agent.Observer {
	return agent.ObserverFunc(func(e agent.Event) {
		m.Publish(turnID, Event{
			Type:      string(e.Type),
			SubtaskID: e.SubtaskID,
			Attempt:   e.Attempt,
			Message:   e.Message,
			Payload:   e.Payload,
		})
	})
}

// Sweep drops replay buffers of turns idle for longer than the retention
// period and with no subscribers. It returns the number removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rg := range m.history {
		if rg.lastPublish.Before(cutoff) && len(m.subscribers[id]) == 0 {
			delete(m.history, id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until stop is closed.
func (m *Manager) Run(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("Swept idle turn streams", zap.Int("count", n))
			}
		}
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf         []Event
	start       int
	count       int
	nextSeq     uint64
	lastPublish time.Time
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
