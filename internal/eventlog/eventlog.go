// Package eventlog is the append-only record of monitoring activity.
// Sequence numbers are assigned on append and are strictly increasing.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Type identifies what an event records
type Type string

const (
	MonitorStarted    Type = "monitor_started"
	MonitorStopped    Type = "monitor_stopped"
	StateTransition   Type = "state_transition"
	ActionProposed    Type = "action_proposed"
	ActionVetoed      Type = "action_vetoed"
	ActionDispatched  Type = "action_dispatched"
	ExecutionResult   Type = "execution_result"
	HedgeFailed       Type = "hedge_failed"
	CycleSkipped      Type = "cycle_skipped"
	CorrelationStale  Type = "correlation_stale"
	ThresholdsUpdated Type = "thresholds_updated"
	StateRecovered    Type = "state_recovered"
)

// Event is one log record
type Event struct {
	Seq       uint64          `json:"seq"`
	Asset     string          `json:"asset,omitempty"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an unsequenced event with payload encoded as JSON
func New(asset string, typ Type, payload any, at time.Time) (Event, error) {
	ev := Event{Asset: asset, Type: typ, Timestamp: at}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %d has no payload", e.Seq)
	}
	return json.Unmarshal(e.Payload, v)
}

// Log stores events. Append assigns the sequence number; Read returns up to
// limit events with Seq > after in sequence order (limit <= 0 means all).
type Log interface {
	Append(ctx context.Context, ev Event) (Event, error)
	Read(ctx context.Context, after uint64, limit int) ([]Event, error)
}

// Filter returns events of asset whose type is one of types (all when empty)
func Filter(events []Event, asset string, types ...Type) []Event {
	var out []Event
	for _, ev := range events {
		if asset != "" && ev.Asset != asset {
			continue
		}
		if len(types) > 0 && !contains(types, ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func contains(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// MemoryLog keeps events in process. Used by tests and the backtest.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog returns an empty log
func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

// Append implements Log
func (m *MemoryLog) Append(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Seq = uint64(len(m.events)) + 1
	m.events = append(m.events, ev)
	return ev, nil
}

// Read implements Log
func (m *MemoryLog) Read(_ context.Context, after uint64, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if after >= uint64(len(m.events)) {
		return nil, nil
	}
	out := m.events[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Event(nil), out...), nil
}

// Len returns the number of stored events
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
