// Package alerts turns event log entries that need operator attention into
// alert records.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/eventlog"
)

// Priority of an alert
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

var priorities = map[eventlog.Type]Priority{
	eventlog.HedgeFailed:      PriorityHigh,
	eventlog.StateRecovered:   PriorityHigh,
	eventlog.ActionVetoed:     PriorityMedium,
	eventlog.CorrelationStale: PriorityMedium,
	eventlog.CycleSkipped:     PriorityLow,
}

// Alert is one record written by the emitter
type Alert struct {
	Seq       uint64          `json:"seq"`
	Priority  Priority        `json:"priority"`
	Asset     string          `json:"asset,omitempty"`
	Type      eventlog.Type   `json:"type"`
	Message   string          `json:"message"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Emitter writes alerts as JSON lines. Events below MinPriority are ignored.
type Emitter struct {
	mu          sync.Mutex
	w           io.Writer
	minPriority Priority
	counts      map[Priority]int
}

// NewEmitter creates an emitter writing to w
func NewEmitter(w io.Writer, min Priority) *Emitter {
	if min == "" {
		min = PriorityMedium
	}
	return &Emitter{w: w, minPriority: min, counts: make(map[Priority]int)}
}

// Handle implements eventlog.Handler. A write error is returned so the
// consumer redelivers the event.
func (e *Emitter) Handle(_ context.Context, ev eventlog.Event) error {
	p, ok := priorities[ev.Type]
	if !ok || rank(p) < rank(e.minPriority) {
		return nil
	}
	a := Alert{
		Seq:       ev.Seq,
		Priority:  p,
		Asset:     ev.Asset,
		Type:      ev.Type,
		Message:   message(ev),
		Detail:    ev.Payload,
		Timestamp: ev.Timestamp,
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	e.counts[p]++
	if p == PriorityHigh {
		log.Warn().Str("asset", ev.Asset).Str("type", string(ev.Type)).Uint64("seq", ev.Seq).Msg(a.Message)
	}
	return nil
}

// Counts returns how many alerts were written per priority
func (e *Emitter) Counts() map[Priority]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Priority]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}

func rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

func message(ev eventlog.Event) string {
	var detail struct {
		Venue     string `json:"venue"`
		ErrorKind string `json:"error_kind"`
		Error     string `json:"error"`
		Reason    string `json:"reason"`
		MaxAge    string `json:"max_age"`
	}
	_ = json.Unmarshal(ev.Payload, &detail)

	switch ev.Type {
	case eventlog.HedgeFailed:
		msg := "Hedge failed"
		if detail.ErrorKind != "" {
			msg += ": " + detail.ErrorKind
		}
		if detail.Venue != "" {
			msg += " on " + detail.Venue
		}
		return msg
	case eventlog.StateRecovered:
		return "Pending hedge found at startup, outcome unknown"
	case eventlog.ActionVetoed:
		if detail.Reason != "" {
			return "Hedge vetoed: " + detail.Reason
		}
		return "Hedge vetoed"
	case eventlog.CorrelationStale:
		if detail.MaxAge != "" {
			return "Correlation matrix older than " + detail.MaxAge
		}
		return "Correlation matrix stale"
	case eventlog.CycleSkipped:
		if detail.Reason != "" {
			return "Cycle skipped: " + detail.Reason
		}
		return "Cycle skipped"
	}
	return string(ev.Type)
}
