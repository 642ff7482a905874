package backtest

import (
	"sync"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/monitor"
)

// Metrics collects and aggregates statistics during the replay
type Metrics struct {
	mu sync.Mutex

	frames  []FrameResult
	skipped map[string]int
	summary Summary
}

// NewMetrics creates an empty collector
func NewMetrics() *Metrics {
	return &Metrics{skipped: make(map[string]int)}
}

// RecordCycle folds one cycle report into the run totals
func (m *Metrics) RecordCycle(report monitor.CycleReport) FrameResult {
	fr := FrameResult{
		At:         report.At,
		Evaluated:  append([]string(nil), report.Evaluated...),
		Proposed:   len(report.Proposed),
		Vetoed:     len(report.Coordination.Vetoed),
		Scaled:     len(report.Coordination.Scaled),
		Crossed:    len(report.Coordination.Crossed),
		Dispatched: len(report.Coordination.Actions),
		Stale:      report.Coordination.Stale && len(report.Proposed) > 0,
	}
	if len(report.Skipped) > 0 {
		fr.Skipped = make(map[string]string, len(report.Skipped))
		for a, reason := range report.Skipped {
			fr.Skipped[a] = reason
		}
	}
	for _, res := range report.Results {
		switch res.Status {
		case domain.StatusFilled:
			fr.Filled++
		case domain.StatusPartial:
			fr.Partial++
		default:
			fr.Failed++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames = append(m.frames, fr)
	s := &m.summary
	s.Frames++
	if s.Start.IsZero() || fr.At.Before(s.Start) {
		s.Start = fr.At
	}
	if fr.At.After(s.End) {
		s.End = fr.At
	}
	s.Evaluations += len(fr.Evaluated)
	for _, reason := range fr.Skipped {
		m.skipped[reason]++
	}
	s.Proposed += fr.Proposed
	s.Vetoed += fr.Vetoed
	s.Scaled += fr.Scaled
	s.Crossed += fr.Crossed
	s.Dispatched += fr.Dispatched
	s.Filled += fr.Filled
	s.Partial += fr.Partial
	s.Failed += fr.Failed
	if fr.Stale {
		s.StaleFrames++
	}
	return fr
}

// Frames returns the recorded frame results in order
func (m *Metrics) Frames() []FrameResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FrameResult(nil), m.frames...)
}

// Summary returns the totals gathered so far
func (m *Metrics) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.summary
	out.Skipped = make(map[string]int, len(m.skipped))
	for k, v := range m.skipped {
		out.Skipped[k] = v
	}
	return out
}
