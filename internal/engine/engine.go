// Package engine is the hedge decision engine: one state machine per
// monitored asset plus the per-asset execution token that keeps decision
// cycles for the same asset strictly sequential.
package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
)

type slot struct {
	machine *Machine
	token   chan struct{}
}

// Engine owns every monitored asset's machine
type Engine struct {
	cfg Config

	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates an empty engine
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TargetBuffer <= 0 || cfg.TargetBuffer >= 1 {
		cfg.TargetBuffer = def.TargetBuffer
	}
	if cfg.UrgentRatio < 1 {
		cfg.UrgentRatio = def.UrgentRatio
	}
	if cfg.MaxDeferrals < 0 {
		cfg.MaxDeferrals = 0
	}
	if cfg.MinOrderQty <= 0 {
		cfg.MinOrderQty = def.MinOrderQty
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = def.DefaultCooldown
	}
	return &Engine{cfg: cfg, slots: make(map[string]*slot)}
}

// Config returns the effective configuration
func (e *Engine) Config() Config { return e.cfg }

// Add starts tracking asset with a fresh IDLE machine
func (e *Engine) Add(asset string, binding Binding, now time.Time) (*Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.slots[asset]; ok {
		return nil, domain.ErrAlreadyMonitored
	}
	m := NewMachine(asset, binding, e.cfg, now)
	e.slots[asset] = &slot{machine: m, token: make(chan struct{}, 1)}
	return m, nil
}

// Remove stops tracking asset
func (e *Engine) Remove(asset string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.slots[asset]; !ok {
		return false
	}
	delete(e.slots, asset)
	return true
}

// Machine returns the machine of asset
func (e *Engine) Machine(asset string) (*Machine, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.slots[asset]
	if !ok {
		return nil, false
	}
	return s.machine, true
}

// Assets returns the monitored assets in sorted order
func (e *Engine) Assets() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.slots))
	for a := range e.slots {
		out = append(out, a)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// TryAcquire takes the execution token of asset without blocking
func (e *Engine) TryAcquire(asset string) bool {
	e.mu.RLock()
	s, ok := e.slots[asset]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case s.token <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns the execution token of asset
func (e *Engine) Release(asset string) {
	e.mu.RLock()
	s, ok := e.slots[asset]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case <-s.token:
	default:
	}
}

// States snapshots every machine's state, sorted by asset
func (e *Engine) States() []domain.HedgeState {
	assets := e.Assets()
	out := make([]domain.HedgeState, 0, len(assets))
	for _, a := range assets {
		if m, ok := e.Machine(a); ok {
			out = append(out, m.State())
		}
	}
	return out
}
