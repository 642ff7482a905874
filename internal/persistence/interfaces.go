package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// StateStore persists HedgeState keyed by asset
type StateStore interface {
	// Save inserts or replaces the state of s.Asset
	Save(ctx context.Context, s domain.HedgeState) error

	// Load returns the stored state, found=false when the asset has none
	Load(ctx context.Context, asset string) (state domain.HedgeState, found bool, err error)

	// LoadAll returns every stored state ordered by asset
	LoadAll(ctx context.Context) ([]domain.HedgeState, error)

	// Delete removes the state of asset; deleting a missing asset is not an error
	Delete(ctx context.Context, asset string) error
}

// HealthCheck represents store health status
type HealthCheck struct {
	Healthy        bool      `json:"healthy"`
	Backend        string    `json:"backend"`
	Errors         []string  `json:"errors,omitempty"`
	LastCheck      time.Time `json:"last_check"`
	ResponseTimeMS int64     `json:"response_time_ms"`
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check pings store if it supports it
func Check(ctx context.Context, backend string, store StateStore) HealthCheck {
	start := time.Now()
	hc := HealthCheck{Healthy: true, Backend: backend, LastCheck: start.UTC()}
	if p, ok := store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			hc.Healthy = false
			hc.Errors = append(hc.Errors, err.Error())
		}
	}
	hc.ResponseTimeMS = time.Since(start).Milliseconds()
	return hc
}

func validate(s domain.HedgeState) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("refusing to store: %w", err)
	}
	return nil
}

func sortStates(states []domain.HedgeState) {
	sort.Slice(states, func(i, j int) bool { return states[i].Asset < states[j].Asset })
}

// Memory is an in-process store, used when persistence is disabled
type Memory struct {
	mu     sync.Mutex
	states map[string]domain.HedgeState
}

// NewMemory returns an empty store
func NewMemory() *Memory {
	return &Memory{states: make(map[string]domain.HedgeState)}
}

// Save implements StateStore
func (m *Memory) Save(_ context.Context, s domain.HedgeState) error {
	if err := validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.Asset] = s
	return nil
}

// Load implements StateStore
func (m *Memory) Load(_ context.Context, asset string) (domain.HedgeState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[asset]
	return s, ok, nil
}

// LoadAll implements StateStore
func (m *Memory) LoadAll(_ context.Context) ([]domain.HedgeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.HedgeState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	sortStates(out)
	return out, nil
}

// Delete implements StateStore
func (m *Memory) Delete(_ context.Context, asset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, asset)
	return nil
}
