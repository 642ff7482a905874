package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// State is the hedge state machine state of one asset
type State string

const (
	StateIdle         State = "IDLE"
	StateMonitoring   State = "MONITORING"
	StateHedgePending State = "HEDGE_PENDING"
	StateCooldown     State = "COOLDOWN"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateMonitoring, StateHedgePending, StateCooldown:
		return true
	}
	return false
}

// Ordinal maps the state onto a gauge value (0=idle ... 3=cooldown)
func (s State) Ordinal() float64 {
	switch s {
	case StateMonitoring:
		return 1
	case StateHedgePending:
		return 2
	case StateCooldown:
		return 3
	default:
		return 0
	}
}

// HedgePosition is the signed quantity the engine has filled on one
// instrument. Expiry is zero for linear instruments.
type HedgePosition struct {
	Quantity float64   `json:"quantity"`
	Expiry   time.Time `json:"expiry,omitempty"`
}

// HedgePositions maps instrument to filled hedge position. It is stored as a
// JSON document by SQL backends.
type HedgePositions map[string]HedgePosition

// Clone returns an independent copy, nil when empty
func (p HedgePositions) Clone() HedgePositions {
	if len(p) == 0 {
		return nil
	}
	out := make(HedgePositions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer
func (p HedgePositions) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (p *HedgePositions) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("hedge positions: cannot scan %T", src)
	}
	var out HedgePositions
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("hedge positions: %w", err)
	}
	if len(out) == 0 {
		out = nil
	}
	*p = out
	return nil
}

// HedgeState is the per-asset state owned by the decision engine. It is the
// tuple persisted across restarts, keyed by asset.
//
// AccumulatedExposure is the signed fill total on the asset's hedge
// instrument, in delta units. Fills on any other instrument (own-position
// reductions for gamma, vega and theta, option hedges) live in Positions.
// LastHedgeSize is a signed quantity of LastHedgeInstrument.
type HedgeState struct {
	Asset               string         `json:"asset" db:"asset"`
	CurrentState        State          `json:"current_state" db:"current_state"`
	LastHedgeTime       time.Time      `json:"last_hedge_time" db:"last_hedge_time"`
	LastHedgeSize       float64        `json:"last_hedge_size" db:"last_hedge_size"`
	LastHedgeInstrument string         `json:"last_hedge_instrument,omitempty" db:"last_hedge_instrument"`
	AccumulatedExposure float64        `json:"accumulated_exposure" db:"accumulated_exposure"`
	Positions           HedgePositions `json:"positions,omitempty" db:"positions"`
	CooldownUntil       time.Time      `json:"cooldown_until" db:"cooldown_until"`
	PendingActionID     string         `json:"pending_action_id,omitempty" db:"pending_action_id"`
	Deferrals           int            `json:"deferrals" db:"deferrals"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that shares no map with s
func (s HedgeState) Clone() HedgeState {
	s.Positions = s.Positions.Clone()
	return s
}

// NewHedgeState returns the initial state for a newly monitored asset
func NewHedgeState(asset string, now time.Time) HedgeState {
	return HedgeState{Asset: asset, CurrentState: StateIdle, UpdatedAt: now}
}

// Validate checks a state loaded from storage
func (s HedgeState) Validate() error {
	if s.Asset == "" {
		return fmt.Errorf("hedge state without asset")
	}
	if !s.CurrentState.Valid() {
		return fmt.Errorf("hedge state %s: unknown state %q", s.Asset, s.CurrentState)
	}
	return nil
}

// Transition records one state change of one asset
type Transition struct {
	Asset    string    `json:"asset"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason"`
	ActionID string    `json:"action_id,omitempty"`
	At       time.Time `json:"at"`
}
