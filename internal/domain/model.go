// Package domain holds the hedging data model shared by every component:
// position snapshots, risk vectors, per-asset hedge state, hedge actions and
// execution results.
package domain

import (
	"math"
	"sort"
	"strings"
	"time"
)

// InstrumentType classifies the instrument a position is held in
type InstrumentType string

const (
	InstrumentSpot   InstrumentType = "spot"
	InstrumentPerp   InstrumentType = "perp"
	InstrumentOption InstrumentType = "option"
)

// IsLinear reports whether the instrument has unit delta per unit quantity
func (t InstrumentType) IsLinear() bool {
	return t == InstrumentSpot || t == InstrumentPerp
}

// OptionKind is call or put
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// OptionInputs carries the pricing inputs of an option position
type OptionInputs struct {
	Strike     float64    `json:"strike"`
	Expiry     time.Time  `json:"expiry"`
	ImpliedVol float64    `json:"implied_vol"`
	Kind       OptionKind `json:"kind"`
}

// OptionQuote is one listed option of an asset's chain. The Greeks are per
// contract and are filled in by the risk calculator.
type OptionQuote struct {
	Instrument string     `json:"instrument"`
	Kind       OptionKind `json:"kind"`
	Strike     float64    `json:"strike"`
	Expiry     time.Time  `json:"expiry"`
	ImpliedVol float64    `json:"implied_vol"`
	Price      float64    `json:"price,omitempty"`
	Delta      float64    `json:"delta,omitempty"`
	Gamma      float64    `json:"gamma,omitempty"`
	Vega       float64    `json:"vega,omitempty"`
	Theta      float64    `json:"theta,omitempty"`
}

// PositionSnapshot is an immutable capture of one asset's position at a point in time
type PositionSnapshot struct {
	Asset          string         `json:"asset"`
	Instrument     string         `json:"instrument"`
	InstrumentType InstrumentType `json:"instrument_type"`
	Quantity       float64        `json:"quantity"`
	MarkPrice      float64        `json:"mark_price"`
	Timestamp      time.Time      `json:"timestamp"`
	Option         *OptionInputs  `json:"option,omitempty"`
}

// WithQuantity returns a copy of the snapshot carrying a different quantity
func (s PositionSnapshot) WithQuantity(qty float64) PositionSnapshot {
	out := s
	out.Quantity = qty
	if s.Option != nil {
		opt := *s.Option
		out.Option = &opt
	}
	return out
}

// Metric names a risk metric a threshold can be configured on
type Metric string

const (
	MetricDelta Metric = "delta"
	MetricGamma Metric = "gamma"
	MetricVega  Metric = "vega"
	MetricTheta Metric = "theta"
	MetricVaR   Metric = "var"
)

// Metrics lists every metric in evaluation order
var Metrics = []Metric{MetricDelta, MetricGamma, MetricVega, MetricTheta, MetricVaR}

// ParseMetric accepts a metric name case-insensitively
func ParseMetric(s string) (Metric, bool) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Metrics {
		if known == m {
			return m, true
		}
	}
	return "", false
}

// RiskVector is the derived risk of one position snapshot
type RiskVector struct {
	Asset       string    `json:"asset"`
	Delta       float64   `json:"delta"`
	Gamma       float64   `json:"gamma"`
	Vega        float64   `json:"vega"`
	Theta       float64   `json:"theta"`
	ValueAtRisk float64   `json:"value_at_risk"`
	Timestamp   time.Time `json:"timestamp"`
}

// Value returns the vector's value for the given metric
func (v RiskVector) Value(m Metric) float64 {
	switch m {
	case MetricDelta:
		return v.Delta
	case MetricGamma:
		return v.Gamma
	case MetricVega:
		return v.Vega
	case MetricTheta:
		return v.Theta
	case MetricVaR:
		return v.ValueAtRisk
	default:
		return 0
	}
}

// ThresholdConfig bounds one metric of one asset
type ThresholdConfig struct {
	Asset          string        `json:"asset" yaml:"asset"`
	Metric         Metric        `json:"metric" yaml:"metric"`
	MaxAbsValue    float64       `json:"max_abs_value" yaml:"max_abs_value"`
	CooldownPeriod time.Duration `json:"cooldown_period" yaml:"cooldown"`
}

// Side is the direction of a hedge order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for buy and -1 for sell
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// ParseSide accepts buy/sell case-insensitively
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, true
	case Sell:
		return Sell, true
	}
	return "", false
}

// SideFor returns the side that moves exposure in the direction of sign(qty)
func SideFor(qty float64) Side {
	if qty < 0 {
		return Sell
	}
	return Buy
}

// Leg attributes part of a netted action back to the asset that proposed it
type Leg struct {
	ActionID string  `json:"action_id"`
	Asset    string  `json:"asset"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"quantity"`
}

// SignedQuantity returns the leg quantity signed by side
func (l Leg) SignedQuantity() float64 { return l.Side.Sign() * l.Quantity }

// HedgeAction is a proposed hedge order. It is immutable once dispatched.
type HedgeAction struct {
	ID              string    `json:"id"`
	Asset           string    `json:"asset"`
	Instrument      string    `json:"instrument"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	VenuePreference []string  `json:"venue_preference,omitempty"`
	Reason          string    `json:"reason"`
	Metric          Metric    `json:"metric,omitempty"`
	Confidence      float64   `json:"confidence"`
	ReferencePrice  float64   `json:"reference_price"`
	Manual          bool      `json:"manual,omitempty"`
	ProposedAt      time.Time `json:"proposed_at"`
	Legs            []Leg     `json:"legs,omitempty"`
}

// SignedQuantity returns the quantity signed by side
func (a HedgeAction) SignedQuantity() float64 { return a.Side.Sign() * a.Quantity }

// Notional returns the absolute reference notional of the action
func (a HedgeAction) Notional() float64 { return math.Abs(a.Quantity * a.ReferencePrice) }

// LegsOrSelf returns the action's legs, or a single leg describing the action itself
func (a HedgeAction) LegsOrSelf() []Leg {
	if len(a.Legs) > 0 {
		return a.Legs
	}
	return []Leg{{ActionID: a.ID, Asset: a.Asset, Side: a.Side, Quantity: a.Quantity}}
}

// Assets returns the sorted set of assets the action carries
func (a HedgeAction) Assets() []string {
	seen := make(map[string]struct{})
	for _, leg := range a.LegsOrSelf() {
		seen[leg.Asset] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for asset := range seen {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// ExecutionStatus is the terminal status of an execution
type ExecutionStatus string

const (
	StatusFilled  ExecutionStatus = "filled"
	StatusPartial ExecutionStatus = "partial"
	StatusFailed  ExecutionStatus = "failed"
)

// ExecutionResult is the terminal record of one dispatched action
type ExecutionResult struct {
	ActionID       string          `json:"action_id"`
	Asset          string          `json:"asset,omitempty"`
	Venue          string          `json:"venue"`
	Status         ExecutionStatus `json:"status"`
	FilledQuantity float64         `json:"filled_quantity"`
	AveragePrice   float64         `json:"average_price"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// Succeeded reports whether any quantity was executed
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusFilled || r.Status == StatusPartial
}
