package engine

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/forecast"
)

// actionNamespace seeds deterministic action IDs
var actionNamespace = uuid.MustParse("6f1c2b8e-3d4a-5e6f-9a7b-8c9d0e1f2a3b")

// Config tunes decision making
type Config struct {
	TargetBuffer    float64
	UrgentRatio     float64
	MaxDeferrals    int
	MinOrderQty     float64
	DefaultCooldown time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		TargetBuffer:    0.8,
		UrgentRatio:     1.5,
		MaxDeferrals:    3,
		MinOrderQty:     1e-6,
		DefaultCooldown: 300 * time.Second,
	}
}

// Strategy selects the instrument delta and VaR hedges trade
type Strategy string

const (
	// StrategyPerpetual trades the asset's hedge instrument
	StrategyPerpetual Strategy = "perpetual"
	// StrategyProtectivePut buys out-of-the-money options from the chain
	StrategyProtectivePut Strategy = "protective_put"
	// StrategyCoveredCall sells out-of-the-money options from the chain
	StrategyCoveredCall Strategy = "covered_call"
)

// DefaultMaxExpiry bounds how far out a hedge option may expire
const DefaultMaxExpiry = 14 * 24 * time.Hour

// Binding routes an asset's hedges. Beta scales the position's delta into
// hedge instrument units; zero means 1. Option strategies fall back to the
// hedge instrument when the chain has no eligible option.
type Binding struct {
	HedgeInstrument string
	Venues          []string
	Strategy        Strategy
	Beta            float64
	MaxExpiry       time.Duration
}

// Input is everything one evaluation looks at
type Input struct {
	Vector          domain.RiskVector
	Snapshot        domain.PositionSnapshot
	UnderlyingPrice float64
	Thresholds      []domain.ThresholdConfig
	Hint            forecast.Hint
	// Chain holds priced option quotes, used by option strategies and to
	// net option hedges already held
	Chain []domain.OptionQuote
	Now   time.Time
}

// Outcome labels what an evaluation decided
type Outcome string

const (
	OutcomeProposed Outcome = "proposed"
	OutcomeQuiet    Outcome = "quiet"
	OutcomePending  Outcome = "pending"
	OutcomeCooldown Outcome = "cooldown"
	OutcomeDeferred Outcome = "deferred"
	OutcomeDust     Outcome = "dust"
)

// Decision is the result of one evaluation
type Decision struct {
	Asset       string
	Outcome     Outcome
	Action      *domain.HedgeAction
	Breach      *Breach
	// Net is the risk vector after netting the engine's fills
	Net         *domain.RiskVector
	Transitions []domain.Transition
}

// Machine is the hedge state machine of one asset. All mutation goes
// through its methods, each of which returns the transitions it made.
type Machine struct {
	cfg     Config
	binding Binding

	mu            sync.Mutex
	state         domain.HedgeState
	pending       *domain.HedgeAction
	pendingExpiry time.Time
	cooldown      time.Duration
	seq           uint64
}

// NewMachine creates an IDLE machine
func NewMachine(asset string, binding Binding, cfg Config, now time.Time) *Machine {
	if binding.HedgeInstrument == "" {
		binding.HedgeInstrument = asset
	}
	return &Machine{cfg: cfg, binding: binding, state: domain.NewHedgeState(asset, now)}
}

// State returns a copy of the hedge state
func (m *Machine) State() domain.HedgeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Pending returns the outstanding action, if any
func (m *Machine) Pending() (domain.HedgeAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return domain.HedgeAction{}, false
	}
	return *m.pending, true
}

// Binding returns the hedge routing of the asset
func (m *Machine) Binding() Binding { return m.binding }

// Evaluate runs one decision cycle against the latest risk vector
func (m *Machine) Evaluate(in Input) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Decision{Asset: m.state.Asset}
	d.Transitions = m.tick(in.Now)
	m.prune(in.Now)

	if m.state.CurrentState == domain.StateHedgePending {
		d.Outcome = OutcomePending
		return d
	}

	exp := measure(in, m.state, m.binding)
	breach, maxRatio := worst(exp, in.Thresholds)
	d.Breach = breach
	d.Net = &exp.net

	if m.state.CurrentState == domain.StateCooldown {
		d.Outcome = OutcomeCooldown
		return d
	}

	if breach == nil {
		m.state.Deferrals = 0
		next := domain.StateIdle
		if maxRatio >= m.cfg.TargetBuffer {
			next = domain.StateMonitoring
		}
		d.Transitions = append(d.Transitions, m.move(next, "no breach", "", in.Now)...)
		d.Outcome = OutcomeQuiet
		return d
	}

	if in.Hint == forecast.HintRising && breach.Ratio < m.cfg.UrgentRatio && m.state.Deferrals < m.cfg.MaxDeferrals {
		m.state.Deferrals++
		d.Transitions = append(d.Transitions, m.move(domain.StateMonitoring, "deferred: volatility rising", "", in.Now)...)
		d.Outcome = OutcomeDeferred
		log.Info().Str("asset", m.state.Asset).Int("deferrals", m.state.Deferrals).Float64("ratio", breach.Ratio).Msg("Hedge deferred")
		return d
	}

	o := size(*breach, exp, in, m.binding, m.cfg.TargetBuffer)
	if !(o.quantity >= m.cfg.MinOrderQty) {
		d.Transitions = append(d.Transitions, m.move(domain.StateMonitoring, "breach below minimum order size", "", in.Now)...)
		d.Outcome = OutcomeDust
		log.Debug().Str("asset", m.state.Asset).Float64("qty", o.quantity).Msg("Hedge size below minimum, skipped")
		return d
	}

	action := m.newAction(o, in)
	action.Metric = breach.Metric
	action.Reason = fmt.Sprintf("%s %.6g exceeds %.6g", breach.Metric, breach.Value, breach.Threshold)
	action.Confidence = 1 - 1/breach.Ratio

	cooldown := breach.Cooldown
	if cooldown <= 0 {
		cooldown = m.cfg.DefaultCooldown
	}
	d.Transitions = append(d.Transitions, m.propose(action, cooldown, in.Now)...)
	m.pendingExpiry = o.expiry
	d.Action = &action
	d.Outcome = OutcomeProposed
	return d
}

// ProposeManual creates an operator hedge. It bypasses thresholds and
// cooldown but never an outstanding action.
func (m *Machine) ProposeManual(qty float64, side domain.Side, referencePrice float64, now time.Time) (domain.HedgeAction, []domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.CurrentState == domain.StateHedgePending {
		return domain.HedgeAction{}, nil, domain.ErrHedgePending
	}
	if !(qty > 0) || math.IsInf(qty, 0) {
		return domain.HedgeAction{}, nil, fmt.Errorf("manual hedge size must be positive, got %v", qty)
	}

	action := m.newAction(order{instrument: m.binding.HedgeInstrument, side: side, quantity: qty}, Input{
		UnderlyingPrice: referencePrice,
		Now:             now,
	})
	action.Manual = true
	action.Reason = "manual hedge"
	action.Confidence = 1

	trs := m.propose(action, m.cfg.DefaultCooldown, now)
	return action, trs, nil
}

// Apply feeds an execution result for the pending action back into the state
func (m *Machine) Apply(res domain.ExecutionResult, now time.Time) []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil || m.state.PendingActionID != res.ActionID {
		log.Warn().Str("asset", m.state.Asset).Str("action", res.ActionID).Msg("Ignoring result for unknown action")
		return nil
	}
	action := *m.pending

	if res.Succeeded() && res.FilledQuantity > 0 {
		signed := action.Side.Sign() * res.FilledQuantity
		m.state.LastHedgeTime = now
		m.state.LastHedgeSize = signed
		m.state.LastHedgeInstrument = action.Instrument
		if m.deltaFill(action) {
			m.state.AccumulatedExposure += signed
		} else {
			m.addPosition(action.Instrument, signed, m.pendingExpiry)
		}
		m.state.CooldownUntil = now.Add(m.cooldown)
		m.clearPending()
		return m.move(domain.StateCooldown, "execution "+string(res.Status), res.ActionID, now)
	}

	m.clearPending()
	reason := "execution failed"
	if res.ErrorKind != domain.KindNone {
		reason += ": " + string(res.ErrorKind)
	}
	return m.move(domain.StateMonitoring, reason, res.ActionID, now)
}

// Veto withdraws the pending action before dispatch
func (m *Machine) Veto(actionID, reason string, now time.Time) []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil || m.state.PendingActionID != actionID {
		return nil
	}
	m.clearPending()
	return m.move(domain.StateMonitoring, "vetoed: "+reason, actionID, now)
}

// Tick ends an elapsed cooldown
func (m *Machine) Tick(now time.Time) []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick(now)
}

// Recover installs a persisted state. An action that was pending when the
// process stopped has an unknown outcome; the asset goes back to MONITORING.
func (m *Machine) Recover(st domain.HedgeState, now time.Time) ([]domain.Transition, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.Asset != m.state.Asset {
		return nil, fmt.Errorf("recover %s: state belongs to %s", m.state.Asset, st.Asset)
	}
	m.state = st.Clone()
	m.pending = nil
	if st.CurrentState == domain.StateHedgePending {
		id := st.PendingActionID
		m.state.PendingActionID = ""
		return m.move(domain.StateMonitoring, "recovered with unknown execution outcome", id, now), nil
	}
	return nil, nil
}

func (m *Machine) tick(now time.Time) []domain.Transition {
	if m.state.CurrentState == domain.StateCooldown && !now.Before(m.state.CooldownUntil) {
		return m.move(domain.StateMonitoring, "cooldown elapsed", "", now)
	}
	return nil
}

func (m *Machine) propose(action domain.HedgeAction, cooldown time.Duration, now time.Time) []domain.Transition {
	m.pending = &action
	m.cooldown = cooldown
	m.state.PendingActionID = action.ID
	m.state.Deferrals = 0
	return m.move(domain.StateHedgePending, action.Reason, action.ID, now)
}

func (m *Machine) clearPending() {
	m.pending = nil
	m.pendingExpiry = time.Time{}
	m.state.PendingActionID = ""
}

// deltaFill reports whether a fill counts toward accumulated exposure.
// Gamma, vega and theta hedges reduce the position itself.
func (m *Machine) deltaFill(a domain.HedgeAction) bool {
	switch a.Metric {
	case domain.MetricGamma, domain.MetricVega, domain.MetricTheta:
		return false
	}
	return a.Instrument == m.binding.HedgeInstrument
}

func (m *Machine) addPosition(instrument string, qty float64, expiry time.Time) {
	positions := m.state.Positions.Clone()
	if positions == nil {
		positions = make(domain.HedgePositions, 1)
	}
	p := positions[instrument]
	p.Quantity += qty
	if !expiry.IsZero() {
		p.Expiry = expiry
	}
	if math.Abs(p.Quantity) < 1e-12 {
		delete(positions, instrument)
	} else {
		positions[instrument] = p
	}
	if len(positions) == 0 {
		positions = nil
	}
	m.state.Positions = positions
}

// prune drops hedge positions on expired options
func (m *Machine) prune(now time.Time) {
	for inst, p := range m.state.Positions {
		if !p.Expiry.IsZero() && !now.Before(p.Expiry) {
			positions := m.state.Positions.Clone()
			delete(positions, inst)
			if len(positions) == 0 {
				positions = nil
			}
			m.state.Positions = positions
			log.Info().Str("asset", m.state.Asset).Str("instrument", inst).Float64("qty", p.Quantity).Msg("Hedge option expired")
		}
	}
}

func (m *Machine) newAction(o order, in Input) domain.HedgeAction {
	m.seq++
	key := m.state.Asset + "|" + strconv.FormatInt(in.Now.UnixNano(), 10) + "|" + strconv.FormatUint(m.seq, 10)
	ref := in.UnderlyingPrice
	switch {
	case o.price > 0:
		ref = o.price
	case o.instrument == in.Snapshot.Instrument && in.Snapshot.MarkPrice > 0:
		ref = in.Snapshot.MarkPrice
	}
	return domain.HedgeAction{
		ID:              uuid.NewSHA1(actionNamespace, []byte(key)).String(),
		Asset:           m.state.Asset,
		Instrument:      o.instrument,
		Side:            o.side,
		Quantity:        o.quantity,
		VenuePreference: append([]string(nil), m.binding.Venues...),
		ReferencePrice:  ref,
		ProposedAt:      in.Now,
	}
}

func (m *Machine) move(to domain.State, reason, actionID string, now time.Time) []domain.Transition {
	from := m.state.CurrentState
	if from == to {
		return nil
	}
	m.state.CurrentState = to
	m.state.UpdatedAt = now
	return []domain.Transition{{Asset: m.state.Asset, From: from, To: to, Reason: reason, ActionID: actionID, At: now}}
}
