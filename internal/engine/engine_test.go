package engine

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/forecast"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func deltaThreshold(asset string, max float64, cooldown time.Duration) []domain.ThresholdConfig {
	return []domain.ThresholdConfig{{Asset: asset, Metric: domain.MetricDelta, MaxAbsValue: max, CooldownPeriod: cooldown}}
}

func perpInput(delta float64, at time.Time, th []domain.ThresholdConfig) Input {
	return Input{
		Vector:     domain.RiskVector{Asset: "BTC-PERP", Delta: delta, Timestamp: at},
		Snapshot:   domain.PositionSnapshot{Asset: "BTC-PERP", Instrument: "BTC-PERP", InstrumentType: domain.InstrumentPerp, Quantity: delta, MarkPrice: 60000, Timestamp: at},
		Thresholds: th,
		Now:        at,
	}
}

func newMachine() *Machine {
	return NewMachine("BTC-PERP", Binding{Venues: []string{"alpha"}}, DefaultConfig(), start)
}

func TestEvaluate_DeltaBreachSizesToBuffer(t *testing.T) {
	m := newMachine()
	d := m.Evaluate(perpInput(7.2, start, deltaThreshold("BTC-PERP", 5, 300*time.Second)))

	require.Equal(t, OutcomeProposed, d.Outcome)
	require.NotNil(t, d.Action)
	a := d.Action
	assert.Equal(t, domain.Sell, a.Side)
	assert.Equal(t, "BTC-PERP", a.Instrument)
	assert.InDelta(t, 3.2, a.Quantity, 1e-9)
	assert.LessOrEqual(t, math.Abs(7.2-a.Quantity), 4.0+1e-9)
	assert.Equal(t, []string{"alpha"}, a.VenuePreference)
	assert.Equal(t, 60000.0, a.ReferencePrice)
	assert.Equal(t, domain.MetricDelta, a.Metric)

	st := m.State()
	assert.Equal(t, domain.StateHedgePending, st.CurrentState)
	assert.Equal(t, a.ID, st.PendingActionID)
	require.Len(t, d.Transitions, 1)
	assert.Equal(t, domain.StateIdle, d.Transitions[0].From)
	assert.Equal(t, domain.StateHedgePending, d.Transitions[0].To)
}

func TestEvaluate_ShortExposureBuys(t *testing.T) {
	m := newMachine()
	d := m.Evaluate(perpInput(-9, start, deltaThreshold("BTC-PERP", 5, 0)))
	require.NotNil(t, d.Action)
	assert.Equal(t, domain.Buy, d.Action.Side)
	assert.InDelta(t, 5.0, d.Action.Quantity, 1e-9)
}

func TestEvaluate_IdleAndMonitoringBands(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, 0)
	m := newMachine()

	d := m.Evaluate(perpInput(4.5, start, th))
	assert.Equal(t, OutcomeQuiet, d.Outcome)
	assert.Equal(t, domain.StateMonitoring, m.State().CurrentState)

	d = m.Evaluate(perpInput(1, start.Add(time.Second), th))
	assert.Equal(t, domain.StateIdle, m.State().CurrentState)
	require.Len(t, d.Transitions, 1)

	d = m.Evaluate(perpInput(1, start.Add(2*time.Second), th))
	assert.Empty(t, d.Transitions)
}

func TestEvaluate_ExactlyAtThresholdIsNotABreach(t *testing.T) {
	m := newMachine()
	d := m.Evaluate(perpInput(5, start, deltaThreshold("BTC-PERP", 5, 0)))
	assert.Nil(t, d.Action)
	assert.Equal(t, domain.StateMonitoring, m.State().CurrentState)
}

func TestCooldownBlocksThenReleases(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, 300*time.Second)
	m := newMachine()

	d := m.Evaluate(perpInput(7.2, start, th))
	require.NotNil(t, d.Action)

	filledAt := start.Add(time.Second)
	trs := m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFilled, FilledQuantity: 3.2}, filledAt)
	require.Len(t, trs, 1)
	assert.Equal(t, domain.StateCooldown, trs[0].To)

	st := m.State()
	assert.Equal(t, filledAt, st.LastHedgeTime)
	assert.InDelta(t, -3.2, st.LastHedgeSize, 1e-12)
	assert.InDelta(t, -3.2, st.AccumulatedExposure, 1e-12)
	assert.Equal(t, filledAt.Add(300*time.Second), st.CooldownUntil)

	// a new breach inside the cooldown produces nothing
	d = m.Evaluate(perpInput(12, filledAt.Add(299*time.Second), th))
	assert.Equal(t, OutcomeCooldown, d.Outcome)
	assert.Nil(t, d.Action)
	assert.Equal(t, domain.StateCooldown, m.State().CurrentState)

	// and a proposal once it has elapsed
	d = m.Evaluate(perpInput(12, filledAt.Add(300*time.Second), th))
	require.Equal(t, OutcomeProposed, d.Outcome)
	require.Len(t, d.Transitions, 2)
	assert.Equal(t, domain.StateMonitoring, d.Transitions[0].To)
	assert.Equal(t, domain.StateHedgePending, d.Transitions[1].To)
	// net delta is 12 - 3.2 = 8.8, so the hedge is 8.8 - 4
	assert.InDelta(t, 4.8, d.Action.Quantity, 1e-9)
}

func TestAccumulatedExposureNetsDelta(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, time.Second)
	m := newMachine()

	d := m.Evaluate(perpInput(7.2, start, th))
	m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFilled, FilledQuantity: 3.2}, start)

	d = m.Evaluate(perpInput(7.2, start.Add(time.Minute), th))
	assert.Nil(t, d.Action)
	assert.Equal(t, domain.StateMonitoring, m.State().CurrentState)
}

func TestFailedResultReturnsToMonitoring(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, 300*time.Second)
	m := newMachine()

	d := m.Evaluate(perpInput(7.2, start, th))
	trs := m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFailed, ErrorKind: domain.KindTimeout}, start.Add(time.Second))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.StateMonitoring, trs[0].To)
	assert.Contains(t, trs[0].Reason, "Timeout")

	st := m.State()
	assert.Empty(t, st.PendingActionID)
	assert.Zero(t, st.AccumulatedExposure)

	// re-eligible on the very next cycle
	d = m.Evaluate(perpInput(7.2, start.Add(2*time.Second), th))
	assert.Equal(t, OutcomeProposed, d.Outcome)
}

func TestPartialFillCoolsDown(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, 60*time.Second)
	m := newMachine()

	d := m.Evaluate(perpInput(7.2, start, th))
	m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusPartial, FilledQuantity: 1}, start)
	assert.Equal(t, domain.StateCooldown, m.State().CurrentState)

	// residual is re-proposed only after the cooldown
	d = m.Evaluate(perpInput(7.2, start.Add(61*time.Second), th))
	require.NotNil(t, d.Action)
	assert.InDelta(t, 2.2, d.Action.Quantity, 1e-9)
}

func TestAtMostOneOutstandingAction(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, 0)
	m := newMachine()

	first := m.Evaluate(perpInput(7.2, start, th))
	require.NotNil(t, first.Action)

	second := m.Evaluate(perpInput(20, start.Add(time.Second), th))
	assert.Equal(t, OutcomePending, second.Outcome)
	assert.Nil(t, second.Action)

	_, _, err := m.ProposeManual(1, domain.Buy, 100, start)
	assert.True(t, errors.Is(err, domain.ErrHedgePending))

	// results for other actions are ignored
	assert.Nil(t, m.Apply(domain.ExecutionResult{ActionID: "other", Status: domain.StatusFilled, FilledQuantity: 1}, start))
	assert.Equal(t, domain.StateHedgePending, m.State().CurrentState)
}

func TestManualBypassesCooldown(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, time.Hour)
	m := newMachine()
	d := m.Evaluate(perpInput(7.2, start, th))
	m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFilled, FilledQuantity: 3.2}, start)
	require.Equal(t, domain.StateCooldown, m.State().CurrentState)

	a, trs, err := m.ProposeManual(2, domain.Buy, 61000, start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, a.Manual)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, 61000.0, a.ReferencePrice)
	require.Len(t, trs, 1)
	assert.Equal(t, domain.StateCooldown, trs[0].From)

	_, _, err = newMachine().ProposeManual(0, domain.Buy, 1, start)
	assert.Error(t, err)
}

func TestVetoReturnsToMonitoring(t *testing.T) {
	m := newMachine()
	d := m.Evaluate(perpInput(7.2, start, deltaThreshold("BTC-PERP", 5, 0)))

	assert.Nil(t, m.Veto("someone-else", "x", start))
	trs := m.Veto(d.Action.ID, "offset by correlated hedge", start)
	require.Len(t, trs, 1)
	assert.Equal(t, domain.StateMonitoring, trs[0].To)
	_, pending := m.Pending()
	assert.False(t, pending)
}

func TestBreachSelectionByRatioThenMetricOrder(t *testing.T) {
	th := []domain.ThresholdConfig{
		{Asset: "X", Metric: domain.MetricVaR, MaxAbsValue: 100},
		{Asset: "X", Metric: domain.MetricDelta, MaxAbsValue: 5},
		{Asset: "X", Metric: domain.MetricGamma, MaxAbsValue: 1},
	}
	exp := measure(Input{Vector: domain.RiskVector{Delta: 10, Gamma: 2, ValueAtRisk: 150}}, domain.HedgeState{}, Binding{})
	b, _ := worst(exp, th)
	require.NotNil(t, b)
	assert.Equal(t, domain.MetricDelta, b.Metric, "delta and gamma tie at 2x, delta comes first")

	exp = measure(Input{Vector: domain.RiskVector{Delta: 10, Gamma: 2, ValueAtRisk: 300}}, domain.HedgeState{}, Binding{})
	b, _ = worst(exp, th)
	assert.Equal(t, domain.MetricVaR, b.Metric)
}

func TestVaRSizing(t *testing.T) {
	th := []domain.ThresholdConfig{{Asset: "ETH", Metric: domain.MetricVaR, MaxAbsValue: 500}}
	m := NewMachine("ETH", Binding{HedgeInstrument: "ETH-PERP"}, DefaultConfig(), start)
	in := Input{
		Vector:          domain.RiskVector{Asset: "ETH", Delta: 10, ValueAtRisk: 1000},
		Snapshot:        domain.PositionSnapshot{Asset: "ETH", Instrument: "ETH", InstrumentType: domain.InstrumentSpot, Quantity: 10, MarkPrice: 3000},
		UnderlyingPrice: 3001,
		Thresholds:      th,
		Now:             start,
	}
	d := m.Evaluate(in)
	require.NotNil(t, d.Action)
	assert.Equal(t, "ETH-PERP", d.Action.Instrument)
	assert.Equal(t, domain.Sell, d.Action.Side)
	assert.InDelta(t, 6.0, d.Action.Quantity, 1e-9)
	assert.Equal(t, 3001.0, d.Action.ReferencePrice)

	// projected VaR after the hedge sits on the buffer
	hedged := domain.HedgeState{AccumulatedExposure: -d.Action.Quantity}
	projected := measure(in, hedged, m.Binding()).values[domain.MetricVaR]
	assert.InDelta(t, 400, projected, 1e-9)
}

func TestGammaSizingUsesPositionInstrument(t *testing.T) {
	th := []domain.ThresholdConfig{{Asset: "BTC", Metric: domain.MetricGamma, MaxAbsValue: 1}}
	m := NewMachine("BTC", Binding{HedgeInstrument: "BTC-PERP"}, DefaultConfig(), start)
	d := m.Evaluate(Input{
		Vector:     domain.RiskVector{Asset: "BTC", Delta: 0.5, Gamma: 2},
		Snapshot:   domain.PositionSnapshot{Asset: "BTC", Instrument: "BTC-60000-C", InstrumentType: domain.InstrumentOption, Quantity: 10, MarkPrice: 1500},
		Thresholds: th,
		Now:        start,
	})
	require.NotNil(t, d.Action)
	assert.Equal(t, "BTC-60000-C", d.Action.Instrument)
	assert.Equal(t, domain.Sell, d.Action.Side)
	assert.InDelta(t, 6.0, d.Action.Quantity, 1e-9)
	assert.Equal(t, 1500.0, d.Action.ReferencePrice)
	// gamma scales with quantity: 2 x (10-6)/10 = 0.8
	assert.InDelta(t, 0.8, 2*(10-d.Action.Quantity)/10, 1e-9)
}

func TestDeferralOnRisingVolatility(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, 0)
	m := newMachine()

	for i := 0; i < 3; i++ {
		in := perpInput(6, start.Add(time.Duration(i)*time.Second), th)
		in.Hint = forecast.HintRising
		d := m.Evaluate(in)
		assert.Equal(t, OutcomeDeferred, d.Outcome, "cycle %d", i)
	}
	assert.Equal(t, 3, m.State().Deferrals)

	in := perpInput(6, start.Add(3*time.Second), th)
	in.Hint = forecast.HintRising
	d := m.Evaluate(in)
	assert.Equal(t, OutcomeProposed, d.Outcome)
	assert.Zero(t, m.State().Deferrals)
}

func TestUrgentBreachIsNotDeferred(t *testing.T) {
	m := newMachine()
	in := perpInput(8, start, deltaThreshold("BTC-PERP", 5, 0))
	in.Hint = forecast.HintRising
	assert.Equal(t, OutcomeProposed, m.Evaluate(in).Outcome)
}

func TestDustIsNotProposed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinOrderQty = 1
	m := NewMachine("BTC-PERP", Binding{}, cfg, start)
	d := m.Evaluate(perpInput(4.3, start, deltaThreshold("BTC-PERP", 4.2, 0)))
	assert.Equal(t, OutcomeDust, d.Outcome)
	assert.Equal(t, domain.StateMonitoring, m.State().CurrentState)
}

func TestRecoverPendingBecomesMonitoring(t *testing.T) {
	m := newMachine()
	persisted := domain.HedgeState{
		Asset: "BTC-PERP", CurrentState: domain.StateHedgePending, PendingActionID: "lost",
		AccumulatedExposure: -2, LastHedgeSize: -2, LastHedgeTime: start,
	}
	trs, err := m.Recover(persisted, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "lost", trs[0].ActionID)
	assert.Equal(t, domain.StateMonitoring, trs[0].To)

	st := m.State()
	assert.Equal(t, -2.0, st.AccumulatedExposure)
	assert.Empty(t, st.PendingActionID)

	_, err = m.Recover(domain.HedgeState{Asset: "ETH", CurrentState: domain.StateIdle}, start)
	assert.Error(t, err)
	_, err = m.Recover(domain.HedgeState{Asset: "BTC-PERP", CurrentState: "BOGUS"}, start)
	assert.Error(t, err)
}

func TestRecoverCooldownKeepsDeadline(t *testing.T) {
	m := newMachine()
	_, err := m.Recover(domain.HedgeState{Asset: "BTC-PERP", CurrentState: domain.StateCooldown, CooldownUntil: start.Add(time.Minute)}, start)
	require.NoError(t, err)

	assert.Empty(t, m.Tick(start.Add(30*time.Second)))
	trs := m.Tick(start.Add(time.Minute))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.StateMonitoring, trs[0].To)
}

func TestDecisionsAreDeterministic(t *testing.T) {
	th := deltaThreshold("BTC-PERP", 5, 10*time.Second)
	run := func() []string {
		m := newMachine()
		var ids []string
		for i := 0; i < 5; i++ {
			now := start.Add(time.Duration(i) * 20 * time.Second)
			d := m.Evaluate(perpInput(7.2+float64(i), now, th))
			if d.Action != nil {
				ids = append(ids, d.Action.ID)
				m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFilled, FilledQuantity: d.Action.Quantity}, now)
			}
		}
		return ids
	}
	first := run()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, run())
}

func TestEngineRegistryAndTokens(t *testing.T) {
	e := New(Config{})
	_, err := e.Add("ETH", Binding{}, start)
	require.NoError(t, err)
	_, err = e.Add("BTC", Binding{}, start)
	require.NoError(t, err)
	_, err = e.Add("BTC", Binding{}, start)
	assert.ErrorIs(t, err, domain.ErrAlreadyMonitored)

	assert.Equal(t, []string{"BTC", "ETH"}, e.Assets())
	assert.Len(t, e.States(), 2)

	assert.True(t, e.TryAcquire("BTC"))
	assert.False(t, e.TryAcquire("BTC"))
	assert.True(t, e.TryAcquire("ETH"))
	e.Release("BTC")
	assert.True(t, e.TryAcquire("BTC"))
	assert.False(t, e.TryAcquire("SOL"))

	assert.True(t, e.Remove("ETH"))
	assert.False(t, e.Remove("ETH"))
	_, ok := e.Machine("ETH")
	assert.False(t, ok)
}

func TestTokenExcludesConcurrentCycles(t *testing.T) {
	e := New(DefaultConfig())
	_, err := e.Add("BTC", Binding{}, start)
	require.NoError(t, err)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !e.TryAcquire("BTC") {
					continue
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				atomic.AddInt32(&inside, -1)
				e.Release("BTC")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func callInput(gamma float64, at time.Time, th []domain.ThresholdConfig) Input {
	return Input{
		Vector: domain.RiskVector{Asset: "BTC", Delta: 5, Gamma: gamma, Vega: 30},
		Snapshot: domain.PositionSnapshot{
			Asset: "BTC", Instrument: "BTC-60000-C", InstrumentType: domain.InstrumentOption,
			Quantity: 10, MarkPrice: 1500, Timestamp: at,
			Option: &domain.OptionInputs{Strike: 60000, Expiry: start.Add(30 * 24 * time.Hour), ImpliedVol: 0.6, Kind: domain.Call},
		},
		UnderlyingPrice: 60000,
		Thresholds:      th,
		Now:             at,
	}
}

func TestGammaHedgeIsRememberedAcrossCycles(t *testing.T) {
	th := []domain.ThresholdConfig{{Asset: "BTC", Metric: domain.MetricGamma, MaxAbsValue: 1, CooldownPeriod: 300 * time.Second}}
	m := NewMachine("BTC", Binding{HedgeInstrument: "BTC-PERP"}, DefaultConfig(), start)

	var sold float64
	at := start
	for cycle := 0; cycle < 4; cycle++ {
		// the feed keeps reporting the unhedged 10-lot
		d := m.Evaluate(callInput(2, at, th))
		if d.Action != nil {
			assert.Equal(t, "BTC-60000-C", d.Action.Instrument)
			sold += d.Action.Quantity
			m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFilled, FilledQuantity: d.Action.Quantity}, at)
		}
		at = at.Add(301 * time.Second)
	}
	assert.InDelta(t, 6.0, sold, 1e-9)

	st := m.State()
	assert.Zero(t, st.AccumulatedExposure)
	assert.Equal(t, "BTC-60000-C", st.LastHedgeInstrument)
	assert.InDelta(t, -6.0, st.LastHedgeSize, 1e-9)
	require.Contains(t, st.Positions, "BTC-60000-C")
	assert.InDelta(t, -6.0, st.Positions["BTC-60000-C"].Quantity, 1e-9)

	d := m.Evaluate(callInput(2, at, th))
	require.NotNil(t, d.Net)
	assert.InDelta(t, 0.8, d.Net.Gamma, 1e-9)
	assert.InDelta(t, 2.0, d.Net.Delta, 1e-9, "the sold calls take their delta with them")
	assert.InDelta(t, 12.0, d.Net.Vega, 1e-9)
}

func TestGammaHedgeThenDeltaHedgeUsesNetDelta(t *testing.T) {
	th := []domain.ThresholdConfig{
		{Asset: "BTC", Metric: domain.MetricDelta, MaxAbsValue: 1},
		{Asset: "BTC", Metric: domain.MetricGamma, MaxAbsValue: 1},
	}
	m := NewMachine("BTC", Binding{HedgeInstrument: "BTC-PERP"}, DefaultConfig(), start)
	m.state.Positions = domain.HedgePositions{"BTC-60000-C": {Quantity: -6}}

	d := m.Evaluate(callInput(2, start, th))
	require.NotNil(t, d.Action)
	assert.Equal(t, domain.MetricDelta, d.Action.Metric)
	assert.Equal(t, "BTC-PERP", d.Action.Instrument)
	// 5 x 4/10 = 2 of net delta, hedged down to 0.8
	assert.InDelta(t, 1.2, d.Action.Quantity, 1e-9)

	m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFilled, FilledQuantity: 1.2}, start)
	st := m.State()
	assert.InDelta(t, -1.2, st.AccumulatedExposure, 1e-9)
	assert.InDelta(t, -6.0, st.Positions["BTC-60000-C"].Quantity, 1e-9)
}

func TestStateIsACopy(t *testing.T) {
	m := newMachine()
	m.state.Positions = domain.HedgePositions{"BTC-60000-C": {Quantity: -6}}
	st := m.State()
	st.Positions["BTC-60000-C"] = domain.HedgePosition{Quantity: 100}
	assert.Equal(t, -6.0, m.State().Positions["BTC-60000-C"].Quantity)
}

func TestBetaScalesDeltaSizing(t *testing.T) {
	m := NewMachine("SOL", Binding{HedgeInstrument: "BTC-PERP", Beta: 1.5}, DefaultConfig(), start)
	d := m.Evaluate(Input{
		Vector:          domain.RiskVector{Asset: "SOL", Delta: 10},
		Snapshot:        domain.PositionSnapshot{Asset: "SOL", Instrument: "SOL", InstrumentType: domain.InstrumentSpot, Quantity: 10, MarkPrice: 150},
		UnderlyingPrice: 150,
		Thresholds:      deltaThreshold("SOL", 5, 0),
		Now:             start,
	})
	require.NotNil(t, d.Action)
	assert.Equal(t, "BTC-PERP", d.Action.Instrument)
	assert.Equal(t, domain.Sell, d.Action.Side)
	assert.InDelta(t, 11.0, d.Action.Quantity, 1e-9)
	assert.InDelta(t, 15.0, d.Net.Delta, 1e-9)
}

func btcChain() []domain.OptionQuote {
	week := start.Add(7 * 24 * time.Hour)
	return []domain.OptionQuote{
		{Instrument: "BTC-55000-P", Kind: domain.Put, Strike: 55000, Expiry: week, Price: 150, Delta: -0.2},
		{Instrument: "BTC-58000-P", Kind: domain.Put, Strike: 58000, Expiry: week, Price: 400, Delta: -0.4},
		{Instrument: "BTC-59000-P-LONG", Kind: domain.Put, Strike: 59000, Expiry: start.Add(60 * 24 * time.Hour), Price: 1900, Delta: -0.45},
		{Instrument: "BTC-62000-P", Kind: domain.Put, Strike: 62000, Expiry: week, Price: 2300, Delta: -0.65},
		{Instrument: "BTC-62000-C", Kind: domain.Call, Strike: 62000, Expiry: week, Price: 450, Delta: 0.4},
		{Instrument: "BTC-58000-C", Kind: domain.Call, Strike: 58000, Expiry: week, Price: 2500, Delta: 0.7},
	}
}

func spotInput(delta float64, at time.Time, chain []domain.OptionQuote) Input {
	return Input{
		Vector:          domain.RiskVector{Asset: "BTC", Delta: delta},
		Snapshot:        domain.PositionSnapshot{Asset: "BTC", Instrument: "BTC", InstrumentType: domain.InstrumentSpot, Quantity: delta, MarkPrice: 60000, Timestamp: at},
		UnderlyingPrice: 60000,
		Thresholds:      deltaThreshold("BTC", 5, 300*time.Second),
		Chain:           chain,
		Now:             at,
	}
}

func TestOptionStrategies(t *testing.T) {
	tests := []struct {
		name       string
		strategy   Strategy
		delta      float64
		instrument string
		side       domain.Side
		qty        float64
		price      float64
	}{
		{"protective put on long delta", StrategyProtectivePut, 10, "BTC-58000-P", domain.Buy, 15, 400},
		{"protective call on short delta", StrategyProtectivePut, -10, "BTC-62000-C", domain.Buy, 15, 450},
		{"covered call on long delta", StrategyCoveredCall, 10, "BTC-62000-C", domain.Sell, 15, 450},
		{"covered put on short delta", StrategyCoveredCall, -10, "BTC-58000-P", domain.Sell, 15, 400},
		{"perpetual ignores the chain", StrategyPerpetual, 10, "BTC-PERP", domain.Sell, 6, 60000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("BTC", Binding{HedgeInstrument: "BTC-PERP", Strategy: tt.strategy}, DefaultConfig(), start)
			d := m.Evaluate(spotInput(tt.delta, start, btcChain()))
			require.NotNil(t, d.Action)
			assert.Equal(t, tt.instrument, d.Action.Instrument)
			assert.Equal(t, tt.side, d.Action.Side)
			assert.InDelta(t, tt.qty, d.Action.Quantity, 1e-9)
			assert.Equal(t, tt.price, d.Action.ReferencePrice)
		})
	}
}

func TestOptionHedgeIsNettedNextCycle(t *testing.T) {
	m := NewMachine("BTC", Binding{HedgeInstrument: "BTC-PERP", Strategy: StrategyProtectivePut}, DefaultConfig(), start)
	d := m.Evaluate(spotInput(10, start, btcChain()))
	require.NotNil(t, d.Action)
	m.Apply(domain.ExecutionResult{ActionID: d.Action.ID, Status: domain.StatusFilled, FilledQuantity: 15}, start)

	st := m.State()
	assert.Zero(t, st.AccumulatedExposure)
	require.Contains(t, st.Positions, "BTC-58000-P")
	assert.Equal(t, 15.0, st.Positions["BTC-58000-P"].Quantity)
	assert.Equal(t, start.Add(7*24*time.Hour), st.Positions["BTC-58000-P"].Expiry)

	after := start.Add(301 * time.Second)
	d = m.Evaluate(spotInput(10, after, btcChain()))
	assert.Equal(t, OutcomeQuiet, d.Outcome)
	assert.InDelta(t, 4.0, d.Net.Delta, 1e-9)

	// once the put expires it no longer offsets the position
	expired := start.Add(7*24*time.Hour + time.Second)
	d = m.Evaluate(spotInput(10, expired, nil))
	assert.Empty(t, m.State().Positions)
	require.NotNil(t, d.Action)
	assert.Equal(t, "BTC-PERP", d.Action.Instrument, "no chain falls back to the hedge instrument")
	assert.InDelta(t, 6.0, d.Action.Quantity, 1e-9)
}
