package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/coordinator"
	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/engine"
	"github.com/sawpanic/hedgerun/internal/eventlog"
	"github.com/sawpanic/hedgerun/internal/forecast"
)

// Skip reasons reported in cycle_skipped events and metrics
const (
	SkipBusy              = "busy"
	SkipDataUnavailable   = "data_unavailable"
	SkipInvalidMarketData = "invalid_market_data"
)

// CycleReport summarizes one cycle
type CycleReport struct {
	At           time.Time
	Evaluated    []string
	Skipped      map[string]string
	Proposed     []domain.HedgeAction
	Coordination coordinator.Result
	// Results holds per-asset results applied during the cycle: crossed
	// legs always, venue results only under synchronous dispatch
	Results []domain.ExecutionResult
}

type evaluation struct {
	asset    string
	machine  *engine.Machine
	held     bool
	skip     string
	err      error
	ticked   []domain.Transition
	manual   *domain.HedgeAction
	decision engine.Decision
	vector   domain.RiskVector
	price    float64
	took     time.Duration
}

// RunCycle evaluates every monitored asset, coordinates the proposals of
// this cycle and dispatches the result
func (r *Runtime) RunCycle(ctx context.Context) CycleReport {
	now := r.deps.Clock.Now()
	assets := r.engine.Assets()
	report := CycleReport{At: now, Skipped: make(map[string]string)}

	evals := make([]evaluation, len(assets))
	var wg sync.WaitGroup
	for i, asset := range assets {
		wg.Add(1)
		go func(i int, asset string) {
			defer wg.Done()
			evals[i] = r.evaluate(ctx, asset, now)
		}(i, asset)
	}
	// coordination barrier: nothing is dispatched before every asset of
	// this cycle has been evaluated
	wg.Wait()

	var proposals []domain.HedgeAction
	for i := range evals {
		ev := &evals[i]
		if ev.skip != "" {
			r.recordSkip(ctx, ev)
			report.Skipped[ev.asset] = ev.skip
			if ev.held {
				r.release(ctx, ev.asset)
			}
			continue
		}
		if ev.manual != nil {
			proposals = append(proposals, *ev.manual)
			continue
		}

		report.Evaluated = append(report.Evaluated, ev.asset)
		r.deps.Metrics.ObserveCycle(ev.asset, string(ev.decision.Outcome), ev.took)
		r.mu.Lock()
		r.vectors[ev.asset] = ev.vector
		r.prices[ev.asset] = ev.price
		r.mu.Unlock()

		r.emitTransitions(ctx, ev.decision.Transitions)
		if a := ev.decision.Action; a != nil {
			r.deps.Metrics.ActionProposed(a.Asset, string(a.Metric))
			r.emit(ctx, a.Asset, eventlog.ActionProposed, a)
			log.Info().Str("asset", a.Asset).Str("action", a.ID).Str("side", string(a.Side)).
				Float64("qty", a.Quantity).Str("instrument", a.Instrument).Str("reason", a.Reason).Msg("Hedge proposed")
			proposals = append(proposals, *a)
		}
		r.persist(ctx, ev.machine)
		if ev.decision.Action == nil {
			r.release(ctx, ev.asset)
		}
	}
	report.Proposed = proposals
	if len(proposals) == 0 {
		return report
	}

	res := r.deps.Coordinator.Coordinate(now, proposals)
	report.Coordination = res
	for _, w := range res.Warnings {
		payload := map[string]string{"error": w.Error()}
		var stale *domain.StaleCorrelationError
		if errors.As(w, &stale) {
			payload["age"] = stale.Age.String()
			payload["max_age"] = stale.MaxAge.String()
		}
		r.emit(ctx, "", eventlog.CorrelationStale, payload)
	}
	for _, v := range res.Vetoed {
		r.veto(ctx, v, now)
	}
	for _, a := range res.Crossed {
		report.Results = append(report.Results, r.apply(ctx, coordinator.Allocate(a, coordinator.Cross(a, now)))...)
	}
	for _, a := range res.Actions {
		for _, asset := range a.Assets() {
			r.emit(ctx, asset, eventlog.ActionDispatched, a)
		}
		r.deps.Metrics.ActionDispatched(a.Instrument)

		if r.sync {
			report.Results = append(report.Results, r.execute(ctx, a)...)
			continue
		}
		r.inflight.Add(1)
		go func(a domain.HedgeAction) {
			defer r.inflight.Done()
			// the action completes even if the cycle's context ends
			r.execute(context.WithoutCancel(ctx), a)
		}(a)
	}
	return report
}

func (r *Runtime) evaluate(ctx context.Context, asset string, now time.Time) evaluation {
	start := time.Now()
	ev := evaluation{asset: asset}
	m, ok := r.engine.Machine(asset)
	if !ok {
		ev.skip = SkipBusy
		return ev
	}
	ev.machine = m
	if !r.engine.TryAcquire(asset) {
		ev.skip = SkipBusy
		return ev
	}
	ev.held = true

	if a, ok := r.takeManual(asset); ok {
		ev.manual = &a
		return ev
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.cycleTimeout())
	snap, market, err := r.feed.Snapshot(pollCtx, asset)
	cancel()
	if err != nil {
		ev.skip, ev.err = SkipDataUnavailable, err
		ev.ticked = m.Tick(now)
		return ev
	}
	if market.RiskFreeRate == 0 {
		market.RiskFreeRate = r.cfg.Risk.RiskFreeRate
	}

	hint := forecast.HintNone
	if r.deps.Forecaster != nil {
		f, err := r.deps.Forecaster.Forecast(ctx, asset, market.Returns, now)
		if err != nil {
			log.Debug().Err(err).Str("asset", asset).Msg("No volatility forecast")
		} else {
			hint = f.Hint
			if market.ForecastVol == 0 {
				market.ForecastVol = f.Volatility
			}
		}
	}

	vec, err := r.deps.Calculator.Compute(snap, market)
	if err != nil {
		ev.skip, ev.err = SkipInvalidMarketData, err
		ev.ticked = m.Tick(now)
		return ev
	}

	price := market.UnderlyingPrice
	if !(price > 0) {
		price = snap.MarkPrice
	}
	chainMarket := market
	chainMarket.UnderlyingPrice = price
	chain := r.deps.Calculator.PriceChain(market.Chain, chainMarket, now)

	ev.vector, ev.price = vec, price
	ev.decision = m.Evaluate(engine.Input{
		Vector:          vec,
		Snapshot:        snap,
		UnderlyingPrice: price,
		Thresholds:      r.thresholdsFor(asset),
		Hint:            hint,
		Chain:           chain,
		Now:             now,
	})
	if ev.decision.Net != nil {
		ev.vector = *ev.decision.Net
	}
	ev.took = time.Since(start)
	return ev
}

func (r *Runtime) recordSkip(ctx context.Context, ev *evaluation) {
	r.deps.Metrics.CycleSkipped(ev.asset, ev.skip)
	if ev.skip == SkipBusy {
		log.Debug().Str("asset", ev.asset).Msg("Cycle skipped, execution token held")
		return
	}
	log.Warn().Err(ev.err).Str("asset", ev.asset).Str("reason", ev.skip).Msg("Cycle skipped")
	payload := map[string]string{"reason": ev.skip}
	if ev.err != nil {
		payload["error"] = ev.err.Error()
	}
	r.emit(ctx, ev.asset, eventlog.CycleSkipped, payload)
	r.emitTransitions(ctx, ev.ticked)
	if ev.machine != nil {
		r.persist(ctx, ev.machine)
	}
}

func (r *Runtime) veto(ctx context.Context, v coordinator.Vetoed, now time.Time) {
	a := v.Action
	m, ok := r.engine.Machine(a.Asset)
	if !ok {
		return
	}
	trs := m.Veto(a.ID, v.Reason, now)
	r.emit(ctx, a.Asset, eventlog.ActionVetoed, v)
	r.emitTransitions(ctx, trs)
	r.persist(ctx, m)
	r.release(ctx, a.Asset)
}

// execute submits one coordinated action and applies its allocated results
func (r *Runtime) execute(ctx context.Context, a domain.HedgeAction) []domain.ExecutionResult {
	res := r.deps.Executor.Submit(ctx, a)
	return r.apply(ctx, coordinator.Allocate(a, res))
}

// apply feeds per-asset results back into their machines and releases the
// execution tokens taken for them
func (r *Runtime) apply(ctx context.Context, results []domain.ExecutionResult) []domain.ExecutionResult {
	now := r.deps.Clock.Now()
	for _, res := range results {
		m, ok := r.engine.Machine(res.Asset)
		if !ok {
			log.Warn().Str("asset", res.Asset).Str("action", res.ActionID).Msg("Result for asset no longer monitored")
			continue
		}
		trs := m.Apply(res, now)
		r.deps.Metrics.ExecutionResult(string(res.Status), string(res.ErrorKind))
		r.emit(ctx, res.Asset, eventlog.ExecutionResult, res)
		if res.Succeeded() {
			log.Info().Str("asset", res.Asset).Str("action", res.ActionID).Str("venue", res.Venue).
				Str("status", string(res.Status)).Float64("filled", res.FilledQuantity).Msg("Hedge executed")
		} else {
			log.Error().Str("asset", res.Asset).Str("action", res.ActionID).Str("venue", res.Venue).
				Str("error_kind", string(res.ErrorKind)).Str("error", res.Error).Msg("Hedge failed")
			r.emit(ctx, res.Asset, eventlog.HedgeFailed, hedgeFailure{
				ActionID:  res.ActionID,
				Venue:     res.Venue,
				ErrorKind: res.ErrorKind,
				Error:     res.Error,
				Attempts:  res.Attempts,
			})
		}
		r.emitTransitions(ctx, trs)
		r.persist(ctx, m)
		r.release(ctx, res.Asset)
	}
	return results
}

func (r *Runtime) takeManual(asset string) (domain.HedgeAction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.manual[asset]
	if ok {
		delete(r.manual, asset)
	}
	return a, ok
}

func (r *Runtime) cycleTimeout() time.Duration {
	if r.cfg.Monitor.CycleTimeout > 0 {
		return r.cfg.Monitor.CycleTimeout
	}
	return 5 * time.Second
}

func (r *Runtime) trigger() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}
