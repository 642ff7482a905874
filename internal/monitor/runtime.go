// Package monitor runs the periodic per-asset monitoring cycle. Each cycle
// evaluates every monitored asset concurrently, then makes one coordination
// pass over the proposals of that cycle before anything is dispatched.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/clock"
	"github.com/sawpanic/hedgerun/internal/config"
	"github.com/sawpanic/hedgerun/internal/coordinator"
	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/engine"
	"github.com/sawpanic/hedgerun/internal/eventlog"
	"github.com/sawpanic/hedgerun/internal/feed"
	"github.com/sawpanic/hedgerun/internal/forecast"
	"github.com/sawpanic/hedgerun/internal/metrics"
	"github.com/sawpanic/hedgerun/internal/persistence"
	"github.com/sawpanic/hedgerun/internal/risk"
)

// ErrAssetBusy is returned when a command needs the asset's execution token
// while a cycle or an execution holds it
var ErrAssetBusy = errors.New("asset busy")

// Executor submits hedge actions. The execution gateway implements it.
type Executor interface {
	Submit(ctx context.Context, action domain.HedgeAction) domain.ExecutionResult
	Cancel(ctx context.Context, actionID string) bool
}

// Deps are the collaborators of the runtime
type Deps struct {
	Feed        feed.Feed
	Forecaster  forecast.Forecaster
	Calculator  *risk.Calculator
	Coordinator *coordinator.Coordinator
	Executor    Executor
	Store       persistence.StateStore
	Events      eventlog.Log
	Metrics     *metrics.Registry
	Clock       clock.Clock
}

// Option customizes a Runtime
type Option func(*Runtime)

// Synchronous makes dispatch block the cycle until every result is applied.
// Replays use it so that a frame's fills land before the next frame.
func Synchronous() Option {
	return func(r *Runtime) { r.sync = true }
}

// Runtime owns the engine and drives it from the feed
type Runtime struct {
	cfg    config.Config
	deps   Deps
	engine *engine.Engine
	feed   *feed.Overlay
	sync   bool

	thresholds atomic.Pointer[thresholdSet]

	mu        sync.Mutex
	manual    map[string]domain.HedgeAction
	stopping  map[string]bool
	persisted map[string]domain.HedgeState
	vectors   map[string]domain.RiskVector
	prices    map[string]float64

	inflight sync.WaitGroup
	nudge    chan struct{}
}

type thresholdSet map[string][]domain.ThresholdConfig

// New validates the configuration and wires the runtime. Configuration
// problems surface here and nowhere later.
func New(cfg config.Config, deps Deps, opts ...Option) (*Runtime, error) {
	if err := config.ValidateThresholds(cfg.Thresholds); err != nil {
		return nil, err
	}
	if deps.Feed == nil {
		return nil, &domain.ConfigurationError{Field: "feed", Reason: "no feed configured"}
	}
	if deps.Executor == nil {
		return nil, &domain.ConfigurationError{Field: "gateway", Reason: "no executor configured"}
	}
	if deps.Calculator == nil {
		deps.Calculator = risk.NewCalculator(risk.Config{
			VaRMethod:   cfg.Risk.VaRMethod,
			Confidence:  cfg.Risk.Confidence,
			HorizonDays: cfg.Risk.HorizonDays,
			VolSource:   cfg.Risk.VolSource,
			MinHistory:  cfg.Risk.MinHistory,
		})
	}
	if deps.Coordinator == nil {
		deps.Coordinator = coordinator.New(coordinator.Config{
			CorrelationThreshold: cfg.Coordinator.CorrelationThreshold,
			MaxMatrixAge:         cfg.Coordinator.MaxMatrixAge,
			MinOrderQty:          cfg.Monitor.MinOrderQty,
		}, coordinator.NewCorrelationStore(), deps.Metrics)
	}
	if deps.Store == nil {
		deps.Store = persistence.NewMemory()
	}
	if deps.Events == nil {
		deps.Events = eventlog.NewMemoryLog()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	r := &Runtime{
		cfg:  cfg,
		deps: deps,
		engine: engine.New(engine.Config{
			TargetBuffer:    cfg.Monitor.TargetBuffer,
			UrgentRatio:     cfg.Monitor.UrgentRatio,
			MaxDeferrals:    cfg.Monitor.MaxDeferrals,
			MinOrderQty:     cfg.Monitor.MinOrderQty,
			DefaultCooldown: cfg.Monitor.DefaultCooldown,
		}),
		feed:      feed.NewOverlay(deps.Feed),
		manual:    make(map[string]domain.HedgeAction),
		stopping:  make(map[string]bool),
		persisted: make(map[string]domain.HedgeState),
		vectors:   make(map[string]domain.RiskVector),
		prices:    make(map[string]float64),
		nudge:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	set := make(thresholdSet)
	for _, t := range cfg.Thresholds {
		set[t.Asset] = append(set[t.Asset], r.withDefaults(t))
	}
	for a := range set {
		config.SortThresholds(set[a])
	}
	r.thresholds.Store(&set)
	return r, nil
}

// Engine exposes the decision engine, for inspection
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// Coordinator exposes the portfolio coordinator
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.deps.Coordinator }

// Restore resumes monitoring of every asset with persisted state and of
// configured assets marked auto_start
func (r *Runtime) Restore(ctx context.Context) error {
	states, err := r.deps.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load persisted hedge states: %w", err)
	}
	restored := make(map[string]bool, len(states))
	for _, st := range states {
		if err := r.start(ctx, st.Asset, &st); err != nil {
			return fmt.Errorf("restore %s: %w", st.Asset, err)
		}
		restored[st.Asset] = true
	}
	for _, a := range r.cfg.Assets {
		if !a.AutoStart || restored[a.Asset] {
			continue
		}
		if err := r.start(ctx, a.Asset, nil); err != nil {
			return fmt.Errorf("start %s: %w", a.Asset, err)
		}
	}
	log.Info().Int("restored", len(states)).Int("monitored", len(r.engine.Assets())).Msg("Monitoring state restored")
	return nil
}

// start adds asset to the engine, recovering prior state if any
func (r *Runtime) start(ctx context.Context, asset string, prior *domain.HedgeState) error {
	now := r.deps.Clock.Now()
	ac := r.cfg.AssetConfig(asset)
	m, err := r.engine.Add(asset, engine.Binding{
		HedgeInstrument: ac.HedgeInstrument,
		Venues:          ac.Venues,
		Strategy:        engine.Strategy(ac.Strategy),
		Beta:            ac.Beta,
		MaxExpiry:       ac.MaxOptionExpiry,
	}, now)
	if err != nil {
		return err
	}
	if ac.PositionSize != 0 {
		r.feed.Declare(asset, ac.PositionSize)
	}

	if prior == nil {
		st, found, err := r.deps.Store.Load(ctx, asset)
		if err != nil {
			r.engine.Remove(asset)
			return fmt.Errorf("load hedge state: %w", err)
		}
		if found {
			prior = &st
		}
	}

	var trs []domain.Transition
	if prior != nil {
		trs, err = m.Recover(*prior, now)
		if err != nil {
			r.engine.Remove(asset)
			return err
		}
		if len(trs) > 0 {
			log.Warn().Str("asset", asset).Str("action", trs[0].ActionID).Msg("Recovered asset with unknown execution outcome")
			r.emit(ctx, asset, eventlog.StateRecovered, trs[0])
		}
	}

	r.emit(ctx, asset, eventlog.MonitorStarted, m.State())
	r.emitTransitions(ctx, trs)
	r.persist(ctx, m)
	if len(r.thresholdsFor(asset)) == 0 {
		log.Warn().Str("asset", asset).Msg("Monitoring asset without thresholds")
	}
	log.Info().Str("asset", asset).Str("state", string(m.State().CurrentState)).Msg("Monitoring started")
	return nil
}

// Run executes cycles every monitor.interval and refreshes correlations
// every coordinator.refresh_interval until ctx is cancelled. In-flight
// executions are awaited before returning.
func (r *Runtime) Run(ctx context.Context) error {
	interval := r.cfg.Monitor.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	refresh := r.cfg.Coordinator.RefreshInterval
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}

	log.Info().Dur("interval", interval).Dur("refresh", refresh).Msg("Monitor loop starting")
	r.RefreshCorrelations()

	cycles := time.NewTicker(interval)
	defer cycles.Stop()
	refresher := time.NewTicker(refresh)
	defer refresher.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Monitor loop stopping, waiting for in-flight executions")
			r.inflight.Wait()
			return nil
		case <-refresher.C:
			r.RefreshCorrelations()
		case <-cycles.C:
			r.RunCycle(ctx)
		case <-r.nudge:
			r.RunCycle(ctx)
		}
	}
}

// Wait blocks until every dispatched action has been applied
func (r *Runtime) Wait() { r.inflight.Wait() }

// RefreshCorrelations re-estimates the correlation matrix from the feed's
// price history, when the feed keeps one
func (r *Runtime) RefreshCorrelations() {
	prices := r.feed.Prices()
	if len(prices) < 2 {
		return
	}
	window := r.cfg.Coordinator.Window
	if window > 0 {
		for a, p := range prices {
			if len(p) > window+1 {
				prices[a] = p[len(p)-window-1:]
			}
		}
	}
	m := coordinator.Estimate(r.deps.Clock.Now(), prices)
	r.deps.Coordinator.Store().Set(m)
	log.Debug().Int("pairs", len(m.Pairs())).Msg("Correlation matrix refreshed")
}

func (r *Runtime) withDefaults(t domain.ThresholdConfig) domain.ThresholdConfig {
	if t.CooldownPeriod == 0 {
		t.CooldownPeriod = r.cfg.Monitor.DefaultCooldown
	}
	return t
}

func (r *Runtime) thresholdsFor(asset string) []domain.ThresholdConfig {
	set := r.thresholds.Load()
	if set == nil {
		return nil
	}
	return (*set)[asset]
}

// persist saves the machine's state when it differs from the last write
func (r *Runtime) persist(ctx context.Context, m *engine.Machine) {
	st := m.State()
	r.deps.Metrics.SetHedgeState(st.Asset, st.CurrentState.Ordinal())
	r.mu.Lock()
	last, ok := r.persisted[st.Asset]
	r.mu.Unlock()
	if ok && last == st {
		return
	}
	if err := r.deps.Store.Save(ctx, st); err != nil {
		log.Error().Err(err).Str("asset", st.Asset).Msg("Failed to persist hedge state")
		return
	}
	r.mu.Lock()
	r.persisted[st.Asset] = st
	r.mu.Unlock()
}
