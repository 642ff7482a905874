package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/config"
	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/eventlog"
	"github.com/sawpanic/hedgerun/internal/risk"
)

// ErrInvalidThresholds wraps a rejected runtime threshold change. The
// previous thresholds stay in force.
var ErrInvalidThresholds = errors.New("invalid thresholds")

// MonitorRequest starts or updates monitoring of one asset
type MonitorRequest struct {
	Asset string
	// Size overrides the position quantity reported by the feed
	Size *float64
	// DeltaThreshold replaces the asset's delta threshold when positive
	DeltaThreshold float64
	Cooldown       time.Duration
}

// Status is the operator view of one asset
type Status struct {
	State      domain.HedgeState        `json:"state"`
	Pending    *domain.HedgeAction      `json:"pending,omitempty"`
	Risk       *domain.RiskVector       `json:"risk,omitempty"`
	Thresholds []domain.ThresholdConfig `json:"thresholds"`
	Stopping   bool                     `json:"stopping,omitempty"`
}

// Monitor starts monitoring req.Asset, or updates the declared size and
// delta threshold when it is already monitored. The next cycle is triggered
// right away.
func (r *Runtime) Monitor(ctx context.Context, req MonitorRequest) (domain.HedgeState, error) {
	asset := strings.TrimSpace(req.Asset)
	if asset == "" {
		return domain.HedgeState{}, fmt.Errorf("%w: asset is required", ErrInvalidThresholds)
	}
	if r.isStopping(asset) {
		return domain.HedgeState{}, ErrAssetBusy
	}

	var next []domain.ThresholdConfig
	if req.DeltaThreshold != 0 {
		next = withThreshold(r.thresholdsFor(asset), domain.ThresholdConfig{
			Asset:          asset,
			Metric:         domain.MetricDelta,
			MaxAbsValue:    req.DeltaThreshold,
			CooldownPeriod: req.Cooldown,
		})
		for i := range next {
			next[i] = r.withDefaults(next[i])
		}
		if err := config.ValidateThresholds(next); err != nil {
			return domain.HedgeState{}, fmt.Errorf("%w: %v", ErrInvalidThresholds, err)
		}
	}

	if _, ok := r.engine.Machine(asset); !ok {
		if err := r.start(ctx, asset, nil); err != nil && !errors.Is(err, domain.ErrAlreadyMonitored) {
			return domain.HedgeState{}, err
		}
	}
	if req.Size != nil {
		r.feed.Declare(asset, *req.Size)
	}
	if next != nil {
		r.swapThresholds(asset, next)
	}
	if req.Size != nil || next != nil {
		r.emit(ctx, asset, eventlog.ThresholdsUpdated, thresholdsUpdate{Thresholds: r.thresholdsFor(asset), Size: req.Size})
	}

	m, ok := r.engine.Machine(asset)
	if !ok {
		return domain.HedgeState{}, domain.ErrNotMonitored
	}
	r.trigger()
	return m.State(), nil
}

// StopMonitor stops monitoring asset between cycles. With a pending action
// the stop takes effect once its result is applied; cancel asks the gateway
// to abandon the action first. It reports whether the asset stopped now.
func (r *Runtime) StopMonitor(ctx context.Context, asset string, cancel bool) (bool, error) {
	m, ok := r.engine.Machine(asset)
	if !ok {
		return false, domain.ErrNotMonitored
	}

	r.mu.Lock()
	r.stopping[asset] = true
	queued, hasQueued := r.manual[asset]
	delete(r.manual, asset)
	r.mu.Unlock()

	if hasQueued {
		trs := m.Veto(queued.ID, "monitoring stopped", r.now())
		r.emit(ctx, asset, eventlog.ActionVetoed, map[string]any{"action": queued, "reason": "monitoring stopped"})
		r.emitTransitions(ctx, trs)
	} else if pending, ok := m.Pending(); ok && cancel {
		if r.deps.Executor.Cancel(ctx, pending.ID) {
			log.Info().Str("asset", asset).Str("action", pending.ID).Msg("Cancel requested for pending hedge")
		}
	}

	if r.engine.TryAcquire(asset) {
		r.finish(ctx, asset)
		return true, nil
	}
	log.Info().Str("asset", asset).Msg("Stop deferred until the asset's current work completes")
	return false, nil
}

// HedgeNow queues an operator hedge for asset. It skips threshold
// evaluation but goes through coordination and the gateway on the next
// cycle, which is triggered right away.
func (r *Runtime) HedgeNow(ctx context.Context, asset string, size float64, side domain.Side) (domain.HedgeAction, error) {
	m, ok := r.engine.Machine(asset)
	if !ok || r.isStopping(asset) {
		return domain.HedgeAction{}, domain.ErrNotMonitored
	}
	if _, pending := m.Pending(); pending {
		return domain.HedgeAction{}, domain.ErrHedgePending
	}
	if _, ok := domain.ParseSide(string(side)); !ok {
		return domain.HedgeAction{}, fmt.Errorf("unknown side %q", side)
	}

	price, err := r.referencePrice(ctx, asset)
	if err != nil {
		return domain.HedgeAction{}, err
	}

	if !r.engine.TryAcquire(asset) {
		return domain.HedgeAction{}, ErrAssetBusy
	}
	action, trs, err := m.ProposeManual(size, side, price, r.now())
	if err != nil {
		r.engine.Release(asset)
		return domain.HedgeAction{}, err
	}
	r.mu.Lock()
	r.manual[asset] = action
	r.mu.Unlock()

	r.deps.Metrics.ActionProposed(asset, "manual")
	r.emit(ctx, asset, eventlog.ActionProposed, action)
	r.emitTransitions(ctx, trs)
	r.persist(ctx, m)
	r.engine.Release(asset)
	log.Info().Str("asset", asset).Str("action", action.ID).Str("side", string(side)).Float64("qty", size).Msg("Manual hedge queued")

	r.trigger()
	return action, nil
}

// Status returns the operator view of asset
func (r *Runtime) Status(asset string) (Status, error) {
	m, ok := r.engine.Machine(asset)
	if !ok {
		return Status{}, domain.ErrNotMonitored
	}
	st := Status{State: m.State(), Thresholds: r.thresholdsFor(asset)}
	if a, ok := m.Pending(); ok {
		st.Pending = &a
	}
	r.mu.Lock()
	if v, ok := r.vectors[asset]; ok {
		st.Risk = &v
	}
	st.Stopping = r.stopping[asset]
	r.mu.Unlock()
	return st, nil
}

// Statuses returns the status of every monitored asset, sorted by asset
func (r *Runtime) Statuses() []Status {
	assets := r.engine.Assets()
	out := make([]Status, 0, len(assets))
	for _, a := range assets {
		if st, err := r.Status(a); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// SetThresholds replaces every threshold of asset. An invalid set is
// rejected as a whole.
func (r *Runtime) SetThresholds(ctx context.Context, asset string, ts []domain.ThresholdConfig) error {
	next := make([]domain.ThresholdConfig, 0, len(ts))
	for _, t := range ts {
		if t.Asset == "" {
			t.Asset = asset
		}
		if t.Asset != asset {
			return fmt.Errorf("%w: threshold for %s submitted for %s", ErrInvalidThresholds, t.Asset, asset)
		}
		next = append(next, r.withDefaults(t))
	}
	if err := config.ValidateThresholds(next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThresholds, err)
	}
	config.SortThresholds(next)
	r.swapThresholds(asset, next)
	r.emit(ctx, asset, eventlog.ThresholdsUpdated, thresholdsUpdate{Thresholds: next})
	log.Info().Str("asset", asset).Int("thresholds", len(next)).Msg("Thresholds updated")
	return nil
}

// Portfolio aggregates the last computed risk vectors of monitored assets
func (r *Runtime) Portfolio() risk.PortfolioRisk {
	r.mu.Lock()
	vectors := make([]domain.RiskVector, 0, len(r.vectors))
	for _, v := range r.vectors {
		vectors = append(vectors, v)
	}
	r.mu.Unlock()
	return risk.PortfolioGreeks(vectors)
}

func (r *Runtime) referencePrice(ctx context.Context, asset string) (float64, error) {
	r.mu.Lock()
	price := r.prices[asset]
	r.mu.Unlock()
	if price > 0 {
		return price, nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, r.cycleTimeout())
	defer cancel()
	snap, market, err := r.feed.Snapshot(pollCtx, asset)
	if err != nil {
		return 0, err
	}
	if market.UnderlyingPrice > 0 {
		return market.UnderlyingPrice, nil
	}
	return snap.MarkPrice, nil
}

// swapThresholds publishes a new threshold set with asset's entries replaced
func (r *Runtime) swapThresholds(asset string, ts []domain.ThresholdConfig) {
	for {
		cur := r.thresholds.Load()
		next := make(thresholdSet, len(*cur)+1)
		for a, v := range *cur {
			next[a] = v
		}
		next[asset] = ts
		if r.thresholds.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func withThreshold(ts []domain.ThresholdConfig, t domain.ThresholdConfig) []domain.ThresholdConfig {
	out := make([]domain.ThresholdConfig, 0, len(ts)+1)
	for _, x := range ts {
		if x.Metric != t.Metric {
			out = append(out, x)
		}
	}
	out = append(out, t)
	config.SortThresholds(out)
	return out
}

func (r *Runtime) isStopping(asset string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping[asset]
}

// release hands back the execution token of asset, completing a requested
// stop once nothing is pending
func (r *Runtime) release(ctx context.Context, asset string) {
	if r.isStopping(asset) {
		if m, ok := r.engine.Machine(asset); ok {
			if _, pending := m.Pending(); !pending {
				r.finish(ctx, asset)
				return
			}
		}
	}
	r.engine.Release(asset)
}

// finish removes asset; the caller holds its execution token
func (r *Runtime) finish(ctx context.Context, asset string) {
	m, ok := r.engine.Machine(asset)
	if !ok {
		return
	}
	st := m.State()
	r.engine.Remove(asset)
	if err := r.deps.Store.Delete(ctx, asset); err != nil {
		log.Error().Err(err).Str("asset", asset).Msg("Failed to delete persisted hedge state")
	}
	r.deps.Metrics.DeleteAsset(asset)
	r.feed.Clear(asset)

	r.mu.Lock()
	delete(r.manual, asset)
	delete(r.stopping, asset)
	delete(r.persisted, asset)
	delete(r.vectors, asset)
	delete(r.prices, asset)
	r.mu.Unlock()

	r.emit(ctx, asset, eventlog.MonitorStopped, monitorStopped{State: st})
	log.Info().Str("asset", asset).Str("state", string(st.CurrentState)).Msg("Monitoring stopped")
}
