package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/eventlog"
)

type hedgeFailure struct {
	ActionID  string           `json:"action_id"`
	Venue     string           `json:"venue,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind"`
	Error     string           `json:"error"`
	Attempts  int              `json:"attempts"`
}

type thresholdsUpdate struct {
	Thresholds []domain.ThresholdConfig `json:"thresholds"`
	Size       *float64                 `json:"position_size,omitempty"`
}

type monitorStopped struct {
	State domain.HedgeState `json:"state"`
}

// emit appends one event. A failing log never stops the cycle.
func (r *Runtime) emit(ctx context.Context, asset string, typ eventlog.Type, payload any) {
	ev, err := eventlog.New(asset, typ, payload, r.deps.Clock.Now())
	if err != nil {
		log.Error().Err(err).Str("asset", asset).Str("type", string(typ)).Msg("Failed to encode event")
		return
	}
	if _, err := r.deps.Events.Append(ctx, ev); err != nil {
		log.Warn().Err(err).Str("asset", asset).Str("type", string(typ)).Msg("Failed to append event")
		return
	}
	r.deps.Metrics.EventAppended(string(typ))
}

func (r *Runtime) emitTransitions(ctx context.Context, trs []domain.Transition) {
	for _, tr := range trs {
		log.Debug().Str("asset", tr.Asset).Str("from", string(tr.From)).Str("to", string(tr.To)).
			Str("reason", tr.Reason).Msg("State transition")
		r.emit(ctx, tr.Asset, eventlog.StateTransition, tr)
	}
}

// Events reads the event log after seq
func (r *Runtime) Events(ctx context.Context, after uint64, limit int) ([]eventlog.Event, error) {
	return r.deps.Events.Read(ctx, after, limit)
}

// History returns the most recent dispatch and execution events of asset,
// oldest first
func (r *Runtime) History(ctx context.Context, asset string, limit int) ([]eventlog.Event, error) {
	all, err := r.deps.Events.Read(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	out := eventlog.Filter(all, asset, eventlog.ActionDispatched, eventlog.ExecutionResult, eventlog.HedgeFailed)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *Runtime) now() time.Time { return r.deps.Clock.Now() }
