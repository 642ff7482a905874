package feed

import (
	"context"
	"fmt"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/risk"
)

// Observation is one asset's row of a replay frame
type Observation struct {
	Snapshot domain.PositionSnapshot
	Market   risk.MarketContext
}

// Replay is advanced frame by frame by the backtest. Only assets present in
// the current frame have data; the rest are unavailable for that cycle.
type Replay struct {
	s       *store
	current map[string]bool
}

// NewReplay creates a replay feed keeping history prices per asset
func NewReplay(history int) *Replay {
	return &Replay{s: newStore(history), current: make(map[string]bool)}
}

// Advance installs the next frame
func (r *Replay) Advance(frame []Observation) {
	r.current = make(map[string]bool, len(frame))
	for _, o := range frame {
		r.s.put(o.Snapshot, o.Market, o.Snapshot.Timestamp)
		r.current[o.Snapshot.Asset] = true
	}
}

// Snapshot implements Feed
func (r *Replay) Snapshot(ctx context.Context, asset string) (domain.PositionSnapshot, risk.MarketContext, error) {
	if err := ctx.Err(); err != nil {
		return domain.PositionSnapshot{}, risk.MarketContext{}, unavailable(asset, err)
	}
	if !r.current[asset] {
		return domain.PositionSnapshot{}, risk.MarketContext{}, unavailable(asset, fmt.Errorf("no row in frame"))
	}
	e, _, _ := r.s.get(asset)
	return e.snap, e.market, nil
}

// Prices implements PriceHistory
func (r *Replay) Prices() map[string][]float64 { return r.s.history() }
