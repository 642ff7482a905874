// Package feed supplies position snapshots and market context per asset.
// The runtime polls it once per cycle.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/risk"
)

// Feed is the pull contract the monitoring cycle relies on.
//
// Snapshot quantities are the exposure under management and must not include
// fills of this engine's own hedges: those are tracked in the asset's
// HedgeState and netted by the decision engine. A feed that reports a venue
// account holding both would count every hedge twice.
type Feed interface {
	Snapshot(ctx context.Context, asset string) (domain.PositionSnapshot, risk.MarketContext, error)
}

// PriceHistory is implemented by feeds that keep recent prices, used to
// estimate correlations
type PriceHistory interface {
	Prices() map[string][]float64
}

var errNoSnapshot = errors.New("no snapshot")

type entry struct {
	snap     domain.PositionSnapshot
	market   risk.MarketContext
	received time.Time
}

// store keeps the latest snapshot and a bounded price history per asset
type store struct {
	mu     sync.RWMutex
	latest map[string]entry
	prices map[string][]float64
	limit  int
	notify chan struct{}
}

func newStore(limit int) *store {
	if limit < 2 {
		limit = 2
	}
	return &store{
		latest: make(map[string]entry),
		prices: make(map[string][]float64),
		limit:  limit,
		notify: make(chan struct{}),
	}
}

func (s *store) put(snap domain.PositionSnapshot, market risk.MarketContext, received time.Time) {
	if market.Asset == "" {
		market.Asset = snap.Asset
	}
	if market.Timestamp.IsZero() {
		market.Timestamp = snap.Timestamp
	}
	price := market.UnderlyingPrice
	if !(price > 0) {
		price = snap.MarkPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if price > 0 {
		series := append(s.prices[snap.Asset], price)
		if len(series) > s.limit+1 {
			series = series[len(series)-s.limit-1:]
		}
		s.prices[snap.Asset] = series
	}
	if len(market.Returns) == 0 {
		market.Returns = returnsOf(s.prices[snap.Asset])
	}
	s.latest[snap.Asset] = entry{snap: snap, market: market, received: received}

	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *store) get(asset string) (entry, bool, <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.latest[asset]
	return e, ok, s.notify
}

func (s *store) remove(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, asset)
	delete(s.prices, asset)
}

func (s *store) history() map[string][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]float64, len(s.prices))
	for a, p := range s.prices {
		out[a] = append([]float64(nil), p...)
	}
	return out
}

func (s *store) assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.latest))
	for a := range s.latest {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func returnsOf(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			out = append(out, prices[i]/prices[i-1]-1)
		}
	}
	return out
}

func unavailable(asset string, err error) error {
	return &domain.DataUnavailableError{Asset: asset, Err: err}
}

// Static serves whatever was last Set. Used by paper mode and tests.
type Static struct {
	s *store
}

// NewStatic creates an empty static feed keeping history prices per asset
func NewStatic(history int) *Static {
	return &Static{s: newStore(history)}
}

// Set replaces the snapshot of snap.Asset
func (f *Static) Set(snap domain.PositionSnapshot, market risk.MarketContext) {
	f.s.put(snap, market, snap.Timestamp)
}

// Remove forgets an asset
func (f *Static) Remove(asset string) { f.s.remove(asset) }

// Snapshot implements Feed
func (f *Static) Snapshot(ctx context.Context, asset string) (domain.PositionSnapshot, risk.MarketContext, error) {
	if err := ctx.Err(); err != nil {
		return domain.PositionSnapshot{}, risk.MarketContext{}, unavailable(asset, err)
	}
	e, ok, _ := f.s.get(asset)
	if !ok {
		return domain.PositionSnapshot{}, risk.MarketContext{}, unavailable(asset, errNoSnapshot)
	}
	return e.snap, e.market, nil
}

// Prices implements PriceHistory
func (f *Static) Prices() map[string][]float64 { return f.s.history() }

// Overlay replaces the feed quantity of assets with a declared position size
type Overlay struct {
	inner Feed

	mu    sync.RWMutex
	sizes map[string]float64
}

// NewOverlay wraps inner
func NewOverlay(inner Feed) *Overlay {
	return &Overlay{inner: inner, sizes: make(map[string]float64)}
}

// Declare sets the position size reported for asset
func (o *Overlay) Declare(asset string, size float64) {
	o.mu.Lock()
	o.sizes[asset] = size
	o.mu.Unlock()
}

// Clear drops the declared size of asset
func (o *Overlay) Clear(asset string) {
	o.mu.Lock()
	delete(o.sizes, asset)
	o.mu.Unlock()
}

// Snapshot implements Feed
func (o *Overlay) Snapshot(ctx context.Context, asset string) (domain.PositionSnapshot, risk.MarketContext, error) {
	snap, market, err := o.inner.Snapshot(ctx, asset)
	if err != nil {
		return snap, market, err
	}
	o.mu.RLock()
	size, ok := o.sizes[asset]
	o.mu.RUnlock()
	if ok {
		snap = snap.WithQuantity(size)
	}
	return snap, market, nil
}

// Prices implements PriceHistory when the wrapped feed does
func (o *Overlay) Prices() map[string][]float64 {
	if h, ok := o.inner.(PriceHistory); ok {
		return h.Prices()
	}
	return nil
}
