package risk

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hedgerun/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func optionSnap(kind domain.OptionKind, qty, vol float64, expiry time.Time) domain.PositionSnapshot {
	return domain.PositionSnapshot{
		Asset:          "BTC-OPT",
		Instrument:     "BTC-100-C",
		InstrumentType: domain.InstrumentOption,
		Quantity:       qty,
		MarkPrice:      10,
		Timestamp:      t0,
		Option:         &domain.OptionInputs{Strike: 100, Expiry: expiry, ImpliedVol: vol, Kind: kind},
	}
}

func TestBlackScholesReferenceValues(t *testing.T) {
	call := BlackScholes(domain.Call, 100, 100, 1, 0.05, 0.2)
	assert.InDelta(t, 0.6368, call.Delta, 1e-3)
	assert.InDelta(t, 0.01876, call.Gamma, 1e-4)
	assert.InDelta(t, 0.3752, call.Vega, 1e-3)
	assert.InDelta(t, -6.414/365, call.Theta, 1e-4)

	put := BlackScholes(domain.Put, 100, 100, 1, 0.05, 0.2)
	assert.InDelta(t, call.Delta-1, put.Delta, 1e-9)
	assert.InDelta(t, call.Gamma, put.Gamma, 1e-12)
	assert.InDelta(t, -1.658/365, put.Theta, 1e-4)
}

func TestComputeLinearInstrument(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	snap := domain.PositionSnapshot{
		Asset: "BTC-PERP", Instrument: "BTC-PERP", InstrumentType: domain.InstrumentPerp,
		Quantity: -2, MarkPrice: 50000, Timestamp: t0,
	}
	market := MarketContext{Asset: "BTC-PERP", RealizedVol: 0.02 * math.Sqrt(365)}

	vec, err := calc.Compute(snap, market)
	require.NoError(t, err)
	assert.Equal(t, -2.0, vec.Delta)
	assert.Zero(t, vec.Gamma)
	assert.Zero(t, vec.Vega)
	assert.Zero(t, vec.Theta)
	assert.InDelta(t, 2*50000*0.02*1.644854, vec.ValueAtRisk, 0.5)
	assert.Equal(t, t0, vec.Timestamp)
}

func TestComputeOptionScalesByQuantity(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	snap := optionSnap(domain.Call, 3, 0.2, t0.Add(365*24*time.Hour))
	market := MarketContext{UnderlyingPrice: 100, RiskFreeRate: 0.05, RealizedVol: 0.5}

	vec, err := calc.Compute(snap, market)
	require.NoError(t, err)
	ref := BlackScholes(domain.Call, 100, 100, 1, 0.05, 0.2)
	assert.InDelta(t, 3*ref.Delta, vec.Delta, 1e-9)
	assert.InDelta(t, 3*ref.Gamma, vec.Gamma, 1e-9)
	assert.InDelta(t, 3*ref.Vega, vec.Vega, 1e-9)
	assert.InDelta(t, 3*ref.Theta, vec.Theta, 1e-9)
	assert.Greater(t, vec.ValueAtRisk, 0.0)
}

func TestComputeIsDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	snap := optionSnap(domain.Put, -4, 0.6, t0.Add(30*24*time.Hour))
	market := MarketContext{UnderlyingPrice: 95, RiskFreeRate: 0.01, Returns: []float64{0.01, -0.02, 0.015, -0.005}}

	first, err := calc.Compute(snap, market)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := calc.Compute(snap, market)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputeExpiredOption(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	market := MarketContext{UnderlyingPrice: 100, RealizedVol: 0.5}

	for _, qty := range []float64{5, -3} {
		vec, err := calc.Compute(optionSnap(domain.Call, qty, 0.3, t0), market)
		require.NoError(t, err)
		assert.Equal(t, sign(qty), vec.Delta)
		assert.Zero(t, vec.Gamma)
		assert.Zero(t, vec.Vega)
		assert.Zero(t, vec.Theta)
	}
}

func TestComputeRejectsInvalidVolBeforeExpiry(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	market := MarketContext{UnderlyingPrice: 100, RealizedVol: 0.5}

	tests := []struct {
		name string
		vol  float64
		exp  time.Time
	}{
		{"zero vol", 0, t0.Add(24 * time.Hour)},
		{"negative vol", -0.1, t0.Add(24 * time.Hour)},
		{"nan vol", math.NaN(), t0.Add(24 * time.Hour)},
		{"zero vol expired", 0, t0.Add(-time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calc.Compute(optionSnap(domain.Call, 1, tt.vol, tt.exp), market)
			var invalidErr *domain.InvalidMarketDataError
			require.True(t, errors.As(err, &invalidErr))
			assert.Equal(t, "implied_vol", invalidErr.Field)
			assert.True(t, domain.IsCycleSkip(err))
		})
	}
}

func TestComputeInvalidInputs(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	_, err := calc.Compute(domain.PositionSnapshot{Asset: "X", InstrumentType: domain.InstrumentSpot, Quantity: 1}, MarketContext{RealizedVol: 0.5})
	assert.True(t, domain.IsCycleSkip(err), "zero mark price")

	_, err = calc.Compute(domain.PositionSnapshot{Asset: "X", InstrumentType: domain.InstrumentOption, Quantity: 1, MarkPrice: 1}, MarketContext{})
	assert.True(t, domain.IsCycleSkip(err), "missing option inputs")

	_, err = calc.Compute(domain.PositionSnapshot{Asset: "X", InstrumentType: domain.InstrumentSpot, Quantity: 1, MarkPrice: 10}, MarketContext{})
	assert.True(t, domain.IsCycleSkip(err), "no volatility for VaR")
}

func TestForecastVolSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VolSource = VolForecast
	calc := NewCalculator(cfg)

	snap := optionSnap(domain.Call, 1, 0.2, t0.Add(365*24*time.Hour))
	vec, err := calc.Compute(snap, MarketContext{UnderlyingPrice: 100, RiskFreeRate: 0.05, ForecastVol: 0.4})
	require.NoError(t, err)
	ref := BlackScholes(domain.Call, 100, 100, 1, 0.05, 0.4)
	assert.InDelta(t, ref.Delta, vec.Delta, 1e-12)
}

func TestHistoricalVaR(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VaRMethod = VaRHistorical
	cfg.MinHistory = 20
	calc := NewCalculator(cfg)

	returns := make([]float64, 20)
	for i := range returns {
		returns[i] = -0.10 + 0.01*float64(i)
	}
	snap := domain.PositionSnapshot{Asset: "ETH", InstrumentType: domain.InstrumentSpot, Quantity: 10, MarkPrice: 100, Timestamp: t0}

	vec, err := calc.Compute(snap, MarketContext{Returns: returns})
	require.NoError(t, err)
	assert.InDelta(t, 90.5, vec.ValueAtRisk, 1e-6)

	_, err = calc.Compute(snap, MarketContext{Returns: returns[:5]})
	var invalidErr *domain.InvalidMarketDataError
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, "returns", invalidErr.Field)
}

func TestPortfolioGreeks(t *testing.T) {
	p := PortfolioGreeks([]domain.RiskVector{
		{Asset: "ETH", Delta: 2, Gamma: 0.1, ValueAtRisk: 10, Timestamp: t0},
		{Asset: "BTC", Delta: -1, Vega: 3, ValueAtRisk: 20, Timestamp: t0.Add(time.Minute)},
	})
	assert.Equal(t, 1.0, p.Delta)
	assert.Equal(t, 0.1, p.Gamma)
	assert.Equal(t, 3.0, p.Vega)
	assert.Equal(t, 30.0, p.ValueAtRisk)
	assert.Equal(t, []string{"BTC", "ETH"}, p.Assets)
	assert.Equal(t, t0.Add(time.Minute), p.AsOf)
}

func TestPriceChain(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	year := t0.Add(365 * 24 * time.Hour)
	chain := []domain.OptionQuote{
		{Instrument: "BTC-100-C", Kind: domain.Call, Strike: 100, Expiry: year, ImpliedVol: 0.2},
		{Instrument: "BTC-100-P", Kind: domain.Put, Strike: 100, Expiry: year, ImpliedVol: 0.2},
		{Instrument: "BTC-OLD-P", Kind: domain.Put, Strike: 100, Expiry: t0, ImpliedVol: 0.2},
		{Instrument: "BTC-NOVOL-P", Kind: domain.Put, Strike: 100, Expiry: year},
	}
	market := MarketContext{UnderlyingPrice: 100, RiskFreeRate: 0.05}

	priced := calc.PriceChain(chain, market, t0)
	require.Len(t, priced, 2)
	assert.InDelta(t, 0.6368, priced[0].Delta, 1e-3)
	assert.InDelta(t, priced[0].Delta-1, priced[1].Delta, 1e-9)
	assert.Zero(t, chain[0].Delta, "input chain is not modified")

	assert.Nil(t, calc.PriceChain(chain, MarketContext{}, t0))
}
