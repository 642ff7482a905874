// Package risk computes the risk vector of a position snapshot: Black-Scholes
// Greeks for options, unit delta for linear instruments, and a parametric or
// historical value-at-risk on the delta-equivalent exposure.
package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
)

const daysPerYear = 365.0

// VaR methods
const (
	VaRParametric = "parametric"
	VaRHistorical = "historical"
)

// Volatility sources for option pricing
const (
	VolImplied  = "implied"
	VolForecast = "forecast"
)

// MarketContext carries the market inputs of one cycle for one asset
type MarketContext struct {
	Asset           string    `json:"asset"`
	UnderlyingPrice float64   `json:"underlying_price"`
	RiskFreeRate    float64   `json:"risk_free_rate"`
	RealizedVol     float64   `json:"realized_vol"`
	Returns         []float64 `json:"returns,omitempty"`
	ForecastVol     float64   `json:"forecast_vol,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	// Chain lists options the engine may hedge with
	Chain []domain.OptionQuote `json:"chain,omitempty"`
}

// Config selects the VaR method and volatility source
type Config struct {
	VaRMethod   string
	Confidence  float64
	HorizonDays float64
	VolSource   string
	MinHistory  int
}

// DefaultConfig returns parametric 1-day VaR at 95% confidence on implied vol
func DefaultConfig() Config {
	return Config{
		VaRMethod:   VaRParametric,
		Confidence:  0.95,
		HorizonDays: 1,
		VolSource:   VolImplied,
		MinHistory:  10,
	}
}

// Calculator computes risk vectors. It holds no mutable state.
type Calculator struct {
	cfg Config
}

// NewCalculator builds a Calculator, filling zero fields from DefaultConfig
func NewCalculator(cfg Config) *Calculator {
	def := DefaultConfig()
	if cfg.VaRMethod == "" {
		cfg.VaRMethod = def.VaRMethod
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = def.Confidence
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	if cfg.VolSource == "" {
		cfg.VolSource = def.VolSource
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = def.MinHistory
	}
	return &Calculator{cfg: cfg}
}

// Config returns the effective configuration
func (c *Calculator) Config() Config { return c.cfg }

// Compute derives the risk vector of snap under market. It is a pure function of its inputs.
func (c *Calculator) Compute(snap domain.PositionSnapshot, market MarketContext) (domain.RiskVector, error) {
	vec := domain.RiskVector{Asset: snap.Asset, Timestamp: snap.Timestamp}
	if !finite(snap.Quantity) {
		return vec, invalid(snap.Asset, "quantity", "is not finite")
	}

	var g Greeks
	switch {
	case snap.InstrumentType.IsLinear():
		if !(snap.MarkPrice > 0) {
			return vec, invalid(snap.Asset, "mark_price", "must be positive")
		}
		g = Greeks{Delta: snap.Quantity}
	case snap.InstrumentType == domain.InstrumentOption:
		var err error
		g, err = c.optionGreeks(snap, market)
		if err != nil {
			return vec, err
		}
	default:
		return vec, invalid(snap.Asset, "instrument_type", fmt.Sprintf("unknown %q", snap.InstrumentType))
	}

	vec.Delta, vec.Gamma, vec.Vega, vec.Theta = g.Delta, g.Gamma, g.Vega, g.Theta

	price := underlying(snap, market)
	if !(price > 0) {
		return vec, invalid(snap.Asset, "underlying_price", "must be positive")
	}
	exposure := vec.Delta * price

	var err error
	switch c.cfg.VaRMethod {
	case VaRHistorical:
		vec.ValueAtRisk, err = c.historicalVaR(snap.Asset, exposure, market.Returns)
	default:
		vec.ValueAtRisk, err = c.parametricVaR(snap.Asset, exposure, market)
	}
	if err != nil {
		return vec, err
	}
	return vec, nil
}

func (c *Calculator) optionGreeks(snap domain.PositionSnapshot, market MarketContext) (Greeks, error) {
	opt := snap.Option
	if opt == nil {
		return Greeks{}, invalid(snap.Asset, "option", "inputs missing")
	}

	sigma := opt.ImpliedVol
	if c.cfg.VolSource == VolForecast && market.ForecastVol > 0 {
		sigma = market.ForecastVol
	}
	// invalid vol wins over expiry
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return Greeks{}, invalid(snap.Asset, "implied_vol", "must be positive")
	}

	t := opt.Expiry.Sub(snap.Timestamp).Hours() / 24 / daysPerYear
	if t <= 0 {
		return Greeks{Delta: sign(snap.Quantity)}, nil
	}

	spot := underlying(snap, market)
	if !(spot > 0) {
		return Greeks{}, invalid(snap.Asset, "underlying_price", "must be positive")
	}
	if !(opt.Strike > 0) {
		return Greeks{}, invalid(snap.Asset, "strike", "must be positive")
	}
	return BlackScholes(opt.Kind, spot, opt.Strike, t, market.RiskFreeRate, sigma).Scale(snap.Quantity), nil
}

// PriceChain returns the live quotes of chain with per-contract Greeks at
// time at. Quotes that are expired or lack a positive strike or implied vol
// are dropped; an unknown underlying price drops the whole chain.
func (c *Calculator) PriceChain(chain []domain.OptionQuote, market MarketContext, at time.Time) []domain.OptionQuote {
	spot := market.UnderlyingPrice
	if !(spot > 0) || len(chain) == 0 {
		return nil
	}
	out := make([]domain.OptionQuote, 0, len(chain))
	for _, q := range chain {
		t := q.Expiry.Sub(at).Hours() / 24 / daysPerYear
		if t <= 0 || !(q.Strike > 0) || !(q.ImpliedVol > 0) || !finite(q.ImpliedVol) {
			continue
		}
		g := BlackScholes(q.Kind, spot, q.Strike, t, market.RiskFreeRate, q.ImpliedVol)
		q.Delta, q.Gamma, q.Vega, q.Theta = g.Delta, g.Gamma, g.Vega, g.Theta
		out = append(out, q)
	}
	return out
}

func (c *Calculator) parametricVaR(asset string, exposure float64, market MarketContext) (float64, error) {
	if exposure == 0 {
		return 0, nil
	}
	daily, err := c.dailyVol(asset, market)
	if err != nil {
		return 0, err
	}
	return math.Abs(exposure) * daily * zScore(c.cfg.Confidence) * math.Sqrt(c.cfg.HorizonDays), nil
}

func (c *Calculator) dailyVol(asset string, market MarketContext) (float64, error) {
	if c.cfg.VolSource == VolForecast && market.ForecastVol > 0 {
		return market.ForecastVol / math.Sqrt(daysPerYear), nil
	}
	if market.RealizedVol > 0 && finite(market.RealizedVol) {
		return market.RealizedVol / math.Sqrt(daysPerYear), nil
	}
	if len(market.Returns) >= 2 {
		if sd := stdev(market.Returns); sd > 0 {
			return sd, nil
		}
	}
	return 0, invalid(asset, "volatility", "no volatility input for VaR")
}

func (c *Calculator) historicalVaR(asset string, exposure float64, returns []float64) (float64, error) {
	if len(returns) < c.cfg.MinHistory {
		return 0, invalid(asset, "returns", fmt.Sprintf("%d samples, need %d", len(returns), c.cfg.MinHistory))
	}
	if exposure == 0 {
		return 0, nil
	}
	scale := math.Sqrt(c.cfg.HorizonDays)
	losses := make([]float64, 0, len(returns))
	for _, r := range returns {
		if !finite(r) {
			return 0, invalid(asset, "returns", "contain non-finite values")
		}
		losses = append(losses, -exposure*r*scale)
	}
	sort.Float64s(losses)
	return math.Max(0, quantile(losses, c.cfg.Confidence)), nil
}

// quantile of sorted values with linear interpolation between order statistics
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func stdev(xs []float64) float64 {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func underlying(snap domain.PositionSnapshot, market MarketContext) float64 {
	if market.UnderlyingPrice > 0 {
		return market.UnderlyingPrice
	}
	if snap.InstrumentType.IsLinear() {
		return snap.MarkPrice
	}
	return 0
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func invalid(asset, field, reason string) error {
	return &domain.InvalidMarketDataError{Asset: asset, Field: field, Reason: reason}
}
