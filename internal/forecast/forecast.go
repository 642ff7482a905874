// Package forecast defines the volatility forecast contract and an EWMA
// forecaster that also emits a hedge-timing hint.
package forecast

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Hint is a hedge-timing recommendation
type Hint string

const (
	HintNone    Hint = ""
	HintRising  Hint = "volatility_rising"
	HintFalling Hint = "volatility_falling"
)

// Forecast is the output of a volatility model for one asset
type Forecast struct {
	Asset      string    `json:"asset"`
	Volatility float64   `json:"volatility"` // annualized
	Hint       Hint      `json:"hint,omitempty"`
	AsOf       time.Time `json:"as_of"`
}

// Forecaster produces a volatility forecast from recent simple returns
type Forecaster interface {
	Forecast(ctx context.Context, asset string, returns []float64, at time.Time) (Forecast, error)
}

// EWMA is a RiskMetrics style exponentially weighted variance model
type EWMA struct {
	Lambda       float64
	RisingRatio  float64
	FallingRatio float64
	MinSamples   int
}

// NewEWMA returns an EWMA forecaster with the given decay
func NewEWMA(lambda float64) *EWMA {
	if lambda <= 0 || lambda >= 1 {
		lambda = 0.94
	}
	return &EWMA{Lambda: lambda, RisingRatio: 1.1, FallingRatio: 0.9, MinSamples: 5}
}

// Forecast implements Forecaster
func (e *EWMA) Forecast(ctx context.Context, asset string, returns []float64, at time.Time) (Forecast, error) {
	if err := ctx.Err(); err != nil {
		return Forecast{}, err
	}
	if len(returns) < e.MinSamples || len(returns) < 2 {
		return Forecast{}, fmt.Errorf("forecast %s: %d returns, need %d", asset, len(returns), e.MinSamples)
	}

	variance := returns[0] * returns[0]
	var sumSq float64
	for i, r := range returns {
		sumSq += r * r
		if i > 0 {
			variance = e.Lambda*variance + (1-e.Lambda)*r*r
		}
	}
	longRun := sumSq / float64(len(returns))

	out := Forecast{Asset: asset, Volatility: math.Sqrt(variance * 365), AsOf: at}
	if longRun > 0 {
		ratio := math.Sqrt(variance / longRun)
		switch {
		case ratio > e.RisingRatio:
			out.Hint = HintRising
		case ratio < e.FallingRatio:
			out.Hint = HintFalling
		}
	}
	return out, nil
}

// Static serves fixed forecasts, keyed by asset
type Static map[string]Forecast

// Forecast implements Forecaster
func (s Static) Forecast(ctx context.Context, asset string, _ []float64, at time.Time) (Forecast, error) {
	f, ok := s[asset]
	if !ok {
		return Forecast{}, fmt.Errorf("no forecast for %s", asset)
	}
	f.Asset = asset
	if f.AsOf.IsZero() {
		f.AsOf = at
	}
	return f, nil
}
