package risk

import (
	"math"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// Greeks of one option contract. Vega is per vol point, theta per calendar day.
type Greeks struct {
	Delta float64
	Gamma float64
	Vega  float64
	Theta float64
}

// Scale multiplies every sensitivity by qty
func (g Greeks) Scale(qty float64) Greeks {
	return Greeks{Delta: g.Delta * qty, Gamma: g.Gamma * qty, Vega: g.Vega * qty, Theta: g.Theta * qty}
}

// BlackScholes returns the per-contract Greeks of a European option.
// t is the time to expiry in years and must be positive, as must sigma, spot and strike.
func BlackScholes(kind domain.OptionKind, spot, strike, t, rate, sigma float64) Greeks {
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (rate+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	pdf := normPDF(d1)
	discount := math.Exp(-rate * t)

	g := Greeks{
		Gamma: pdf / (spot * sigma * sqrtT),
		Vega:  spot * pdf * sqrtT / 100,
	}
	decay := -spot * pdf * sigma / (2 * sqrtT)
	if kind == domain.Put {
		g.Delta = normCDF(d1) - 1
		g.Theta = (decay + rate*strike*discount*normCDF(-d2)) / daysPerYear
	} else {
		g.Delta = normCDF(d1)
		g.Theta = (decay - rate*strike*discount*normCDF(d2)) / daysPerYear
	}
	return g
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// zScore is the standard normal quantile for confidence c
func zScore(c float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*c-1)
}
