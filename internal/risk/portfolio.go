package risk

import (
	"sort"
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// PortfolioRisk sums the risk vectors of several assets
type PortfolioRisk struct {
	Delta       float64                      `json:"delta"`
	Gamma       float64                      `json:"gamma"`
	Vega        float64                      `json:"vega"`
	Theta       float64                      `json:"theta"`
	ValueAtRisk float64                      `json:"value_at_risk"`
	Assets      []string                     `json:"assets"`
	ByAsset     map[string]domain.RiskVector `json:"by_asset"`
	AsOf        time.Time                    `json:"as_of"`
}

// PortfolioGreeks aggregates vectors. VaR is summed without diversification,
// an upper bound on the portfolio VaR.
func PortfolioGreeks(vectors []domain.RiskVector) PortfolioRisk {
	out := PortfolioRisk{ByAsset: make(map[string]domain.RiskVector, len(vectors))}
	for _, v := range vectors {
		out.Delta += v.Delta
		out.Gamma += v.Gamma
		out.Vega += v.Vega
		out.Theta += v.Theta
		out.ValueAtRisk += v.ValueAtRisk
		if v.Timestamp.After(out.AsOf) {
			out.AsOf = v.Timestamp
		}
		if _, seen := out.ByAsset[v.Asset]; !seen {
			out.Assets = append(out.Assets, v.Asset)
		}
		out.ByAsset[v.Asset] = v
	}
	sort.Strings(out.Assets)
	return out
}
