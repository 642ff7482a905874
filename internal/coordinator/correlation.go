package coordinator

import (
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// CorrelationStore holds the current matrix. Readers always see a whole
// matrix; refreshes swap the pointer.
type CorrelationStore struct {
	current atomic.Pointer[domain.CorrelationMatrix]
}

// NewCorrelationStore returns an empty store
func NewCorrelationStore() *CorrelationStore {
	return &CorrelationStore{}
}

// Get returns the current matrix, nil before the first refresh
func (s *CorrelationStore) Get() *domain.CorrelationMatrix {
	return s.current.Load()
}

// Set replaces the current matrix
func (s *CorrelationStore) Set(m *domain.CorrelationMatrix) {
	s.current.Store(m)
}

// Estimate computes Pearson correlations of simple returns for every pair of
// price series. Series are aligned on their most recent observations; pairs
// with fewer than three common returns are omitted.
func Estimate(asOf time.Time, prices map[string][]float64) *domain.CorrelationMatrix {
	assets := make([]string, 0, len(prices))
	returns := make(map[string][]float64, len(prices))
	for asset, series := range prices {
		assets = append(assets, asset)
		returns[asset] = SimpleReturns(series)
	}
	sort.Strings(assets)

	pairs := make(map[[2]string]float64)
	for i := 0; i < len(assets); i++ {
		for j := i + 1; j < len(assets); j++ {
			a, b := returns[assets[i]], returns[assets[j]]
			n := len(a)
			if len(b) < n {
				n = len(b)
			}
			if n < 3 {
				continue
			}
			rho, ok := pearson(a[len(a)-n:], b[len(b)-n:])
			if !ok {
				continue
			}
			pairs[[2]string{assets[i], assets[j]}] = rho
		}
	}
	return domain.NewCorrelationMatrix(asOf, pairs)
}

// SimpleReturns converts prices into period-over-period returns, skipping
// non-positive prices
func SimpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if !(prev > 0) || !(prices[i] > 0) {
			continue
		}
		out = append(out, prices[i]/prev-1)
	}
	return out
}

func pearson(x, y []float64) (float64, bool) {
	n := float64(len(x))
	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= n
	my /= n

	var sxy, sxx, syy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	return sxy / math.Sqrt(sxx*syy), true
}
