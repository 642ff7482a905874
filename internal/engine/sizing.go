package engine

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// Breach describes the metric that triggered a proposal
type Breach struct {
	Metric    domain.Metric `json:"metric"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Ratio     float64       `json:"ratio"`
	Cooldown  time.Duration `json:"-"`
}

// exposure is the view of one asset the thresholds are evaluated against
type exposure struct {
	// netDelta is in hedge instrument units: beta x position delta plus fills
	netDelta float64
	// position is the held quantity net of fills on the position's instrument
	position float64
	net      domain.RiskVector
	values   map[domain.Metric]float64
}

// measure nets the engine's own fills into the reported risk. Fills on the
// position's instrument shrink the position; fills on the hedge instrument
// count as delta; option hedges add their per-contract Greeks from the chain.
func measure(in Input, st domain.HedgeState, binding Binding) exposure {
	vec := in.Vector
	qty := in.Snapshot.Quantity

	if own, ok := st.Positions[in.Snapshot.Instrument]; ok && qty != 0 {
		f := (qty + own.Quantity) / qty
		vec.Delta *= f
		vec.Gamma *= f
		vec.Vega *= f
		vec.Theta *= f
		vec.ValueAtRisk *= math.Abs(f)
		qty += own.Quantity
	}

	gross := beta(binding) * vec.Delta
	d := gross + st.AccumulatedExposure

	instruments := make([]string, 0, len(st.Positions))
	for inst := range st.Positions {
		if inst != in.Snapshot.Instrument {
			instruments = append(instruments, inst)
		}
	}
	sort.Strings(instruments)
	for _, inst := range instruments {
		q, ok := quoteFor(in.Chain, inst)
		if !ok {
			log.Debug().Str("asset", st.Asset).Str("instrument", inst).Msg("Hedge option missing from chain, not netted")
			continue
		}
		n := st.Positions[inst].Quantity
		d += n * q.Delta
		vec.Gamma += n * q.Gamma
		vec.Vega += n * q.Vega
		vec.Theta += n * q.Theta
	}

	if d != gross && gross != 0 {
		vec.ValueAtRisk = vec.ValueAtRisk * math.Abs(d) / math.Abs(gross)
	}
	vec.Delta = d

	return exposure{
		netDelta: d,
		position: qty,
		net:      vec,
		values: map[domain.Metric]float64{
			domain.MetricDelta: math.Abs(d),
			domain.MetricGamma: math.Abs(vec.Gamma),
			domain.MetricVega:  math.Abs(vec.Vega),
			domain.MetricTheta: math.Abs(vec.Theta),
			domain.MetricVaR:   math.Abs(vec.ValueAtRisk),
		},
	}
}

func beta(b Binding) float64 {
	if b.Beta > 0 {
		return b.Beta
	}
	return 1
}

// worst returns the breach with the largest ratio, ties resolved by metric
// order, plus the largest ratio seen over all thresholds
func worst(exp exposure, thresholds []domain.ThresholdConfig) (*Breach, float64) {
	byMetric := make(map[domain.Metric]domain.ThresholdConfig, len(thresholds))
	for _, t := range thresholds {
		byMetric[t.Metric] = t
	}

	var best *Breach
	var maxRatio float64
	for _, m := range domain.Metrics {
		t, ok := byMetric[m]
		if !ok || !(t.MaxAbsValue > 0) {
			continue
		}
		v := exp.values[m]
		ratio := v / t.MaxAbsValue
		if ratio > maxRatio {
			maxRatio = ratio
		}
		if v <= t.MaxAbsValue {
			continue
		}
		if best == nil || ratio > best.Ratio {
			best = &Breach{Metric: m, Value: v, Threshold: t.MaxAbsValue, Ratio: ratio, Cooldown: t.CooldownPeriod}
		}
	}
	return best, maxRatio
}

// order is the sized hedge before it becomes an action
type order struct {
	instrument string
	side       domain.Side
	quantity   float64
	// price and expiry are set for option hedges
	price  float64
	expiry time.Time
}

// size computes the order that brings the breaching metric to buffer x threshold
func size(b Breach, exp exposure, in Input, binding Binding, buffer float64) order {
	target := buffer * b.Threshold
	switch b.Metric {
	case domain.MetricDelta:
		return deltaOrder(math.Abs(exp.netDelta)-target, exp.netDelta, in, binding)
	case domain.MetricVaR:
		f := 1 - target/b.Value
		return deltaOrder(f*math.Abs(exp.netDelta), exp.netDelta, in, binding)
	default:
		f := 1 - target/b.Value
		return order{
			instrument: in.Snapshot.Instrument,
			side:       domain.SideFor(-exp.position),
			quantity:   f * math.Abs(exp.position),
		}
	}
}

// deltaOrder removes qty units of delta from net delta d, on the hedge
// instrument or on an option picked by the asset's strategy
func deltaOrder(qty, d float64, in Input, binding Binding) order {
	if binding.Strategy != StrategyPerpetual && binding.Strategy != "" && qty > 0 {
		if q, ok := selectOption(binding, d, in); ok {
			return order{
				instrument: q.Instrument,
				side:       domain.SideFor(-d * q.Delta),
				quantity:   qty / math.Abs(q.Delta),
				price:      q.Price,
				expiry:     q.Expiry,
			}
		}
		log.Debug().Str("asset", in.Snapshot.Asset).Str("strategy", string(binding.Strategy)).
			Msg("No eligible option in chain, hedging on the hedge instrument")
	}
	return order{instrument: binding.HedgeInstrument, side: domain.SideFor(-d), quantity: qty}
}

// minOptionDelta keeps deep out-of-the-money options from turning a small
// delta into a huge contract count
const minOptionDelta = 0.05

// selectOption picks the out-of-the-money option nearest the spot price that
// expires within the binding's window. A protective strategy buys puts
// against long delta and calls against short delta; a covered strategy sells
// calls against long delta and puts against short delta.
func selectOption(binding Binding, d float64, in Input) (domain.OptionQuote, bool) {
	spot := in.UnderlyingPrice
	if !(spot > 0) || d == 0 {
		return domain.OptionQuote{}, false
	}
	var kind domain.OptionKind
	switch binding.Strategy {
	case StrategyProtectivePut:
		kind = domain.Put
		if d < 0 {
			kind = domain.Call
		}
	case StrategyCoveredCall:
		kind = domain.Call
		if d < 0 {
			kind = domain.Put
		}
	default:
		return domain.OptionQuote{}, false
	}

	window := binding.MaxExpiry
	if window <= 0 {
		window = DefaultMaxExpiry
	}
	var best domain.OptionQuote
	found := false
	for _, q := range in.Chain {
		if q.Kind != kind || !q.Expiry.After(in.Now) || q.Expiry.After(in.Now.Add(window)) {
			continue
		}
		if !(q.Price > 0) || math.Abs(q.Delta) < minOptionDelta {
			continue
		}
		if (kind == domain.Put && q.Strike >= spot) || (kind == domain.Call && q.Strike <= spot) {
			continue
		}
		if !found || better(q, best, spot) {
			best, found = q, true
		}
	}
	return best, found
}

func better(a, b domain.OptionQuote, spot float64) bool {
	da, db := math.Abs(a.Strike-spot), math.Abs(b.Strike-spot)
	if da != db {
		return da < db
	}
	if !a.Expiry.Equal(b.Expiry) {
		return a.Expiry.Before(b.Expiry)
	}
	return a.Instrument < b.Instrument
}

func quoteFor(chain []domain.OptionQuote, instrument string) (domain.OptionQuote, bool) {
	for _, q := range chain {
		if q.Instrument == instrument {
			return q, true
		}
	}
	return domain.OptionQuote{}, false
}
