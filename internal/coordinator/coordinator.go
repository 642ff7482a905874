// Package coordinator runs the single coordination pass of a decision cycle:
// correlation-aware scaling of offsetting hedges across assets and netting of
// actions that target the same instrument.
package coordinator

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/metrics"
)

var netNamespace = uuid.MustParse("0b6d7c2a-91e4-4f3b-8a55-2c7e9d1f4b60")

// Config tunes coordination
type Config struct {
	CorrelationThreshold float64
	MaxMatrixAge         time.Duration
	MinOrderQty          float64
}

// DefaultConfig returns the coordinator defaults
func DefaultConfig() Config {
	return Config{CorrelationThreshold: 0.7, MaxMatrixAge: 15 * time.Minute, MinOrderQty: 1e-6}
}

// Vetoed is an action withdrawn by coordination
type Vetoed struct {
	Action domain.HedgeAction `json:"action"`
	Reason string             `json:"reason"`
}

// Scaled records an action resized by correlation
type Scaled struct {
	ActionID    string  `json:"action_id"`
	Asset       string  `json:"asset"`
	Against     string  `json:"against"`
	Correlation float64 `json:"correlation"`
	Factor      float64 `json:"factor"`
}

// Result is the output of one coordination pass
type Result struct {
	// Actions go to the gateway, sorted by (asset, instrument)
	Actions []domain.HedgeAction
	// Crossed netted to zero and are settled internally without dispatch
	Crossed  []domain.HedgeAction
	Vetoed   []Vetoed
	Scaled   []Scaled
	Warnings []error
	Stale    bool
}

// Coordinator applies cross-asset adjustments to one cycle's proposals
type Coordinator struct {
	cfg     Config
	store   *CorrelationStore
	metrics *metrics.Registry
}

// New creates a coordinator reading correlations from store
func New(cfg Config, store *CorrelationStore, reg *metrics.Registry) *Coordinator {
	def := DefaultConfig()
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = def.CorrelationThreshold
	}
	if cfg.MaxMatrixAge <= 0 {
		cfg.MaxMatrixAge = def.MaxMatrixAge
	}
	if cfg.MinOrderQty <= 0 {
		cfg.MinOrderQty = def.MinOrderQty
	}
	if store == nil {
		store = NewCorrelationStore()
	}
	return &Coordinator{cfg: cfg, store: store, metrics: reg}
}

// Store returns the correlation store
func (c *Coordinator) Store() *CorrelationStore { return c.store }

// Coordinate processes every proposal of one cycle. Input order does not
// affect the result.
func (c *Coordinator) Coordinate(now time.Time, actions []domain.HedgeAction) Result {
	var res Result
	if len(actions) == 0 {
		return res
	}

	work := make([]domain.HedgeAction, len(actions))
	copy(work, actions)
	sortActions(work)

	matrix := c.store.Get()
	age := matrix.Age(now)
	if age > c.cfg.MaxMatrixAge {
		res.Stale = true
		res.Warnings = append(res.Warnings, &domain.StaleCorrelationError{Age: age, MaxAge: c.cfg.MaxMatrixAge})
		log.Warn().Dur("age", age).Dur("max_age", c.cfg.MaxMatrixAge).Msg("Correlation matrix stale, skipping cross-asset scaling")
	}
	c.metrics.ObserveCorrelation(age, res.Stale)

	vetoed := make([]bool, len(work))
	if !res.Stale {
		c.scale(matrix, work, vetoed, &res)
	}

	var kept []domain.HedgeAction
	for i, a := range work {
		if vetoed[i] {
			continue
		}
		kept = append(kept, a)
	}
	c.net(kept, &res)

	sortActions(res.Actions)
	sortActions(res.Crossed)
	return res
}

// scale shrinks the lower-confidence action of every pair of automatic
// hedges whose exposures offset through correlation
func (c *Coordinator) scale(matrix *domain.CorrelationMatrix, work []domain.HedgeAction, vetoed []bool, res *Result) {
	for i := 0; i < len(work); i++ {
		for j := i + 1; j < len(work); j++ {
			if vetoed[i] || vetoed[j] {
				continue
			}
			a, b := &work[i], &work[j]
			if a.Manual || b.Manual || a.Asset == b.Asset {
				continue
			}
			rho, ok := matrix.Get(a.Asset, b.Asset)
			if !ok || math.Abs(rho) < c.cfg.CorrelationThreshold {
				continue
			}
			if rho*a.Side.Sign()*b.Side.Sign() >= 0 {
				continue
			}

			lo, hi := j, i
			if lowerConfidence(*a, *b) {
				lo, hi = i, j
			}
			low, high := &work[lo], &work[hi]
			nLow, nHigh := notional(*low), notional(*high)
			if nLow <= 0 {
				continue
			}
			factor := 1 - math.Abs(rho)*math.Min(nLow, nHigh)/nLow
			if factor < 0 {
				factor = 0
			}
			res.Scaled = append(res.Scaled, Scaled{
				ActionID: low.ID, Asset: low.Asset, Against: high.Asset, Correlation: rho, Factor: factor,
			})
			low.Quantity *= factor
			if low.Quantity < c.cfg.MinOrderQty {
				vetoed[lo] = true
				res.Vetoed = append(res.Vetoed, Vetoed{Action: *low, Reason: "offset by correlated hedge on " + high.Asset})
				c.metrics.ActionVetoed(low.Asset)
				log.Info().Str("asset", low.Asset).Str("against", high.Asset).Float64("rho", rho).Msg("Hedge vetoed by correlation")
				continue
			}
			log.Info().Str("asset", low.Asset).Str("against", high.Asset).Float64("rho", rho).Float64("factor", factor).Msg("Hedge scaled by correlation")
		}
	}
}

// net merges actions on the same instrument into one order with legs
func (c *Coordinator) net(actions []domain.HedgeAction, res *Result) {
	groups := make(map[string][]domain.HedgeAction)
	var order []string
	for _, a := range actions {
		if _, ok := groups[a.Instrument]; !ok {
			order = append(order, a.Instrument)
		}
		groups[a.Instrument] = append(groups[a.Instrument], a)
	}

	for _, instrument := range order {
		group := groups[instrument]
		if len(group) == 1 {
			res.Actions = append(res.Actions, group[0])
			continue
		}

		merged := merge(group)
		if merged.Quantity < c.cfg.MinOrderQty {
			merged.Quantity = 0
			res.Crossed = append(res.Crossed, merged)
			log.Info().Str("instrument", instrument).Int("legs", len(merged.Legs)).Msg("Hedges netted to zero, crossing internally")
			continue
		}
		res.Actions = append(res.Actions, merged)
		log.Info().Str("instrument", instrument).Int("legs", len(merged.Legs)).Float64("net", merged.SignedQuantity()).Msg("Hedges netted")
	}
}

func merge(group []domain.HedgeAction) domain.HedgeAction {
	var net float64
	ids := make([]string, 0, len(group))
	assets := make([]string, 0, len(group))
	legs := make([]domain.Leg, 0, len(group))
	first := group[0]
	out := domain.HedgeAction{
		Asset:           first.Asset,
		Instrument:      first.Instrument,
		VenuePreference: first.VenuePreference,
		ReferencePrice:  first.ReferencePrice,
		ProposedAt:      first.ProposedAt,
	}
	for _, a := range group {
		net += a.SignedQuantity()
		ids = append(ids, a.ID)
		assets = append(assets, a.Asset)
		legs = append(legs, domain.Leg{ActionID: a.ID, Asset: a.Asset, Side: a.Side, Quantity: a.Quantity})
		if a.Confidence > out.Confidence {
			out.Confidence = a.Confidence
		}
		if a.ProposedAt.After(out.ProposedAt) {
			out.ProposedAt = a.ProposedAt
		}
		out.Manual = out.Manual || a.Manual
	}
	out.ID = uuid.NewSHA1(netNamespace, []byte(strings.Join(ids, "|"))).String()
	out.Side = domain.SideFor(net)
	out.Quantity = math.Abs(net)
	out.Legs = legs
	out.Reason = "netted " + strings.Join(assets, ",")
	return out
}

func lowerConfidence(a, b domain.HedgeAction) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence < b.Confidence
	}
	na, nb := notional(a), notional(b)
	if na != nb {
		return na < nb
	}
	return false
}

func notional(a domain.HedgeAction) float64 {
	if a.ReferencePrice > 0 {
		return a.Notional()
	}
	return math.Abs(a.Quantity)
}

func sortActions(actions []domain.HedgeAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Asset != actions[j].Asset {
			return actions[i].Asset < actions[j].Asset
		}
		if actions[i].Instrument != actions[j].Instrument {
			return actions[i].Instrument < actions[j].Instrument
		}
		return actions[i].ID < actions[j].ID
	})
}
