// Package gateway routes hedge actions to execution venues with rate
// limiting, per-venue circuit breakers, bounded call timeouts, retries with
// exponential backoff and failover across the venue ranking.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/hedgerun/internal/clock"
	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/metrics"
	"github.com/sawpanic/hedgerun/internal/net/ratelimit"
)

var (
	errUnhealthy  = errors.New("venue unhealthy")
	errNoVenue    = errors.New("no registered venue")
	errCancelled  = errors.New("submission cancelled")
	errFillExceed = errors.New("fill exceeds order quantity")
)

// Config bounds retries and timeouts
type Config struct {
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	CallTimeout   time.Duration
	HealthTimeout time.Duration
}

// DefaultConfig returns the gateway defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		BaseBackoff:   200 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		CallTimeout:   3 * time.Second,
		HealthTimeout: time.Second,
	}
}

// BreakerConfig configures the circuit breaker of one venue
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// VenueConfig describes how a venue is registered
type VenueConfig struct {
	Rank    int
	Limit   ratelimit.Limit
	Breaker BreakerConfig
}

type venueEntry struct {
	venue   Venue
	rank    int
	breaker *gobreaker.CircuitBreaker
}

type inflight struct {
	cancel  context.CancelFunc
	venue   string
	orderID string
}

// Gateway is the uniform execution surface used by the runtime and backtest
type Gateway struct {
	cfg     Config
	limiter *ratelimit.Limiter
	metrics *metrics.Registry
	clock   clock.Clock
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	venues   map[string]*venueEntry
	inflight map[string]*inflight
}

// New creates a gateway with no venues
func New(cfg Config, reg *metrics.Registry) *Gateway {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	return &Gateway{
		cfg:      cfg,
		limiter:  ratelimit.NewLimiter(ratelimit.Limit{}),
		metrics:  reg,
		clock:    clock.Real{},
		sleep:    sleepCtx,
		venues:   make(map[string]*venueEntry),
		inflight: make(map[string]*inflight),
	}
}

// SetClock replaces the clock used to stamp results
func (g *Gateway) SetClock(c clock.Clock) { g.clock = c }

// SetSleep replaces the backoff sleeper
func (g *Gateway) SetSleep(fn func(ctx context.Context, d time.Duration) error) { g.sleep = fn }

// Register adds a venue under its name
func (g *Gateway) Register(v Venue, vc VenueConfig) {
	name := v.Name()
	g.limiter.Configure(name, vc.Limit)

	bc := vc.Breaker
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		// rejections and caller cancellations say nothing about venue health
		IsSuccessful: func(err error) bool {
			return err == nil || domain.KindOf(err) == domain.KindRejected || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(venue string, from, to gobreaker.State) {
			log.Warn().Str("venue", venue).Str("from", from.String()).Str("to", to.String()).Msg("Venue breaker changed state")
			g.metrics.SetBreakerState(venue, breakerOrdinal(to))
		},
	}

	g.mu.Lock()
	g.venues[name] = &venueEntry{venue: v, rank: vc.Rank, breaker: gobreaker.NewCircuitBreaker(settings)}
	g.mu.Unlock()
	g.metrics.SetBreakerState(name, 0)
}

// Venues lists registered venue names in rank order
func (g *Gateway) Venues() []string {
	entries := g.ranked()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.venue.Name()
	}
	return out
}

// Health reports whether venue is usable: breaker not open and status answering in time
func (g *Gateway) Health(ctx context.Context, venue string) bool {
	g.mu.RLock()
	e, ok := g.venues[venue]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return g.healthy(ctx, e) == nil
}

func (g *Gateway) healthy(ctx context.Context, e *venueEntry) error {
	if e.breaker.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	hctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.venue.Status(hctx) }()
	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return hctx.Err()
	}
}

// Submit executes action and always returns a terminal result
func (g *Gateway) Submit(ctx context.Context, action domain.HedgeAction) domain.ExecutionResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	track := g.track(action.ID, cancel)
	defer g.untrack(action.ID)

	result := domain.ExecutionResult{ActionID: action.ID, Asset: action.Asset}
	venues := g.route(ctx, action)
	if len(venues) == 0 {
		return g.fail(result, domain.NewExecutionError(domain.KindConnectivityLost, "", errNoVenue))
	}

	var lastErr error
	for _, e := range venues {
		name := e.venue.Name()
		if err := g.healthy(ctx, e); err != nil {
			log.Warn().Str("venue", name).Str("action", action.ID).Err(err).Msg("Skipping unhealthy venue")
			lastErr = domain.NewExecutionError(domain.KindConnectivityLost, name, fmt.Errorf("%w: %v", errUnhealthy, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		for try := 0; try <= g.cfg.MaxRetries; try++ {
			if try > 0 {
				if err := g.sleep(ctx, g.backoff(try-1)); err != nil {
					lastErr = g.classify(name, err)
					break
				}
			}
			result.Attempts++
			order := Order{
				ID:             fmt.Sprintf("%s-%d", action.ID, result.Attempts),
				ActionID:       action.ID,
				Instrument:     action.Instrument,
				Side:           action.Side,
				Quantity:       action.Quantity,
				ReferencePrice: action.ReferencePrice,
			}
			g.setOrder(track, name, order.ID)

			start := time.Now()
			fill, err := g.attempt(ctx, e, order)
			if err == nil {
				g.metrics.ExecutionAttempt(name, "filled", time.Since(start))
				return g.filled(result, name, order, fill)
			}

			lastErr = err
			kind := domain.KindOf(err)
			g.metrics.ExecutionAttempt(name, string(kind), time.Since(start))
			log.Debug().Str("venue", name).Str("action", action.ID).Int("attempt", result.Attempts).
				Str("kind", string(kind)).Err(err).Msg("Venue attempt failed")
			if !kind.Retryable() || ctx.Err() != nil || errors.Is(err, gobreaker.ErrOpenState) {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return g.fail(result, lastErr)
}

// attempt runs one rate-limited, breaker-guarded, time-bounded submission
func (g *Gateway) attempt(ctx context.Context, e *venueEntry, order Order) (Fill, error) {
	name := e.venue.Name()
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	if err := g.limiter.Wait(callCtx, name); err != nil {
		if ctx.Err() != nil {
			return Fill{}, g.classify(name, ctx.Err())
		}
		return Fill{}, domain.NewExecutionError(domain.KindRateLimited, name, err)
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		done := make(chan struct {
			fill Fill
			err  error
		}, 1)
		go func() {
			f, err := e.venue.Submit(callCtx, order)
			done <- struct {
				fill Fill
				err  error
			}{f, err}
		}()
		select {
		case r := <-done:
			if r.err != nil {
				return nil, g.classify(name, r.err)
			}
			return r.fill, nil
		case <-callCtx.Done():
			return nil, g.classify(name, callCtx.Err())
		}
	})
	if err != nil {
		return Fill{}, g.classify(name, err)
	}
	return out.(Fill), nil
}

// classify maps any error onto the execution taxonomy
func (g *Gateway) classify(venue string, err error) error {
	var execErr *domain.ExecutionError
	switch {
	case errors.As(err, &execErr):
		if execErr.Venue == "" {
			execErr.Venue = venue
		}
		return execErr
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewExecutionError(domain.KindTimeout, venue, err)
	case errors.Is(err, context.Canceled):
		return domain.NewExecutionError(domain.KindRejected, venue, fmt.Errorf("%w: %v", errCancelled, err))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return domain.NewExecutionError(domain.KindConnectivityLost, venue, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.NewExecutionError(domain.KindTimeout, venue, err)
		}
		return domain.NewExecutionError(domain.KindConnectivityLost, venue, err)
	}
	// Only a venue that says so rejects an order; anything untyped is retried.
	return domain.NewExecutionError(domain.KindConnectivityLost, venue, err)
}

func (g *Gateway) filled(result domain.ExecutionResult, venue string, order Order, fill Fill) domain.ExecutionResult {
	result.Venue = venue
	result.FilledQuantity = fill.Quantity
	result.AveragePrice = fill.AveragePrice
	result.CompletedAt = g.clock.Now()
	switch {
	case fill.Quantity > order.Quantity*(1+1e-9):
		log.Error().Str("venue", venue).Str("action", order.ActionID).Float64("filled", fill.Quantity).
			Float64("ordered", order.Quantity).Msg("Venue reported overfill")
		result.Status = domain.StatusFilled
		result.Error = errFillExceed.Error()
	case fill.Quantity >= order.Quantity*(1-1e-9):
		result.Status = domain.StatusFilled
	case fill.Quantity > 0:
		result.Status = domain.StatusPartial
	default:
		return g.fail(result, domain.NewExecutionError(domain.KindRejected, venue, errors.New("zero fill")))
	}
	g.metrics.ExecutionResult(string(result.Status), "")
	log.Info().Str("venue", venue).Str("action", order.ActionID).Str("status", string(result.Status)).
		Float64("qty", fill.Quantity).Float64("price", fill.AveragePrice).Int("attempts", result.Attempts).Msg("Hedge executed")
	return result
}

func (g *Gateway) fail(result domain.ExecutionResult, err error) domain.ExecutionResult {
	if err == nil {
		err = domain.NewExecutionError(domain.KindConnectivityLost, "", errNoVenue)
	}
	var execErr *domain.ExecutionError
	if errors.As(err, &execErr) {
		result.Venue = execErr.Venue
	}
	result.Status = domain.StatusFailed
	result.FilledQuantity = 0
	result.ErrorKind = domain.KindOf(err)
	if result.ErrorKind == domain.KindNone {
		result.ErrorKind = domain.KindConnectivityLost
	}
	result.Error = err.Error()
	result.CompletedAt = g.clock.Now()
	g.metrics.ExecutionResult(string(result.Status), string(result.ErrorKind))
	log.Error().Str("action", result.ActionID).Str("asset", result.Asset).Str("error_kind", string(result.ErrorKind)).
		Int("attempts", result.Attempts).Err(err).Msg("Hedge execution failed")
	return result
}

// Cancel aborts an in-flight submission and asks the venue to cancel the
// last order sent for it. It returns false when nothing is in flight.
func (g *Gateway) Cancel(ctx context.Context, actionID string) bool {
	g.mu.RLock()
	f, ok := g.inflight[actionID]
	var venueName, orderID string
	if ok {
		venueName, orderID = f.venue, f.orderID
	}
	var e *venueEntry
	if venueName != "" {
		e = g.venues[venueName]
	}
	g.mu.RUnlock()
	if !ok {
		return false
	}

	f.cancel()
	if e != nil && orderID != "" {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		if err := e.venue.Cancel(cctx, orderID); err != nil {
			log.Warn().Str("venue", venueName).Str("order", orderID).Err(err).Msg("Venue cancel failed")
		}
	}
	log.Info().Str("action", actionID).Msg("Submission cancelled")
	return true
}

// route returns the venues to try, in order
func (g *Gateway) route(ctx context.Context, action domain.HedgeAction) []*venueEntry {
	if len(action.VenuePreference) > 0 {
		g.mu.RLock()
		defer g.mu.RUnlock()
		out := make([]*venueEntry, 0, len(action.VenuePreference))
		seen := make(map[string]bool)
		for _, name := range action.VenuePreference {
			if e, ok := g.venues[name]; ok && !seen[name] {
				out = append(out, e)
				seen[name] = true
			}
		}
		return out
	}

	entries := g.ranked()
	costs := make(map[string]float64, len(entries))
	for _, e := range entries {
		costs[e.venue.Name()] = g.cost(ctx, e, action)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return costs[entries[i].venue.Name()] < costs[entries[j].venue.Name()]
	})
	return entries
}

// cost is the signed quoted price; lower is better for either side
func (g *Gateway) cost(ctx context.Context, e *venueEntry, action domain.HedgeAction) float64 {
	q, ok := e.venue.(Quoter)
	if !ok {
		return math.Inf(1)
	}
	qctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
	defer cancel()
	price, err := q.Quote(qctx, action.Instrument, action.Side, action.Quantity)
	if err != nil || !(price > 0) {
		return math.Inf(1)
	}
	return action.Side.Sign() * price
}

func (g *Gateway) ranked() []*venueEntry {
	g.mu.RLock()
	out := make([]*venueEntry, 0, len(g.venues))
	for _, e := range g.venues {
		out = append(out, e)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].venue.Name() < out[j].venue.Name()
	})
	return out
}

func (g *Gateway) backoff(n int) time.Duration {
	d := g.cfg.BaseBackoff << uint(n)
	if d <= 0 || d > g.cfg.MaxBackoff {
		return g.cfg.MaxBackoff
	}
	return d
}

func (g *Gateway) track(actionID string, cancel context.CancelFunc) *inflight {
	f := &inflight{cancel: cancel}
	g.mu.Lock()
	g.inflight[actionID] = f
	g.mu.Unlock()
	return f
}

func (g *Gateway) untrack(actionID string) {
	g.mu.Lock()
	delete(g.inflight, actionID)
	g.mu.Unlock()
}

func (g *Gateway) setOrder(f *inflight, venue, orderID string) {
	g.mu.Lock()
	f.venue, f.orderID = venue, orderID
	g.mu.Unlock()
}

func breakerOrdinal(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
