// Package backtest replays recorded position history through the full
// monitoring pipeline against a simulated venue. Replays are deterministic:
// the same input always produces the same trace digest.
package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/clock"
	"github.com/sawpanic/hedgerun/internal/config"
	"github.com/sawpanic/hedgerun/internal/eventlog"
	"github.com/sawpanic/hedgerun/internal/feed"
	"github.com/sawpanic/hedgerun/internal/forecast"
	"github.com/sawpanic/hedgerun/internal/gateway"
	"github.com/sawpanic/hedgerun/internal/gateway/sim"
	"github.com/sawpanic/hedgerun/internal/monitor"
)

const defaultHistory = 256

// Runner replays frames through a synchronous monitoring runtime
type Runner struct {
	cfg     config.Config
	metrics *Metrics
}

// NewRunner creates a runner for cfg
func NewRunner(cfg config.Config) *Runner {
	return &Runner{cfg: cfg, metrics: NewMetrics()}
}

// Run replays frames in order and returns the trace and summary
func (r *Runner) Run(ctx context.Context, frames []Frame) (*Result, error) {
	if len(frames) == 0 {
		return nil, errors.New("no frames to replay")
	}
	assets := Assets(frames)
	r.metrics = NewMetrics()

	cfg := r.cfg
	// configured venue preferences name live venues; every replayed hedge
	// goes to the simulated one
	cfg.Assets = append([]config.Asset(nil), cfg.Assets...)
	for i := range cfg.Assets {
		cfg.Assets[i].Venues = nil
	}
	history := cfg.Feed.History
	if history <= 0 {
		history = defaultHistory
	}
	venueName := cfg.Backtest.Venue
	if venueName == "" {
		venueName = "sim"
	}

	clk := clock.NewManual(frames[0].At)
	replay := feed.NewReplay(history)
	venue := sim.New(sim.Config{Name: venueName, SlippageBps: cfg.Backtest.SlippageBps, FeeBps: cfg.Backtest.FeeBps})

	gw := gateway.New(gateway.Settings(cfg.Gateway), nil)
	gw.SetClock(clk)
	gw.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	gw.Register(venue, gateway.VenueConfig{Rank: 1})

	events := eventlog.NewMemoryLog()
	rt, err := monitor.New(cfg, monitor.Deps{
		Feed:       replay,
		Forecaster: forecast.NewEWMA(cfg.Risk.EWMALambda),
		Executor:   gw,
		Events:     events,
		Clock:      clk,
	}, monitor.Synchronous())
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		if _, err := rt.Monitor(ctx, monitor.MonitorRequest{Asset: a}); err != nil {
			return nil, fmt.Errorf("monitor %s: %w", a, err)
		}
	}

	log.Info().Int("frames", len(frames)).Strs("assets", assets).Str("venue", venueName).Msg("Starting replay")
	for i, fr := range frames {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("replay interrupted at frame %d: %w", i, err)
		}
		clk.Set(fr.At)
		replay.Advance(fr.Observations)
		for _, o := range fr.Observations {
			venue.SetPrice(o.Snapshot.Instrument, o.Snapshot.MarkPrice)
		}
		rt.RefreshCorrelations()
		r.metrics.RecordCycle(rt.RunCycle(ctx))

		if (i+1)%500 == 0 {
			log.Debug().Int("frame", i+1).Int("of", len(frames)).Time("at", fr.At).Msg("Replay progress")
		}
	}

	trace, err := events.Read(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	summary := r.metrics.Summary()
	summary.Assets = assets
	summary.Events = len(trace)
	summary.Ledger = venue.Ledger().Summary()
	summary.FinalStates = rt.Engine().States()
	if summary.Digest, err = Digest(trace); err != nil {
		return nil, err
	}

	log.Info().Int("frames", summary.Frames).Int("dispatched", summary.Dispatched).
		Str("fees", summary.Ledger.Fees).Str("digest", summary.Digest).Msg("Replay complete")
	return &Result{Summary: summary, Frames: r.metrics.Frames(), Trace: trace}, nil
}

// Digest is the SHA-256 of the trace encoded as JSON lines
func Digest(trace []eventlog.Event) (string, error) {
	h := sha256.New()
	for _, ev := range trace {
		data, err := json.Marshal(ev)
		if err != nil {
			return "", fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		h.Write(data)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
