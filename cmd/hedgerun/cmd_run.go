package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/hedgerun/internal/clock"
	"github.com/sawpanic/hedgerun/internal/config"
	"github.com/sawpanic/hedgerun/internal/eventlog"
	"github.com/sawpanic/hedgerun/internal/feed"
	"github.com/sawpanic/hedgerun/internal/forecast"
	"github.com/sawpanic/hedgerun/internal/gateway"
	"github.com/sawpanic/hedgerun/internal/gateway/sim"
	"github.com/sawpanic/hedgerun/internal/interfaces/alerts"
	httpapi "github.com/sawpanic/hedgerun/internal/interfaces/http"
	"github.com/sawpanic/hedgerun/internal/metrics"
	"github.com/sawpanic/hedgerun/internal/monitor"
	"github.com/sawpanic/hedgerun/internal/persistence"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor positions and execute hedges",
		Long: `Starts the monitoring loop, the execution gateway and the operator HTTP
surface. Persisted hedge states are restored before the first cycle.`,
		RunE: runMonitor,
	}
	cmd.Flags().String("http-addr", "", "Override app.http_addr")
	cmd.Flags().String("alerts", "", "Append operator alerts as JSON lines to this file")
	cmd.Flags().String("alert-priority", string(alerts.PriorityMedium), "Lowest alert priority written (HIGH|MEDIUM|LOW)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.App.LogLevel = lvl
	}
	setLevel(cfg.App.LogLevel)
	return cfg, nil
}

// runMonitor wires every component and blocks until SIGINT/SIGTERM
func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.App.HTTPAddr = addr
	}
	runID := cfg.App.InstanceID
	if runID == "" {
		runID = uuid.New().String()
	}
	log.Logger = log.With().Str("run_id", runID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeCloser, err := persistence.Open(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("open hedge state store: %w", err)
	}
	defer storeCloser.Close()
	check := persistence.Check(ctx, cfg.Persistence.Backend, store)
	log.Info().Str("backend", check.Backend).Bool("healthy", check.Healthy).Msg("Hedge state store ready")

	events, eventsCloser, err := eventlog.Open(cfg.Events)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventsCloser.Close()

	reg := metrics.NewRegistry()
	gw := gateway.New(gateway.Settings(cfg.Gateway), reg)
	for _, v := range cfg.Gateway.Venues {
		gw.Register(sim.New(sim.Config{Name: v.Name, SlippageBps: v.SlippageBps, FeeBps: v.FeeBps}), gateway.VenueSettings(v))
	}
	if len(cfg.Gateway.Venues) == 0 {
		log.Warn().Msg("No venues configured, every hedge will fail")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// the first component to fail cancels the rest
	g, ctx := errgroup.WithContext(ctx)

	var source feed.Feed
	switch cfg.Feed.Kind {
	case "websocket":
		ws := feed.NewWebsocket(feed.WebsocketConfig{
			URL:           cfg.Feed.URL,
			ReconnectWait: cfg.Feed.ReconnectWait,
			MaxStaleness:  cfg.Feed.MaxStaleness,
			History:       cfg.Feed.History,
		})
		g.Go(func() error { return ws.Run(ctx) })
		source = ws
	default:
		log.Warn().Msg("Static feed: positions come only from declared sizes")
		source = feed.NewStatic(cfg.Feed.History)
	}

	rt, err := monitor.New(*cfg, monitor.Deps{
		Feed:       source,
		Forecaster: forecast.NewEWMA(cfg.Risk.EWMALambda),
		Executor:   gw,
		Store:      store,
		Events:     events,
		Metrics:    reg,
		Clock:      clock.Real{},
	})
	if err != nil {
		return err
	}
	if err := rt.Restore(ctx); err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("alerts"); path != "" {
		w, err := openAppend(path)
		if err != nil {
			return err
		}
		defer w.Close()
		prio, _ := cmd.Flags().GetString("alert-priority")
		emitter := alerts.NewEmitter(w, alerts.Priority(prio))
		consumer := eventlog.NewConsumer(events, 0, 100, time.Second, emitter.Handle)
		g.Go(func() error { return consumer.Run(ctx) })
	}

	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:         cfg.App.HTTPAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		Version:      version,
	}, httpapi.Deps{Control: rt, Venues: gw, Metrics: reg.Handler()})
	if err != nil {
		return err
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return rt.Run(ctx) })

	log.Info().Str("http", cfg.App.HTTPAddr).Int("venues", len(cfg.Gateway.Venues)).
		Strs("assets", rt.Engine().Assets()).Msg("hedgerun started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("hedgerun stopped")
	return nil
}

func openAppend(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create alerts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open alerts file: %w", err)
	}
	return f, nil
}
