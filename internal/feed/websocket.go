package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/hedgerun/internal/clock"
	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/risk"
)

// Message is the JSON document pushed by the position service, one per
// asset update
type Message struct {
	domain.PositionSnapshot
	UnderlyingPrice float64 `json:"underlying_price,omitempty"`
	RealizedVol     float64 `json:"realized_vol,omitempty"`
	RiskFreeRate    float64 `json:"risk_free_rate,omitempty"`
	ForecastVol     float64 `json:"forecast_vol,omitempty"`
	// Chain is the option chain available for hedging the asset
	Chain []domain.OptionQuote `json:"chain,omitempty"`
}

// Market extracts the market context carried by the message
func (m Message) Market() risk.MarketContext {
	return risk.MarketContext{
		Asset:           m.Asset,
		UnderlyingPrice: m.UnderlyingPrice,
		RealizedVol:     m.RealizedVol,
		RiskFreeRate:    m.RiskFreeRate,
		ForecastVol:     m.ForecastVol,
		Timestamp:       m.Timestamp,
		Chain:           m.Chain,
	}
}

// WebsocketConfig configures a push feed
type WebsocketConfig struct {
	URL           string
	ReconnectWait time.Duration
	MaxReconnect  time.Duration
	MaxStaleness  time.Duration
	History       int
}

// Websocket subscribes to a position service and keeps the latest snapshot
// per asset. Snapshot blocks until a fresh update arrives or ctx expires.
type Websocket struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
	clock  clock.Clock
	s      *store
}

// NewWebsocket creates a feed; call Run to connect
func NewWebsocket(cfg WebsocketConfig) *Websocket {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 30 * time.Second
	}
	return &Websocket{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		clock:  clock.Real{},
		s:      newStore(cfg.History),
	}
}

// SetClock overrides the clock used to judge staleness
func (w *Websocket) SetClock(c clock.Clock) { w.clock = c }

// Run reads updates until ctx is cancelled, reconnecting with exponential
// backoff after every disconnect
func (w *Websocket) Run(ctx context.Context) error {
	wait := w.cfg.ReconnectWait
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			wait = w.cfg.ReconnectWait
		}
		log.Warn().Err(err).Str("url", w.cfg.URL).Dur("retry_in", wait).Msg("Position feed disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > w.cfg.MaxReconnect {
			wait = w.cfg.MaxReconnect
		}
	}
}

func (w *Websocket) session(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	defer conn.Close()
	log.Info().Str("url", w.cfg.URL).Msg("Position feed connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	received := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if received > 0 {
				// a productive session resets the backoff
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed position update")
			continue
		}
		if msg.Asset == "" {
			log.Warn().Msg("Dropping position update without asset")
			continue
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = w.clock.Now()
		}
		w.s.put(msg.PositionSnapshot, msg.Market(), w.clock.Now())
		received++
	}
}

// Snapshot implements Feed
func (w *Websocket) Snapshot(ctx context.Context, asset string) (domain.PositionSnapshot, risk.MarketContext, error) {
	for {
		e, ok, updated := w.s.get(asset)
		if ok && w.fresh(e) {
			return e.snap, e.market, nil
		}
		select {
		case <-ctx.Done():
			reason := errNoSnapshot
			if ok {
				reason = fmt.Errorf("snapshot stale since %s", e.received.Format(time.RFC3339))
			}
			return domain.PositionSnapshot{}, risk.MarketContext{}, unavailable(asset, fmt.Errorf("%w: %w", reason, ctx.Err()))
		case <-updated:
		}
	}
}

func (w *Websocket) fresh(e entry) bool {
	if w.cfg.MaxStaleness <= 0 {
		return true
	}
	return w.clock.Now().Sub(e.received) <= w.cfg.MaxStaleness
}

// Prices implements PriceHistory
func (w *Websocket) Prices() map[string][]float64 { return w.s.history() }

// Assets lists assets that have reported at least once
func (w *Websocket) Assets() []string { return w.s.assets() }
