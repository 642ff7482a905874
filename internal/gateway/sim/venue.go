// Package sim provides a simulated execution venue that fills at a
// reference price plus a slippage and fee model. Used by the backtest and by
// paper trading.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/gateway"
)

var bps = decimal.NewFromInt(10000)

// Config shapes the simulated venue
type Config struct {
	Name        string
	SlippageBps float64
	FeeBps      float64
	// FillRatio is the fraction of each order that fills; 0 means fully.
	FillRatio float64
}

// Venue is a deterministic simulated venue
type Venue struct {
	cfg      Config
	slippage decimal.Decimal
	fee      decimal.Decimal

	mu     sync.Mutex
	prices map[string]float64
	orders map[string]gateway.Order
	ledger Ledger
	down   error
}

// New creates a simulated venue
func New(cfg Config) *Venue {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	return &Venue{
		cfg:      cfg,
		slippage: decimal.NewFromFloat(cfg.SlippageBps).Div(bps),
		fee:      decimal.NewFromFloat(cfg.FeeBps).Div(bps),
		prices:   make(map[string]float64),
		orders:   make(map[string]gateway.Order),
	}
}

// Name implements gateway.Venue
func (v *Venue) Name() string { return v.cfg.Name }

// SetPrice sets the price orders on instrument fill against
func (v *Venue) SetPrice(instrument string, price float64) {
	v.mu.Lock()
	v.prices[instrument] = price
	v.mu.Unlock()
}

// SetDown makes Status fail with err until called with nil
func (v *Venue) SetDown(err error) {
	v.mu.Lock()
	v.down = err
	v.mu.Unlock()
}

// Submit implements gateway.Venue
func (v *Venue) Submit(ctx context.Context, order gateway.Order) (gateway.Fill, error) {
	if err := ctx.Err(); err != nil {
		return gateway.Fill{}, err
	}
	if !(order.Quantity > 0) {
		return gateway.Fill{}, domain.NewExecutionError(domain.KindRejected, v.cfg.Name, fmt.Errorf("invalid quantity %v", order.Quantity))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.down != nil {
		return gateway.Fill{}, domain.NewExecutionError(domain.KindConnectivityLost, v.cfg.Name, v.down)
	}
	ref, ok := v.prices[order.Instrument]
	if !ok || !(ref > 0) {
		ref = order.ReferencePrice
	}
	if !(ref > 0) {
		return gateway.Fill{}, domain.NewExecutionError(domain.KindRejected, v.cfg.Name, fmt.Errorf("no price for %s", order.Instrument))
	}

	qty := decimal.NewFromFloat(order.Quantity)
	if v.cfg.FillRatio > 0 && v.cfg.FillRatio < 1 {
		qty = qty.Mul(decimal.NewFromFloat(v.cfg.FillRatio))
	}
	price := v.fillPrice(ref, order.Side)
	notional := qty.Mul(price)
	fee := notional.Mul(v.fee)
	slip := qty.Mul(price.Sub(decimal.NewFromFloat(ref))).Abs()

	v.ledger.Trades++
	v.ledger.Volume = v.ledger.Volume.Add(qty)
	v.ledger.Notional = v.ledger.Notional.Add(notional)
	v.ledger.Fees = v.ledger.Fees.Add(fee)
	v.ledger.Slippage = v.ledger.Slippage.Add(slip)
	v.orders[order.ID] = order

	return gateway.Fill{
		OrderID:      v.cfg.Name + ":" + order.ID,
		Quantity:     qty.InexactFloat64(),
		AveragePrice: price.InexactFloat64(),
		Fee:          fee.InexactFloat64(),
	}, nil
}

// Cancel implements gateway.Venue. Simulated fills are immediate, so only
// unknown orders are reported.
func (v *Venue) Cancel(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.orders[orderID]; !ok {
		return errors.New("unknown order " + orderID)
	}
	return nil
}

// Status implements gateway.Venue
func (v *Venue) Status(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.down
}

// Quote implements gateway.Quoter: fill price including fees
func (v *Venue) Quote(_ context.Context, instrument string, side domain.Side, _ float64) (float64, error) {
	v.mu.Lock()
	ref, ok := v.prices[instrument]
	v.mu.Unlock()
	if !ok || !(ref > 0) {
		return 0, fmt.Errorf("no price for %s", instrument)
	}
	price := v.fillPrice(ref, side)
	withFee := price.Add(price.Mul(v.fee).Mul(decimal.NewFromFloat(side.Sign())))
	return withFee.InexactFloat64(), nil
}

func (v *Venue) fillPrice(ref float64, side domain.Side) decimal.Decimal {
	p := decimal.NewFromFloat(ref)
	adj := p.Mul(v.slippage)
	if side == domain.Sell {
		return p.Sub(adj)
	}
	return p.Add(adj)
}

// Ledger returns a copy of the cost ledger
func (v *Venue) Ledger() Ledger {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger
}

// Ledger accumulates simulated trading costs in exact decimal arithmetic
type Ledger struct {
	Trades   int
	Volume   decimal.Decimal
	Notional decimal.Decimal
	Fees     decimal.Decimal
	Slippage decimal.Decimal
}

// Summary renders the ledger with fixed precision
func (l Ledger) Summary() LedgerSummary {
	return LedgerSummary{
		Trades:   l.Trades,
		Volume:   l.Volume.StringFixed(8),
		Notional: l.Notional.StringFixed(2),
		Fees:     l.Fees.StringFixed(4),
		Slippage: l.Slippage.StringFixed(4),
	}
}

// LedgerSummary is the serializable ledger view
type LedgerSummary struct {
	Trades   int    `json:"trades"`
	Volume   string `json:"volume"`
	Notional string `json:"notional"`
	Fees     string `json:"fees"`
	Slippage string `json:"slippage"`
}
