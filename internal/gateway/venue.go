package gateway

import (
	"context"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// Order is what the gateway sends to a venue for one attempt
type Order struct {
	ID             string      `json:"id"`
	ActionID       string      `json:"action_id"`
	Instrument     string      `json:"instrument"`
	Side           domain.Side `json:"side"`
	Quantity       float64     `json:"quantity"`
	ReferencePrice float64     `json:"reference_price"`
}

// Fill is a venue's answer to an accepted order
type Fill struct {
	OrderID      string  `json:"order_id"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	Fee          float64 `json:"fee"`
}

// Venue is the capability every execution venue exposes. The gateway never
// branches on venue identity. Submit reports a definitive refusal as a
// domain.ExecutionError of kind Rejected; any other error is retried.
type Venue interface {
	Name() string
	Submit(ctx context.Context, order Order) (Fill, error)
	Cancel(ctx context.Context, orderID string) error
	Status(ctx context.Context) error
}

// Quoter is implemented by venues that can price an order before submission.
// The returned price includes fees.
type Quoter interface {
	Quote(ctx context.Context, instrument string, side domain.Side, qty float64) (float64, error)
}
