// Package execution defines the order submission boundary. The core does not
// care whether fills are simulated or real; it consumes the adapter through
// this interface only.
package execution

import (
	"context"
	"errors"

	"options-signal-engine/internal/signal"
)

// ErrRejected indicates the adapter refused the order.
var ErrRejected = errors.New("order rejected")

// OrderSide for exit orders is the opposite of the entry direction.
type OrderSide string

const (
	SideOpen  OrderSide = "OPEN"
	SideClose OrderSide = "CLOSE"
)

// Fill is the adapter's execution report.
type Fill struct {
	Symbol   string
	Price    float64
	Quantity float64
}

// Adapter submits orders to a broker or a paper simulator.
type Adapter interface {
	// SubmitOrder submits an order and returns the fill. Quantity must be
	// positive; direction selects the option side being traded.
	SubmitOrder(ctx context.Context, symbol string, direction signal.Direction, side OrderSide, quantity float64) (*Fill, error)
}
