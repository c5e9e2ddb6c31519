package execution

import (
	"context"
	"fmt"
	"sync"

	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/signal"
)

// PaperAdapter simulates fills against the market data provider's current
// price with configurable slippage.
type PaperAdapter struct {
	provider    marketdata.Provider
	slippageBps float64
	logger      *logging.Logger

	mu     sync.Mutex
	orders int
	reject bool
}

// NewPaperAdapter creates a paper execution adapter. slippageBps is applied
// against the trade (worse fill on open, worse fill on close).
func NewPaperAdapter(provider marketdata.Provider, slippageBps float64, logger *logging.Logger) *PaperAdapter {
	return &PaperAdapter{
		provider:    provider,
		slippageBps: slippageBps,
		logger:      logger.WithComponent("paper-execution"),
	}
}

// Reject toggles simulated broker rejections for tests.
func (a *PaperAdapter) Reject(reject bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reject = reject
}

// OrderCount returns the number of simulated fills.
func (a *PaperAdapter) OrderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orders
}

// SubmitOrder implements Adapter.
func (a *PaperAdapter) SubmitOrder(ctx context.Context, symbol string, direction signal.Direction, side OrderSide, quantity float64) (*Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: non-positive quantity %.4f", ErrRejected, quantity)
	}

	a.mu.Lock()
	rejected := a.reject
	a.mu.Unlock()
	if rejected {
		return nil, fmt.Errorf("%w: simulated broker rejection", ErrRejected)
	}

	price, err := a.provider.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: no quote for %s: %v", ErrRejected, symbol, err)
	}

	slip := price * a.slippageBps / 10000
	fillPrice := price
	if side == SideOpen {
		fillPrice += slip
	} else {
		fillPrice -= slip
	}

	a.mu.Lock()
	a.orders++
	a.mu.Unlock()

	a.logger.Info("Simulated fill",
		"symbol", symbol, "direction", string(direction), "side", string(side),
		"quantity", quantity, "price", fillPrice)

	return &Fill{Symbol: symbol, Price: fillPrice, Quantity: quantity}, nil
}

var _ Adapter = (*PaperAdapter)(nil)
