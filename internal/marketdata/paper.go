package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaperProvider is an in-memory market data source for paper trading and
// tests. Prices and positioning are seeded or pushed; context is pushed via
// the context webhook.
type PaperProvider struct {
	mu          sync.RWMutex
	prices      map[string]float64
	positioning map[string]*Positioning
	expirations map[string]time.Time
	context     *MarketContext

	// Failure switches for exercising degradation paths in tests.
	failPrices      bool
	failContext     bool
	failPositioning bool
}

// NewPaperProvider creates a paper market data provider with a neutral
// default context.
func NewPaperProvider() *PaperProvider {
	return &PaperProvider{
		prices:      make(map[string]float64),
		positioning: make(map[string]*Positioning),
		expirations: make(map[string]time.Time),
		context: &MarketContext{
			VIX:    16.0,
			Trend:  TrendNeutral,
			Regime: RegimeRanging,
			Bias:   "neutral",
			AsOf:   time.Now(),
		},
	}
}

// SetPrice seeds or updates the simulated price for a symbol.
func (p *PaperProvider) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetPositioning seeds positioning data for a symbol.
func (p *PaperProvider) SetPositioning(symbol string, pos *Positioning) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positioning[symbol] = pos
}

// SetExpiration seeds the tracked contract expiration for a symbol.
func (p *PaperProvider) SetExpiration(symbol string, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expirations[symbol] = expiry
}

// FailPrices toggles simulated base price outages.
func (p *PaperProvider) FailPrices(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPrices = fail
}

// FailContext toggles simulated context outages.
func (p *PaperProvider) FailContext(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failContext = fail
}

// FailPositioning toggles simulated positioning outages.
func (p *PaperProvider) FailPositioning(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPositioning = fail
}

// GetCurrentPrice implements Provider.
func (p *PaperProvider) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.failPrices {
		return 0, ErrUnavailable
	}
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for symbol %s: %w", symbol, ErrUnavailable)
	}
	return price, nil
}

// GetContext implements Provider.
func (p *PaperProvider) GetContext(_ context.Context) (*MarketContext, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.failContext {
		return nil, ErrUnavailable
	}
	ctxCopy := *p.context
	return &ctxCopy, nil
}

// GetPositioning implements Provider.
func (p *PaperProvider) GetPositioning(_ context.Context, symbol string) (*Positioning, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.failPositioning {
		return nil, ErrUnavailable
	}
	pos, ok := p.positioning[symbol]
	if !ok {
		return nil, fmt.Errorf("no positioning for symbol %s: %w", symbol, ErrUnavailable)
	}
	posCopy := *pos
	return &posCopy, nil
}

// TimeToExpiration implements ExpirationProvider.
func (p *PaperProvider) TimeToExpiration(_ context.Context, symbol string) (time.Duration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	expiry, ok := p.expirations[symbol]
	if !ok {
		return 0, fmt.Errorf("no expiration for symbol %s: %w", symbol, ErrUnavailable)
	}
	return time.Until(expiry), nil
}

// ApplyContext implements ContextUpdater: merges a pushed context payload
// into the current context, leaving absent fields untouched.
func (p *PaperProvider) ApplyContext(update ContextUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := *p.context
	if update.VIX != nil {
		next.VIX = *update.VIX
	}
	if update.Trend != nil {
		next.Trend = *update.Trend
	}
	if update.Regime != nil {
		next.Regime = *update.Regime
	}
	if update.Bias != nil {
		next.Bias = *update.Bias
	}
	next.AsOf = time.Now()
	p.context = &next
}

var _ Provider = (*PaperProvider)(nil)
var _ ExpirationProvider = (*PaperProvider)(nil)
var _ ContextUpdater = (*PaperProvider)(nil)
