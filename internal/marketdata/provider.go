// Package marketdata defines the narrow interfaces the decision core uses to
// read prices, market context and options positioning. The engine is agnostic
// to the vendor behind them.
package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the provider could not serve the request. For base
// price/context reads the orchestrator treats this as fatal; for positioning
// reads it degrades the decision instead.
var ErrUnavailable = errors.New("market data unavailable")

// Trend values
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// Regime values
const (
	RegimeTrending = "trending"
	RegimeRanging  = "ranging"
	RegimeVolatile = "volatile"
)

// MarketContext describes the broad market backdrop used for the contextual
// confidence adjustment and the regime sizing multiplier.
type MarketContext struct {
	VIX    float64   `json:"vix"`
	Trend  string    `json:"trend"`
	Regime string    `json:"regime"`
	Bias   string    `json:"bias"` // "long", "short" or "neutral"
	AsOf   time.Time `json:"as_of"`
}

// Positioning describes options positioning for a symbol.
type Positioning struct {
	GEX        float64   `json:"gex"` // net gamma exposure, negative = dealers short gamma
	GEXFlipped bool      `json:"gex_flipped"`
	Support    float64   `json:"support"`
	Resistance float64   `json:"resistance"`
	AsOf       time.Time `json:"as_of"`
}

// Provider supplies current prices, market context and positioning data.
type Provider interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetContext(ctx context.Context) (*MarketContext, error)
	GetPositioning(ctx context.Context, symbol string) (*Positioning, error)
}

// ExpirationProvider supplies time-to-expiration for a symbol's tracked
// contract, used by time-based exit rules. Optional: providers without
// options chain data simply don't implement it.
type ExpirationProvider interface {
	TimeToExpiration(ctx context.Context, symbol string) (time.Duration, error)
}

// ContextUpdate is a raw context payload pushed by the ingestion layer.
type ContextUpdate struct {
	VIX    *float64 `json:"vix,omitempty"`
	Trend  *string  `json:"trend,omitempty"`
	Regime *string  `json:"regime,omitempty"`
	Bias   *string  `json:"bias,omitempty"`
}

// ContextUpdater accepts pushed context updates (e.g. from the context
// webhook) instead of polling a vendor.
type ContextUpdater interface {
	ApplyContext(update ContextUpdate)
}
