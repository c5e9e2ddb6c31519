package marketdata

import (
	"context"
	"sync"
	"time"
)

// CachedProvider wraps a Provider with short-TTL caching so the exit monitor
// and concurrent pipeline workers don't hammer the vendor for the same
// symbol. Stale entries are served only within the TTL; a vendor error with
// no cached entry propagates to the caller.
type CachedProvider struct {
	inner Provider
	ttl   time.Duration

	mu          sync.RWMutex
	prices      map[string]cachedPrice
	positioning map[string]cachedPositioning
	context     *MarketContext
	contextAt   time.Time
}

type cachedPrice struct {
	price float64
	at    time.Time
}

type cachedPositioning struct {
	pos *Positioning
	at  time.Time
}

// NewCachedProvider wraps inner with a TTL cache.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedProvider{
		inner:       inner,
		ttl:         ttl,
		prices:      make(map[string]cachedPrice),
		positioning: make(map[string]cachedPositioning),
	}
}

// GetCurrentPrice implements Provider.
func (c *CachedProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.RLock()
	entry, ok := c.prices[symbol]
	c.mu.RUnlock()
	if ok && time.Since(entry.at) < c.ttl {
		return entry.price, nil
	}

	price, err := c.inner.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.prices[symbol] = cachedPrice{price: price, at: time.Now()}
	c.mu.Unlock()
	return price, nil
}

// GetContext implements Provider.
func (c *CachedProvider) GetContext(ctx context.Context) (*MarketContext, error) {
	c.mu.RLock()
	cached, at := c.context, c.contextAt
	c.mu.RUnlock()
	if cached != nil && time.Since(at) < c.ttl {
		ctxCopy := *cached
		return &ctxCopy, nil
	}

	mc, err := c.inner.GetContext(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.context = mc
	c.contextAt = time.Now()
	c.mu.Unlock()
	ctxCopy := *mc
	return &ctxCopy, nil
}

// GetPositioning implements Provider.
func (c *CachedProvider) GetPositioning(ctx context.Context, symbol string) (*Positioning, error) {
	c.mu.RLock()
	entry, ok := c.positioning[symbol]
	c.mu.RUnlock()
	if ok && time.Since(entry.at) < c.ttl {
		posCopy := *entry.pos
		return &posCopy, nil
	}

	pos, err := c.inner.GetPositioning(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.positioning[symbol] = cachedPositioning{pos: pos, at: time.Now()}
	c.mu.Unlock()
	posCopy := *pos
	return &posCopy, nil
}

var _ Provider = (*CachedProvider)(nil)
