// Package dedup provides time-windowed duplicate detection for normalized
// signals. The primary store is Redis so dedup holds across worker instances;
// when Redis is unavailable it falls back to an in-memory window so signal
// processing continues per-process instead of failing.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/signal"
)

// DefaultWindow is the sliding dedup window when none is configured.
const DefaultWindow = 5 * time.Minute

const keyPrefix = "dedup:signal:"

// Cache detects duplicate signals within a sliding time window.
type Cache interface {
	// IsDuplicate reports whether an equivalent signal was already seen
	// within the window, and records this one if not. The raw payload, when
	// present, sharpens the fingerprint so near-simultaneous but genuinely
	// different signals on the same symbol/direction/timeframe are kept.
	IsDuplicate(ctx context.Context, sig *signal.Signal, raw map[string]interface{}) (bool, error)
	Close() error
}

// Fingerprint derives the canonical dedup key for a signal. The field prefix
// guarantees signals differing in symbol, direction or timeframe can never
// collide; the payload hash suffix separates distinct payloads sharing the
// triple.
func Fingerprint(sig *signal.Signal, raw map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(sig.Symbol)))
	h.Write([]byte("|"))
	h.Write([]byte(sig.Direction))
	h.Write([]byte("|"))
	h.Write([]byte(sig.Timeframe))
	if len(raw) > 0 {
		h.Write([]byte("|"))
		h.Write(canonicalJSON(raw))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a payload with sorted keys so fingerprints are stable
// regardless of map iteration order.
func canonicalJSON(m map[string]interface{}) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		b.Write(kb)
		b.WriteString(":")
		b.Write(vb)
	}
	b.WriteString("}")
	return []byte(b.String())
}

// ============================================================================
// REDIS CACHE
// ============================================================================

// RedisCache is the shared dedup store. A SET NX with TTL is both the
// membership check and the record, so concurrent pipeline workers cannot both
// treat the same fingerprint as new.
type RedisCache struct {
	client   *redis.Client
	window   time.Duration
	fallback *MemoryCache
	logger   *logging.Logger

	mu       sync.Mutex
	degraded bool
}

// NewRedisCache creates a Redis-backed dedup cache with an in-memory fallback.
func NewRedisCache(client *redis.Client, window time.Duration, logger *logging.Logger) *RedisCache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisCache{
		client:   client,
		window:   window,
		fallback: NewMemoryCache(window),
		logger:   logger.WithComponent("dedup"),
	}
}

// IsDuplicate checks and records the signal's fingerprint atomically.
func (c *RedisCache) IsDuplicate(ctx context.Context, sig *signal.Signal, raw map[string]interface{}) (bool, error) {
	fp := Fingerprint(sig, raw)

	set, err := c.client.SetNX(ctx, keyPrefix+fp, sig.ID, c.window).Result()
	if err != nil {
		c.noteDegraded(err)
		return c.fallback.seen(fp), nil
	}
	c.noteRecovered()

	// SET NX succeeded means the fingerprint was new.
	return !set, nil
}

func (c *RedisCache) noteDegraded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.degraded {
		c.degraded = true
		c.logger.Warn("Redis unavailable, dedup degraded to in-memory window", "error", err)
	}
}

func (c *RedisCache) noteRecovered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		c.degraded = false
		c.logger.Info("Redis recovered, dedup back on shared store")
	}
}

// Close releases the fallback's sweeper. The Redis client is owned by the
// caller.
func (c *RedisCache) Close() error {
	return c.fallback.Close()
}

// ============================================================================
// MEMORY CACHE
// ============================================================================

// MemoryCache is a per-process dedup window: O(1) membership with TTL
// eviction. Used directly in dry-run/replay mode and as the Redis fallback.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // fingerprint -> expiry
	window  time.Duration
	stop    chan struct{}
	stopped sync.Once
	now     func() time.Time
}

// NewMemoryCache creates an in-memory dedup cache with a background sweeper.
func NewMemoryCache(window time.Duration) *MemoryCache {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &MemoryCache{
		entries: make(map[string]time.Time),
		window:  window,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go c.sweepLoop()
	return c
}

// IsDuplicate implements Cache.
func (c *MemoryCache) IsDuplicate(_ context.Context, sig *signal.Signal, raw map[string]interface{}) (bool, error) {
	return c.seen(Fingerprint(sig, raw)), nil
}

// seen reports whether fp is live in the window and records it if not.
func (c *MemoryCache) seen(fp string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[fp]; ok && now.Before(expiry) {
		return true
	}
	c.entries[fp] = now.Add(c.window)
	return false
}

// Len returns the number of live entries (expired entries may linger until
// the next sweep).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, fp)
		}
	}
}

// Close stops the background sweeper.
func (c *MemoryCache) Close() error {
	c.stopped.Do(func() { close(c.stop) })
	return nil
}

var _ Cache = (*RedisCache)(nil)
var _ Cache = (*MemoryCache)(nil)

// String implements fmt.Stringer for debug logging.
func (c *MemoryCache) String() string {
	return fmt.Sprintf("MemoryCache(window=%s, entries=%d)", c.window, c.Len())
}
