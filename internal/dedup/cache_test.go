package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"options-signal-engine/internal/signal"
)

func newTestSignal(symbol string, dir signal.Direction, tf string) *signal.Signal {
	return &signal.Signal{
		ID:        "test-" + symbol,
		Source:    signal.SourceTradingView,
		Symbol:    symbol,
		Direction: dir,
		Timeframe: tf,
		Timestamp: time.Now(),
	}
}

func TestFingerprintStability(t *testing.T) {
	sig := newTestSignal("SPY", signal.DirectionCall, "5m")
	raw := map[string]interface{}{"b": 2.0, "a": "x", "symbol": "SPY"}

	fp1 := Fingerprint(sig, raw)
	fp2 := Fingerprint(sig, map[string]interface{}{"symbol": "SPY", "a": "x", "b": 2.0})
	if fp1 != fp2 {
		t.Error("Fingerprint should be independent of map key order")
	}
}

func TestFingerprintDistinguishesSignals(t *testing.T) {
	base := newTestSignal("SPY", signal.DirectionCall, "5m")
	cases := []*signal.Signal{
		newTestSignal("QQQ", signal.DirectionCall, "5m"),
		newTestSignal("SPY", signal.DirectionPut, "5m"),
		newTestSignal("SPY", signal.DirectionCall, "15m"),
	}
	for _, other := range cases {
		if Fingerprint(base, nil) == Fingerprint(other, nil) {
			t.Errorf("Fingerprint collision between %+v and %+v", base, other)
		}
	}

	// Same triple, different payloads: must not collide either.
	fpA := Fingerprint(base, map[string]interface{}{"price": 500.0})
	fpB := Fingerprint(base, map[string]interface{}{"price": 501.0})
	if fpA == fpB {
		t.Error("Different payloads on the same triple must produce different fingerprints")
	}
}

func TestMemoryCacheDetectsDuplicateWithinWindow(t *testing.T) {
	cache := NewMemoryCache(5 * time.Minute)
	defer cache.Close()

	sig := newTestSignal("SPY", signal.DirectionCall, "5m")
	raw := map[string]interface{}{"symbol": "SPY", "action": "BUY"}

	dup, err := cache.IsDuplicate(context.Background(), sig, raw)
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if dup {
		t.Error("First occurrence should not be a duplicate")
	}

	dup, _ = cache.IsDuplicate(context.Background(), sig, raw)
	if !dup {
		t.Error("Second occurrence within window should be a duplicate")
	}
}

func TestMemoryCacheExpiresEntries(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	defer cache.Close()

	current := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	cache.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	sig := newTestSignal("SPY", signal.DirectionCall, "5m")
	if dup, _ := cache.IsDuplicate(context.Background(), sig, nil); dup {
		t.Fatal("First occurrence should not be a duplicate")
	}

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	if dup, _ := cache.IsDuplicate(context.Background(), sig, nil); dup {
		t.Error("Occurrence after window expiry should not be a duplicate")
	}
}

func TestMemoryCacheSweepRemovesExpired(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	defer cache.Close()

	current := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	cache.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	for _, sym := range []string{"SPY", "QQQ", "IWM"} {
		cache.IsDuplicate(context.Background(), newTestSignal(sym, signal.DirectionCall, "5m"), nil)
	}
	if cache.Len() != 3 {
		t.Fatalf("Expected 3 entries, got %d", cache.Len())
	}

	mu.Lock()
	current = current.Add(5 * time.Minute)
	mu.Unlock()
	cache.sweep()

	if cache.Len() != 0 {
		t.Errorf("Expected sweep to evict expired entries, got %d", cache.Len())
	}
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	cache := NewMemoryCache(5 * time.Minute)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	dupes := 0

	sig := newTestSignal("SPY", signal.DirectionCall, "5m")
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, _ := cache.IsDuplicate(context.Background(), sig, nil)
			if dup {
				mu.Lock()
				dupes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if dupes != 49 {
		t.Errorf("Expected exactly one non-duplicate among 50 concurrent checks, got %d duplicates", dupes)
	}
}
