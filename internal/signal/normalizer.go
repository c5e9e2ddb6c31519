package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"options-signal-engine/internal/logging"
)

// NormalizationError indicates a required canonical field could not be
// resolved from any recognized alias in the raw payload.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization failed for field %q: %s", e.Field, e.Reason)
}

// Alias fallback order per canonical field. First present, non-empty alias wins.
var (
	symbolAliases    = []string{"symbol", "ticker", "underlying"}
	directionAliases = []string{"direction", "action", "side", "signal", "type", "option_type"}
	timeframeAliases = []string{"timeframe", "interval", "tf", "resolution"}
	timestampAliases = []string{"timestamp", "time", "triggered_at", "bar_time"}
	sourceAliases    = []string{"source", "origin"}
)

// timeframeTable maps vendor spellings to canonical timeframes. Unknown values
// pass through unchanged so forward-compatible timeframes are not rejected.
var timeframeTable = map[string]string{
	"1":       "1m",
	"1m":      "1m",
	"1min":    "1m",
	"3":       "3m",
	"3m":      "3m",
	"5":       "5m",
	"5m":      "5m",
	"5min":    "5m",
	"15":      "15m",
	"15m":     "15m",
	"15min":   "15m",
	"30":      "30m",
	"30m":     "30m",
	"60":      "1h",
	"1h":      "1h",
	"hourly":  "1h",
	"240":     "4h",
	"4h":      "4h",
	"d":       "1d",
	"1d":      "1d",
	"day":     "1d",
	"daily":   "1d",
	"w":       "1w",
	"1w":      "1w",
	"weekly":  "1w",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Normalizer converts heterogeneous raw webhook/analytics payloads into a
// canonical Signal.
type Normalizer struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewNormalizer creates a new signal normalizer
func NewNormalizer(logger *logging.Logger) *Normalizer {
	return &Normalizer{
		logger: logger.WithComponent("normalizer"),
		now:    time.Now,
	}
}

// Normalize converts a raw payload into a Signal, assigning a fresh tracking
// ID. It fails only when symbol, direction or timeframe cannot be resolved;
// a malformed timestamp falls back to ingestion time.
func (n *Normalizer) Normalize(raw map[string]interface{}) (*Signal, error) {
	if raw == nil {
		return nil, &NormalizationError{Field: "payload", Reason: "payload is empty"}
	}

	symRaw, ok := firstString(raw, symbolAliases)
	if !ok {
		return nil, &NormalizationError{Field: "symbol", Reason: "no symbol, ticker or underlying field"}
	}
	symbol := NormalizeSymbol(symRaw)
	if symbol == "" {
		return nil, &NormalizationError{Field: "symbol", Reason: fmt.Sprintf("unresolvable symbol %q", symRaw)}
	}

	dirRaw, ok := firstString(raw, directionAliases)
	if !ok {
		return nil, &NormalizationError{Field: "direction", Reason: "no direction, action, side, signal, type or option_type field"}
	}
	direction, ok := NormalizeDirection(dirRaw)
	if !ok {
		return nil, &NormalizationError{Field: "direction", Reason: fmt.Sprintf("unresolvable direction %q", dirRaw)}
	}

	tfRaw, ok := firstString(raw, timeframeAliases)
	if !ok {
		return nil, &NormalizationError{Field: "timeframe", Reason: "no timeframe, interval, tf or resolution field"}
	}
	timeframe := NormalizeTimeframe(tfRaw)

	sig := &Signal{
		ID:        uuid.New().String(),
		Source:    n.resolveSource(raw),
		Symbol:    symbol,
		Direction: direction,
		Timeframe: timeframe,
		Timestamp: n.resolveTimestamp(raw),
		Metadata:  make(map[string]interface{}),
	}

	// Everything not consumed by a canonical field is preserved verbatim.
	consumed := make(map[string]bool)
	for _, keys := range [][]string{symbolAliases, directionAliases, timeframeAliases, timestampAliases, sourceAliases} {
		for _, k := range keys {
			consumed[k] = true
		}
	}
	for k, v := range raw {
		if !consumed[strings.ToLower(k)] {
			sig.Metadata[k] = v
		}
	}

	return sig, nil
}

// NormalizeSymbol canonicalizes a raw ticker: uppercase, trimmed, with any
// EXCHANGE: prefix and .SUFFIX stripped.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "."); i > 0 {
		s = s[:i]
	}
	return s
}

// NormalizeDirection resolves a raw direction value to CALL or PUT.
func NormalizeDirection(raw string) (Direction, bool) {
	d := strings.ToUpper(strings.TrimSpace(raw))
	switch d {
	case "CALL", "C":
		return DirectionCall, true
	case "PUT", "P":
		return DirectionPut, true
	case "BUY", "LONG":
		return DirectionCall, true
	case "SELL", "SHORT":
		return DirectionPut, true
	}
	// Substring inference for composite values like "buy_call" or "bearish put".
	switch {
	case strings.Contains(d, "CALL"), strings.Contains(d, "LONG"):
		return DirectionCall, true
	case strings.Contains(d, "PUT"), strings.Contains(d, "SHORT"):
		return DirectionPut, true
	}
	return "", false
}

// NormalizeTimeframe maps a raw timeframe through the alias table. Unknown
// values pass through lowercased.
func NormalizeTimeframe(raw string) string {
	tf := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := timeframeTable[tf]; ok {
		return canonical
	}
	return tf
}

func (n *Normalizer) resolveSource(raw map[string]interface{}) Source {
	if s, ok := firstString(raw, sourceAliases); ok {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "TRADINGVIEW", "TV":
			return SourceTradingView
		case "GEX":
			return SourceGEX
		case "MTF":
			return SourceMTF
		case "MANUAL":
			return SourceManual
		}
	}
	return SourceTradingView
}

func (n *Normalizer) resolveTimestamp(raw map[string]interface{}) time.Time {
	tsRaw, present := firstValue(raw, timestampAliases)
	if !present {
		return n.now()
	}
	if t, ok := ParseTimestamp(raw); ok {
		return t
	}
	n.logger.Warn("Unparseable timestamp, using ingestion time", "value", fmt.Sprintf("%v", tsRaw))
	return n.now()
}

// ParseTimestamp extracts the recorded signal time from a raw payload without
// substituting a fallback. ok is false when no timestamp field is present or
// the value cannot be parsed.
func ParseTimestamp(raw map[string]interface{}) (time.Time, bool) {
	tsRaw, present := firstValue(raw, timestampAliases)
	if !present {
		return time.Time{}, false
	}
	switch v := tsRaw.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	case float64:
		// Epoch seconds or milliseconds.
		if v > 1e12 {
			return time.UnixMilli(int64(v)), true
		}
		if v > 0 {
			return time.Unix(int64(v), 0), true
		}
	case int64:
		if v > 0 {
			return time.Unix(v, 0), true
		}
	}
	return time.Time{}, false
}

func firstString(raw map[string]interface{}, keys []string) (string, bool) {
	v, ok := firstValue(raw, keys)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func firstValue(raw map[string]interface{}, keys []string) (interface{}, bool) {
	for _, key := range keys {
		for k, v := range raw {
			if strings.EqualFold(k, key) && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}
