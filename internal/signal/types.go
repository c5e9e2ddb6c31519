package signal

import (
	"time"
)

// Source represents the origin of a trading signal
type Source string

const (
	SourceTradingView Source = "TRADINGVIEW"
	SourceGEX         Source = "GEX"
	SourceMTF         Source = "MTF"
	SourceManual      Source = "MANUAL"
)

// Direction represents the option side of a signal
type Direction string

const (
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
)

// Signal is a normalized trading event. It is created exactly once by the
// Normalizer and never mutated afterwards; every downstream record (decision,
// position, pipeline failure) references it by ID.
type Signal struct {
	ID        string                 `json:"id"`
	Source    Source                 `json:"source"`
	Symbol    string                 `json:"symbol"`
	Direction Direction              `json:"direction"`
	Timeframe string                 `json:"timeframe"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Price returns the price field from metadata if the source supplied one.
func (s *Signal) Price() (float64, bool) {
	for _, key := range []string{"price", "close", "entry_price"} {
		if v, ok := s.Metadata[key]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
