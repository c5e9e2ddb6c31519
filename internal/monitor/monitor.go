// Package monitor runs the background exit sweep over open positions.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/events"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/position"
)

// Alert priorities. CRITICAL alerts are acted on automatically when
// auto-close is enabled; the rest are advisory.
const (
	PriorityCritical = "CRITICAL"
	PriorityHigh     = "HIGH"
	PriorityMedium   = "MEDIUM"
)

// Alert is an exit recommendation for an open position.
type Alert struct {
	PositionID   string    `json:"position_id"`
	Symbol       string    `json:"symbol"`
	Priority     string    `json:"priority"`
	ExitRule     string    `json:"exit_rule"`
	Reasoning    []string  `json:"reasoning"`
	CurrentPrice float64   `json:"current_price"`
	AutoClosed   bool      `json:"auto_closed"`
	CreatedAt    time.Time `json:"created_at"`
}

// SweepStats summarizes the most recent sweep.
type SweepStats struct {
	LastSweep  time.Time `json:"last_sweep"`
	Evaluated  int       `json:"evaluated"`
	Alerts     int       `json:"alerts"`
	AutoClosed int       `json:"auto_closed"`
	Errors     int       `json:"errors"`
}

// DecisionRecorder persists exit decisions for the audit trail.
type DecisionRecorder interface {
	SaveDecision(ctx context.Context, res *decision.Result) error
}

// Config holds exit monitor settings.
type Config struct {
	Enabled      bool          `json:"enabled"`
	Interval     time.Duration `json:"interval"`
	SweepTimeout time.Duration `json:"sweep_timeout"`
	AutoClose    bool          `json:"auto_close"` // act on CRITICAL alerts automatically
}

// UnmarshalJSON accepts the durations as either duration strings ("30s") or
// nanosecond integers.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := struct {
		Interval     *flexDuration `json:"interval"`
		SweepTimeout *flexDuration `json:"sweep_timeout"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Interval != nil {
		c.Interval = time.Duration(*aux.Interval)
	}
	if aux.SweepTimeout != nil {
		c.SweepTimeout = time.Duration(*aux.SweepTimeout)
	}
	return nil
}

type flexDuration time.Duration

func (d *flexDuration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = flexDuration(val)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = flexDuration(parsed)
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	return nil
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Interval:     30 * time.Second,
		SweepTimeout: 2 * time.Minute,
		AutoClose:    true,
	}
}

// ExitMonitor periodically re-evaluates every open position against the exit
// rules and raises alerts for the ones that should close.
type ExitMonitor struct {
	manager      *position.Manager
	orchestrator *decision.Orchestrator
	provider     marketdata.Provider
	expirations  marketdata.ExpirationProvider // may be nil
	recorder     DecisionRecorder              // may be nil
	bus          *events.EventBus
	config       Config
	logger       zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	stats    SweepStats
}

// NewExitMonitor creates an exit monitor.
func NewExitMonitor(
	manager *position.Manager,
	orchestrator *decision.Orchestrator,
	provider marketdata.Provider,
	expirations marketdata.ExpirationProvider,
	recorder DecisionRecorder,
	bus *events.EventBus,
	config Config,
	logger zerolog.Logger,
) *ExitMonitor {
	return &ExitMonitor{
		manager:      manager,
		orchestrator: orchestrator,
		provider:     provider,
		expirations:  expirations,
		recorder:     recorder,
		bus:          bus,
		config:       config,
		logger:       logger.With().Str("component", "ExitMonitor").Logger(),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (m *ExitMonitor) Start() {
	if !m.config.Enabled {
		m.logger.Info().Msg("Exit monitor is disabled")
		return
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runSweepLoop()
	m.logger.Info().Dur("interval", m.config.Interval).Msg("Exit monitor started")
}

// Stop stops the sweep loop and waits for the in-flight sweep to finish.
func (m *ExitMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info().Msg("Exit monitor stopped")
}

// Stats returns the most recent sweep statistics.
func (m *ExitMonitor) Stats() SweepStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *ExitMonitor) runSweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run immediately
	m.Sweep()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopChan:
			return
		}
	}
}

// Sweep executes a single evaluation pass over all open positions. Public so
// tests and the API can trigger it manually.
func (m *ExitMonitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.SweepTimeout)
	defer cancel()

	stats := SweepStats{LastSweep: time.Now()}

	open, err := m.manager.OpenPositions(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list open positions")
		stats.Errors++
		m.setStats(stats)
		return
	}

	for _, pos := range open {
		select {
		case <-ctx.Done():
			m.logger.Warn().Msg("Sweep abandoned: timeout")
			m.setStats(stats)
			return
		default:
		}

		stats.Evaluated++
		alert, err := m.evaluate(ctx, pos)
		if err != nil {
			stats.Errors++
			m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Exit evaluation failed")
			continue
		}
		if alert != nil {
			stats.Alerts++
			if alert.AutoClosed {
				stats.AutoClosed++
			}
		}
	}

	m.setStats(stats)
}

// evaluate re-prices one position and runs the exit rules. Returns a non-nil
// alert if the position should close.
func (m *ExitMonitor) evaluate(ctx context.Context, pos *position.Position) (*Alert, error) {
	price, err := m.provider.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	if err := m.manager.RefreshPrice(ctx, pos, price); err != nil {
		return nil, err
	}

	ec := decision.ExitContext{
		CurrentPrice: price,
		Now:          time.Now(),
	}

	// Expiration and positioning are advisory inputs. When a provider cannot
	// serve them the sweep still runs the price and hold-time rules.
	if m.expirations != nil {
		if tte, err := m.expirations.TimeToExpiration(ctx, pos.Symbol); err == nil {
			ec.TimeToExpiration = tte
			ec.HasExpiration = true
		}
	}
	if positioning, err := m.provider.GetPositioning(ctx, pos.Symbol); err == nil {
		ec.GEXFlipped = positioning.GEXFlipped
	} else {
		m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Positioning unavailable for exit sweep")
	}

	snapshot := decision.PositionSnapshot{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		EntryTime:  pos.EntryTime,
	}

	res := m.orchestrator.OrchestrateExitDecision(snapshot, ec)
	if m.recorder != nil && res.Decision == decision.DecisionExit {
		if err := m.recorder.SaveDecision(ctx, res); err != nil {
			m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Failed to persist exit decision")
		}
	}
	if res.Decision != decision.DecisionExit {
		return nil, nil
	}

	alert := &Alert{
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Priority:     alertPriority(res.ExitRule, ec),
		ExitRule:     res.ExitRule,
		Reasoning:    res.Reasoning,
		CurrentPrice: price,
		CreatedAt:    time.Now(),
	}

	if alert.Priority == PriorityCritical && m.config.AutoClose {
		if _, err := m.manager.CloseAtMarket(ctx, pos, pos.Quantity); err != nil {
			m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Auto-close failed")
		} else {
			alert.AutoClosed = true
		}
	}

	m.logger.Info().
		Str("position_id", alert.PositionID).
		Str("symbol", alert.Symbol).
		Str("priority", alert.Priority).
		Str("exit_rule", alert.ExitRule).
		Bool("auto_closed", alert.AutoClosed).
		Msg("Exit alert")

	if m.bus != nil {
		m.bus.Publish(events.EventExitAlert, map[string]interface{}{
			"position_id":   alert.PositionID,
			"symbol":        alert.Symbol,
			"priority":      alert.Priority,
			"exit_rule":     alert.ExitRule,
			"reasoning":     alert.Reasoning,
			"current_price": alert.CurrentPrice,
			"auto_closed":   alert.AutoClosed,
		})
	}
	return alert, nil
}

// alertPriority ranks exit alerts. Stop losses and imminent expirations are
// CRITICAL, profit targets and near expirations HIGH, max-hold exits MEDIUM.
func alertPriority(rule string, ec decision.ExitContext) string {
	switch rule {
	case decision.RuleStopLoss:
		return PriorityCritical
	case decision.RuleGEXFlip:
		return PriorityHigh
	case decision.RuleProfitTarget:
		return PriorityHigh
	case decision.RuleTimeExit:
		if ec.HasExpiration && ec.TimeToExpiration <= 15*time.Minute {
			return PriorityCritical
		}
		if ec.HasExpiration && ec.TimeToExpiration <= 45*time.Minute {
			return PriorityHigh
		}
		return PriorityMedium
	default:
		return PriorityMedium
	}
}

func (m *ExitMonitor) setStats(stats SweepStats) {
	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}
