package position

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/events"
	"options-signal-engine/internal/execution"
)

// Store is the persistence boundary for positions. Close operations are
// conditional claims: they return false when another worker already closed
// (or shrank) the position, so racing exit monitors cannot double-close.
type Store interface {
	Create(ctx context.Context, pos *Position) error
	UpdatePrice(ctx context.Context, id string, currentPrice, unrealizedPnL float64) error
	// CloseFull transitions id from OPEN to CLOSED. Returns false if the
	// position was not OPEN.
	CloseFull(ctx context.Context, id string, exitPrice float64, exitTime time.Time, realizedPnL float64) (bool, error)
	// ClosePartial atomically reduces id's quantity by lot.Quantity and
	// inserts the closed lot. Returns false if the position was not OPEN
	// with at least that quantity remaining.
	ClosePartial(ctx context.Context, id string, lot *Position, remaining float64) (bool, error)
	Get(ctx context.Context, id string) (*Position, error)
	ListOpen(ctx context.Context) ([]*Position, error)
}

// Manager applies ENTER/EXIT decisions to the position state machine.
type Manager struct {
	store  Store
	exec   execution.Adapter
	bus    *events.EventBus
	logger zerolog.Logger
}

// NewManager creates a position manager.
func NewManager(store Store, exec execution.Adapter, bus *events.EventBus, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		exec:   exec,
		bus:    bus,
		logger: logger.With().Str("component", "PositionManager").Logger(),
	}
}

// OpenPosition creates a new OPEN position from an ENTER decision. The entry
// price is the fill price reported by the execution adapter.
func (m *Manager) OpenPosition(ctx context.Context, dec *decision.Result) (*Position, error) {
	if dec.Decision != decision.DecisionEnter {
		return nil, fmt.Errorf("cannot open position from %s decision", dec.Decision)
	}
	sig := dec.Signal

	fill, err := m.exec.SubmitOrder(ctx, sig.Symbol, sig.Direction, execution.SideOpen, dec.PositionSize)
	if err != nil {
		return nil, fmt.Errorf("order submission failed: %w", err)
	}

	now := time.Now()
	pos := &Position{
		ID:           uuid.New().String(),
		SignalID:     sig.ID,
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		Quantity:     fill.Quantity,
		EntryPrice:   fill.Price,
		EntryTime:    now,
		CurrentPrice: fill.Price,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist position: %w", err)
	}

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Float64("quantity", pos.Quantity).
		Float64("entry_price", pos.EntryPrice).
		Msg("Position opened")

	if m.bus != nil {
		m.bus.Publish(events.EventPositionOpened, map[string]interface{}{
			"position_id": pos.ID,
			"signal_id":   pos.SignalID,
			"symbol":      pos.Symbol,
			"direction":   string(pos.Direction),
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
		})
	}
	return pos, nil
}

// RefreshPrice updates the mark and unrealized P&L. No state transition.
func (m *Manager) RefreshPrice(ctx context.Context, pos *Position, currentPrice float64) error {
	if pos.Status != StatusOpen {
		return nil
	}
	unrealized := (currentPrice - pos.EntryPrice) * pos.Quantity
	if err := m.store.UpdatePrice(ctx, pos.ID, currentPrice, unrealized); err != nil {
		return fmt.Errorf("failed to refresh position %s: %w", pos.ID, err)
	}
	pos.CurrentPrice = currentPrice
	pos.UnrealizedPnL = unrealized
	pos.UpdatedAt = time.Now()

	if m.bus != nil {
		m.bus.Publish(events.EventPositionUpdate, map[string]interface{}{
			"position_id":    pos.ID,
			"symbol":         pos.Symbol,
			"current_price":  currentPrice,
			"unrealized_pnl": unrealized,
		})
	}
	return nil
}

// ClosePosition closes exitQuantity of the position at exitPrice. A full
// close transitions the position to CLOSED; a partial close produces an
// independent closed lot and leaves the remainder OPEN at the original entry
// price. The store-level conditional update makes the close safe against
// racing workers.
func (m *Manager) ClosePosition(ctx context.Context, pos *Position, exitPrice, exitQuantity float64) (*Position, error) {
	if pos.Status == StatusClosed {
		return nil, &InvalidCloseError{PositionID: pos.ID, Reason: "position already closed"}
	}
	if exitQuantity <= 0 {
		return nil, &InvalidCloseError{PositionID: pos.ID, Reason: fmt.Sprintf("non-positive exit quantity %.4f", exitQuantity)}
	}
	if exitQuantity > pos.Quantity {
		return nil, &InvalidCloseError{
			PositionID: pos.ID,
			Reason:     fmt.Sprintf("exit quantity %.4f exceeds open quantity %.4f", exitQuantity, pos.Quantity),
		}
	}

	now := time.Now()
	realized := (exitPrice - pos.EntryPrice) * exitQuantity

	if exitQuantity == pos.Quantity {
		claimed, err := m.store.CloseFull(ctx, pos.ID, exitPrice, now, realized)
		if err != nil {
			return nil, fmt.Errorf("failed to close position %s: %w", pos.ID, err)
		}
		if !claimed {
			return nil, &InvalidCloseError{PositionID: pos.ID, Reason: "position no longer open (closed by another worker)"}
		}
		pos.Status = StatusClosed
		pos.ExitPrice = &exitPrice
		pos.ExitTime = &now
		pos.RealizedPnL = &realized
		pos.UpdatedAt = now

		m.logClose(pos, realized, exitQuantity, false)
		return pos, nil
	}

	// Partial close: the exited quantity becomes its own terminal lot with a
	// pro-rata cost basis at the original entry price.
	lot := &Position{
		ID:           uuid.New().String(),
		SignalID:     pos.SignalID,
		ParentID:     &pos.ID,
		Symbol:       pos.Symbol,
		Direction:    pos.Direction,
		Quantity:     exitQuantity,
		EntryPrice:   pos.EntryPrice,
		EntryTime:    pos.EntryTime,
		CurrentPrice: exitPrice,
		ExitPrice:    &exitPrice,
		ExitTime:     &now,
		RealizedPnL:  &realized,
		Status:       StatusClosed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	remaining := pos.Quantity - exitQuantity

	claimed, err := m.store.ClosePartial(ctx, pos.ID, lot, remaining)
	if err != nil {
		return nil, fmt.Errorf("failed to partially close position %s: %w", pos.ID, err)
	}
	if !claimed {
		return nil, &InvalidCloseError{PositionID: pos.ID, Reason: "position changed under partial close (claimed by another worker)"}
	}

	pos.Quantity = remaining
	pos.UnrealizedPnL = (pos.CurrentPrice - pos.EntryPrice) * remaining
	pos.UpdatedAt = now

	m.logClose(lot, realized, exitQuantity, true)
	return lot, nil
}

// CloseAtMarket submits a close order through the execution adapter and
// closes at the fill price. Used by the exit monitor.
func (m *Manager) CloseAtMarket(ctx context.Context, pos *Position, exitQuantity float64) (*Position, error) {
	fill, err := m.exec.SubmitOrder(ctx, pos.Symbol, pos.Direction, execution.SideClose, exitQuantity)
	if err != nil {
		return nil, fmt.Errorf("close order submission failed: %w", err)
	}
	return m.ClosePosition(ctx, pos, fill.Price, fill.Quantity)
}

// Lookup retrieves a position by ID.
func (m *Manager) Lookup(ctx context.Context, id string) (*Position, error) {
	return m.store.Get(ctx, id)
}

// OpenPositions returns all currently OPEN positions.
func (m *Manager) OpenPositions(ctx context.Context) ([]*Position, error) {
	return m.store.ListOpen(ctx)
}

func (m *Manager) logClose(pos *Position, realized, quantity float64, partial bool) {
	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Float64("quantity", quantity).
		Float64("realized_pnl", realized).
		Bool("partial", partial).
		Msg("Position closed")

	if m.bus != nil {
		m.bus.Publish(events.EventPositionClosed, map[string]interface{}{
			"position_id":  pos.ID,
			"symbol":       pos.Symbol,
			"quantity":     quantity,
			"realized_pnl": realized,
			"partial":      partial,
		})
	}
}
