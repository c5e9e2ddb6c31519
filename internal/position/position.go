// Package position holds the position lifecycle state machine: OPEN until
// fully closed, with partial closes peeling off independent closed lots.
package position

import (
	"fmt"
	"time"

	"options-signal-engine/internal/signal"
)

// Status values. CLOSED is terminal.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Position is an open or closed trade. Entry fields are set once at open and
// never change; CurrentPrice/UnrealizedPnL mutate on refresh; exit fields are
// set once at close. A partial close produces a separate CLOSED lot whose
// ParentID references the original position.
type Position struct {
	ID            string           `json:"id"`
	SignalID      string           `json:"signal_id"`
	ParentID      *string          `json:"parent_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Direction     signal.Direction `json:"direction"`
	Quantity      float64          `json:"quantity"`
	EntryPrice    float64          `json:"entry_price"`
	EntryTime     time.Time        `json:"entry_time"`
	CurrentPrice  float64          `json:"current_price"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
	ExitPrice     *float64         `json:"exit_price,omitempty"`
	ExitTime      *time.Time       `json:"exit_time,omitempty"`
	RealizedPnL   *float64         `json:"realized_pnl,omitempty"`
	Status        Status           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// InvalidCloseError reports an over-close or a close on an already-closed
// position. It is always propagated to the caller, never swallowed.
type InvalidCloseError struct {
	PositionID string
	Reason     string
}

func (e *InvalidCloseError) Error() string {
	return fmt.Sprintf("invalid close on position %s: %s", e.PositionID, e.Reason)
}
