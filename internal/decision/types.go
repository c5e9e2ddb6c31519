package decision

import (
	"time"

	"options-signal-engine/internal/signal"
)

// Decision is the orchestrator's verdict.
type Decision string

const (
	DecisionEnter  Decision = "ENTER"
	DecisionReject Decision = "REJECT"
	DecisionExit   Decision = "EXIT"
	DecisionHold   Decision = "HOLD"
)

// Exit rule identifiers, in priority order.
const (
	RuleProfitTarget = "profit_target"
	RuleStopLoss     = "stop_loss"
	RuleGEXFlip      = "gex_flip"
	RuleTimeExit     = "time_exit"
)

// Calculations records every intermediate term of a decision so the audit
// trail can reproduce the final numbers. Confidence terms are additive and
// clamped to [0,100] once at the end; sizing terms are multiplicative and
// clamped to the configured ceiling.
type Calculations struct {
	BaseConfidence         float64 `json:"base_confidence"`
	ContextAdjustment      float64 `json:"context_adjustment"`
	PositioningAdjustment  float64 `json:"positioning_adjustment"`
	GEXAdjustment          float64 `json:"gex_adjustment"`
	FinalConfidence        float64 `json:"final_confidence"`

	BaseSizing           float64 `json:"base_sizing"`
	KellyMultiplier      float64 `json:"kelly_multiplier"`
	RegimeMultiplier     float64 `json:"regime_multiplier"`
	ConfluenceMultiplier float64 `json:"confluence_multiplier"`
	FinalSize            float64 `json:"final_size"`
}

// Result is an immutable audit record of one entry or exit decision.
type Result struct {
	Decision     Decision       `json:"decision"`
	Signal       *signal.Signal `json:"signal,omitempty"`
	PositionID   string         `json:"position_id,omitempty"`
	Confidence   float64        `json:"confidence"`
	PositionSize float64        `json:"position_size"`
	EntryPrice   float64        `json:"entry_price,omitempty"`
	ExitRule     string         `json:"exit_rule,omitempty"`
	Reasoning    []string       `json:"reasoning"`
	Calculations Calculations   `json:"calculations"`
	Degraded     []string       `json:"degraded,omitempty"` // optional inputs that defaulted to zero
	CreatedAt    time.Time      `json:"created_at"`
}

// PositionSnapshot is the slice of position state the exit path needs. It is
// a value type so the orchestrator stays decoupled from position storage.
type PositionSnapshot struct {
	ID         string
	Symbol     string
	Direction  signal.Direction
	EntryPrice float64
	Quantity   float64
	EntryTime  time.Time
}

// ExitContext carries the market state an exit evaluation runs against.
type ExitContext struct {
	CurrentPrice     float64
	TimeToExpiration time.Duration
	HasExpiration    bool
	GEXFlipped       bool
	Now              time.Time
}
