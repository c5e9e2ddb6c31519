// Package decision computes entry and exit decisions for validated signals:
// layered confidence scoring, Kelly-based position sizing and the
// priority-ordered exit rules.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/signal"
	"options-signal-engine/internal/validator"
)

// Config holds orchestrator configuration
type Config struct {
	MinConfidence   float64 `json:"min_confidence"`    // entry threshold on the 0-100 scale
	BaseSizing      float64 `json:"base_sizing"`       // contracts before multipliers
	MaxPositionSize float64 `json:"max_position_size"` // hard sizing ceiling in contracts

	// Kelly estimation inputs. Half-Kelly capped at 25% is the working
	// fraction; the multiplier is normalized so these defaults produce 1.0.
	KellyWinRate float64 `json:"kelly_win_rate"`
	KellyAvgWin  float64 `json:"kelly_avg_win"`
	KellyAvgLoss float64 `json:"kelly_avg_loss"`

	// Exit rule thresholds.
	ProfitTargetPercent float64       `json:"profit_target_percent"`
	StopLossPercent     float64       `json:"stop_loss_percent"`
	MaxHoldDuration     time.Duration `json:"max_hold_duration"`
	ExpiryExitThreshold time.Duration `json:"expiry_exit_threshold"`
}

// UnmarshalJSON accepts the hold and expiry thresholds as either duration
// strings ("4h") or nanosecond integers.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := struct {
		MaxHoldDuration     *flexDuration `json:"max_hold_duration"`
		ExpiryExitThreshold *flexDuration `json:"expiry_exit_threshold"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.MaxHoldDuration != nil {
		c.MaxHoldDuration = time.Duration(*aux.MaxHoldDuration)
	}
	if aux.ExpiryExitThreshold != nil {
		c.ExpiryExitThreshold = time.Duration(*aux.ExpiryExitThreshold)
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

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:       60,
		BaseSizing:          2,
		MaxPositionSize:     10,
		KellyWinRate:        0.55,
		KellyAvgWin:         1.5,
		KellyAvgLoss:        1.0,
		ProfitTargetPercent: 25,
		StopLossPercent:     15,
		MaxHoldDuration:     4 * time.Hour,
		ExpiryExitThreshold: 45 * time.Minute,
	}
}

// baseConfidence per signal source. Manual signals carry the most conviction,
// webhook alerts the least.
var baseConfidenceBySource = map[signal.Source]float64{
	signal.SourceTradingView: 50,
	signal.SourceGEX:         55,
	signal.SourceMTF:         55,
	signal.SourceManual:      65,
}

// Orchestrator computes entry and exit decisions.
type Orchestrator struct {
	config   Config
	provider marketdata.Provider
	logger   *logging.Logger
	now      func() time.Time
}

// NewOrchestrator creates a decision orchestrator.
func NewOrchestrator(cfg Config, provider marketdata.Provider, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		config:   cfg,
		provider: provider,
		logger:   logger.WithComponent("orchestrator"),
		now:      time.Now,
	}
}

// ============================================================================
// ENTRY PATH
// ============================================================================

// OrchestrateEntryDecision computes the layered confidence score and position
// size for a validated signal. Optional positioning data failing degrades the
// decision (terms default to zero); base price or context failing is fatal
// and produces a REJECT.
func (o *Orchestrator) OrchestrateEntryDecision(ctx context.Context, sig *signal.Signal, vr *validator.Result) *Result {
	res := &Result{
		Signal:    sig,
		Reasoning: make([]string, 0, 8),
		CreatedAt: o.now(),
	}
	log := o.logger.WithTrackingID(sig.ID)

	if vr == nil || !vr.Valid {
		res.Decision = DecisionReject
		reason := "validation failed"
		if vr != nil && vr.RejectionReason != "" {
			reason = vr.RejectionReason
		}
		res.Reasoning = append(res.Reasoning, "validation rejected: "+reason)
		return res
	}

	// Base price and context are mandatory inputs: sizing cannot be computed
	// without them, so their absence rejects rather than degrades.
	price, err := o.provider.GetCurrentPrice(ctx, sig.Symbol)
	if err != nil {
		res.Decision = DecisionReject
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("fatal market data error: no base price for %s", sig.Symbol))
		log.Error("Entry rejected, base price unavailable", "symbol", sig.Symbol, "error", err)
		return res
	}
	res.EntryPrice = price

	mc, err := o.provider.GetContext(ctx)
	if err != nil {
		res.Decision = DecisionReject
		res.Reasoning = append(res.Reasoning, "fatal market data error: market context unavailable")
		log.Error("Entry rejected, market context unavailable", "error", err)
		return res
	}

	// Positioning (including GEX) is an optional adjustment source: its
	// terms default to zero in degraded mode.
	pos, err := o.provider.GetPositioning(ctx, sig.Symbol)
	if err != nil {
		pos = nil
		res.Degraded = append(res.Degraded, "positioning")
		log.Warn("Degraded mode: positioning unavailable, adjustments zeroed",
			"symbol", sig.Symbol, "error", err)
	}

	calc := &res.Calculations

	calc.BaseConfidence = baseConfidenceBySource[sig.Source]
	if calc.BaseConfidence == 0 {
		calc.BaseConfidence = baseConfidenceBySource[signal.SourceTradingView]
	}
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("base confidence %.0f for source %s", calc.BaseConfidence, sig.Source))

	calc.ContextAdjustment = o.contextAdjustment(sig, mc, res)
	calc.PositioningAdjustment = o.positioningAdjustment(sig, price, pos, res)
	calc.GEXAdjustment = o.gexAdjustment(sig, pos, res)

	// Single clamp at the end, per the additive contract.
	calc.FinalConfidence = clamp(
		calc.BaseConfidence+calc.ContextAdjustment+calc.PositioningAdjustment+calc.GEXAdjustment,
		0, 100)
	res.Confidence = calc.FinalConfidence

	calc.BaseSizing = o.config.BaseSizing
	calc.KellyMultiplier = o.kellyMultiplier()
	calc.RegimeMultiplier = o.regimeMultiplier(mc)
	calc.ConfluenceMultiplier = o.confluenceMultiplier(sig)
	calc.FinalSize = clamp(
		calc.BaseSizing*calc.KellyMultiplier*calc.RegimeMultiplier*calc.ConfluenceMultiplier,
		0, o.config.MaxPositionSize)
	res.PositionSize = calc.FinalSize
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("sizing %.2f = %.2f x %.2f x %.2f x %.2f (max %.2f)",
			calc.FinalSize, calc.BaseSizing, calc.KellyMultiplier,
			calc.RegimeMultiplier, calc.ConfluenceMultiplier, o.config.MaxPositionSize))

	// Disqualifying factors are reported in evaluation order.
	disqualified := false
	if calc.FinalConfidence < o.config.MinConfidence {
		disqualified = true
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("confidence %.1f below threshold %.1f", calc.FinalConfidence, o.config.MinConfidence))
	}
	if calc.FinalSize <= 0 {
		disqualified = true
		res.Reasoning = append(res.Reasoning, "position size is zero after clamping")
	}

	if disqualified {
		res.Decision = DecisionReject
	} else {
		res.Decision = DecisionEnter
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("enter %s %s, confidence %.1f, size %.2f",
				sig.Symbol, sig.Direction, calc.FinalConfidence, calc.FinalSize))
	}

	log.Info("Entry decision",
		"decision", string(res.Decision),
		"confidence", calc.FinalConfidence,
		"size", calc.FinalSize,
		"degraded", len(res.Degraded) > 0)
	return res
}

// contextAdjustment scores trend/bias agreement and the VIX backdrop.
func (o *Orchestrator) contextAdjustment(sig *signal.Signal, mc *marketdata.MarketContext, res *Result) float64 {
	adj := 0.0

	switch {
	case mc.Trend == marketdata.TrendBullish && sig.Direction == signal.DirectionCall,
		mc.Trend == marketdata.TrendBearish && sig.Direction == signal.DirectionPut:
		adj += 10
		res.Reasoning = append(res.Reasoning, "trend agrees with direction (+10)")
	case mc.Trend == marketdata.TrendBullish && sig.Direction == signal.DirectionPut,
		mc.Trend == marketdata.TrendBearish && sig.Direction == signal.DirectionCall:
		adj -= 15
		res.Reasoning = append(res.Reasoning, "trend opposes direction (-15)")
	}

	switch {
	case mc.VIX >= 30:
		adj -= 10
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("VIX %.1f elevated (-10)", mc.VIX))
	case mc.VIX >= 20:
		adj -= 5
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("VIX %.1f raised (-5)", mc.VIX))
	case mc.VIX > 0 && mc.VIX < 15:
		adj += 5
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("VIX %.1f calm (+5)", mc.VIX))
	}

	switch {
	case mc.Bias == "long" && sig.Direction == signal.DirectionCall,
		mc.Bias == "short" && sig.Direction == signal.DirectionPut:
		adj += 5
		res.Reasoning = append(res.Reasoning, "bias agrees with direction (+5)")
	case mc.Bias == "long" && sig.Direction == signal.DirectionPut,
		mc.Bias == "short" && sig.Direction == signal.DirectionCall:
		adj -= 5
		res.Reasoning = append(res.Reasoning, "bias opposes direction (-5)")
	}

	return adj
}

// positioningAdjustment scores price location against dealer support and
// resistance levels. Zero when positioning is degraded.
func (o *Orchestrator) positioningAdjustment(sig *signal.Signal, price float64, pos *marketdata.Positioning, res *Result) float64 {
	if pos == nil || price <= 0 {
		return 0
	}

	adj := 0.0
	if pos.Support > 0 {
		distance := (price - pos.Support) / price * 100
		if distance >= 0 && distance <= 1.0 {
			if sig.Direction == signal.DirectionCall {
				adj += 8
				res.Reasoning = append(res.Reasoning, "price at support, favorable for calls (+8)")
			} else {
				adj -= 8
				res.Reasoning = append(res.Reasoning, "price at support, unfavorable for puts (-8)")
			}
		}
	}
	if pos.Resistance > 0 {
		distance := (pos.Resistance - price) / price * 100
		if distance >= 0 && distance <= 1.0 {
			if sig.Direction == signal.DirectionPut {
				adj += 8
				res.Reasoning = append(res.Reasoning, "price at resistance, favorable for puts (+8)")
			} else {
				adj -= 8
				res.Reasoning = append(res.Reasoning, "price at resistance, unfavorable for calls (-8)")
			}
		}
	}
	return adj
}

// gexAdjustment scores the gamma exposure backdrop. Negative GEX means
// dealers amplify moves, which favors directional entries; a recent flip adds
// conviction for momentum in the new direction.
func (o *Orchestrator) gexAdjustment(sig *signal.Signal, pos *marketdata.Positioning, res *Result) float64 {
	if pos == nil {
		return 0
	}

	adj := 0.0
	if pos.GEX < 0 {
		adj += 7
		res.Reasoning = append(res.Reasoning, "negative GEX amplifies moves (+7)")
	} else if pos.GEX > 0 {
		adj -= 4
		res.Reasoning = append(res.Reasoning, "positive GEX pins price (-4)")
	}
	if pos.GEXFlipped {
		adj += 5
		res.Reasoning = append(res.Reasoning, "recent GEX flip (+5)")
	}
	return adj
}

// kellyMultiplier converts the half-Kelly fraction into a sizing multiplier.
// The default edge estimate (55% win rate at 1.5:1) normalizes to 1.0.
func (o *Orchestrator) kellyMultiplier() float64 {
	p := o.config.KellyWinRate
	b := o.config.KellyAvgWin / o.config.KellyAvgLoss
	if b <= 0 || p <= 0 || p >= 1 {
		return 0
	}
	kelly := (b*p - (1 - p)) / b
	if kelly < 0 {
		kelly = 0
	}
	halfKelly := math.Min(kelly/2, 0.25)
	return clamp(halfKelly/0.125, 0, 2)
}

func (o *Orchestrator) regimeMultiplier(mc *marketdata.MarketContext) float64 {
	if mc.VIX >= 30 {
		return 0.5
	}
	switch mc.Regime {
	case marketdata.RegimeTrending:
		return 1.2
	case marketdata.RegimeVolatile:
		return 0.6
	case marketdata.RegimeRanging:
		return 0.8
	default:
		return 1.0
	}
}

// confluenceMultiplier scales size with the strength of supporting evidence.
func (o *Orchestrator) confluenceMultiplier(sig *signal.Signal) float64 {
	score, ok := confluenceScore(sig)
	if !ok {
		return 1.0
	}
	switch {
	case score >= 80:
		return 1.25
	case score >= 60:
		return 1.0
	default:
		return 0.75
	}
}

func confluenceScore(sig *signal.Signal) (float64, bool) {
	v, ok := sig.Metadata["confluence"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// ============================================================================
// EXIT PATH
// ============================================================================

// OrchestrateExitDecision evaluates the exit rules in fixed priority order:
// profit target → stop loss → GEX flip → time exit. The first matching rule
// wins and is named in the result, even when lower-priority rules also match.
func (o *Orchestrator) OrchestrateExitDecision(pos PositionSnapshot, ec ExitContext) *Result {
	res := &Result{
		PositionID: pos.ID,
		Reasoning:  make([]string, 0, 2),
		CreatedAt:  o.now(),
	}

	now := ec.Now
	if now.IsZero() {
		now = o.now()
	}

	pnlPercent := 0.0
	if pos.EntryPrice > 0 {
		pnlPercent = (ec.CurrentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}

	if pnlPercent >= o.config.ProfitTargetPercent {
		res.Decision = DecisionExit
		res.ExitRule = RuleProfitTarget
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("profit target: up %.1f%% against target %.1f%%", pnlPercent, o.config.ProfitTargetPercent))
		return res
	}

	if pnlPercent <= -o.config.StopLossPercent {
		res.Decision = DecisionExit
		res.ExitRule = RuleStopLoss
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("stop loss: down %.1f%% against stop %.1f%%", -pnlPercent, o.config.StopLossPercent))
		return res
	}

	if ec.GEXFlipped {
		res.Decision = DecisionExit
		res.ExitRule = RuleGEXFlip
		res.Reasoning = append(res.Reasoning, "gex flip: positioning regime reversed against the position")
		return res
	}

	held := now.Sub(pos.EntryTime)
	if o.config.MaxHoldDuration > 0 && held >= o.config.MaxHoldDuration {
		res.Decision = DecisionExit
		res.ExitRule = RuleTimeExit
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("time exit: held %s beyond max hold %s", held.Round(time.Minute), o.config.MaxHoldDuration))
		return res
	}
	if ec.HasExpiration && ec.TimeToExpiration <= o.config.ExpiryExitThreshold {
		res.Decision = DecisionExit
		res.ExitRule = RuleTimeExit
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("time exit: %s to expiration", ec.TimeToExpiration.Round(time.Minute)))
		return res
	}

	res.Decision = DecisionHold
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("hold: pnl %.1f%%, held %s", pnlPercent, held.Round(time.Minute)))
	return res
}

// Clamp bounds v to [lo, hi]. Clamping an already-clamped value is a no-op.
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
