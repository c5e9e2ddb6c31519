package decision

import (
	"context"
	"testing"
	"time"

	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/signal"
	"options-signal-engine/internal/validator"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func validResult() *validator.Result {
	return &validator.Result{
		Valid: true,
		Checks: validator.Checks{
			Cooldown: true, MarketHours: true, MTF: true, Confluence: true, TimeFilters: true,
		},
	}
}

func testSignal() *signal.Signal {
	return &signal.Signal{
		ID:        "t-entry",
		Source:    signal.SourceTradingView,
		Symbol:    "SPY",
		Direction: signal.DirectionCall,
		Timeframe: "5m",
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{},
	}
}

// favorableProvider seeds a bullish, calm, amplifying backdrop.
func favorableProvider() *marketdata.PaperProvider {
	p := marketdata.NewPaperProvider()
	p.SetPrice("SPY", 500)
	p.ApplyContext(marketdata.ContextUpdate{
		VIX:    floatPtr(13),
		Trend:  strPtr(marketdata.TrendBullish),
		Regime: strPtr(marketdata.RegimeTrending),
		Bias:   strPtr("long"),
	})
	p.SetPositioning("SPY", &marketdata.Positioning{
		GEX:        -1.2e9,
		Support:    499,
		Resistance: 520,
	})
	return p
}

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func TestEntryDecisionEnterOnFavorableConditions(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	res := o.OrchestrateEntryDecision(context.Background(), testSignal(), validResult())
	if res.Decision != DecisionEnter {
		t.Fatalf("Expected ENTER, got %s (reasoning: %v)", res.Decision, res.Reasoning)
	}

	c := res.Calculations
	// base 50, trend +10, VIX +5, bias +5, support +8, GEX +7 = 85
	if c.FinalConfidence != 85 {
		t.Errorf("Expected final confidence 85, got %.1f", c.FinalConfidence)
	}
	sum := c.BaseConfidence + c.ContextAdjustment + c.PositioningAdjustment + c.GEXAdjustment
	if sum != c.FinalConfidence {
		t.Errorf("Unclamped sum %.1f should equal final confidence %.1f", sum, c.FinalConfidence)
	}
	if res.PositionSize <= 0 {
		t.Error("Expected a positive position size")
	}
	product := c.BaseSizing * c.KellyMultiplier * c.RegimeMultiplier * c.ConfluenceMultiplier
	if product != c.FinalSize && c.FinalSize != DefaultConfig().MaxPositionSize {
		t.Errorf("Final size %.2f is neither the product %.2f nor the ceiling", c.FinalSize, product)
	}
	if res.EntryPrice != 500 {
		t.Errorf("Expected entry price 500, got %.2f", res.EntryPrice)
	}
	if len(res.Reasoning) == 0 {
		t.Error("Expected reasoning to be populated")
	}
}

func TestEntryDecisionRejectsInvalidValidation(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	vr := &validator.Result{Valid: false, RejectionReason: "market is closed"}
	res := o.OrchestrateEntryDecision(context.Background(), testSignal(), vr)
	if res.Decision != DecisionReject {
		t.Fatalf("Expected REJECT, got %s", res.Decision)
	}
	if res.Reasoning[0] != "validation rejected: market is closed" {
		t.Errorf("Expected validation reason first, got %q", res.Reasoning[0])
	}
}

func TestEntryDecisionFatalOnMissingBasePrice(t *testing.T) {
	p := favorableProvider()
	p.FailPrices(true)
	o := NewOrchestrator(DefaultConfig(), p, testLogger())

	res := o.OrchestrateEntryDecision(context.Background(), testSignal(), validResult())
	if res.Decision != DecisionReject {
		t.Fatalf("Expected REJECT on base price outage, got %s", res.Decision)
	}
	if len(res.Degraded) != 0 {
		t.Error("A fatal base data failure is not degraded mode")
	}
}

func TestEntryDecisionFatalOnMissingContext(t *testing.T) {
	p := favorableProvider()
	p.FailContext(true)
	o := NewOrchestrator(DefaultConfig(), p, testLogger())

	res := o.OrchestrateEntryDecision(context.Background(), testSignal(), validResult())
	if res.Decision != DecisionReject {
		t.Fatalf("Expected REJECT on context outage, got %s", res.Decision)
	}
}

func TestEntryDecisionDegradesOnMissingPositioning(t *testing.T) {
	p := favorableProvider()
	p.FailPositioning(true)
	o := NewOrchestrator(DefaultConfig(), p, testLogger())

	res := o.OrchestrateEntryDecision(context.Background(), testSignal(), validResult())
	// base 50, trend +10, VIX +5, bias +5 = 70; positioning terms zeroed.
	if res.Decision != DecisionEnter {
		t.Fatalf("Expected ENTER in degraded mode, got %s (reasoning: %v)", res.Decision, res.Reasoning)
	}
	if res.Calculations.PositioningAdjustment != 0 || res.Calculations.GEXAdjustment != 0 {
		t.Error("Degraded positioning terms should be zero")
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != "positioning" {
		t.Errorf("Expected degraded=[positioning], got %v", res.Degraded)
	}
	if res.Calculations.FinalConfidence != 70 {
		t.Errorf("Expected confidence 70, got %.1f", res.Calculations.FinalConfidence)
	}
}

func TestEntryDecisionRejectsBelowThreshold(t *testing.T) {
	p := marketdata.NewPaperProvider()
	p.SetPrice("SPY", 500)
	p.ApplyContext(marketdata.ContextUpdate{
		VIX:    floatPtr(32),
		Trend:  strPtr(marketdata.TrendBearish),
		Regime: strPtr(marketdata.RegimeVolatile),
		Bias:   strPtr("short"),
	})
	o := NewOrchestrator(DefaultConfig(), p, testLogger())

	// A CALL against a bearish, high-VIX tape: base 50 -15 -10 -5 = 20.
	res := o.OrchestrateEntryDecision(context.Background(), testSignal(), validResult())
	if res.Decision != DecisionReject {
		t.Fatalf("Expected REJECT below threshold, got %s", res.Decision)
	}
	if res.Calculations.FinalConfidence != 20 {
		t.Errorf("Expected confidence 20, got %.1f", res.Calculations.FinalConfidence)
	}
	found := false
	for _, r := range res.Reasoning {
		if r == "confidence 20.0 below threshold 60.0" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected disqualifying factor in reasoning, got %v", res.Reasoning)
	}
}

func TestConfidenceClampIsIdempotent(t *testing.T) {
	cases := []float64{-40, 0, 55, 100, 140, 260}
	for _, v := range cases {
		once := clamp(v, 0, 100)
		twice := clamp(once, 0, 100)
		if once != twice {
			t.Errorf("clamp(%v) not stable: %v vs %v", v, once, twice)
		}
		if once < 0 || once > 100 {
			t.Errorf("clamp(%v) = %v outside [0,100]", v, once)
		}
	}
}

func TestSizingClampedToCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseSizing = 50
	cfg.MaxPositionSize = 10
	o := NewOrchestrator(cfg, favorableProvider(), testLogger())

	res := o.OrchestrateEntryDecision(context.Background(), testSignal(), validResult())
	if res.Calculations.FinalSize != 10 {
		t.Errorf("Expected sizing clamped to 10, got %.2f", res.Calculations.FinalSize)
	}
}

func TestKellyMultiplierDefaultsToUnity(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())
	if m := o.kellyMultiplier(); m != 1.0 {
		t.Errorf("Expected default Kelly multiplier 1.0, got %.4f", m)
	}

	// Negative edge collapses sizing to zero.
	cfg := DefaultConfig()
	cfg.KellyWinRate = 0.30
	cfg.KellyAvgWin = 1.0
	o = NewOrchestrator(cfg, favorableProvider(), testLogger())
	if m := o.kellyMultiplier(); m != 0 {
		t.Errorf("Expected zero Kelly multiplier on negative edge, got %.4f", m)
	}
}

// ============================================================================
// EXIT PATH
// ============================================================================

func snapshot(entry float64, held time.Duration) PositionSnapshot {
	return PositionSnapshot{
		ID:         "p-1",
		Symbol:     "SPY",
		Direction:  signal.DirectionCall,
		EntryPrice: entry,
		Quantity:   2,
		EntryTime:  time.Now().Add(-held),
	}
}

func TestExitDecisionProfitTarget(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	res := o.OrchestrateExitDecision(snapshot(4.00, time.Hour), ExitContext{CurrentPrice: 5.20})
	if res.Decision != DecisionExit || res.ExitRule != RuleProfitTarget {
		t.Errorf("Expected profit target exit, got %s/%s", res.Decision, res.ExitRule)
	}
}

func TestExitDecisionStopLoss(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	res := o.OrchestrateExitDecision(snapshot(4.00, time.Hour), ExitContext{CurrentPrice: 3.20})
	if res.Decision != DecisionExit || res.ExitRule != RuleStopLoss {
		t.Errorf("Expected stop loss exit, got %s/%s", res.Decision, res.ExitRule)
	}
}

func TestExitPriorityStopLossBeatsTimeExit(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	// Both stop loss and max-hold conditions hold simultaneously.
	res := o.OrchestrateExitDecision(snapshot(4.00, 6*time.Hour), ExitContext{CurrentPrice: 3.00})
	if res.ExitRule != RuleStopLoss {
		t.Errorf("Stop loss must outrank time exit, got %s", res.ExitRule)
	}

	// Deterministic across repeated evaluations.
	for i := 0; i < 5; i++ {
		if r := o.OrchestrateExitDecision(snapshot(4.00, 6*time.Hour), ExitContext{CurrentPrice: 3.00}); r.ExitRule != RuleStopLoss {
			t.Fatalf("Exit priority not deterministic on run %d: %s", i, r.ExitRule)
		}
	}
}

func TestExitPriorityProfitTargetBeatsEverything(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	res := o.OrchestrateExitDecision(snapshot(4.00, 6*time.Hour), ExitContext{
		CurrentPrice: 5.50,
		GEXFlipped:   true,
	})
	if res.ExitRule != RuleProfitTarget {
		t.Errorf("Profit target must win, got %s", res.ExitRule)
	}
}

func TestExitDecisionGEXFlip(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	res := o.OrchestrateExitDecision(snapshot(4.00, time.Hour), ExitContext{
		CurrentPrice: 4.10,
		GEXFlipped:   true,
	})
	if res.Decision != DecisionExit || res.ExitRule != RuleGEXFlip {
		t.Errorf("Expected GEX flip exit, got %s/%s", res.Decision, res.ExitRule)
	}
}

func TestExitDecisionTimeExitOnExpiry(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	res := o.OrchestrateExitDecision(snapshot(4.00, time.Hour), ExitContext{
		CurrentPrice:     4.05,
		HasExpiration:    true,
		TimeToExpiration: 30 * time.Minute,
	})
	if res.Decision != DecisionExit || res.ExitRule != RuleTimeExit {
		t.Errorf("Expected time exit near expiration, got %s/%s", res.Decision, res.ExitRule)
	}
}

func TestExitDecisionHold(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), favorableProvider(), testLogger())

	res := o.OrchestrateExitDecision(snapshot(4.00, time.Hour), ExitContext{CurrentPrice: 4.10})
	if res.Decision != DecisionHold {
		t.Errorf("Expected HOLD, got %s (%v)", res.Decision, res.Reasoning)
	}
	if res.ExitRule != "" {
		t.Errorf("HOLD should not name an exit rule, got %s", res.ExitRule)
	}
}
