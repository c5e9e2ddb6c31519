package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/signal"
)

// tradingHour is a Tuesday 11:00 ET, well inside the session and outside the
// open/close filter windows.
var tradingHour = time.Date(2026, 3, 3, 11, 0, 0, 0, mustLoadET())

func mustLoadET() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

type stubAlignment struct {
	aligned bool
	err     error
}

func (s *stubAlignment) Aligned(context.Context, string, signal.Direction) (bool, error) {
	return s.aligned, s.err
}

type stubConfluence struct {
	score float64
	err   error
}

func (s *stubConfluence) Score(context.Context, string, signal.Direction) (float64, error) {
	return s.score, s.err
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func newTestValidator(alignment AlignmentProvider, confluence ConfluenceProvider) *Validator {
	v := New(DefaultConfig(), alignment, confluence, testLogger())
	v.now = func() time.Time { return tradingHour }
	return v
}

func testSignal() *signal.Signal {
	return &signal.Signal{
		ID:        "t-1",
		Source:    signal.SourceTradingView,
		Symbol:    "SPY",
		Direction: signal.DirectionCall,
		Timeframe: "5m",
		Timestamp: tradingHour,
		Metadata:  map[string]interface{}{},
	}
}

func TestValidateAllChecksPass(t *testing.T) {
	v := newTestValidator(&stubAlignment{aligned: true}, &stubConfluence{score: 75})

	res := v.Validate(context.Background(), testSignal())
	if !res.Valid {
		t.Fatalf("Expected valid result, got rejection: %s", res.RejectionReason)
	}
	if !res.Checks.Cooldown || !res.Checks.MarketHours || !res.Checks.MTF || !res.Checks.Confluence || !res.Checks.TimeFilters {
		t.Errorf("Expected all checks true, got %+v", res.Checks)
	}
}

func TestValidateCooldownBlocksRepeatEntry(t *testing.T) {
	v := newTestValidator(&stubAlignment{aligned: true}, &stubConfluence{score: 75})
	sig := testSignal()

	v.MarkAccepted(sig)
	res := v.Validate(context.Background(), sig)
	if res.Valid {
		t.Fatal("Expected cooldown rejection after accepted entry")
	}
	if res.Checks.Cooldown {
		t.Error("Cooldown check should be false")
	}
	if res.RejectionReason == "" {
		t.Error("Expected a rejection reason")
	}

	// Opposite direction is a different cooldown key.
	put := testSignal()
	put.Direction = signal.DirectionPut
	if res := v.Validate(context.Background(), put); !res.Valid {
		t.Errorf("PUT should not share the CALL cooldown: %s", res.RejectionReason)
	}

	// After the cooldown elapses the same signal passes again.
	v.now = func() time.Time { return tradingHour.Add(20 * time.Minute) }
	if res := v.Validate(context.Background(), sig); !res.Valid {
		t.Errorf("Expected pass after cooldown elapsed, got %s", res.RejectionReason)
	}
}

func TestValidateMarketHours(t *testing.T) {
	v := newTestValidator(&stubAlignment{aligned: true}, &stubConfluence{score: 75})

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"saturday", time.Date(2026, 3, 7, 11, 0, 0, 0, mustLoadET()), false},
		{"premarket", time.Date(2026, 3, 3, 8, 0, 0, 0, mustLoadET()), false},
		{"after close", time.Date(2026, 3, 3, 16, 30, 0, 0, mustLoadET()), false},
		{"midday", tradingHour, true},
	}
	for _, tc := range cases {
		v.now = func() time.Time { return tc.at }
		res := v.Validate(context.Background(), testSignal())
		if res.Checks.MarketHours != tc.want {
			t.Errorf("%s: market hours check = %v, want %v", tc.name, res.Checks.MarketHours, tc.want)
		}
	}
}

func TestValidateTimeFilters(t *testing.T) {
	v := newTestValidator(&stubAlignment{aligned: true}, &stubConfluence{score: 75})

	// 9:35 ET: inside the skip-open window but inside market hours.
	v.now = func() time.Time { return time.Date(2026, 3, 3, 9, 35, 0, 0, mustLoadET()) }
	res := v.Validate(context.Background(), testSignal())
	if res.Valid {
		t.Fatal("Expected time filter rejection near the open")
	}
	if !res.Checks.MarketHours {
		t.Error("Market hours check should still pass at 9:35")
	}
	if res.Checks.TimeFilters {
		t.Error("Time filter check should fail at 9:35")
	}

	// 15:50 ET: inside the skip-close window.
	v.now = func() time.Time { return time.Date(2026, 3, 3, 15, 50, 0, 0, mustLoadET()) }
	if res := v.Validate(context.Background(), testSignal()); res.Checks.TimeFilters {
		t.Error("Time filter check should fail at 15:50")
	}
}

func TestValidateMTFGate(t *testing.T) {
	v := newTestValidator(&stubAlignment{aligned: false}, &stubConfluence{score: 75})
	res := v.Validate(context.Background(), testSignal())
	if res.Valid || res.Checks.MTF {
		t.Error("Expected MTF rejection when timeframes disagree")
	}

	// Provider error passes the gate instead of blocking the signal.
	v = newTestValidator(&stubAlignment{err: errors.New("feed down")}, &stubConfluence{score: 75})
	if res := v.Validate(context.Background(), testSignal()); !res.Checks.MTF {
		t.Error("MTF check should pass when alignment data is unavailable")
	}
}

func TestValidateConfluenceGate(t *testing.T) {
	v := newTestValidator(&stubAlignment{aligned: true}, &stubConfluence{score: 40})
	res := v.Validate(context.Background(), testSignal())
	if res.Valid || res.Checks.Confluence {
		t.Error("Expected confluence rejection below minimum")
	}

	// Metadata score takes precedence over the provider.
	sig := testSignal()
	sig.Metadata["confluence"] = 90.0
	if res := v.Validate(context.Background(), sig); !res.Checks.Confluence {
		t.Error("Metadata confluence of 90 should pass")
	}
}

func TestRejectionReasonIsFirstFailureInOrder(t *testing.T) {
	// Both cooldown and confluence fail: reason must cite cooldown.
	v := newTestValidator(&stubAlignment{aligned: true}, &stubConfluence{score: 10})
	sig := testSignal()
	v.MarkAccepted(sig)

	res := v.Validate(context.Background(), sig)
	if res.Valid {
		t.Fatal("Expected rejection")
	}
	if res.Checks.Confluence {
		t.Error("Confluence check should also fail")
	}
	want := "cooldown active for SPY CALL"
	if res.RejectionReason != want {
		t.Errorf("Expected first-failure reason %q, got %q", want, res.RejectionReason)
	}

	// Re-running yields the identical reason.
	res2 := v.Validate(context.Background(), sig)
	if res2.RejectionReason != res.RejectionReason {
		t.Errorf("Rejection reason not deterministic: %q vs %q", res.RejectionReason, res2.RejectionReason)
	}
}
