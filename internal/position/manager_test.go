package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/events"
	"options-signal-engine/internal/execution"
	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/signal"
)

func newTestManager(t *testing.T) (*Manager, *marketdata.PaperProvider, *MemoryStore) {
	t.Helper()
	provider := marketdata.NewPaperProvider()
	provider.SetPrice("SPY", 4.00)
	adapter := execution.NewPaperAdapter(provider, 0, logging.New(&logging.Config{Level: "ERROR", Output: "stderr"}))
	store := NewMemoryStore()
	mgr := NewManager(store, adapter, events.NewEventBus(), zerolog.Nop())
	return mgr, provider, store
}

func enterDecision(size float64) *decision.Result {
	return &decision.Result{
		Decision:     decision.DecisionEnter,
		PositionSize: size,
		Confidence:   75,
		Signal: &signal.Signal{
			ID:        "sig-1",
			Symbol:    "SPY",
			Direction: signal.DirectionCall,
			Timeframe: "5m",
			Timestamp: time.Now(),
		},
	}
}

func TestOpenPosition(t *testing.T) {
	mgr, _, store := newTestManager(t)

	pos, err := mgr.OpenPosition(context.Background(), enterDecision(3))
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if pos.Status != StatusOpen {
		t.Errorf("Expected OPEN, got %s", pos.Status)
	}
	if pos.EntryPrice != 4.00 {
		t.Errorf("Expected entry at fill price 4.00, got %.2f", pos.EntryPrice)
	}
	if pos.Quantity != 3 {
		t.Errorf("Expected quantity 3, got %.2f", pos.Quantity)
	}
	if pos.SignalID != "sig-1" {
		t.Errorf("Expected signal reference sig-1, got %s", pos.SignalID)
	}

	stored, err := store.Get(context.Background(), pos.ID)
	if err != nil || stored.Status != StatusOpen {
		t.Errorf("Position not persisted as OPEN: %v", err)
	}
}

func TestOpenPositionRejectsNonEnterDecision(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	dec := enterDecision(3)
	dec.Decision = decision.DecisionReject
	if _, err := mgr.OpenPosition(context.Background(), dec); err == nil {
		t.Error("Expected error opening position from REJECT decision")
	}
}

func TestOpenPositionPropagatesExecutionError(t *testing.T) {
	provider := marketdata.NewPaperProvider()
	provider.SetPrice("SPY", 4.00)
	adapter := execution.NewPaperAdapter(provider, 0, logging.New(&logging.Config{Level: "ERROR", Output: "stderr"}))
	adapter.Reject(true)
	mgr := NewManager(NewMemoryStore(), adapter, nil, zerolog.Nop())

	_, err := mgr.OpenPosition(context.Background(), enterDecision(3))
	if !errors.Is(err, execution.ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", err)
	}
}

func TestRefreshPrice(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	pos, _ := mgr.OpenPosition(context.Background(), enterDecision(2))

	if err := mgr.RefreshPrice(context.Background(), pos, 4.50); err != nil {
		t.Fatalf("RefreshPrice failed: %v", err)
	}
	if pos.CurrentPrice != 4.50 {
		t.Errorf("Expected current price 4.50, got %.2f", pos.CurrentPrice)
	}
	if pos.UnrealizedPnL != 1.00 {
		t.Errorf("Expected unrealized PnL 1.00, got %.2f", pos.UnrealizedPnL)
	}
	if pos.Status != StatusOpen {
		t.Error("Refresh must not transition state")
	}
}

func TestFullClose(t *testing.T) {
	mgr, _, store := newTestManager(t)
	pos, _ := mgr.OpenPosition(context.Background(), enterDecision(2))

	closed, err := mgr.ClosePosition(context.Background(), pos, 5.00, 2)
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("Expected CLOSED, got %s", closed.Status)
	}
	if closed.RealizedPnL == nil || *closed.RealizedPnL != 2.00 {
		t.Errorf("Expected realized PnL 2.00, got %v", closed.RealizedPnL)
	}

	stored, _ := store.Get(context.Background(), pos.ID)
	if stored.Status != StatusClosed {
		t.Error("Store should reflect the close")
	}
}

func TestPartialCloseProducesIndependentLot(t *testing.T) {
	mgr, _, store := newTestManager(t)
	pos, _ := mgr.OpenPosition(context.Background(), enterDecision(5))

	lot, err := mgr.ClosePosition(context.Background(), pos, 4.80, 2)
	if err != nil {
		t.Fatalf("Partial close failed: %v", err)
	}

	// The lot: fixed quantity, its own realized P&L at the original basis.
	if lot.Status != StatusClosed {
		t.Errorf("Lot should be CLOSED, got %s", lot.Status)
	}
	if lot.Quantity != 2 {
		t.Errorf("Lot quantity should be 2, got %.2f", lot.Quantity)
	}
	wantPnL := (4.80 - 4.00) * 2
	if lot.RealizedPnL == nil || *lot.RealizedPnL != wantPnL {
		t.Errorf("Lot realized PnL should be %.2f, got %v", wantPnL, lot.RealizedPnL)
	}
	if lot.ParentID == nil || *lot.ParentID != pos.ID {
		t.Error("Lot should reference its parent position")
	}

	// The remainder: still OPEN at the original entry price.
	if pos.Status != StatusOpen {
		t.Errorf("Remainder should stay OPEN, got %s", pos.Status)
	}
	if pos.Quantity != 3 {
		t.Errorf("Remainder quantity should be 3, got %.2f", pos.Quantity)
	}
	if pos.EntryPrice != 4.00 {
		t.Errorf("Remainder entry price must not change, got %.2f", pos.EntryPrice)
	}
	if pos.RealizedPnL != nil {
		t.Error("Remainder must not carry realized PnL while OPEN")
	}

	stored, _ := store.Get(context.Background(), pos.ID)
	if stored.Quantity != 3 || stored.Status != StatusOpen {
		t.Errorf("Store remainder mismatch: qty %.2f status %s", stored.Quantity, stored.Status)
	}
}

func TestPartialThenFullCloseTotalsMatchSingleClose(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	pos, _ := mgr.OpenPosition(context.Background(), enterDecision(5))

	lot, err := mgr.ClosePosition(context.Background(), pos, 4.60, 2)
	if err != nil {
		t.Fatalf("Partial close failed: %v", err)
	}
	rest, err := mgr.ClosePosition(context.Background(), pos, 4.60, 3)
	if err != nil {
		t.Fatalf("Final close failed: %v", err)
	}

	total := *lot.RealizedPnL + *rest.RealizedPnL
	wholeAtOnce := (4.60 - 4.00) * 5
	if total != wholeAtOnce {
		t.Errorf("Lot PnLs %.2f should equal single close %.2f at equal prices", total, wholeAtOnce)
	}
}

func TestInvalidCloses(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	pos, _ := mgr.OpenPosition(context.Background(), enterDecision(2))

	// Over-close.
	_, err := mgr.ClosePosition(context.Background(), pos, 5.00, 3)
	var ice *InvalidCloseError
	if !errors.As(err, &ice) {
		t.Errorf("Expected InvalidCloseError on over-close, got %v", err)
	}

	// Close of an already-closed position.
	if _, err := mgr.ClosePosition(context.Background(), pos, 5.00, 2); err != nil {
		t.Fatalf("Full close failed: %v", err)
	}
	_, err = mgr.ClosePosition(context.Background(), pos, 5.00, 2)
	if !errors.As(err, &ice) {
		t.Errorf("Expected InvalidCloseError on double close, got %v", err)
	}
}

func TestCloseClaimBlocksRacingWorker(t *testing.T) {
	mgr, _, store := newTestManager(t)
	pos, _ := mgr.OpenPosition(context.Background(), enterDecision(2))

	// Another worker closes the row directly.
	claimed, err := store.CloseFull(context.Background(), pos.ID, 4.20, time.Now(), 0.40)
	if err != nil || !claimed {
		t.Fatalf("Direct close failed: claimed=%v err=%v", claimed, err)
	}

	// Our stale in-memory copy still says OPEN; the claim must fail.
	_, err = mgr.ClosePosition(context.Background(), pos, 5.00, 2)
	var ice *InvalidCloseError
	if !errors.As(err, &ice) {
		t.Errorf("Expected InvalidCloseError when claim fails, got %v", err)
	}
}

func TestCloseAtMarketUsesFillPrice(t *testing.T) {
	mgr, provider, _ := newTestManager(t)
	pos, _ := mgr.OpenPosition(context.Background(), enterDecision(2))

	provider.SetPrice("SPY", 5.10)
	closed, err := mgr.CloseAtMarket(context.Background(), pos, 2)
	if err != nil {
		t.Fatalf("CloseAtMarket failed: %v", err)
	}
	if closed.ExitPrice == nil || *closed.ExitPrice != 5.10 {
		t.Errorf("Expected exit at fill price 5.10, got %v", closed.ExitPrice)
	}
}
