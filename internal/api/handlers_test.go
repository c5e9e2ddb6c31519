package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-signal-engine/internal/database"
	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/dedup"
	"options-signal-engine/internal/events"
	"options-signal-engine/internal/execution"
	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/monitor"
	"options-signal-engine/internal/pipeline"
	"options-signal-engine/internal/position"
	"options-signal-engine/internal/signal"
	"options-signal-engine/internal/validator"
)

type stubRepository struct{}

func (stubRepository) SaveSignal(context.Context, *signal.Signal) error             { return nil }
func (stubRepository) SaveDecision(context.Context, *decision.Result) error         { return nil }
func (stubRepository) SaveFailure(context.Context, *database.PipelineFailure) error { return nil }

func testServer(t *testing.T, secret string) (*Server, *marketdata.PaperProvider, *position.MemoryStore) {
	t.Helper()
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})

	provider := marketdata.NewPaperProvider()
	provider.SetPrice("SPY", 500)
	provider.ApplyContext(marketdata.ContextUpdate{
		VIX:    f(13),
		Trend:  s(marketdata.TrendBullish),
		Regime: s(marketdata.RegimeTrending),
		Bias:   s("long"),
	})
	provider.SetPositioning("SPY", &marketdata.Positioning{GEX: -1.2e9, Support: 499, Resistance: 520})

	val := validator.New(validator.DefaultConfig(), nil, nil, logger)
	val.SetClock(func() time.Time {
		return time.Date(2025, 6, 11, 11, 0, 0, 0, mustLoc("America/New_York"))
	})

	cache := dedup.NewMemoryCache(5 * time.Minute)
	t.Cleanup(func() { _ = cache.Close() })

	store := position.NewMemoryStore()
	adapter := execution.NewPaperAdapter(provider, 0, logger)
	bus := events.NewEventBus()
	manager := position.NewManager(store, adapter, bus, zerolog.Nop())
	orchestrator := decision.NewOrchestrator(decision.DefaultConfig(), provider, logger)
	p := pipeline.New(signal.NewNormalizer(logger), val, cache, orchestrator, manager, stubRepository{}, bus, pipeline.Config{}, logger)

	cfg := monitor.DefaultConfig()
	cfg.Enabled = false
	exitMonitor := monitor.NewExitMonitor(manager, orchestrator, provider, provider, nil, bus, cfg, zerolog.Nop())

	server := NewServer(
		ServerConfig{Port: 0, WebhookSecret: secret, ProductionMode: true},
		nil, bus, p, manager, exitMonitor, provider, logger,
	)
	return server, provider, store
}

func mustLoc(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }

func postJSON(router http.Handler, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func tvPayload(closePrice float64) map[string]interface{} {
	return map[string]interface{}{
		"ticker":   "SPY",
		"action":   "buy",
		"interval": "5",
		"time":     "2025-06-11T11:00:00-04:00",
		"close":    closePrice,
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	server, _, _ := testServer(t, "hunter2")

	w := postJSON(server.Router(), "/webhook/tradingview", tvPayload(500), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without secret, got %d", w.Code)
	}
}

func TestWebhookAcceptsHeaderSecret(t *testing.T) {
	server, _, _ := testServer(t, "hunter2")

	w := postJSON(server.Router(), "/webhook/tradingview", tvPayload(500),
		map[string]string{"X-Webhook-Secret": "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with header secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhookAcceptsPayloadSecret(t *testing.T) {
	server, _, _ := testServer(t, "hunter2")

	payload := tvPayload(500)
	payload["secret"] = "hunter2"
	w := postJSON(server.Router(), "/webhook/tradingview", payload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with payload secret, got %d: %s", w.Code, w.Body.String())
	}

	var res pipeline.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if res.Signal == nil || res.Signal.Metadata["secret"] != nil {
		t.Error("The shared secret must not leak into signal metadata")
	}
}

func TestWebhookProcessesSignal(t *testing.T) {
	server, _, store := testServer(t, "")

	w := postJSON(server.Router(), "/webhook/tradingview", tvPayload(500), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	open, _ := store.ListOpen(context.Background())
	if len(open) != 1 {
		t.Fatalf("Expected 1 open position, got %d", len(open))
	}
	if open[0].Symbol != "SPY" {
		t.Errorf("Unexpected position: %+v", open[0])
	}
}

func TestWebhookBatch(t *testing.T) {
	server, _, _ := testServer(t, "")

	batch := []map[string]interface{}{
		tvPayload(500),
		{"action": "buy"}, // malformed, no symbol
	}
	w := postJSON(server.Router(), "/webhook/signals/batch", batch, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var body struct {
		Count   int                `json:"count"`
		Results []*pipeline.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if body.Count != 2 || len(body.Results) != 2 {
		t.Fatalf("Expected 2 results, got %+v", body)
	}
	if body.Results[1].Error == "" {
		t.Error("Malformed payload should report its error")
	}
}

func TestContextUpdateEndpoint(t *testing.T) {
	server, provider, _ := testServer(t, "")

	w := postJSON(server.Router(), "/webhook/context", map[string]interface{}{
		"vix":   22.5,
		"trend": "bearish",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	mc, err := provider.GetContext(context.Background())
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if mc.VIX != 22.5 || mc.Trend != "bearish" {
		t.Errorf("Context update not applied: %+v", mc)
	}
	if mc.Regime != marketdata.RegimeTrending {
		t.Errorf("Absent fields must keep their value, got regime %q", mc.Regime)
	}
}

func TestGetAndClosePosition(t *testing.T) {
	server, _, store := testServer(t, "")

	postJSON(server.Router(), "/webhook/tradingview", tvPayload(500), nil)
	open, _ := store.ListOpen(context.Background())
	if len(open) != 1 {
		t.Fatalf("Expected 1 open position, got %d", len(open))
	}
	id := open[0].ID

	req := httptest.NewRequest(http.MethodGet, "/api/positions/"+id, nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 fetching position, got %d", w.Code)
	}

	w = postJSON(server.Router(), fmt.Sprintf("/api/positions/%s/close", id), map[string]interface{}{}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 closing position, got %d: %s", w.Code, w.Body.String())
	}

	open, _ = store.ListOpen(context.Background())
	if len(open) != 0 {
		t.Errorf("Expected no open positions after close, got %d", len(open))
	}

	// Closing again conflicts.
	w = postJSON(server.Router(), fmt.Sprintf("/api/positions/%s/close", id), map[string]interface{}{}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on double close, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, _, _ := testServer(t, "")

	postJSON(server.Router(), "/webhook/tradingview", tvPayload(500), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var body struct {
		Pipeline pipeline.Stats `json:"pipeline"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if body.Pipeline.Received != 1 || body.Pipeline.Entered != 1 {
		t.Errorf("Unexpected stats: %+v", body.Pipeline)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	if !limiter.Allow("/x") || !limiter.Allow("/x") {
		t.Fatal("First two requests must pass")
	}
	if limiter.Allow("/x") {
		t.Error("Third request inside the window must be limited")
	}
	if !limiter.Allow("/y") {
		t.Error("Limits are per key")
	}
}
