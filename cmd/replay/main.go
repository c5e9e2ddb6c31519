package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"options-signal-engine/internal/database"
	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/dedup"
	"options-signal-engine/internal/execution"
	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/pipeline"
	"options-signal-engine/internal/position"
	sig "options-signal-engine/internal/signal"
	"options-signal-engine/internal/validator"
)

// noopRepository discards persistence calls so replays never touch Postgres.
type noopRepository struct{}

func (noopRepository) SaveSignal(ctx context.Context, s *sig.Signal) error { return nil }
func (noopRepository) SaveDecision(ctx context.Context, r *decision.Result) error {
	return nil
}
func (noopRepository) SaveFailure(ctx context.Context, f *database.PipelineFailure) error {
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: replay <signals-file>")
		fmt.Println()
		fmt.Println("Re-runs recorded raw signal payloads through the full pipeline")
		fmt.Println("in dry-run mode. The file may be a JSON array or one JSON")
		fmt.Println("object per line.")
		os.Exit(1)
	}

	payloads, err := loadPayloads(os.Args[1])
	if err != nil {
		fmt.Printf("❌ Failed to read %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	if len(payloads) == 0 {
		fmt.Println("No signals found in input file")
		os.Exit(0)
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf(" SIGNAL REPLAY  (%d signals, dry run)\n", len(payloads))
	fmt.Println(strings.Repeat("=", 60))

	logger := logging.New(&logging.Config{Level: "WARN", Output: "stderr", Component: "replay"})

	provider := marketdata.NewPaperProvider()
	normalizer := sig.NewNormalizer(logger)
	val := validator.New(validator.DefaultConfig(), nil, nil, logger)
	orchestrator := decision.NewOrchestrator(decision.DefaultConfig(), provider, logger)
	adapter := execution.NewPaperAdapter(provider, 0, logger)
	positions := position.NewManager(position.NewMemoryStore(), adapter, nil, zerolog.Nop())
	cache := dedup.NewMemoryCache(5 * time.Minute)
	defer cache.Close()

	engine := pipeline.New(normalizer, val, cache, orchestrator, positions, noopRepository{}, nil,
		pipeline.Config{DryRun: true}, logger)
	engine.SetPriceSink(provider)

	ctx := context.Background()
	byStage := make(map[string]int)

	for i, raw := range payloads {
		// Evaluate each signal against the market clock it was
		// recorded under, not the wall clock of the replay run.
		if ts, ok := sig.ParseTimestamp(raw); ok {
			val.SetClock(func() time.Time { return ts })
		}

		result := engine.ProcessSignal(ctx, raw)
		byStage[result.Stage]++

		status := "ok"
		switch {
		case result.Err != nil:
			status = "failed: " + result.Error
		case result.Duplicate:
			status = "duplicate"
		case result.Decision != nil:
			status = string(result.Decision.Decision) + " (" + lastLine(result.Decision.Reasoning) + ")"
		}
		fmt.Printf("  [%3d] %-14s %s\n", i+1, result.Stage, status)
	}

	stats := engine.Stats()
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Received: %d  Entered: %d  Rejected: %d  Duplicates: %d\n",
		stats.Received, stats.Entered, stats.Rejected, stats.Duplicates)
	fmt.Printf("Normalization errors: %d  Execution errors: %d\n",
		stats.NormalizationErrors, stats.ExecutionErrors)
	for stage, n := range byStage {
		fmt.Printf("  reached %-14s %d\n", stage, n)
	}
}

// loadPayloads accepts either a top-level JSON array of objects or
// newline-delimited JSON objects.
func loadPayloads(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var arr []map[string]interface{}
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	}

	var out []map[string]interface{}
	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(out)+1, err)
		}
		out = append(out, obj)
	}
	return out, scanner.Err()
}

func lastLine(reasoning []string) string {
	if len(reasoning) == 0 {
		return ""
	}
	return reasoning[len(reasoning)-1]
}
