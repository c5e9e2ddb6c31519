// Package pipeline chains signal intake through normalization, validation,
// deduplication, decision and execution. Every signal leaves the pipeline
// with either a decision, a duplicate verdict, or a recorded failure naming
// the stage that dropped it.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-signal-engine/internal/database"
	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/dedup"
	"options-signal-engine/internal/events"
	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/position"
	"options-signal-engine/internal/signal"
	"options-signal-engine/internal/validator"
)

// duplicateReason is recorded on both the failure row and the terminal
// reject decision when the dedup cache drops a signal.
const duplicateReason = "duplicate signal within dedup window"

// Repository is the persistence surface the pipeline writes to. Satisfied by
// database.Repository.
type Repository interface {
	SaveSignal(ctx context.Context, sig *signal.Signal) error
	SaveDecision(ctx context.Context, res *decision.Result) error
	SaveFailure(ctx context.Context, failure *database.PipelineFailure) error
}

// Result is the terminal outcome of one signal's trip through the pipeline.
// Stage names the last stage the signal reached.
type Result struct {
	TrackingID string             `json:"tracking_id"`
	Success    bool               `json:"success"`
	Stage      string             `json:"stage"`
	Duplicate  bool               `json:"duplicate"`
	Signal     *signal.Signal     `json:"signal,omitempty"`
	Decision   *decision.Result   `json:"decision,omitempty"`
	Position   *position.Position `json:"position,omitempty"`
	Err        error              `json:"-"`
	Error      string             `json:"error,omitempty"`
}

// Stats are cumulative pipeline counters since start.
type Stats struct {
	Received             int64     `json:"received"`
	NormalizationErrors  int64     `json:"normalization_errors"`
	Rejected             int64     `json:"rejected"`
	Duplicates           int64     `json:"duplicates"`
	Entered              int64     `json:"entered"`
	ExecutionErrors      int64     `json:"execution_errors"`
	Abandoned            int64     `json:"abandoned"`
	LastSignalAt         time.Time `json:"last_signal_at"`
	LastSignalTrackingID string    `json:"last_signal_tracking_id"`
}

// Config holds pipeline settings.
type Config struct {
	// DryRun skips order execution; decisions are still made and persisted.
	DryRun bool `json:"dry_run"`
}

// Pipeline wires the processing stages together.
type Pipeline struct {
	normalizer   *signal.Normalizer
	validator    *validator.Validator
	dedup        dedup.Cache
	orchestrator *decision.Orchestrator
	positions    *position.Manager
	repo         Repository
	bus          *events.EventBus
	config       Config
	logger       *logging.Logger

	// priceSink, when set, receives prices carried in signal payloads so the
	// market data provider quotes the instrument the signal is about.
	priceSink PriceSink

	mu    sync.RWMutex
	stats Stats
}

// PriceSink accepts prices extracted from signal payloads. Satisfied by
// marketdata.PaperProvider.
type PriceSink interface {
	SetPrice(symbol string, price float64)
}

// New creates a signal pipeline.
func New(
	normalizer *signal.Normalizer,
	val *validator.Validator,
	dedupCache dedup.Cache,
	orchestrator *decision.Orchestrator,
	positions *position.Manager,
	repo Repository,
	bus *events.EventBus,
	config Config,
	logger *logging.Logger,
) *Pipeline {
	return &Pipeline{
		normalizer:   normalizer,
		validator:    val,
		dedup:        dedupCache,
		orchestrator: orchestrator,
		positions:    positions,
		repo:         repo,
		bus:          bus,
		config:       config,
		logger:       logger.WithComponent("pipeline"),
	}
}

// SetPriceSink wires a destination for payload-carried prices.
func (p *Pipeline) SetPriceSink(sink PriceSink) {
	p.priceSink = sink
}

// ProcessSignal runs one raw payload through every stage. It never panics on
// malformed input; all drops come back as a Result naming the failing stage.
func (p *Pipeline) ProcessSignal(ctx context.Context, raw map[string]interface{}) *Result {
	p.mu.Lock()
	p.stats.Received++
	p.mu.Unlock()

	// RECEPTION
	if len(raw) == 0 {
		trackingID := uuid.New().String()
		p.recordFailure(ctx, trackingID, nil, database.StageReception, "empty payload", raw)
		return &Result{
			TrackingID: trackingID,
			Stage:      database.StageReception,
			Err:        fmt.Errorf("empty payload"),
			Error:      "empty payload",
		}
	}

	// NORMALIZATION
	sig, err := p.normalizer.Normalize(raw)
	if err != nil {
		trackingID := uuid.New().String()
		p.mu.Lock()
		p.stats.NormalizationErrors++
		p.mu.Unlock()
		p.recordFailure(ctx, trackingID, nil, database.StageNormalization, err.Error(), raw)
		return &Result{
			TrackingID: trackingID,
			Stage:      database.StageNormalization,
			Err:        err,
			Error:      err.Error(),
		}
	}

	if p.priceSink != nil {
		if price, ok := sig.Price(); ok && price > 0 {
			p.priceSink.SetPrice(sig.Symbol, price)
		}
	}

	log := p.logger.WithTrackingID(sig.ID)
	log.Info("Signal received",
		"source", string(sig.Source), "symbol", sig.Symbol,
		"direction", string(sig.Direction), "timeframe", sig.Timeframe)

	if err := p.repo.SaveSignal(ctx, sig); err != nil {
		// The signal still processes; the audit row is lost, not the trade.
		log.Error("Failed to persist signal", "error", err.Error())
	}
	p.publish(events.EventSignalReceived, map[string]interface{}{
		"tracking_id": sig.ID,
		"source":      string(sig.Source),
		"symbol":      sig.Symbol,
		"direction":   string(sig.Direction),
	})
	p.mu.Lock()
	p.stats.LastSignalAt = time.Now()
	p.stats.LastSignalTrackingID = sig.ID
	p.mu.Unlock()

	return p.runStages(ctx, log, sig, raw)
}

// ProcessStoredSignal resumes a previously persisted signal that never
// reached a decision, entering at validation with its original tracking ID.
// Used for crash recovery over pending signals.
func (p *Pipeline) ProcessStoredSignal(ctx context.Context, sig *signal.Signal) *Result {
	p.mu.Lock()
	p.stats.Received++
	p.mu.Unlock()

	log := p.logger.WithTrackingID(sig.ID)
	log.Info("Resuming stored signal",
		"symbol", sig.Symbol, "direction", string(sig.Direction), "timeframe", sig.Timeframe)

	return p.runStages(ctx, log, sig, sig.Metadata)
}

// runStages carries a normalized signal from validation through execution.
func (p *Pipeline) runStages(ctx context.Context, log *logging.Logger, sig *signal.Signal, raw map[string]interface{}) *Result {
	// VALIDATION
	vr := p.validator.Validate(ctx, sig)
	if !vr.Valid {
		res := p.orchestrator.OrchestrateEntryDecision(ctx, sig, vr)
		p.persistDecision(ctx, log, res)
		p.recordFailure(ctx, sig.ID, &sig.ID, database.StageValidation, vr.RejectionReason, raw)
		p.mu.Lock()
		p.stats.Rejected++
		p.mu.Unlock()
		p.publish(events.EventSignalRejected, map[string]interface{}{
			"tracking_id": sig.ID,
			"symbol":      sig.Symbol,
			"reason":      vr.RejectionReason,
		})
		return &Result{TrackingID: sig.ID, Stage: database.StageValidation, Signal: sig, Decision: res, Error: vr.RejectionReason}
	}

	// DEDUPLICATION. Cache errors fail open: a degraded cache must not block
	// the signal flow.
	isDup, err := p.dedup.IsDuplicate(ctx, sig, raw)
	if err != nil {
		log.Warn("Deduplication check degraded", "error", err.Error())
	}
	if isDup {
		p.recordFailure(ctx, sig.ID, &sig.ID, database.StageDeduplication, duplicateReason, raw)
		// The reject row marks the signal handled; startup recovery treats
		// any signal without a decision row as pending and would otherwise
		// re-run a suppressed signal against a fresh cache.
		p.persistDecision(ctx, log, &decision.Result{
			Decision:  decision.DecisionReject,
			Signal:    sig,
			Reasoning: []string{duplicateReason},
			CreatedAt: time.Now(),
		})
		p.mu.Lock()
		p.stats.Duplicates++
		p.mu.Unlock()
		p.publish(events.EventSignalDuplicate, map[string]interface{}{
			"tracking_id": sig.ID,
			"symbol":      sig.Symbol,
		})
		return &Result{TrackingID: sig.ID, Stage: database.StageDeduplication, Duplicate: true, Signal: sig, Error: duplicateReason}
	}

	// DECISION
	res := p.orchestrator.OrchestrateEntryDecision(ctx, sig, vr)
	p.persistDecision(ctx, log, res)
	p.publish(events.EventDecisionMade, map[string]interface{}{
		"tracking_id": sig.ID,
		"symbol":      sig.Symbol,
		"decision":    string(res.Decision),
		"confidence":  res.Confidence,
		"size":        res.PositionSize,
	})
	if len(res.Degraded) > 0 {
		p.publish(events.EventDegradedInput, map[string]interface{}{
			"tracking_id": sig.ID,
			"symbol":      sig.Symbol,
			"degraded":    res.Degraded,
		})
	}
	if res.Decision != decision.DecisionEnter {
		p.recordFailure(ctx, sig.ID, &sig.ID, database.StageDecision, strings.Join(res.Reasoning, "; "), raw)
		p.mu.Lock()
		p.stats.Rejected++
		p.mu.Unlock()
		p.publish(events.EventSignalRejected, map[string]interface{}{
			"tracking_id": sig.ID,
			"symbol":      sig.Symbol,
			"reason":      lastReason(res.Reasoning),
		})
		return &Result{TrackingID: sig.ID, Stage: database.StageDecision, Signal: sig, Decision: res, Error: lastReason(res.Reasoning)}
	}

	// EXECUTION
	if p.config.DryRun {
		log.Info("Dry run: skipping execution",
			"symbol", sig.Symbol, "size", res.PositionSize)
		return &Result{TrackingID: sig.ID, Success: true, Stage: database.StageDecision, Signal: sig, Decision: res}
	}

	pos, err := p.positions.OpenPosition(ctx, res)
	if err != nil {
		p.mu.Lock()
		p.stats.ExecutionErrors++
		p.mu.Unlock()
		p.recordFailure(ctx, sig.ID, &sig.ID, database.StageExecution, err.Error(), raw)
		return &Result{
			TrackingID: sig.ID,
			Stage:      database.StageExecution,
			Signal:     sig,
			Decision:   res,
			Err:        err,
			Error:      err.Error(),
		}
	}

	p.validator.MarkAccepted(sig)
	p.mu.Lock()
	p.stats.Entered++
	p.mu.Unlock()
	log.Info("Signal executed",
		"symbol", sig.Symbol, "position_id", pos.ID, "entry_price", pos.EntryPrice)

	return &Result{
		TrackingID: sig.ID,
		Success:    true,
		Stage:      database.StageExecution,
		Signal:     sig,
		Decision:   res,
		Position:   pos,
	}
}

// ProcessSignalBatch processes a batch independently: one bad payload never
// affects its neighbors, and the output always has one result per input in
// order. Payloads left when the context expires are abandoned with a
// recorded failure rather than processed against a dead deadline.
func (p *Pipeline) ProcessSignalBatch(ctx context.Context, raws []map[string]interface{}) []*Result {
	results := make([]*Result, len(raws))
	for i, raw := range raws {
		if ctx.Err() != nil {
			trackingID := uuid.New().String()
			reason := fmt.Sprintf("batch abandoned: %v", ctx.Err())
			p.recordFailure(context.WithoutCancel(ctx), trackingID, nil, database.StageReception, reason, raw)
			p.mu.Lock()
			p.stats.Abandoned++
			p.mu.Unlock()
			results[i] = &Result{
				TrackingID: trackingID,
				Stage:      database.StageReception,
				Err:        ctx.Err(),
				Error:      reason,
			}
			continue
		}
		results[i] = p.ProcessSignal(ctx, raw)
	}
	return results
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *Pipeline) persistDecision(ctx context.Context, log *logging.Logger, res *decision.Result) {
	if err := p.repo.SaveDecision(ctx, res); err != nil {
		log.Error("Failed to persist decision", "error", err.Error())
	}
}

// recordFailure writes the pipeline_failures row and raises the failure
// event. The raw payload rides along so dropped signals can be replayed.
func (p *Pipeline) recordFailure(ctx context.Context, trackingID string, signalID *string, stage, reason string, raw map[string]interface{}) {
	p.logger.WithTrackingID(trackingID).Error("Pipeline stage failed", "stage", stage, "reason", reason)

	failure := &database.PipelineFailure{
		TrackingID: trackingID,
		SignalID:   signalID,
		Stage:      stage,
		Reason:     reason,
		SignalData: raw,
	}
	if err := p.repo.SaveFailure(ctx, failure); err != nil {
		p.logger.WithTrackingID(trackingID).Error("Failed to persist pipeline failure", "error", err.Error())
	}
	p.publish(events.EventPipelineFailure, map[string]interface{}{
		"tracking_id": trackingID,
		"stage":       stage,
		"reason":      reason,
	})
}

func (p *Pipeline) publish(eventType events.EventType, data map[string]interface{}) {
	if p.bus != nil {
		p.bus.Publish(eventType, data)
	}
}

// lastReason picks the terminal reasoning line, which names the disqualifier
// for REJECT decisions.
func lastReason(reasoning []string) string {
	if len(reasoning) == 0 {
		return ""
	}
	return reasoning[len(reasoning)-1]
}
