package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/signal"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// SIGNALS
// ============================================================================

// SaveSignal appends a normalized signal. Signals are immutable; there is no
// update path.
func (r *Repository) SaveSignal(ctx context.Context, sig *signal.Signal) error {
	metadata, err := json.Marshal(sig.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal signal metadata: %w", err)
	}
	query := `
		INSERT INTO signals (id, source, symbol, direction, timeframe, signal_time, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		sig.ID, string(sig.Source), sig.Symbol, string(sig.Direction),
		sig.Timeframe, sig.Timestamp, metadata,
	)
	return err
}

// GetPendingSignals returns signals that never produced a decision record,
// oldest first. A signal row without a decision row means processing was cut
// short; these feed the recovery sweep on startup.
func (r *Repository) GetPendingSignals(ctx context.Context, limit int) ([]*signal.Signal, error) {
	query := `
		SELECT s.id, s.source, s.symbol, s.direction, s.timeframe, s.signal_time, s.metadata
		FROM signals s
		LEFT JOIN decisions d ON d.signal_id = s.id
		WHERE d.id IS NULL
		ORDER BY s.signal_time
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*signal.Signal
	for rows.Next() {
		s := &signal.Signal{}
		var source, direction string
		var metadata []byte
		if err := rows.Scan(&s.ID, &source, &s.Symbol, &direction, &s.Timeframe, &s.Timestamp, &metadata); err != nil {
			return nil, err
		}
		s.Source = signal.Source(source)
		s.Direction = signal.Direction(direction)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &s.Metadata)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// ============================================================================
// DECISIONS
// ============================================================================

// SaveDecision appends a decision audit record.
func (r *Repository) SaveDecision(ctx context.Context, res *decision.Result) error {
	reasoning, err := json.Marshal(res.Reasoning)
	if err != nil {
		return fmt.Errorf("failed to marshal reasoning: %w", err)
	}
	calculations, err := json.Marshal(res.Calculations)
	if err != nil {
		return fmt.Errorf("failed to marshal calculations: %w", err)
	}
	var degraded []byte
	if len(res.Degraded) > 0 {
		degraded, _ = json.Marshal(res.Degraded)
	}

	var signalID, positionID, exitRule *string
	if res.Signal != nil {
		signalID = &res.Signal.ID
	}
	if res.PositionID != "" {
		positionID = &res.PositionID
	}
	if res.ExitRule != "" {
		exitRule = &res.ExitRule
	}
	var entryPrice *float64
	if res.EntryPrice > 0 {
		entryPrice = &res.EntryPrice
	}

	query := `
		INSERT INTO decisions (id, signal_id, position_id, decision, confidence, position_size,
		                       entry_price, exit_rule, reasoning, calculations, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		uuid.New().String(), signalID, positionID, string(res.Decision),
		res.Confidence, res.PositionSize, entryPrice, exitRule,
		reasoning, calculations, degraded, res.CreatedAt,
	)
	return err
}

// ============================================================================
// PIPELINE FAILURES
// ============================================================================

// SaveFailure appends a pipeline failure record.
func (r *Repository) SaveFailure(ctx context.Context, failure *PipelineFailure) error {
	var signalData []byte
	if failure.SignalData != nil {
		var err error
		signalData, err = json.Marshal(failure.SignalData)
		if err != nil {
			// The snapshot is best-effort; the failure row must still land.
			signalData = nil
		}
	}
	query := `
		INSERT INTO pipeline_failures (tracking_id, signal_id, stage, reason, signal_data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		failure.TrackingID, failure.SignalID, failure.Stage, failure.Reason, signalData,
	).Scan(&failure.ID, &failure.CreatedAt)
}

// GetFailuresByTrackingID retrieves the failure rows for a tracking ID.
func (r *Repository) GetFailuresByTrackingID(ctx context.Context, trackingID string) ([]*PipelineFailure, error) {
	query := `
		SELECT id, tracking_id, signal_id, stage, reason, signal_data, created_at
		FROM pipeline_failures
		WHERE tracking_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query, trackingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []*PipelineFailure
	for rows.Next() {
		f := &PipelineFailure{}
		var signalData []byte
		if err := rows.Scan(&f.ID, &f.TrackingID, &f.SignalID, &f.Stage, &f.Reason, &signalData, &f.CreatedAt); err != nil {
			return nil, err
		}
		if len(signalData) > 0 {
			_ = json.Unmarshal(signalData, &f.SignalData)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// FailureCountsByStage returns failure totals per stage since a cutoff.
func (r *Repository) FailureCountsByStage(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT stage, COUNT(*)
		FROM pipeline_failures
		WHERE created_at >= $1
		GROUP BY stage
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		counts[stage] = count
	}
	return counts, rows.Err()
}
