package database

import (
	"time"
)

// Pipeline stage names recorded on failure rows.
const (
	StageReception     = "RECEPTION"
	StageNormalization = "NORMALIZATION"
	StageValidation    = "VALIDATION"
	StageDeduplication = "DEDUPLICATION"
	StageDecision      = "DECISION"
	StageExecution     = "EXECUTION"
)

// PipelineFailure records exactly why one signal stopped at one stage
type PipelineFailure struct {
	ID         int64                  `json:"id"`
	TrackingID string                 `json:"tracking_id"`
	SignalID   *string                `json:"signal_id,omitempty"`
	Stage      string                 `json:"stage"`
	Reason     string                 `json:"reason"`
	SignalData map[string]interface{} `json:"signal_data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
