// Package validator runs the fixed battery of gating checks a normalized
// signal must pass before it reaches the decision orchestrator.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/signal"
)

// Checks holds the outcome of each independent gating check.
type Checks struct {
	Cooldown    bool `json:"cooldown"`
	MarketHours bool `json:"market_hours"`
	MTF         bool `json:"mtf"`
	Confluence  bool `json:"confluence"`
	TimeFilters bool `json:"time_filters"`
}

// Result is the outcome of validating one signal. RejectionReason names the
// first failing check in the fixed evaluation order (cooldown → marketHours →
// mtf → confluence → timeFilters), so identical inputs always produce the
// same reason.
type Result struct {
	Valid           bool                   `json:"valid"`
	Checks          Checks                 `json:"checks"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// AlignmentProvider reports whether higher timeframes agree with the signal's
// direction.
type AlignmentProvider interface {
	Aligned(ctx context.Context, symbol string, direction signal.Direction) (bool, error)
}

// ConfluenceProvider scores supporting evidence for a signal, 0-100.
type ConfluenceProvider interface {
	Score(ctx context.Context, symbol string, direction signal.Direction) (float64, error)
}

// Config holds validator configuration
type Config struct {
	CooldownPeriod   time.Duration `json:"cooldown_period"`
	MinConfluence    float64       `json:"min_confluence"`
	Timezone         string        `json:"timezone"`           // e.g. "America/New_York"
	SkipOpenMinutes  int           `json:"skip_open_minutes"`  // skip the first N minutes of the session
	SkipCloseMinutes int           `json:"skip_close_minutes"` // skip the last N minutes of the session
}

// UnmarshalJSON accepts the cooldown as either a duration string ("15m") or
// a nanosecond integer.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := struct {
		CooldownPeriod *flexDuration `json:"cooldown_period"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.CooldownPeriod != nil {
		c.CooldownPeriod = time.Duration(*aux.CooldownPeriod)
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

// DefaultConfig returns the validator defaults: 15m cooldown, confluence
// floor of 60, skip the first and last 15 minutes of the NYSE session.
func DefaultConfig() Config {
	return Config{
		CooldownPeriod:   15 * time.Minute,
		MinConfluence:    60,
		Timezone:         "America/New_York",
		SkipOpenMinutes:  15,
		SkipCloseMinutes: 15,
	}
}

// Validator runs the gating checks. It is safe for concurrent use.
type Validator struct {
	config     Config
	alignment  AlignmentProvider
	confluence ConfluenceProvider
	logger     *logging.Logger
	loc        *time.Location
	now        func() time.Time

	mu        sync.Mutex
	lastEntry map[string]time.Time // symbol|direction -> last accepted entry
}

// New creates a validator. Alignment and confluence providers may be nil;
// their checks then pass (gates only fire on evidence, never on absence).
func New(cfg Config, alignment AlignmentProvider, confluence ConfluenceProvider, logger *logging.Logger) *Validator {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Validator{
		config:     cfg,
		alignment:  alignment,
		confluence: confluence,
		logger:     logger.WithComponent("validator"),
		loc:        loc,
		now:        time.Now,
		lastEntry:  make(map[string]time.Time),
	}
}

// SetClock replaces the wall clock. The replay tool evaluates historical
// signals against their original timestamps through this.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate runs every check and assembles the result. All checks run even
// after one fails; the rejection reason is the first failure in order.
func (v *Validator) Validate(ctx context.Context, sig *signal.Signal) *Result {
	res := &Result{Details: make(map[string]interface{})}

	now := v.now()

	res.Checks.Cooldown, res.Details["cooldown"] = v.checkCooldown(sig, now)
	res.Checks.MarketHours, res.Details["market_hours"] = v.checkMarketHours(now)
	res.Checks.MTF, res.Details["mtf"] = v.checkMTF(ctx, sig)
	res.Checks.Confluence, res.Details["confluence"] = v.checkConfluence(ctx, sig)
	res.Checks.TimeFilters, res.Details["time_filters"] = v.checkTimeFilters(now)

	type ordered struct {
		ok     bool
		reason string
	}
	evaluation := []ordered{
		{res.Checks.Cooldown, fmt.Sprintf("cooldown active for %s %s", sig.Symbol, sig.Direction)},
		{res.Checks.MarketHours, "market is closed"},
		{res.Checks.MTF, "higher timeframes not aligned with signal direction"},
		{res.Checks.Confluence, fmt.Sprintf("confluence score below minimum %.0f", v.config.MinConfluence)},
		{res.Checks.TimeFilters, "signal inside restricted session window"},
	}

	res.Valid = true
	for _, check := range evaluation {
		if !check.ok {
			res.Valid = false
			res.RejectionReason = check.reason
			break
		}
	}

	return res
}

// MarkAccepted records an accepted entry so the cooldown throttles repeat
// entries on the same symbol/direction. Called by the pipeline after an
// ENTER decision executes.
func (v *Validator) MarkAccepted(sig *signal.Signal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastEntry[cooldownKey(sig)] = v.now()
}

func cooldownKey(sig *signal.Signal) string {
	return sig.Symbol + "|" + string(sig.Direction)
}

func (v *Validator) checkCooldown(sig *signal.Signal, now time.Time) (bool, interface{}) {
	if v.config.CooldownPeriod <= 0 {
		return true, "disabled"
	}
	v.mu.Lock()
	last, ok := v.lastEntry[cooldownKey(sig)]
	v.mu.Unlock()
	if !ok {
		return true, "no prior entry"
	}
	elapsed := now.Sub(last)
	if elapsed < v.config.CooldownPeriod {
		return false, fmt.Sprintf("last entry %s ago, cooldown %s", elapsed.Round(time.Second), v.config.CooldownPeriod)
	}
	return true, fmt.Sprintf("last entry %s ago", elapsed.Round(time.Second))
}

func (v *Validator) checkMarketHours(now time.Time) (bool, interface{}) {
	local := now.In(v.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false, "weekend"
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, v.loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, v.loc)
	if local.Before(open) || !local.Before(close) {
		return false, fmt.Sprintf("outside session at %s", local.Format("15:04"))
	}
	return true, "regular session"
}

func (v *Validator) checkMTF(ctx context.Context, sig *signal.Signal) (bool, interface{}) {
	if v.alignment == nil {
		return true, "no alignment provider"
	}
	aligned, err := v.alignment.Aligned(ctx, sig.Symbol, sig.Direction)
	if err != nil {
		// Missing evidence does not gate; log and pass.
		v.logger.Warn("MTF alignment unavailable, check passes", "symbol", sig.Symbol, "error", err)
		return true, "alignment unavailable"
	}
	if !aligned {
		return false, "higher timeframes disagree"
	}
	return true, "aligned"
}

func (v *Validator) checkConfluence(ctx context.Context, sig *signal.Signal) (bool, interface{}) {
	score, ok := metadataConfluence(sig)
	if !ok {
		if v.confluence == nil {
			return true, "no confluence source"
		}
		var err error
		score, err = v.confluence.Score(ctx, sig.Symbol, sig.Direction)
		if err != nil {
			v.logger.Warn("Confluence score unavailable, check passes", "symbol", sig.Symbol, "error", err)
			return true, "confluence unavailable"
		}
	}
	if score < v.config.MinConfluence {
		return false, fmt.Sprintf("score %.1f below %.1f", score, v.config.MinConfluence)
	}
	return true, fmt.Sprintf("score %.1f", score)
}

func (v *Validator) checkTimeFilters(now time.Time) (bool, interface{}) {
	local := now.In(v.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, v.loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, v.loc)

	if v.config.SkipOpenMinutes > 0 {
		cutoff := open.Add(time.Duration(v.config.SkipOpenMinutes) * time.Minute)
		if !local.Before(open) && local.Before(cutoff) {
			return false, fmt.Sprintf("inside opening window until %s", cutoff.Format("15:04"))
		}
	}
	if v.config.SkipCloseMinutes > 0 {
		cutoff := close.Add(-time.Duration(v.config.SkipCloseMinutes) * time.Minute)
		if !local.Before(cutoff) && local.Before(close) {
			return false, fmt.Sprintf("inside closing window from %s", cutoff.Format("15:04"))
		}
	}
	return true, "clear"
}

// metadataConfluence pulls a confluence score the signal source attached.
func metadataConfluence(sig *signal.Signal) (float64, bool) {
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
