package config

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxEventBatchSize is the largest movement-event batch the server accepts
const MaxEventBatchSize = 100

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidationErrors on failure
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Storage.DBPath == "" {
		add("storage.db_path", "must not be empty")
	}
	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("remote.base_url", "invalid URL %q", c.Remote.BaseURL)
		}
	}

	errs = append(errs, validateFusion(&c.Fusion)...)
	errs = append(errs, validateTrip(&c.Trip)...)

	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > MaxEventBatchSize {
		add("sync.batch_size", "must be between 1 and %d, got %d", MaxEventBatchSize, c.Sync.BatchSize)
	}
	if c.Sync.InitialBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		add("sync.max_backoff", "must be >= initial_backoff > 0")
	}
	if c.Sync.BackoffMultiplier < 1 {
		add("sync.backoff_multiplier", "must be >= 1")
	}
	if c.Sync.RequestTimeout <= 0 {
		add("sync.request_timeout", "must be positive")
	}
	if c.PathCorrection.Window <= 0 {
		add("path_correction.window", "must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateFusion(f *FusionConfig) ValidationErrors {
	var errs ValidationErrors
	if f.Window <= 0 {
		errs = append(errs, ValidationError{Field: "fusion.window", Message: "must be positive"})
	}
	if f.EvalInterval <= 0 {
		errs = append(errs, ValidationError{Field: "fusion.eval_interval", Message: "must be positive"})
	}
	// A bar at or below one half would let two modes clear it together
	if f.AgreementThreshold <= 0.5 || f.AgreementThreshold > 1 {
		errs = append(errs, ValidationError{Field: "fusion.agreement_threshold", Message: "must be in (0.5, 1]"})
	}
	if f.MinEvidence < 0 {
		errs = append(errs, ValidationError{Field: "fusion.min_evidence", Message: "must not be negative"})
	}
	if f.MinSupport < 1 {
		errs = append(errs, ValidationError{Field: "fusion.min_support", Message: "must be at least 1"})
	}
	if f.HighTrust <= 0 || f.HighTrust > 1 {
		errs = append(errs, ValidationError{Field: "fusion.high_trust", Message: "must be in (0, 1]"})
	}
	return errs
}

func validateTrip(t *TripConfig) ValidationErrors {
	var errs ValidationErrors
	if t.VehicleGrace <= 0 || t.WalkingGrace <= 0 {
		errs = append(errs, ValidationError{Field: "trip.grace", Message: "grace periods must be positive"})
	}
	if t.MaxPersistAttempts < 1 {
		errs = append(errs, ValidationError{Field: "trip.max_persist_attempts", Message: "must be at least 1"})
	}
	if t.InboxSize < 1 {
		errs = append(errs, ValidationError{Field: "trip.inbox_size", Message: "must be at least 1"})
	}
	if t.VehicleIntervalMultiplier <= 0 || t.DefaultIntervalMultiplier <= 0 {
		errs = append(errs, ValidationError{Field: "trip.interval_multiplier", Message: "must be positive"})
	}
	return errs
}
