package types

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

// SmoothingReseed controls how smoothed power is rebuilt after a restart.
type SmoothingReseed string

const (
	// SmoothingReseedRaw starts smoothing over from the replayed raw reading.
	SmoothingReseedRaw SmoothingReseed = "raw"
	// SmoothingReseedPersisted keeps the smoothed value from the last snapshot.
	SmoothingReseedPersisted SmoothingReseed = "persisted"
)

// StartupPolicy controls what state survives a restart.
type StartupPolicy struct {
	// Drop every registration so houses re-register with their reported phase.
	ResetHouses bool `json:"resetHouses" yaml:"resetHouses"`
	// Keep phase assignments but forget readings and smoothed power.
	ResetReadings bool `json:"resetReadings" yaml:"resetReadings"`
	// Truncate the telemetry log.
	ResetTelemetry bool `json:"resetTelemetry" yaml:"resetTelemetry"`
	// Truncate the switch log.
	ResetSwitchHistory bool `json:"resetSwitchHistory" yaml:"resetSwitchHistory"`
}

// Settings holds every threshold and window used by the balancing engine.
// It is built once at startup and passed by value.
type Settings struct {
	Version int `json:"version" yaml:"version"`

	// Readings older than this are ignored by aggregation.
	ReadingExpiry time.Duration `json:"readingExpiry" yaml:"readingExpiry"`
	// A house can't be switched again until this much time has passed.
	MinSwitchGap time.Duration `json:"minSwitchGap" yaml:"minSwitchGap"`
	// How long a new raw mode has to hold before it's confirmed.
	ModeStableDuration time.Duration `json:"modeStableDuration" yaml:"modeStableDuration"`
	// How far back telemetry history is served.
	TelemetryRetention time.Duration `json:"telemetryRetention" yaml:"telemetryRetention"`

	// Weight of the newest reading in the smoothed power.
	EWMAAlpha float64 `json:"ewmaAlpha" yaml:"ewmaAlpha"`

	// Imbalance (in kW) under which a feeder with no issues is healthy.
	MinImbalanceKW float64 `json:"minImbalanceKW" yaml:"minImbalanceKW"`
	// Imbalance (in kW) at or above which any improving move is allowed.
	HighImbalanceKW float64 `json:"highImbalanceKW" yaml:"highImbalanceKW"`
	// Minimum improvement (in kW) for a move to be worth making.
	SwitchImprovementKW float64 `json:"switchImprovementKW" yaml:"switchImprovementKW"`
	// Fraction of the current imbalance a move has to improve by.
	HysteresisFraction float64 `json:"hysteresisFraction" yaml:"hysteresisFraction"`
	// Total export (in kW) above which the feeder is exporting.
	ModeThresholdKW float64 `json:"modeThresholdKW" yaml:"modeThresholdKW"`

	// Voltage Settings
	OverVoltage  float64 `json:"overVoltage" yaml:"overVoltage"`
	UnderVoltage float64 `json:"underVoltage" yaml:"underVoltage"`

	// Phase Load Settings (in kW)
	PhaseOverloadKW float64 `json:"phaseOverloadKW" yaml:"phaseOverloadKW"`
	HighExportKW    float64 `json:"highExportKW" yaml:"highExportKW"`
	HighImportKW    float64 `json:"highImportKW" yaml:"highImportKW"`

	// Houses at or below this magnitude (in kW) are never candidates.
	CandidateNoiseKW float64 `json:"candidateNoiseKW" yaml:"candidateNoiseKW"`
	// Both sides of a phase must exceed this (in kW) to be a conflict.
	ConflictNoiseKW float64 `json:"conflictNoiseKW" yaml:"conflictNoiseKW"`
	// A house moving at least this much raw power (in kW) is a strong mover.
	StrongHouseKW float64 `json:"strongHouseKW" yaml:"strongHouseKW"`

	// Let conflict-resolution moves skip the switch cooldown as well as the
	// improvement gates. Off by default since two houses can end up swapping
	// back and forth.
	ConflictBypassesCooldown bool `json:"conflictBypassesCooldown" yaml:"conflictBypassesCooldown"`

	Startup         StartupPolicy   `json:"startup" yaml:"startup"`
	SmoothingReseed SmoothingReseed `json:"smoothingReseed" yaml:"smoothingReseed"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	s, _, _ := MigrateSettings(Settings{}, 0)
	return s
}

// MigrateSettings fills in defaults for fields added since currentVersion.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	setDuration := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
			migrated = true
		}
	}
	setFloat := func(f *float64, v float64) {
		if *f == 0 {
			*f = v
			migrated = true
		}
	}
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			setDuration(&s.ReadingExpiry, 90*time.Second)
			setDuration(&s.MinSwitchGap, 20*time.Minute)
			setDuration(&s.ModeStableDuration, 10*time.Second)
			setFloat(&s.EWMAAlpha, 0.3)
			setFloat(&s.MinImbalanceKW, 0.15)
			setFloat(&s.HighImbalanceKW, 0.15)
			setFloat(&s.SwitchImprovementKW, 0.05)
			setFloat(&s.HysteresisFraction, 0.05)
			setFloat(&s.ModeThresholdKW, 0.5)
			setFloat(&s.OverVoltage, 250)
			setFloat(&s.UnderVoltage, 200)
			setFloat(&s.PhaseOverloadKW, 1.0)
			setFloat(&s.HighExportKW, 0.1)
			setFloat(&s.HighImportKW, 0.1)
			setFloat(&s.CandidateNoiseKW, 0.05)
			setFloat(&s.StrongHouseKW, 0.1)
			if s.Startup == (StartupPolicy{}) {
				s.Startup.ResetReadings = true
				migrated = true
			}
		case 2:
			// version 2: conflict noise floor, telemetry retention and reseed mode
			setFloat(&s.ConflictNoiseKW, 0.1)
			setDuration(&s.TelemetryRetention, 24*time.Hour)
			if s.SmoothingReseed == "" {
				s.SmoothingReseed = SmoothingReseedRaw
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}
	s.Version = CurrentSettingsVersion

	return s, migrated, nil
}

// Validate returns an error wrapping ErrInvalidSettings if any value can't be
// used by the engine.
func (s Settings) Validate() error {
	var errs []error
	if s.EWMAAlpha <= 0 || s.EWMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("ewmaAlpha must be in (0, 1]: %v", s.EWMAAlpha))
	}
	for name, d := range map[string]time.Duration{
		"readingExpiry":      s.ReadingExpiry,
		"minSwitchGap":       s.MinSwitchGap,
		"modeStableDuration": s.ModeStableDuration,
		"telemetryRetention": s.TelemetryRetention,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative: %v", name, d))
		}
	}
	for name, v := range map[string]float64{
		"minImbalanceKW":      s.MinImbalanceKW,
		"highImbalanceKW":     s.HighImbalanceKW,
		"switchImprovementKW": s.SwitchImprovementKW,
		"hysteresisFraction":  s.HysteresisFraction,
		"modeThresholdKW":     s.ModeThresholdKW,
		"phaseOverloadKW":     s.PhaseOverloadKW,
		"highExportKW":        s.HighExportKW,
		"highImportKW":        s.HighImportKW,
		"candidateNoiseKW":    s.CandidateNoiseKW,
		"conflictNoiseKW":     s.ConflictNoiseKW,
		"strongHouseKW":       s.StrongHouseKW,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s must be a non-negative number: %v", name, v))
		}
	}
	if s.UnderVoltage >= s.OverVoltage {
		errs = append(errs, fmt.Errorf("underVoltage (%v) must be below overVoltage (%v)", s.UnderVoltage, s.OverVoltage))
	}
	switch s.SmoothingReseed {
	case SmoothingReseedRaw, SmoothingReseedPersisted:
	default:
		errs = append(errs, fmt.Errorf("unknown smoothingReseed: %q", s.SmoothingReseed))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

// LoadSettingsFile overlays the YAML file at path onto base. Durations are
// written as strings like "90s" or "20m".
func LoadSettingsFile(path string, base Settings) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read settings file: %w", err)
	}
	s := base
	if err := yaml.Unmarshal(b, &s); err != nil {
		return base, fmt.Errorf("%w: failed to parse settings file: %w", ErrInvalidSettings, err)
	}
	return s, nil
}
