package controller

import (
	"encoding/json"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/phaserudder/phaserudder/pkg/clock"
	"github.com/phaserudder/phaserudder/pkg/storage"
	"github.com/phaserudder/phaserudder/pkg/types"
)

// Configured registers the balancer settings flags and returns a Controller
// that is built once flags are parsed.
func Configured(db storage.Database, opts ...Option) *Controller {
	settingsFile := lflag.String("balancer-settings-file", "", "YAML file with balancer settings, overlaid on the defaults")
	overlay := map[string]any{}
	lflag.JSON(&overlay, "balancer-settings", overlay, "JSON object of balancer settings, overlaid after the settings file (durations in nanoseconds)")
	readingExpiry := lflag.Duration("reading-expiry", 0, "Override how long a reading counts toward the phase totals (0 keeps the configured value)")
	minSwitchGap := lflag.Duration("min-switch-gap", 0, "Override the minimum time between switches of the same house (0 keeps the configured value)")
	modeStable := lflag.Duration("mode-stable-duration", 0, "Override how long a new mode has to hold before it's confirmed (0 keeps the configured value)")

	c := &Controller{}
	lflag.Do(func() {
		settings, err := buildSettings(*settingsFile, overlay)
		if err != nil {
			panic(fmt.Sprintf("balancer settings: %v", err))
		}
		if *readingExpiry > 0 {
			settings.ReadingExpiry = *readingExpiry
		}
		if *minSwitchGap > 0 {
			settings.MinSwitchGap = *minSwitchGap
		}
		if *modeStable > 0 {
			settings.ModeStableDuration = *modeStable
		}
		if err := settings.Validate(); err != nil {
			panic(fmt.Sprintf("balancer settings: %v", err))
		}
		c.init(db, clock.Real(), settings, opts...)
	})
	return c
}

// buildSettings layers the settings file and then the JSON overlay on top of
// the defaults.
func buildSettings(path string, overlay map[string]any) (types.Settings, error) {
	settings := types.DefaultSettings()
	if path != "" {
		var err error
		settings, err = types.LoadSettingsFile(path, settings)
		if err != nil {
			return settings, err
		}
	}
	if len(overlay) > 0 {
		b, err := json.Marshal(overlay)
		if err != nil {
			return settings, fmt.Errorf("failed to encode settings overlay: %w", err)
		}
		if err := json.Unmarshal(b, &settings); err != nil {
			return settings, fmt.Errorf("%w: failed to apply settings overlay: %w", types.ErrInvalidSettings, err)
		}
	}
	return settings, nil
}
