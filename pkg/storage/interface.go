package storage

import (
	"context"
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
)

// Database persists house state and the telemetry and switch event logs.
// Appends are keyed by event id so a retried append overwrites rather than
// duplicates.
type Database interface {
	// State
	// SaveState replaces the stored snapshot of every registered house.
	SaveState(ctx context.Context, houses []types.HouseState) error
	// LoadState returns the last saved snapshot, or nil if none was saved.
	LoadState(ctx context.Context) ([]types.HouseState, error)

	// Events
	AppendTelemetry(ctx context.Context, event types.TelemetryEvent) error
	AppendSwitch(ctx context.Context, event types.SwitchEvent) error

	// History
	// GetSwitchHistory returns up to limit switch events, newest first.
	GetSwitchHistory(ctx context.Context, limit int) ([]types.SwitchEvent, error)
	// GetTelemetryHistory returns a house's telemetry at or after since,
	// oldest first.
	GetTelemetryHistory(ctx context.Context, houseID string, since time.Time) ([]types.TelemetryEvent, error)
	// GetLatestTelemetry returns the newest telemetry event per house among
	// events at or after since.
	GetLatestTelemetry(ctx context.Context, since time.Time) (map[string]types.TelemetryEvent, error)

	// Maintenance
	ClearTelemetry(ctx context.Context) error
	ClearSwitchHistory(ctx context.Context) error

	// Lifecycle
	Close() error
}
