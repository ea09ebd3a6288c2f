package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
)

// MemoryProvider keeps everything in process memory. Nothing survives a
// restart, which makes it useful for tests and demos.
type MemoryProvider struct {
	mu        sync.Mutex
	state     string
	telemetry map[string]types.TelemetryEvent
	switches  map[string]types.SwitchEvent
}

// NewMemory returns an empty MemoryProvider.
func NewMemory() *MemoryProvider {
	return &MemoryProvider{
		telemetry: make(map[string]types.TelemetryEvent),
		switches:  make(map[string]types.SwitchEvent),
	}
}

// SaveState stores a serialized copy so later mutations by the caller are
// not visible.
func (m *MemoryProvider) SaveState(ctx context.Context, houses []types.HouseState) error {
	s, err := marshalState(houses)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

func (m *MemoryProvider) LoadState(ctx context.Context) ([]types.HouseState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == "" {
		return nil, nil
	}
	return unmarshalState(m.state)
}

func (m *MemoryProvider) AppendTelemetry(ctx context.Context, event types.TelemetryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry[event.ID] = event
	return nil
}

func (m *MemoryProvider) AppendSwitch(ctx context.Context, event types.SwitchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches[event.ID] = event
	return nil
}

func (m *MemoryProvider) GetSwitchHistory(ctx context.Context, limit int) ([]types.SwitchEvent, error) {
	m.mu.Lock()
	events := make([]types.SwitchEvent, 0, len(m.switches))
	for _, e := range m.switches {
		events = append(events, e)
	}
	m.mu.Unlock()

	newestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *MemoryProvider) GetTelemetryHistory(ctx context.Context, houseID string, since time.Time) ([]types.TelemetryEvent, error) {
	m.mu.Lock()
	var events []types.TelemetryEvent
	for _, e := range m.telemetry {
		if e.HouseID == houseID && !e.Timestamp.Before(since) {
			events = append(events, e)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (m *MemoryProvider) GetLatestTelemetry(ctx context.Context, since time.Time) (map[string]types.TelemetryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]types.TelemetryEvent, 0, len(m.telemetry))
	for _, e := range m.telemetry {
		events = append(events, e)
	}
	return latestPerHouse(events, since), nil
}

func (m *MemoryProvider) ClearTelemetry(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.telemetry)
	return nil
}

func (m *MemoryProvider) ClearSwitchHistory(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.switches)
	return nil
}

func (m *MemoryProvider) Close() error {
	return nil
}
