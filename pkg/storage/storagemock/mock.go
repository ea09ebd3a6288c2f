package storagemock

import (
	"context"
	"time"

	"github.com/phaserudder/phaserudder/pkg/storage"
	"github.com/phaserudder/phaserudder/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) SaveState(ctx context.Context, houses []types.HouseState) error {
	args := m.Called(ctx, houses)
	return args.Error(0)
}

func (m *MockDatabase) LoadState(ctx context.Context) ([]types.HouseState, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		houses, _ := args.Get(0).([]types.HouseState)
		return houses, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) AppendTelemetry(ctx context.Context, event types.TelemetryEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDatabase) AppendSwitch(ctx context.Context, event types.SwitchEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDatabase) GetSwitchHistory(ctx context.Context, limit int) ([]types.SwitchEvent, error) {
	args := m.Called(ctx, limit)
	events, _ := args.Get(0).([]types.SwitchEvent)
	return events, args.Error(1)
}

func (m *MockDatabase) GetTelemetryHistory(ctx context.Context, houseID string, since time.Time) ([]types.TelemetryEvent, error) {
	args := m.Called(ctx, houseID, since)
	events, _ := args.Get(0).([]types.TelemetryEvent)
	return events, args.Error(1)
}

func (m *MockDatabase) GetLatestTelemetry(ctx context.Context, since time.Time) (map[string]types.TelemetryEvent, error) {
	args := m.Called(ctx, since)
	latest, _ := args.Get(0).(map[string]types.TelemetryEvent)
	return latest, args.Error(1)
}

func (m *MockDatabase) ClearTelemetry(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDatabase) ClearSwitchHistory(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
