package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phaserudder/phaserudder/pkg/clock"
	"github.com/phaserudder/phaserudder/pkg/storage"
	"github.com/phaserudder/phaserudder/pkg/storage/storagemock"
	"github.com/phaserudder/phaserudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRegister(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemory(), clock.Fake(start), types.DefaultSettings())

	require.NoError(t, s.Register(ctx, "h1", types.PhaseL1))
	h, ok := s.House("h1")
	require.True(t, ok)
	assert.Equal(t, types.PhaseL1, h.Phase)
	assert.Equal(t, types.Epoch, h.LastChanged)
	assert.Nil(t, h.LastReading)
	assert.Nil(t, h.SmoothedPowerKW)

	t.Run("duplicate", func(t *testing.T) {
		err := s.Register(ctx, "h1", types.PhaseL2)
		assert.ErrorIs(t, err, types.ErrAlreadyRegistered)
		h, _ := s.House("h1")
		assert.Equal(t, types.PhaseL1, h.Phase)
	})

	t.Run("invalid phase", func(t *testing.T) {
		assert.ErrorIs(t, s.Register(ctx, "h2", "L9"), types.ErrInvalidPhase)
		assert.Equal(t, 1, s.Len())
	})
}

func TestUpdateReading(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	db := storage.NewMemory()
	s := New(db, clk, types.DefaultSettings())
	require.NoError(t, s.Register(ctx, "h1", types.PhaseL2))

	t.Run("unknown house", func(t *testing.T) {
		_, err := s.UpdateReading(ctx, "nope", 230, 1, 1)
		assert.ErrorIs(t, err, types.ErrUnknownHouse)
	})

	t.Run("first reading seeds smoothing", func(t *testing.T) {
		r, err := s.UpdateReading(ctx, "h1", 230, 10, 2.0)
		require.NoError(t, err)
		assert.Equal(t, start, r.Timestamp)
		h, _ := s.House("h1")
		require.NotNil(t, h.SmoothedPowerKW)
		assert.Equal(t, 2.0, *h.SmoothedPowerKW)
	})

	t.Run("ewma", func(t *testing.T) {
		clk.Advance(time.Second)
		_, err := s.UpdateReading(ctx, "h1", 230, 0, 0)
		require.NoError(t, err)
		h, _ := s.House("h1")
		// 0.3*0 + 0.7*2.0
		assert.InDelta(t, 1.4, *h.SmoothedPowerKW, 1e-9)
		assert.Equal(t, 0.0, h.LastReading.PowerKW)
		assert.Equal(t, start.Add(time.Second), h.LastReading.Timestamp)
	})

	t.Run("persisted", func(t *testing.T) {
		history, err := db.GetTelemetryHistory(ctx, "h1", time.Time{})
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, types.PhaseL2, history[0].Phase)
		assert.NotEqual(t, history[0].ID, history[1].ID)

		state, err := db.LoadState(ctx)
		require.NoError(t, err)
		require.Len(t, state, 1)
		assert.InDelta(t, 1.4, *state[0].SmoothedPowerKW, 1e-9)
	})
}

func TestApplySwitch(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(start)
	db := storage.NewMemory()
	s := New(db, clk, types.DefaultSettings())
	require.NoError(t, s.Register(ctx, "h1", types.PhaseL1))

	t.Run("unknown house", func(t *testing.T) {
		_, err := s.ApplySwitch(ctx, "nope", types.PhaseL2, "x")
		assert.ErrorIs(t, err, types.ErrUnknownHouse)
	})

	t.Run("same phase", func(t *testing.T) {
		_, err := s.ApplySwitch(ctx, "h1", types.PhaseL1, "x")
		assert.ErrorIs(t, err, types.ErrInvalidPhase)
	})

	t.Run("switch", func(t *testing.T) {
		event, err := s.ApplySwitch(ctx, "h1", types.PhaseL3, "reduce imbalance")
		require.NoError(t, err)
		assert.Equal(t, types.PhaseL1, event.FromPhase)
		assert.Equal(t, types.PhaseL3, event.ToPhase)

		h, _ := s.House("h1")
		assert.Equal(t, types.PhaseL3, h.Phase)
		assert.Equal(t, start, h.LastChanged)

		history, err := db.GetSwitchHistory(ctx, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, event, history[0])
	})

	t.Run("last changed never moves backwards", func(t *testing.T) {
		clk.Set(start.Add(-time.Hour))
		_, err := s.ApplySwitch(ctx, "h1", types.PhaseL2, "reduce imbalance")
		require.NoError(t, err)
		h, _ := s.House("h1")
		assert.Equal(t, types.PhaseL2, h.Phase)
		assert.Equal(t, start, h.LastChanged)
	})
}

func TestPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	db := &storagemock.MockDatabase{}
	boom := errors.New("boom")
	db.On("SaveState", mock.Anything, mock.Anything).Return(nil).Once()
	db.On("AppendTelemetry", mock.Anything, mock.Anything).Return(boom)
	db.On("SaveState", mock.Anything, mock.Anything).Return(boom)
	db.On("AppendSwitch", mock.Anything, mock.Anything).Return(nil)

	s := New(db, clock.Fake(start), types.DefaultSettings())
	require.NoError(t, s.Register(ctx, "h1", types.PhaseL1))

	_, err := s.UpdateReading(ctx, "h1", 230, 1, 1.5)
	var perr *types.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "appendTelemetry", perr.Op)
	// memory still reflects the reading
	h, _ := s.House("h1")
	require.NotNil(t, h.LastReading)
	assert.Equal(t, 1.5, h.LastReading.PowerKW)

	_, err = s.ApplySwitch(ctx, "h1", types.PhaseL2, "x")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "saveState", perr.Op)
	h, _ = s.House("h1")
	assert.Equal(t, types.PhaseL2, h.Phase)

	db.AssertExpectations(t)
}

func TestHousesSortedCopies(t *testing.T) {
	ctx := context.Background()
	s := New(nil, clock.Fake(start), types.DefaultSettings())
	require.NoError(t, s.Register(ctx, "b", types.PhaseL1))
	require.NoError(t, s.Register(ctx, "a", types.PhaseL2))
	_, err := s.UpdateReading(ctx, "a", 230, 1, 1)
	require.NoError(t, err)

	houses := s.Houses()
	require.Len(t, houses, 2)
	assert.Equal(t, "a", houses[0].HouseID)
	houses[0].LastReading.PowerKW = 99

	h, _ := s.House("a")
	assert.Equal(t, 1.0, h.LastReading.PowerKW)

	var order []string
	s.ForEach(func(h types.HouseState) { order = append(order, h.HouseID) })
	assert.Equal(t, []string{"b", "a"}, order)
}
