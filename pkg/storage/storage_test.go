package storage

import (
	"context"
	"testing"
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDatabase runs the behavior every provider must share. The database
// must start empty.
func testDatabase(t *testing.T, db Database) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	t.Run("LoadState empty", func(t *testing.T) {
		houses, err := db.LoadState(ctx)
		require.NoError(t, err)
		assert.Empty(t, houses)
	})

	t.Run("SaveState replaces snapshot", func(t *testing.T) {
		smoothed := -1.25
		first := []types.HouseState{
			{HouseID: "h1", Phase: types.PhaseL1, LastChanged: types.Epoch},
			{HouseID: "h2", Phase: types.PhaseL2, LastChanged: now, SmoothedPowerKW: &smoothed,
				LastReading: &types.Reading{Timestamp: now, Voltage: 231, Current: 5, PowerKW: -1.2}},
		}
		require.NoError(t, db.SaveState(ctx, first))

		got, err := db.LoadState(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "h2", got[1].HouseID)
		require.NotNil(t, got[1].SmoothedPowerKW)
		assert.Equal(t, -1.25, *got[1].SmoothedPowerKW)
		require.NotNil(t, got[1].LastReading)
		assert.True(t, now.Equal(got[1].LastReading.Timestamp))

		require.NoError(t, db.SaveState(ctx, first[:1]))
		got, err = db.LoadState(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("Switches", func(t *testing.T) {
		e1 := types.SwitchEvent{ID: "s1", Timestamp: now.Add(-2 * time.Minute), HouseID: "h1", FromPhase: types.PhaseL1, ToPhase: types.PhaseL2, Reason: "reduce imbalance"}
		e2 := types.SwitchEvent{ID: "s2", Timestamp: now.Add(-time.Minute), HouseID: "h2", FromPhase: types.PhaseL2, ToPhase: types.PhaseL3, Reason: "CONFLICT"}
		require.NoError(t, db.AppendSwitch(ctx, e1))
		require.NoError(t, db.AppendSwitch(ctx, e2))
		// retried append is idempotent
		require.NoError(t, db.AppendSwitch(ctx, e2))

		events, err := db.GetSwitchHistory(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "s2", events[0].ID)
		assert.Equal(t, "s1", events[1].ID)

		events, err = db.GetSwitchHistory(ctx, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "s2", events[0].ID)

		require.NoError(t, db.ClearSwitchHistory(ctx))
		events, err = db.GetSwitchHistory(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("Telemetry", func(t *testing.T) {
		for i, e := range []types.TelemetryEvent{
			{ID: "t1", HouseID: "h1", Phase: types.PhaseL1, Timestamp: now.Add(-2 * time.Hour), PowerKW: 1},
			{ID: "t2", HouseID: "h1", Phase: types.PhaseL1, Timestamp: now.Add(-time.Minute), PowerKW: 2},
			{ID: "t3", HouseID: "h1", Phase: types.PhaseL1, Timestamp: now, PowerKW: 3},
			{ID: "t4", HouseID: "h2", Phase: types.PhaseL2, Timestamp: now.Add(-30 * time.Second), PowerKW: -1},
		} {
			require.NoError(t, db.AppendTelemetry(ctx, e), "event %d", i)
		}

		history, err := db.GetTelemetryHistory(ctx, "h1", now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "t2", history[0].ID)
		assert.Equal(t, "t3", history[1].ID)

		latest, err := db.GetLatestTelemetry(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, 3.0, latest["h1"].PowerKW)
		assert.Equal(t, -1.0, latest["h2"].PowerKW)

		require.NoError(t, db.ClearTelemetry(ctx))
		latest, err = db.GetLatestTelemetry(ctx, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, latest)
	})
}

func TestMemoryProvider(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDatabase(t, db)
}

func TestSQLiteProvider(t *testing.T) {
	db, err := NewSQLite(context.Background(), t.TempDir()+"/test.db", 2)
	require.NoError(t, err)
	defer db.Close()
	testDatabase(t, db)

	t.Run("Validate", func(t *testing.T) {
		assert.Error(t, (&SQLiteProvider{poolSize: 1}).Validate())
		assert.Error(t, (&SQLiteProvider{path: "x.db"}).Validate())
	})
}

func TestUnmarshalStateVersion(t *testing.T) {
	_, err := unmarshalState(`{"version": 99, "houses": []}`)
	assert.ErrorContains(t, err, "newer than supported")

	houses, err := unmarshalState(`{"version": 1, "houses": [{"houseID": "h1", "phase": "L3"}]}`)
	require.NoError(t, err)
	require.Len(t, houses, 1)
	assert.Equal(t, types.PhaseL3, houses[0].Phase)
}
