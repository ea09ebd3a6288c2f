package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/phaserudder/phaserudder/pkg/analyzer"
	"github.com/phaserudder/phaserudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type houses []types.HouseState

func (hs houses) ForEach(fn func(h types.HouseState)) {
	for _, h := range hs {
		fn(h)
	}
}

func house(id string, phase types.Phase, powerKW float64) types.HouseState {
	return houseV(id, phase, powerKW, 230)
}

func houseV(id string, phase types.Phase, powerKW, voltage float64) types.HouseState {
	return types.HouseState{
		HouseID:     id,
		Phase:       phase,
		LastChanged: types.Epoch,
		LastReading: &types.Reading{Timestamp: now, Voltage: voltage, PowerKW: powerKW},
	}
}

// setup builds both strategies and the view the controller would pass them.
func setup(hs houses, settings types.Settings) (*Export, *Import, View) {
	a := analyzer.New(hs, settings)
	stats := a.PhaseStats(now)
	view := View{
		Now:           now,
		Stats:         stats,
		ImbalanceKW:   analyzer.Imbalance(stats),
		VoltageIssues: a.VoltageIssues(stats),
	}
	return NewExport(hs, a, settings), NewImport(hs, a, settings), view
}

func TestScenarioA(t *testing.T) {
	ctx := context.Background()
	_, imp, view := setup(houses{
		house("big", types.PhaseL1, 3.0),
		house("mid", types.PhaseL1, 2.0),
		house("l2", types.PhaseL2, 1.0),
		house("l3", types.PhaseL3, 1.0),
	}, types.DefaultSettings())
	require.Equal(t, 4.0, view.ImbalanceKW)

	rec := imp.FindBestSwitch(ctx, view)
	require.NotNil(t, rec)
	assert.Equal(t, "mid", rec.HouseID)
	assert.Equal(t, types.PhaseL1, rec.FromPhase)
	// L2 and L3 tie, enumeration order wins
	assert.Equal(t, types.PhaseL2, rec.ToPhase)
	assert.Equal(t, 2.0, rec.NewImbalanceKW)
	assert.Equal(t, 2.0, rec.ImprovementKW)
	assert.Less(t, rec.NewImbalanceKW, 4.0)
	assert.False(t, rec.IsConflictResolution())
	assert.Equal(t, types.ModeConsume, imp.Mode())
}

func TestScenarioB(t *testing.T) {
	ctx := context.Background()
	for _, totals := range []float64{2.0, -2.0} {
		exp, imp, view := setup(houses{
			house("a", types.PhaseL1, totals),
			house("b", types.PhaseL2, totals),
			house("c", types.PhaseL3, totals),
		}, types.DefaultSettings())
		assert.Nil(t, imp.FindBestSwitch(ctx, view))
		assert.Nil(t, exp.FindBestSwitch(ctx, view))
	}
}

func TestScenarioC(t *testing.T) {
	ctx := context.Background()
	exp, _, view := setup(houses{
		house("solar", types.PhaseL1, -1.4),
		house("load", types.PhaseL1, 1.2),
	}, types.DefaultSettings())

	rec := exp.FindBestSwitch(ctx, view)
	require.NotNil(t, rec)
	assert.True(t, rec.IsConflictResolution())
	assert.Equal(t, "solar", rec.HouseID)
	assert.Equal(t, types.PhaseL1, rec.FromPhase)
	assert.Equal(t, types.PhaseL2, rec.ToPhase)
	// breaking the conflict widens the instantaneous spread
	assert.InDelta(t, -2.4, rec.ImprovementKW, 1e-9)
	assert.InDelta(t, 2.6, rec.NewImbalanceKW, 1e-9)
}

func TestConflictOppositeSignTarget(t *testing.T) {
	ctx := context.Background()
	exp, _, view := setup(houses{
		house("solar", types.PhaseL1, -3.0),
		house("load", types.PhaseL1, 1.0),
		house("l2", types.PhaseL2, -0.5),
		house("l3a", types.PhaseL3, 0.5),
		house("l3b", types.PhaseL3, 1.0),
	}, types.DefaultSettings())

	rec := exp.FindBestSwitch(ctx, view)
	require.NotNil(t, rec)
	assert.True(t, rec.IsConflictResolution())
	assert.Equal(t, "solar", rec.HouseID)
	// L2 has the same sign as the mover, so only L3 qualifies
	assert.Equal(t, types.PhaseL3, rec.ToPhase)
}

func TestConflictWithoutTargetFallsBack(t *testing.T) {
	ctx := context.Background()
	exp, _, view := setup(houses{
		house("solar", types.PhaseL1, -3.0),
		house("load", types.PhaseL1, 1.0),
		house("small", types.PhaseL1, -0.6),
		house("l2", types.PhaseL2, -0.5),
		house("l3", types.PhaseL3, -0.2),
	}, types.DefaultSettings())

	// every other phase is exporting, so the conflict can't be split
	rec := exp.FindBestSwitch(ctx, view)
	require.NotNil(t, rec)
	assert.False(t, rec.IsConflictResolution())
	assert.Equal(t, "small", rec.HouseID)
	assert.Equal(t, types.PhaseL3, rec.ToPhase)
	assert.InDelta(t, 0.9, rec.ImprovementKW, 1e-9)
}

func TestHysteresis(t *testing.T) {
	ctx := context.Background()
	settings := types.DefaultSettings()
	settings.SwitchImprovementKW = 0.5

	// the only improving move gains 0.2 kW, under the 0.5 kW floor
	_, imp, view := setup(houses{
		house("a", types.PhaseL1, 1.1),
		house("b", types.PhaseL2, 1.0),
		house("c", types.PhaseL3, 0.9),
		house("small", types.PhaseL1, 0.1),
	}, settings)
	assert.Nil(t, imp.FindBestSwitch(ctx, view))

	settings.SwitchImprovementKW = 0.05
	_, imp, view = setup(houses{
		house("a", types.PhaseL1, 1.1),
		house("b", types.PhaseL2, 1.0),
		house("c", types.PhaseL3, 0.9),
		house("small", types.PhaseL1, 0.1),
	}, settings)
	rec := imp.FindBestSwitch(ctx, view)
	require.NotNil(t, rec)
	assert.Equal(t, "small", rec.HouseID)
	assert.Equal(t, types.PhaseL3, rec.ToPhase)
}

func TestCandidatesNoiseFloorAndOrder(t *testing.T) {
	_, imp, _ := setup(houses{
		house("tiny", types.PhaseL1, 0.05),
		house("b", types.PhaseL2, 1.0),
		house("a", types.PhaseL3, 1.0),
		house("exporter", types.PhaseL3, -2.0),
		house("big", types.PhaseL1, 3.0),
	}, types.DefaultSettings())

	cands := imp.candidates(now)
	var ids []string
	for _, c := range cands {
		ids = append(ids, c.houseID)
	}
	assert.Equal(t, []string{"big", "a", "b"}, ids)
}

func TestExportAvoidsOverVoltage(t *testing.T) {
	ctx := context.Background()
	exp, _, view := setup(houses{
		house("s1", types.PhaseL1, -2.0),
		house("s2", types.PhaseL1, -1.0),
		houseV("l2", types.PhaseL2, 1.0, 255),
		house("l3", types.PhaseL3, 0.4),
	}, types.DefaultSettings())
	require.Equal(t, []types.Phase{types.PhaseL2}, view.VoltageIssues.OverVoltage)

	// s1 onto L2 would gain the most but L2 is over-voltage
	rec := exp.FindBestSwitch(ctx, view)
	require.NotNil(t, rec)
	assert.Equal(t, "s1", rec.HouseID)
	assert.Equal(t, types.PhaseL3, rec.ToPhase)
	assert.InDelta(t, 1.4, rec.ImprovementKW, 1e-9)

	t.Run("uses flagged target as last resort", func(t *testing.T) {
		exp, _, view := setup(houses{
			house("s1", types.PhaseL1, -3.0),
			houseV("l2", types.PhaseL2, 0.2, 255),
			houseV("l3", types.PhaseL3, 0.2, 255),
		}, types.DefaultSettings())
		rec := exp.FindBestSwitch(ctx, view)
		require.NotNil(t, rec)
		assert.Equal(t, types.PhaseL2, rec.ToPhase)
	})
}

func TestImportRestrictsToUnderVoltageSources(t *testing.T) {
	ctx := context.Background()
	_, imp, view := setup(houses{
		house("a", types.PhaseL1, 2.0),
		house("b", types.PhaseL1, 2.0),
		houseV("uv", types.PhaseL2, 1.0, 190),
		houseV("uv2", types.PhaseL2, 1.0, 190),
		house("l3", types.PhaseL3, 0.1),
	}, types.DefaultSettings())
	require.Equal(t, []types.Phase{types.PhaseL2}, view.VoltageIssues.UnderVoltage)

	// moving a or b off L1 would gain more, but L2 is under-voltage
	rec := imp.FindBestSwitch(ctx, view)
	require.NotNil(t, rec)
	assert.Equal(t, "uv", rec.HouseID)
	assert.Equal(t, types.PhaseL2, rec.FromPhase)
	assert.Equal(t, types.PhaseL3, rec.ToPhase)
}

func TestNoCandidates(t *testing.T) {
	ctx := context.Background()
	exp, imp, view := setup(houses{
		house("a", types.PhaseL1, 3.0),
	}, types.DefaultSettings())
	assert.Nil(t, exp.FindBestSwitch(ctx, view))
	// a lone house only relocates the imbalance
	assert.Nil(t, imp.FindBestSwitch(ctx, view))

	stale := house("old", types.PhaseL1, 5.0)
	stale.LastReading.Timestamp = now.Add(-time.Hour)
	_, imp, view = setup(houses{stale}, types.DefaultSettings())
	assert.Nil(t, imp.FindBestSwitch(ctx, view))
}
