package main

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
)

type seedHouse struct {
	id      string
	phase   types.Phase
	voltage float64
	powerKW float64
}

var scenarios = map[string][]seedHouse{
	"balanced": {
		{"H1", types.PhaseL1, 230, 1.2},
		{"H2", types.PhaseL2, 230, 0.9},
		{"H3", types.PhaseL3, 230, 1.4},
		{"B1", types.PhaseL1, 230, 0.5},
		{"B2", types.PhaseL2, 230, 0.7},
		{"B3", types.PhaseL3, 230, 0.4},
	},
	"imbalanced": {
		{"H1", types.PhaseL1, 230, 1.8},
		{"H2", types.PhaseL1, 230, 1.0},
		{"H3", types.PhaseL1, 230, 1.2},
		{"B1", types.PhaseL1, 230, 0.4},
		{"B2", types.PhaseL1, 230, 2.4},
		{"V1", types.PhaseL1, 230, 0.7},
		{"V2", types.PhaseL1, 230, 0.2},
	},
	"export": {
		{"H1", types.PhaseL1, 235, -1.2},
		{"H2", types.PhaseL2, 235, -0.7},
		{"B1", types.PhaseL1, 230, 0.5},
		{"B2", types.PhaseL3, 230, 0.2},
		{"V1", types.PhaseL1, 235, -0.5},
	},
	"voltage": {
		{"H1", types.PhaseL1, 260, 2.0},
		{"H2", types.PhaseL2, 190, 0.9},
		{"H3", types.PhaseL3, 230, 1.4},
		{"B1", types.PhaseL1, 265, 0.5},
	},
	"conflict": {
		{"H1", types.PhaseL1, 235, -1.4},
		{"H2", types.PhaseL3, 235, -0.7},
		{"B1", types.PhaseL1, 230, 1.2},
		{"B2", types.PhaseL3, 230, 0.2},
		{"H3", types.PhaseL2, 230, 1.4},
		{"V1", types.PhaseL1, 230, 0.4},
		{"V2", types.PhaseL2, 230, 0.2},
	},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios)+1)
	for n := range scenarios {
		names = append(names, n)
	}
	names = append(names, "random")
	sort.Strings(names)
	return names
}

// randomFeeder spreads n houses over the phases with roughly a third of them
// exporting solar.
func randomFeeder(rng *rand.Rand, n int) []seedHouse {
	houses := make([]seedHouse, 0, n)
	for i := range n {
		h := seedHouse{
			id:      fmt.Sprintf("house-%03d", i+1),
			phase:   types.Phases[rng.Intn(len(types.Phases))],
			voltage: 228 + rng.Float64()*6,
			powerKW: 0.2 + rng.Float64()*2.3,
		}
		if rng.Float64() < 0.35 {
			h.powerKW = -(0.3 + rng.Float64()*2.5)
			h.voltage += 4
		}
		h.powerKW = math.Round(h.powerKW*100) / 100
		houses = append(houses, h)
	}
	return houses
}

// buildFeeder turns houses into a state snapshot plus samples telemetry
// events per house, spaced interval apart and ending at now. Later samples
// jitter around the house's base power.
func buildFeeder(rng *rand.Rand, houses []seedHouse, now time.Time, samples int, interval time.Duration) ([]types.HouseState, []types.TelemetryEvent) {
	states := make([]types.HouseState, 0, len(houses))
	events := make([]types.TelemetryEvent, 0, len(houses)*samples)
	for _, h := range houses {
		var last types.TelemetryEvent
		for i := range samples {
			ts := now.Add(-time.Duration(samples-1-i) * interval)
			power := h.powerKW
			if i < samples-1 {
				power += (rng.Float64() - 0.5) * 0.2
			}
			last = types.TelemetryEvent{
				ID:        types.NewEventID(),
				HouseID:   h.id,
				Phase:     h.phase,
				Timestamp: ts,
				Voltage:   h.voltage,
				Current:   power * 1000 / h.voltage,
				PowerKW:   power,
			}
			events = append(events, last)
		}
		reading := last.Reading()
		smoothed := reading.PowerKW
		states = append(states, types.HouseState{
			HouseID:         h.id,
			Phase:           h.phase,
			LastChanged:     types.Epoch,
			LastReading:     &reading,
			SmoothedPowerKW: &smoothed,
		})
	}
	slices.SortFunc(events, func(a, b types.TelemetryEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return states, events
}
