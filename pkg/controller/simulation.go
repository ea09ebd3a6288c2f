package controller

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/phaserudder/phaserudder/pkg/clock"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
)

// SimStep is the outcome of replaying one telemetry event.
type SimStep struct {
	TS          time.Time                `json:"ts"`
	HouseID     string                   `json:"houseID"`
	Phase       types.Phase              `json:"phase"`
	Mode        types.Mode               `json:"mode"`
	ImbalanceKW float64                  `json:"imbalanceKW"`
	Healthy     bool                     `json:"healthy"`
	Switch      *types.RecommendedSwitch `json:"switch,omitempty"`
	Rejection   string                   `json:"rejection,omitempty"`
}

// SimSummary aggregates a replay.
type SimSummary struct {
	Steps            []SimStep              `json:"steps"`
	Switches         int                    `json:"switches"`
	ConflictSwitches int                    `json:"conflictSwitches"`
	Rejections       int                    `json:"rejections"`
	StartImbalanceKW float64                `json:"startImbalanceKW"`
	EndImbalanceKW   float64                `json:"endImbalanceKW"`
	PeakImbalanceKW  float64                `json:"peakImbalanceKW"`
	MeanImbalanceKW  float64                `json:"meanImbalanceKW"`
	FinalPhases      map[string]types.Phase `json:"finalPhases"`
}

// Simulate replays events through a fresh engine using settings, with time
// taken from the event timestamps. Nothing is persisted and the live engine
// is untouched. Houses start on the phase recorded with their first event.
func Simulate(ctx context.Context, settings types.Settings, events []types.TelemetryEvent) SimSummary {
	sorted := make([]types.TelemetryEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	summary := SimSummary{
		Steps:       make([]SimStep, 0, len(sorted)),
		FinalPhases: make(map[string]types.Phase),
	}
	if len(sorted) == 0 {
		return summary
	}

	clk := clock.Fake(sorted[0].Timestamp)
	sim := New(nil, clk, settings)

	var total float64
	for _, e := range sorted {
		clk.Set(e.Timestamp)
		phase, status, err := sim.SubmitTelemetry(ctx, types.Telemetry{
			HouseID: e.HouseID,
			Phase:   e.Phase.String(),
			Voltage: e.Voltage,
			Current: e.Current,
			PowerKW: e.PowerKW,
		})
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "skipping event in simulation", slog.String("id", e.ID), slog.Any("error", err))
			continue
		}

		step := SimStep{
			TS:          e.Timestamp,
			HouseID:     e.HouseID,
			Phase:       phase,
			Mode:        status.Mode,
			ImbalanceKW: status.ImbalanceKW,
			Healthy:     status.Healthy,
			Switch:      status.Recommendation,
			Rejection:   status.Rejection,
		}
		summary.Steps = append(summary.Steps, step)

		if len(summary.Steps) == 1 {
			summary.StartImbalanceKW = step.ImbalanceKW
		}
		summary.EndImbalanceKW = step.ImbalanceKW
		if step.ImbalanceKW > summary.PeakImbalanceKW {
			summary.PeakImbalanceKW = step.ImbalanceKW
		}
		total += step.ImbalanceKW
		if step.Switch != nil {
			summary.Switches++
			if step.Switch.IsConflictResolution() {
				summary.ConflictSwitches++
			}
		}
		if step.Rejection != "" {
			summary.Rejections++
		}
	}
	if n := len(summary.Steps); n > 0 {
		summary.MeanImbalanceKW = total / float64(n)
	}
	for _, h := range sim.Houses() {
		summary.FinalPhases[h.HouseID] = h.Phase
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"simulation finished",
		slog.Int("events", len(sorted)),
		slog.Int("switches", summary.Switches),
		slog.Float64("endImbalanceKW", summary.EndImbalanceKW),
	)
	return summary
}

// Replay runs Simulate over the telemetry stored for every registered house
// within the retention window.
func (c *Controller) Replay(ctx context.Context) (SimSummary, error) {
	var events []types.TelemetryEvent
	for _, h := range c.Houses() {
		hist, err := c.TelemetryHistory(ctx, h.HouseID)
		if err != nil {
			return SimSummary{}, err
		}
		events = append(events, hist...)
	}
	return Simulate(ctx, c.settings, events), nil
}
