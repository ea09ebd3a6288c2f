// Package analyzer aggregates house readings into per-phase statistics and
// flags the voltage, load and intra-phase conflict conditions the balancer
// reacts to. Every method takes the time captured once per cycle so a whole
// cycle sees one consistent set of unexpired readings.
package analyzer

import (
	"math"
	"sort"
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
)

// Houses is the read access the analyzer needs to the house store.
type Houses interface {
	ForEach(fn func(h types.HouseState))
}

// Analyzer computes phase aggregates. It holds no state of its own.
type Analyzer struct {
	houses   Houses
	settings types.Settings
}

// New returns an Analyzer reading from houses.
func New(houses Houses, settings types.Settings) *Analyzer {
	return &Analyzer{
		houses:   houses,
		settings: settings,
	}
}

// EffectivePower returns the smoothed power of the house if present, else
// its raw power. It returns false if the house has no unexpired reading.
func (a *Analyzer) EffectivePower(h types.HouseState, now time.Time) (float64, bool) {
	if h.LastReading == nil || h.LastReading.Expired(now, a.settings.ReadingExpiry) {
		return 0, false
	}
	if h.SmoothedPowerKW != nil {
		return *h.SmoothedPowerKW, true
	}
	return h.LastReading.PowerKW, true
}

// PhaseStats returns one entry per phase in enumeration order.
func (a *Analyzer) PhaseStats(now time.Time) []types.PhaseStats {
	var (
		power    [3]float64
		voltages [3]float64
		counts   [3]int
	)
	a.houses.ForEach(func(h types.HouseState) {
		p, ok := a.EffectivePower(h, now)
		i := h.Phase.Index()
		if !ok || i < 0 {
			return
		}
		power[i] += p
		voltages[i] += h.LastReading.Voltage
		counts[i]++
	})

	stats := make([]types.PhaseStats, len(types.Phases))
	for i, phase := range types.Phases {
		stats[i] = types.PhaseStats{
			Phase:        phase,
			TotalPowerKW: power[i],
			HouseCount:   counts[i],
		}
		if counts[i] > 0 {
			stats[i].AvgVoltage = voltages[i] / float64(counts[i])
		}
	}
	return stats
}

// Imbalance is the spread between the most importing and the most exporting
// phase.
func Imbalance(stats []types.PhaseStats) float64 {
	if len(stats) == 0 {
		return 0
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, ps := range stats {
		hi = math.Max(hi, ps.TotalPowerKW)
		lo = math.Min(lo, ps.TotalPowerKW)
	}
	return hi - lo
}

// DetectMode classifies the feeder as exporting when total export exceeds
// the mode threshold and is at least the total import.
func (a *Analyzer) DetectMode(now time.Time) types.Mode {
	var export, imp float64
	a.houses.ForEach(func(h types.HouseState) {
		p, ok := a.EffectivePower(h, now)
		if !ok {
			return
		}
		if p < 0 {
			export += -p
		} else {
			imp += p
		}
	})
	if export > a.settings.ModeThresholdKW && export >= imp {
		return types.ModeExport
	}
	return types.ModeConsume
}

// VoltageIssues flags phases by average voltage and total load. Voltage is
// only judged on phases with at least one unexpired reading.
func (a *Analyzer) VoltageIssues(stats []types.PhaseStats) types.VoltageIssues {
	var issues types.VoltageIssues
	for _, ps := range stats {
		if ps.HouseCount > 0 {
			if ps.AvgVoltage > a.settings.OverVoltage {
				issues.OverVoltage = append(issues.OverVoltage, ps.Phase)
			} else if ps.AvgVoltage < a.settings.UnderVoltage {
				issues.UnderVoltage = append(issues.UnderVoltage, ps.Phase)
			}
		}
		if ps.TotalPowerKW > a.settings.PhaseOverloadKW {
			issues.Overload = append(issues.Overload, ps.Phase)
		}
		if ps.TotalPowerKW < -a.settings.PhaseOverloadKW {
			issues.ExcessiveExport = append(issues.ExcessiveExport, ps.Phase)
		}
	}
	return issues
}

// PowerIssues classifies phases by direction and magnitude of their totals.
func (a *Analyzer) PowerIssues(stats []types.PhaseStats) types.PowerIssues {
	var (
		issues    types.PowerIssues
		maxExport float64
		maxImport float64
	)
	for _, ps := range stats {
		if math.Abs(ps.TotalPowerKW) > a.settings.PhaseOverloadKW {
			typ := "export"
			if ps.TotalPowerKW > 0 {
				typ = "import"
			}
			issues.OverloadedPhases = append(issues.OverloadedPhases, types.PhaseLoad{
				Phase:   ps.Phase,
				PowerKW: ps.TotalPowerKW,
				Type:    typ,
			})
		}
		if ps.TotalPowerKW < -a.settings.HighExportKW {
			issues.HighExportPhases = append(issues.HighExportPhases, ps.Phase)
			if -ps.TotalPowerKW > maxExport {
				maxExport = -ps.TotalPowerKW
				p := ps.Phase
				issues.MaxExportPhase = &p
			}
		}
		if ps.TotalPowerKW > a.settings.HighImportKW {
			issues.HighImportPhases = append(issues.HighImportPhases, ps.Phase)
			if ps.TotalPowerKW > maxImport {
				maxImport = ps.TotalPowerKW
				p := ps.Phase
				issues.MaxImportPhase = &p
			}
		}
	}
	return issues
}

// InternalImbalance measures exporters and importers cancelling out within
// phase. The imbalance is the gross opposing flow, so one house at -2 kW and
// one at +2 kW give 4 kW even though the net is zero.
func (a *Analyzer) InternalImbalance(phase types.Phase, now time.Time) types.InternalImbalance {
	var export, imp float64
	a.houses.ForEach(func(h types.HouseState) {
		if h.Phase != phase {
			return
		}
		p, ok := a.EffectivePower(h, now)
		if !ok {
			return
		}
		if p < 0 {
			export += -p
		} else {
			imp += p
		}
	})
	eps := a.settings.ConflictNoiseKW
	return types.InternalImbalance{
		Phase:               phase,
		ExportKW:            export,
		ImportKW:            imp,
		InternalImbalanceKW: export + imp,
		HasConflict:         export > eps && imp > eps,
	}
}

// ConflictedPhases returns phases with a conflict ordered by descending
// internal imbalance. Ties keep enumeration order.
func (a *Analyzer) ConflictedPhases(now time.Time) []types.Phase {
	var conflicted []types.InternalImbalance
	for _, phase := range types.Phases {
		if ii := a.InternalImbalance(phase, now); ii.HasConflict {
			conflicted = append(conflicted, ii)
		}
	}
	sort.SliceStable(conflicted, func(i, j int) bool {
		return conflicted[i].InternalImbalanceKW > conflicted[j].InternalImbalanceKW
	})
	phases := make([]types.Phase, len(conflicted))
	for i, ii := range conflicted {
		phases[i] = ii.Phase
	}
	return phases
}

// Details combines each phase's net total with its internal split.
func (a *Analyzer) Details(stats []types.PhaseStats, now time.Time) []types.PhaseDetail {
	details := make([]types.PhaseDetail, 0, len(types.Phases))
	for _, phase := range types.Phases {
		d := types.PhaseDetail{InternalImbalance: a.InternalImbalance(phase, now)}
		for _, ps := range stats {
			if ps.Phase == phase {
				d.NetPowerKW = ps.TotalPowerKW
			}
		}
		details = append(details, d)
	}
	return details
}
