// Package balancer searches for the single phase reassignment that best
// reduces the imbalance between the three phases. The export and import
// strategies share one search and differ only in the sign of the houses they
// move and which flagged phases they avoid.
package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/phaserudder/phaserudder/pkg/analyzer"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
)

// View is the cycle state a strategy decides on. It is computed once per
// cycle by the controller.
type View struct {
	Now           time.Time
	Stats         []types.PhaseStats
	ImbalanceKW   float64
	VoltageIssues types.VoltageIssues
}

// Strategy finds at most one switch for a regime.
type Strategy interface {
	Mode() types.Mode
	FindBestSwitch(ctx context.Context, view View) *types.RecommendedSwitch
}

// candidate is a house eligible to move along with the power it would carry.
type candidate struct {
	houseID string
	phase   types.Phase
	powerKW float64
}

// search is the routine shared by both regimes.
type search struct {
	houses   analyzer.Houses
	analyzer *analyzer.Analyzer
	settings types.Settings

	mode types.Mode
	// sign is -1 when moving exporters and +1 when moving importers.
	sign float64
	// avoid returns target phases to use only when nothing else qualifies.
	avoid func(View) []types.Phase
	// sources returns the phases candidates must come from, or nil for any.
	sources func(View) []types.Phase
}

func (s *search) Mode() types.Mode {
	return s.mode
}

// FindBestSwitch returns a conflict-resolution move if any phase has one,
// otherwise the move with the largest improvement above the hysteresis
// floor, otherwise nil.
func (s *search) FindBestSwitch(ctx context.Context, view View) *types.RecommendedSwitch {
	cands := s.candidates(view.Now)
	if len(cands) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no candidates", slog.String("mode", string(s.mode)))
		return nil
	}

	if rec := s.resolveConflict(ctx, view, cands); rec != nil {
		return rec
	}

	var sources []types.Phase
	if s.sources != nil {
		sources = s.sources(view)
	}
	var avoid []types.Phase
	if s.avoid != nil {
		avoid = s.avoid(view)
	}
	if rec := s.bruteForce(ctx, view, cands, sources, avoid); rec != nil {
		return rec
	}
	if len(avoid) > 0 {
		log.Ctx(ctx).DebugContext(ctx, "retrying with flagged targets", slog.Any("flagged", avoid))
		return s.bruteForce(ctx, view, cands, sources, nil)
	}
	return nil
}

// candidates returns houses carrying the regime sign above the noise floor,
// largest first. Equal magnitudes are ordered by house id.
func (s *search) candidates(now time.Time) []candidate {
	var cands []candidate
	s.houses.ForEach(func(h types.HouseState) {
		p, ok := s.analyzer.EffectivePower(h, now)
		if !ok || s.sign*p <= s.settings.CandidateNoiseKW {
			return
		}
		cands = append(cands, candidate{
			houseID: h.HouseID,
			phase:   h.Phase,
			powerKW: p,
		})
	})
	sort.Slice(cands, func(i, j int) bool {
		mi, mj := math.Abs(cands[i].powerKW), math.Abs(cands[j].powerKW)
		if mi != mj {
			return mi > mj
		}
		return cands[i].houseID < cands[j].houseID
	})
	return cands
}

// resolveConflict moves the strongest regime-signed house off the most
// conflicted phase. It prefers an empty phase and otherwise the phase whose
// total has the opposite sign that gains the most. The move is returned even
// if it makes the instantaneous imbalance worse.
func (s *search) resolveConflict(ctx context.Context, view View, cands []candidate) *types.RecommendedSwitch {
	conflicted := s.analyzer.ConflictedPhases(view.Now)
	if len(conflicted) == 0 {
		return nil
	}
	source := conflicted[0]

	var mover *candidate
	for i := range cands {
		if cands[i].phase == source {
			mover = &cands[i]
			break
		}
	}
	if mover == nil {
		log.Ctx(ctx).DebugContext(ctx, "conflicted phase has no mover", slog.String("phase", source.String()))
		return nil
	}

	totals := totalsOf(view.Stats)
	var (
		target   types.Phase
		best     float64
		newImb   float64
		haveBest bool
	)
	for _, p := range types.Phases {
		if p != source && totals[p.Index()] == 0 {
			target = p
			newImb = imbalanceAfter(totals, source, p, mover.powerKW)
			best = view.ImbalanceKW - newImb
			haveBest = true
			break
		}
	}
	if !haveBest {
		for _, p := range types.Phases {
			if p == source || totals[p.Index()]*mover.powerKW >= 0 {
				continue
			}
			ni := imbalanceAfter(totals, source, p, mover.powerKW)
			impr := view.ImbalanceKW - ni
			if !haveBest || impr > best {
				target, best, newImb, haveBest = p, impr, ni, true
			}
		}
	}
	if !haveBest {
		log.Ctx(ctx).DebugContext(ctx, "conflict has no opposite-sign target", slog.String("phase", source.String()))
		return nil
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"conflict resolution",
		slog.String("houseID", mover.houseID),
		slog.String("from", source.String()),
		slog.String("to", target.String()),
		slog.Float64("improvementKW", best),
	)
	return &types.RecommendedSwitch{
		HouseID:        mover.houseID,
		FromPhase:      source,
		ToPhase:        target,
		ImprovementKW:  best,
		NewImbalanceKW: newImb,
		Reason: fmt.Sprintf("%s: move %.2f kW off %s to split exporters and importers",
			types.ConflictMarker, math.Abs(mover.powerKW), source),
	}
}

// bruteForce evaluates every candidate against every other phase and keeps
// the strictly largest improvement above the hysteresis floor. Ties keep the
// first move found.
func (s *search) bruteForce(ctx context.Context, view View, cands []candidate, sources, avoid []types.Phase) *types.RecommendedSwitch {
	threshold := math.Max(s.settings.SwitchImprovementKW, s.settings.HysteresisFraction*view.ImbalanceKW)
	totals := totalsOf(view.Stats)

	var best *types.RecommendedSwitch
	for _, c := range cands {
		if len(sources) > 0 && !contains(sources, c.phase) {
			continue
		}
		for _, p := range types.Phases {
			if p == c.phase || contains(avoid, p) {
				continue
			}
			ni := imbalanceAfter(totals, c.phase, p, c.powerKW)
			impr := view.ImbalanceKW - ni
			if impr <= 0 || impr < threshold {
				continue
			}
			log.Ctx(ctx).DebugContext(
				ctx,
				"candidate move",
				slog.String("houseID", c.houseID),
				slog.String("from", c.phase.String()),
				slog.String("to", p.String()),
				slog.Float64("improvementKW", impr),
			)
			if best == nil || impr > best.ImprovementKW {
				best = &types.RecommendedSwitch{
					HouseID:        c.houseID,
					FromPhase:      c.phase,
					ToPhase:        p,
					ImprovementKW:  impr,
					NewImbalanceKW: ni,
					Reason: fmt.Sprintf("reduce imbalance from %.2f to %.2f kW (%s)",
						view.ImbalanceKW, ni, s.mode),
				}
			}
		}
	}
	return best
}

func totalsOf(stats []types.PhaseStats) [3]float64 {
	var totals [3]float64
	for _, ps := range stats {
		if i := ps.Phase.Index(); i >= 0 {
			totals[i] = ps.TotalPowerKW
		}
	}
	return totals
}

// imbalanceAfter returns the imbalance if powerKW moved from one phase to
// another.
func imbalanceAfter(totals [3]float64, from, to types.Phase, powerKW float64) float64 {
	totals[from.Index()] -= powerKW
	totals[to.Index()] += powerKW
	hi, lo := totals[0], totals[0]
	for _, t := range totals[1:] {
		hi = math.Max(hi, t)
		lo = math.Min(lo, t)
	}
	return hi - lo
}

func contains(phases []types.Phase, p types.Phase) bool {
	for _, q := range phases {
		if q == p {
			return true
		}
	}
	return false
}
