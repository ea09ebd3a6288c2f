package controller

import (
	"fmt"
	"math"
	"time"

	"github.com/phaserudder/phaserudder/pkg/types"
)

// validate checks a recommendation against the live house state. It returns
// nil when the switch may be applied.
func (c *Controller) validate(rec types.RecommendedSwitch, imbalanceKW float64, now time.Time) error {
	h, ok := c.store.House(rec.HouseID)
	if !ok {
		return &types.RejectionError{HouseID: rec.HouseID, Reason: types.RejectionUnknownHouse}
	}

	conflict := rec.IsConflictResolution()
	if !h.NeverSwitched() && !(conflict && c.settings.ConflictBypassesCooldown) {
		if since := now.Sub(h.LastChanged); since < c.settings.MinSwitchGap {
			return &types.RejectionError{
				HouseID: rec.HouseID,
				Reason:  types.RejectionCooldown,
				Detail:  fmt.Sprintf("switched %s ago", since.Round(time.Second)),
			}
		}
	}
	if conflict {
		return nil
	}

	if rec.ImprovementKW <= 0 {
		return &types.RejectionError{
			HouseID: rec.HouseID,
			Reason:  types.RejectionNoImprovement,
			Detail:  fmt.Sprintf("improvement %.3f kW", rec.ImprovementKW),
		}
	}

	var raw float64
	if h.LastReading != nil {
		raw = h.LastReading.PowerKW
	}
	strong := math.Abs(raw) >= c.settings.StrongHouseKW
	high := imbalanceKW >= c.settings.HighImbalanceKW
	good := rec.ImprovementKW >= c.settings.SwitchImprovementKW
	if !strong && !high && !good {
		return &types.RejectionError{
			HouseID: rec.HouseID,
			Reason:  types.RejectionWeakMove,
			Detail:  fmt.Sprintf("power %.3f kW, imbalance %.3f kW, improvement %.3f kW", raw, imbalanceKW, rec.ImprovementKW),
		}
	}
	return nil
}
