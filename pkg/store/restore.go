package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/types"
)

// Restore rebuilds the arena from the persisted snapshot according to the
// startup policy in the store's settings. It must be called before any
// other method.
func (s *Store) Restore(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	policy := s.settings.Startup
	l := log.Ctx(ctx)

	if policy.ResetTelemetry {
		if err := s.db.ClearTelemetry(ctx); err != nil {
			return fmt.Errorf("failed to clear telemetry: %w", err)
		}
	}
	if policy.ResetSwitchHistory {
		if err := s.db.ClearSwitchHistory(ctx); err != nil {
			return fmt.Errorf("failed to clear switch history: %w", err)
		}
	}

	s.houses = nil
	s.index = make(map[string]int)

	if policy.ResetHouses {
		l.InfoContext(ctx, "startup: dropping all house registrations")
		if err := s.db.SaveState(ctx, nil); err != nil {
			return fmt.Errorf("failed to reset house state: %w", err)
		}
		return nil
	}

	snapshot, err := s.db.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load house state: %w", err)
	}
	for _, h := range snapshot {
		if !h.Phase.Valid() {
			l.WarnContext(ctx, "startup: skipping house with invalid phase", slog.String("houseID", h.HouseID), slog.String("phase", string(h.Phase)))
			continue
		}
		if _, ok := s.index[h.HouseID]; ok {
			l.WarnContext(ctx, "startup: skipping duplicate house", slog.String("houseID", h.HouseID))
			continue
		}
		if h.LastChanged.Before(types.Epoch) {
			h.LastChanged = types.Epoch
		}
		s.index[h.HouseID] = len(s.houses)
		s.houses = append(s.houses, h.Clone())
	}

	if policy.ResetReadings {
		for i := range s.houses {
			s.houses[i].LastReading = nil
			s.houses[i].SmoothedPowerKW = nil
		}
		l.InfoContext(ctx, "startup: kept phase assignments, cleared readings", slog.Int("houses", len(s.houses)))
		return s.saveStateErr(ctx)
	}

	var since time.Time
	if s.settings.ReadingExpiry > 0 {
		since = s.clock.Now().Add(-s.settings.ReadingExpiry)
	}
	latest, err := s.db.GetLatestTelemetry(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load latest telemetry: %w", err)
	}

	replayed := 0
	for i := range s.houses {
		h := &s.houses[i]
		event, ok := latest[h.HouseID]
		if !ok {
			h.LastReading = nil
			if s.settings.SmoothingReseed != types.SmoothingReseedPersisted {
				h.SmoothedPowerKW = nil
			}
			continue
		}
		r := event.Reading()
		h.LastReading = &r
		if s.settings.SmoothingReseed != types.SmoothingReseedPersisted || h.SmoothedPowerKW == nil {
			p := r.PowerKW
			h.SmoothedPowerKW = &p
		}
		replayed++
	}
	l.InfoContext(
		ctx,
		"startup: replayed telemetry",
		slog.Int("houses", len(s.houses)),
		slog.Int("replayed", replayed),
		slog.String("smoothingReseed", string(s.settings.SmoothingReseed)),
	)
	return s.saveStateErr(ctx)
}

// saveStateErr is saveState for callers that treat persistence failure as
// fatal.
func (s *Store) saveStateErr(ctx context.Context) error {
	if err := s.saveState(ctx); err != nil {
		return fmt.Errorf("failed to save restored state: %w", err)
	}
	return nil
}
