// Package store holds the per-house state the balancing engine decides on.
//
// A Store is not safe for concurrent use. The controller serializes every
// call behind its own mutex so that a reading update and the cycle that
// follows it observe the same state.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/phaserudder/phaserudder/pkg/clock"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/storage"
	"github.com/phaserudder/phaserudder/pkg/types"
)

// Store is an arena of house states indexed by house id.
type Store struct {
	db       storage.Database
	clock    clock.Clock
	settings types.Settings

	houses []types.HouseState
	index  map[string]int
}

// New returns an empty Store. db may be nil, in which case nothing is
// persisted.
func New(db storage.Database, clk clock.Clock, settings types.Settings) *Store {
	return &Store{
		db:       db,
		clock:    clk,
		settings: settings,
		index:    make(map[string]int),
	}
}

// Register adds a house on phase with no reading. LastChanged starts at the
// epoch so the house is immediately eligible for switching.
func (s *Store) Register(ctx context.Context, houseID string, phase types.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidPhase, phase)
	}
	if _, ok := s.index[houseID]; ok {
		return fmt.Errorf("%w: %s", types.ErrAlreadyRegistered, houseID)
	}
	s.index[houseID] = len(s.houses)
	s.houses = append(s.houses, types.HouseState{
		HouseID:     houseID,
		Phase:       phase,
		LastChanged: types.Epoch,
	})
	log.Ctx(ctx).InfoContext(ctx, "registered house", slog.String("houseID", houseID), slog.String("phase", phase.String()))

	if err := s.saveState(ctx); err != nil {
		return err
	}
	return nil
}

// UpdateReading records a reading stamped with the store clock and folds the
// power into the smoothed value. A *types.PersistenceError means the reading
// was applied in memory but not durably recorded.
func (s *Store) UpdateReading(ctx context.Context, houseID string, voltage, current, powerKW float64) (types.Reading, error) {
	i, ok := s.index[houseID]
	if !ok {
		return types.Reading{}, fmt.Errorf("%w: %s", types.ErrUnknownHouse, houseID)
	}
	h := &s.houses[i]

	r := types.Reading{
		Timestamp: s.clock.Now(),
		Voltage:   voltage,
		Current:   current,
		PowerKW:   powerKW,
	}
	h.LastReading = &r
	smoothed := powerKW
	if h.SmoothedPowerKW != nil {
		alpha := s.settings.EWMAAlpha
		smoothed = alpha*powerKW + (1-alpha)*(*h.SmoothedPowerKW)
	}
	h.SmoothedPowerKW = &smoothed

	log.Ctx(ctx).DebugContext(
		ctx,
		"updated reading",
		slog.String("houseID", houseID),
		slog.Float64("powerKW", powerKW),
		slog.Float64("smoothedPowerKW", smoothed),
	)

	var perr error
	if s.db != nil {
		err := s.db.AppendTelemetry(ctx, types.TelemetryEvent{
			ID:        types.NewEventID(),
			HouseID:   houseID,
			Phase:     h.Phase,
			Timestamp: r.Timestamp,
			Voltage:   voltage,
			Current:   current,
			PowerKW:   powerKW,
		})
		if err != nil {
			perr = &types.PersistenceError{Op: "appendTelemetry", Err: err}
			log.Ctx(ctx).WarnContext(ctx, "failed to append telemetry", slog.String("houseID", houseID), slog.Any("error", err))
		}
	}
	if err := s.saveState(ctx); err != nil && perr == nil {
		perr = err
	}
	return r, perr
}

// ApplySwitch moves a house to newPhase. It is the only way a house changes
// phase. LastChanged never moves backwards even if the clock does.
func (s *Store) ApplySwitch(ctx context.Context, houseID string, newPhase types.Phase, reason string) (types.SwitchEvent, error) {
	i, ok := s.index[houseID]
	if !ok {
		return types.SwitchEvent{}, fmt.Errorf("%w: %s", types.ErrUnknownHouse, houseID)
	}
	if !newPhase.Valid() {
		return types.SwitchEvent{}, fmt.Errorf("%w: %q", types.ErrInvalidPhase, newPhase)
	}
	h := &s.houses[i]
	if h.Phase == newPhase {
		return types.SwitchEvent{}, fmt.Errorf("%w: house %s is already on %s", types.ErrInvalidPhase, houseID, newPhase)
	}

	now := s.clock.Now()
	event := types.SwitchEvent{
		ID:        types.NewEventID(),
		Timestamp: now,
		HouseID:   houseID,
		FromPhase: h.Phase,
		ToPhase:   newPhase,
		Reason:    reason,
	}
	h.Phase = newPhase
	if now.After(h.LastChanged) {
		h.LastChanged = now
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"applied switch",
		slog.String("houseID", houseID),
		slog.String("from", event.FromPhase.String()),
		slog.String("to", event.ToPhase.String()),
		slog.String("reason", reason),
	)

	var perr error
	if s.db != nil {
		if err := s.db.AppendSwitch(ctx, event); err != nil {
			perr = &types.PersistenceError{Op: "appendSwitch", Err: err}
			log.Ctx(ctx).WarnContext(ctx, "failed to append switch", slog.String("houseID", houseID), slog.Any("error", err))
		}
	}
	if err := s.saveState(ctx); err != nil && perr == nil {
		perr = err
	}
	return event, perr
}

// House returns a copy of a house's state.
func (s *Store) House(houseID string) (types.HouseState, bool) {
	i, ok := s.index[houseID]
	if !ok {
		return types.HouseState{}, false
	}
	return s.houses[i].Clone(), true
}

// Houses returns copies of every house sorted by id.
func (s *Store) Houses() []types.HouseState {
	out := make([]types.HouseState, len(s.houses))
	for i, h := range s.houses {
		out[i] = h.Clone()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HouseID < out[j].HouseID
	})
	return out
}

// ForEach calls fn for every house in registration order. fn must not
// retain or modify the reading and smoothed pointers.
func (s *Store) ForEach(fn func(h types.HouseState)) {
	for _, h := range s.houses {
		fn(h)
	}
}

// Len returns the number of registered houses.
func (s *Store) Len() int {
	return len(s.houses)
}

func (s *Store) saveState(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.SaveState(ctx, s.Houses()); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to save house state", slog.Any("error", err))
		return &types.PersistenceError{Op: "saveState", Err: err}
	}
	return nil
}
